package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

const (
	// DefaultBaseURL は Zoom REST API のベースURL
	DefaultBaseURL = "https://api.zoom.us/v2"

	// DefaultTokenURL は Server-to-Server OAuth のトークンエンドポイント
	DefaultTokenURL = "https://zoom.us/oauth/token"

	// DefaultTimeout は1リクエストあたりのデフォルトタイムアウト
	DefaultTimeout = 30 * time.Second

	// DefaultLookback は録画一覧のデフォルト検索期間
	DefaultLookback = 30 * 24 * time.Hour

	defaultPageSize = 30
	maxPageSize     = 300

	fileTypeTranscript = "TRANSCRIPT"
	extensionVTT       = "VTT"
	statusCompleted    = "completed"
)

// ErrCredentialsNotSet は認証情報が不足している場合のエラー
var ErrCredentialsNotSet = errors.New("zoom credentials not set: ZOOM_ACCOUNT_ID, ZOOM_CLIENT_ID and ZOOM_CLIENT_SECRET are required")

// Config は Zoom クライアントの設定
type Config struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	// UserID は録画一覧を取得するユーザー。空の場合は "me"
	UserID   string
	BaseURL  string
	TokenURL string
	Timeout  time.Duration
}

// Client は Zoom のクラウド録画からトランスクリプトを取得する。
// transcript.Source を実装する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	userID     string
	invoker    *retry.Invoker
	logger     *slog.Logger
	now        func() time.Time
}

// Option は Client のオプション設定
type Option func(*Client)

// WithInvoker は API 呼び出しを retry.Invoker 経由で行う
func WithInvoker(invoker *retry.Invoker) Option {
	return func(c *Client) {
		c.invoker = invoker
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBaseHTTPClient はトークン取得と API 呼び出しに使う下位の HTTP クライアントを設定する
func WithBaseHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient は新しい Zoom クライアントを作成する
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AccountID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrCredentialsNotSet
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userID:     cfg.UserID,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Zoom は grant_type=account_credentials と account_id を要求する
	oauthConfig := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
		EndpointParams: url.Values{
			"grant_type": {"account_credentials"},
			"account_id": {cfg.AccountID},
		},
	}

	// トークン取得にも同じ下位クライアントを使う
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	authorized := oauthConfig.Client(tokenCtx)
	authorized.Timeout = c.httpClient.Timeout
	c.httpClient = authorized

	return c, nil
}

// Recording は録画済みミーティングの概要
type Recording struct {
	MeetingID     string    `json:"meetingId"`
	UUID          string    `json:"uuid"`
	Topic         string    `json:"topic"`
	StartTime     time.Time `json:"startTime"`
	Duration      int       `json:"duration"`
	HasTranscript bool      `json:"hasTranscript"`
}

// ListOptions は録画一覧の検索条件
type ListOptions struct {
	From     time.Time
	To       time.Time
	PageSize int
	// Topic が空でない場合、トピックに部分一致する録画だけを返す（大文字小文字を区別しない）
	Topic string
	// TranscriptOnly が true の場合、VTT トランスクリプトを持つ録画だけを返す
	TranscriptOnly bool
}

type recordingFile struct {
	ID            string `json:"id"`
	FileType      string `json:"file_type"`
	FileExtension string `json:"file_extension"`
	DownloadURL   string `json:"download_url"`
	Status        string `json:"status"`
}

type meeting struct {
	UUID           string          `json:"uuid"`
	ID             json.Number     `json:"id"`
	Topic          string          `json:"topic"`
	StartTime      time.Time       `json:"start_time"`
	Duration       int             `json:"duration"`
	RecordingFiles []recordingFile `json:"recording_files"`
}

type recordingsPage struct {
	NextPageToken string    `json:"next_page_token"`
	Meetings      []meeting `json:"meetings"`
}

// ListRecordings はユーザーの録画一覧を取得する。
// From/To が未指定の場合は直近30日間を検索する。
func (c *Client) ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, error) {
	to := opts.To
	if to.IsZero() {
		to = c.now()
	}
	from := opts.From
	if from.IsZero() {
		from = to.Add(-DefaultLookback)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	topic := strings.ToLower(strings.TrimSpace(opts.Topic))
	var recordings []Recording
	nextPageToken := ""

	for {
		query := url.Values{
			"from":      {from.Format("2006-01-02")},
			"to":        {to.Format("2006-01-02")},
			"page_size": {fmt.Sprintf("%d", pageSize)},
		}
		if nextPageToken != "" {
			query.Set("next_page_token", nextPageToken)
		}

		var page recordingsPage
		endpoint := fmt.Sprintf("%s/users/%s/recordings?%s", c.baseURL, url.PathEscape(c.userID), query.Encode())
		if err := c.getJSON(ctx, "list recordings", endpoint, &page); err != nil {
			return nil, err
		}

		for _, m := range page.Meetings {
			if topic != "" && !strings.Contains(strings.ToLower(m.Topic), topic) {
				continue
			}
			rec := m.toRecording()
			if opts.TranscriptOnly && !rec.HasTranscript {
				continue
			}
			recordings = append(recordings, rec)
		}

		if page.NextPageToken == "" {
			break
		}
		nextPageToken = page.NextPageToken
	}

	c.logger.Debug("listed zoom recordings",
		"userID", c.userID,
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"count", len(recordings))

	return recordings, nil
}

// MeetingRecording は1件のミーティングの録画情報を取得する
func (c *Client) MeetingRecording(ctx context.Context, meetingID string) (*Recording, error) {
	m, err := c.meeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	rec := m.toRecording()
	return &rec, nil
}

// Fetch はミーティングの VTT トランスクリプトをダウンロードして解析する
func (c *Client) Fetch(ctx context.Context, meetingID string) (*transcript.Transcript, error) {
	m, err := c.meeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	file, ok := m.transcriptFile()
	if !ok {
		return nil, fmt.Errorf("%w: meeting %s has no transcript file", transcript.ErrNotReady, meetingID)
	}
	if file.Status != "" && !strings.EqualFold(file.Status, statusCompleted) {
		return nil, fmt.Errorf("%w: transcript for meeting %s is %s", transcript.ErrNotReady, meetingID, file.Status)
	}

	body, err := c.get(ctx, "download transcript", file.DownloadURL)
	if err != nil {
		return nil, err
	}

	t, err := transcript.ParseVTTString(string(body), meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transcript for meeting %s: %w", meetingID, err)
	}
	t.Source = "zoom"

	c.logger.Info("downloaded zoom transcript",
		"meetingID", meetingID,
		"topic", m.Topic,
		"turns", len(t.Turns),
		"speakers", len(t.Speakers))

	return t, nil
}

func (c *Client) meeting(ctx context.Context, meetingID string) (*meeting, error) {
	if strings.TrimSpace(meetingID) == "" {
		return nil, fmt.Errorf("%w: empty meeting id", transcript.ErrNotFound)
	}

	// "/" や "//" を含む UUID は二重エンコードが必要
	escaped := url.PathEscape(meetingID)
	if strings.HasPrefix(meetingID, "/") || strings.Contains(meetingID, "//") {
		escaped = url.PathEscape(escaped)
	}

	var m meeting
	endpoint := fmt.Sprintf("%s/meetings/%s/recordings", c.baseURL, escaped)
	if err := c.getJSON(ctx, "get meeting recordings", endpoint, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	body, err := c.get(ctx, op, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &snapshot.TerminalUpstreamError{Op: "zoom " + op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// get は invoker が設定されていればリトライ付きで GET を実行する
func (c *Client) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	if c.invoker == nil {
		return c.doGet(ctx, op, endpoint)
	}
	body, _, err := retry.Invoke(ctx, c.invoker, "zoom "+op, func(ctx context.Context) ([]byte, error) {
		return c.doGet(ctx, op, endpoint)
	})
	return body, err
}

func (c *Client) doGet(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &snapshot.TransientUpstreamError{Op: "zoom " + op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(op, resp.StatusCode, body)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func classifyStatus(op string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Errorf("zoom %s: status %d: %s", op, status, apiErr.Message)

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", transcript.ErrNotFound, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", transcript.ErrUnauthorized, detail)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &snapshot.TransientUpstreamError{Op: "zoom " + op, Err: detail}
	default:
		return &snapshot.TerminalUpstreamError{Op: "zoom " + op, Err: detail}
	}
}

func classifyTransportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// トークン取得の失敗
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return &snapshot.TransientUpstreamError{Op: "zoom token", Err: err}
		}
		return fmt.Errorf("%w: %w", transcript.ErrUnauthorized, err)
	}

	// 接続エラーやタイムアウト
	return &snapshot.TransientUpstreamError{Op: "zoom " + op, Err: err}
}

func (m meeting) toRecording() Recording {
	_, hasTranscript := m.transcriptFile()
	return Recording{
		MeetingID:     m.ID.String(),
		UUID:          m.UUID,
		Topic:         m.Topic,
		StartTime:     m.StartTime,
		Duration:      m.Duration,
		HasTranscript: hasTranscript,
	}
}

func (m meeting) transcriptFile() (recordingFile, bool) {
	for _, f := range m.RecordingFiles {
		if strings.EqualFold(f.FileType, fileTypeTranscript) && strings.EqualFold(f.FileExtension, extensionVTT) {
			return f, true
		}
	}
	return recordingFile{}, false
}
