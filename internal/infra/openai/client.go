package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出し1回あたりのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set LLM_API_KEY environment variable")

	// ErrNoChoices はレスポンスに候補が含まれない場合のエラー
	ErrNoChoices = errors.New("no completion choices returned")
)

// Client は OpenAI Chat Completions API を使用した LLM クライアント。
// 1回の呼び出しは1回の試行で、リトライは呼び出し側の retry.Invoker が行う。
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

type clientOptions struct {
	model      string
	timeout    time.Duration
	baseURL    string
	httpClient *http.Client
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel はデフォルトモデルを上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithTimeout は1回の呼び出しのタイムアウトを上書きする
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithBaseURL は API のベースURLを上書きする（互換APIやテスト用）
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = httpClient
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:   DefaultModel,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// SDK 内部のリトライは使わない
		option.WithMaxRetries(0),
	}
	if options.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(options.baseURL))
	}
	if options.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(options.httpClient))
	}

	return &Client{
		client:  openai.NewClient(reqOpts...),
		model:   options.model,
		timeout: options.timeout,
	}, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion は OpenAI API を1回呼び出してテキストを生成する。
// エラーは snapshot.TransientUpstreamError か snapshot.TerminalUpstreamError に分類して返す。
func (c *Client) GenerateCompletion(ctx context.Context, req snapshot.CompletionRequest) (snapshot.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		// 呼び出し元のキャンセルは分類せずに返す
		if ctx.Err() != nil {
			return snapshot.CompletionResponse{}, ctx.Err()
		}
		return snapshot.CompletionResponse{}, classifyError(err)
	}

	if len(completion.Choices) == 0 {
		return snapshot.CompletionResponse{}, &snapshot.TransientUpstreamError{Op: "chat completion", Err: ErrNoChoices}
	}

	return snapshot.CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
		Model:      string(completion.Model),
	}, nil
}

// classifyError は API エラーを一時的なものと終端的なものに分類する
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if isRetryableStatus(apiErr.StatusCode) {
			return &snapshot.TransientUpstreamError{Op: "chat completion", Err: fmt.Errorf("OpenAI API returned %d: %w", apiErr.StatusCode, err)}
		}
		return &snapshot.TerminalUpstreamError{Op: "chat completion", Err: fmt.Errorf("OpenAI API returned %d: %w", apiErr.StatusCode, err)}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &snapshot.TransientUpstreamError{Op: "chat completion", Err: err}
	}

	return &snapshot.TerminalUpstreamError{Op: "chat completion", Err: fmt.Errorf("OpenAI API call failed: %w", err)}
}

func isRetryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// インターフェース実装の確認
var _ snapshot.LLMClient = (*Client)(nil)
