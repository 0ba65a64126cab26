package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
)

const sampleVTT = `WEBVTT

1
00:00:01.000 --> 00:00:05.000
Jane Smith: We rolled out the platform to 250 users at Acme Corp.

2
00:00:06.000 --> 00:00:09.000
John Doe: Support tickets dropped by 40 percent.
`

type fakeZoom struct {
	server        *httptest.Server
	tokenRequests atomic.Int32
	apiRequests   atomic.Int32
	handler       http.HandlerFunc
}

func newFakeZoom(t *testing.T, handler http.HandlerFunc) *fakeZoom {
	t.Helper()

	fz := &fakeZoom{handler: handler}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fz.tokenRequests.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "account_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "acct-1", r.PostForm.Get("account_id"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "secret-1", pass)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-abc",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fz.apiRequests.Add(1)
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		fz.handler(w, r)
	})
	fz.server = httptest.NewServer(mux)
	t.Cleanup(fz.server.Close)
	return fz
}

func (fz *fakeZoom) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(Config{
		AccountID:    "acct-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		BaseURL:      fz.server.URL + "/v2",
		TokenURL:     fz.server.URL + "/oauth/token",
	}, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{ClientID: "id", ClientSecret: "secret"})
	assert.ErrorIs(t, err, ErrCredentialsNotSet)
}

func TestClient_Fetch(t *testing.T) {
	var fz *fakeZoom
	fz = newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/meetings/98765/recordings":
			writeJSON(w, http.StatusOK, map[string]any{
				"uuid":       "abc==",
				"id":         98765,
				"topic":      "Acme QBR",
				"start_time": "2024-03-01T10:00:00Z",
				"duration":   45,
				"recording_files": []map[string]any{
					{"id": "f1", "file_type": "MP4", "file_extension": "MP4", "download_url": fz.server.URL + "/download/video", "status": "completed"},
					{"id": "f2", "file_type": "TRANSCRIPT", "file_extension": "VTT", "download_url": fz.server.URL + "/download/transcript", "status": "completed"},
				},
			})
		case "/download/transcript":
			w.Header().Set("Content-Type", "text/vtt")
			_, _ = w.Write([]byte(sampleVTT))
		default:
			http.NotFound(w, r)
		}
	})

	c := fz.client(t)
	got, err := c.Fetch(context.Background(), "98765")
	require.NoError(t, err)

	assert.Equal(t, "98765", got.RecordingID)
	assert.Equal(t, "zoom", got.Source)
	assert.Contains(t, got.Text, "250 users at Acme Corp")
	assert.ElementsMatch(t, []string{"Jane Smith", "John Doe"}, got.Speakers)
	assert.Equal(t, int32(1), fz.tokenRequests.Load(), "トークンは再利用される")
}

func TestClient_Fetch_NoTranscriptIsNotReady(t *testing.T) {
	fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    1,
			"topic": "Kickoff",
			"recording_files": []map[string]any{
				{"id": "f1", "file_type": "MP4", "file_extension": "MP4"},
			},
		})
	})

	_, err := fz.client(t).Fetch(context.Background(), "1")
	assert.ErrorIs(t, err, transcript.ErrNotReady)
}

func TestClient_Fetch_TranscriptStillProcessing(t *testing.T) {
	fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": 1,
			"recording_files": []map[string]any{
				{"id": "f1", "file_type": "TRANSCRIPT", "file_extension": "VTT", "status": "processing"},
			},
		})
	})

	_, err := fz.client(t).Fetch(context.Background(), "1")
	assert.ErrorIs(t, err, transcript.ErrNotReady)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "404は見つからない",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, transcript.ErrNotFound)
				assert.Equal(t, snapshot.ClassResourceNotFound, snapshot.Classify(err))
			},
		},
		{
			name:   "401は認証エラー",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, transcript.ErrUnauthorized)
			},
		},
		{
			name:   "403は認証エラー",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, transcript.ErrUnauthorized)
			},
		},
		{
			name:   "429は一時的エラー",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var transient *snapshot.TransientUpstreamError
				assert.ErrorAs(t, err, &transient)
			},
		},
		{
			name:   "503は一時的エラー",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var transient *snapshot.TransientUpstreamError
				assert.ErrorAs(t, err, &transient)
			},
		},
		{
			name:   "400は恒久的エラー",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var terminal *snapshot.TerminalUpstreamError
				assert.ErrorAs(t, err, &terminal)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"code": 3301, "message": "boom"})
			})

			_, err := fz.client(t).Fetch(context.Background(), "42")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_TokenFailureIsUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"reason": "Invalid client_id or client_secret", "error": "invalid_client"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{
		AccountID:    "acct-1",
		ClientID:     "bad",
		ClientSecret: "bad",
		BaseURL:      server.URL + "/v2",
		TokenURL:     server.URL + "/oauth/token",
	})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "42")
	assert.ErrorIs(t, err, transcript.ErrUnauthorized)
}

func TestClient_RetriesTransientErrorsWithInvoker(t *testing.T) {
	var calls atomic.Int32
	fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "try later"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "topic": "Retry", "recording_files": []any{}})
	})

	invoker, err := retry.NewInvoker(retry.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Multiplier: 2,
		Timeout:    5 * time.Second,
	}, retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	require.NoError(t, err)

	rec, err := fz.client(t, WithInvoker(invoker)).MeetingRecording(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "7", rec.MeetingID)
	assert.False(t, rec.HasTranscript)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ListRecordings(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	var pages atomic.Int32

	fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/users/me/recordings", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2024-03-31", r.URL.Query().Get("to"))
		assert.Equal(t, "30", r.URL.Query().Get("page_size"))

		transcriptFile := map[string]any{"file_type": "TRANSCRIPT", "file_extension": "VTT", "status": "completed"}
		if pages.Add(1) == 1 {
			assert.Empty(t, r.URL.Query().Get("next_page_token"))
			writeJSON(w, http.StatusOK, map[string]any{
				"next_page_token": "page-2",
				"meetings": []map[string]any{
					{"id": 1, "topic": "Acme Weekly Sync", "recording_files": []any{transcriptFile}},
					{"id": 2, "topic": "Internal Standup", "recording_files": []any{transcriptFile}},
				},
			})
			return
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("next_page_token"))
		writeJSON(w, http.StatusOK, map[string]any{
			"meetings": []map[string]any{
				{"id": 3, "topic": "ACME renewal", "recording_files": []any{}},
				{"id": 4, "topic": "Acme QBR", "recording_files": []any{transcriptFile}},
			},
		})
	})

	c := fz.client(t, WithClock(func() time.Time { return now }))

	t.Run("トピックで絞り込む", func(t *testing.T) {
		pages.Store(0)
		recs, err := c.ListRecordings(context.Background(), ListOptions{Topic: "acme"})
		require.NoError(t, err)

		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.MeetingID)
		}
		assert.Equal(t, []string{"1", "3", "4"}, ids)
	})

	t.Run("トランスクリプトのある録画だけ", func(t *testing.T) {
		pages.Store(0)
		recs, err := c.ListRecordings(context.Background(), ListOptions{Topic: "acme", TranscriptOnly: true})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "1", recs[0].MeetingID)
		assert.Equal(t, "4", recs[1].MeetingID)
		assert.True(t, recs[1].HasTranscript)
	})
}

func TestClient_CanceledContext(t *testing.T) {
	fz := newFakeZoom(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fz.client(t).Fetch(ctx, "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClient_ImplementsSource(t *testing.T) {
	var _ transcript.Source = (*Client)(nil)
}
