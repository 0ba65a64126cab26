package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNotFound は録画またはトランスクリプトが存在しない場合のエラー
	ErrNotFound = errors.New("transcript not found")

	// ErrNotReady はトランスクリプトの処理が完了していない場合のエラー
	ErrNotReady = errors.New("transcript processing not ready")

	// ErrUnauthorized は外部サービスの認証に失敗した場合のエラー
	ErrUnauthorized = errors.New("transcript source unauthorized")

	// ErrInvalidFormat はトランスクリプトの形式が不正な場合のエラー
	ErrInvalidFormat = errors.New("invalid transcript format")
)

// Source はトランスクリプトの取得元
type Source interface {
	Fetch(ctx context.Context, recordingID string) (*Transcript, error)
}

// SourceFunc は関数を Source として扱うためのアダプタ
type SourceFunc func(ctx context.Context, recordingID string) (*Transcript, error)

// Fetch は f(ctx, recordingID) を呼び出す
func (f SourceFunc) Fetch(ctx context.Context, recordingID string) (*Transcript, error) {
	return f(ctx, recordingID)
}

// CachedSource はキャッシュを経由して下位の Source から取得する
type CachedSource struct {
	cache  *Cache
	source Source
	ttl    time.Duration
	logger *slog.Logger
}

// CachedSourceOption は CachedSource のオプション設定
type CachedSourceOption func(*CachedSource)

// WithCachedSourceLogger は CachedSource にロガーを設定する
func WithCachedSourceLogger(logger *slog.Logger) CachedSourceOption {
	return func(s *CachedSource) {
		s.logger = logger
	}
}

// NewCachedSource は新しい CachedSource を作成する
func NewCachedSource(cache *Cache, source Source, ttl time.Duration, opts ...CachedSourceOption) *CachedSource {
	s := &CachedSource{
		cache:  cache,
		source: source,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Fetch はキャッシュにあればそれを返し、なければ下位の Source から取得して格納する
func (s *CachedSource) Fetch(ctx context.Context, recordingID string) (*Transcript, error) {
	if t, ok := s.cache.Get(recordingID); ok {
		s.logger.Debug("transcript cache hit", "recordingID", recordingID)
		return t, nil
	}

	t, err := s.source.Fetch(ctx, recordingID)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript %q: %w", recordingID, err)
	}

	s.cache.Put(recordingID, t, s.ttl)
	s.logger.Info("transcript fetched",
		"recordingID", recordingID,
		"speakers", len(t.Speakers),
		"duration", t.Duration,
		"textLength", len(t.Text),
	)
	return t, nil
}

// Mux は "scheme:id" 形式の参照をスキームごとの Source に振り分ける。
// スキームを持たない参照はデフォルトの Source に渡す。
type Mux struct {
	sources  map[string]Source
	fallback Source
}

// NewMux は新しい Mux を作成する
func NewMux(fallback Source) *Mux {
	return &Mux{
		sources:  make(map[string]Source),
		fallback: fallback,
	}
}

// Handle はスキームに Source を登録する
func (m *Mux) Handle(scheme string, source Source) {
	m.sources[scheme] = source
}

// Fetch は参照のスキームに対応する Source から取得する
func (m *Mux) Fetch(ctx context.Context, ref string) (*Transcript, error) {
	if scheme, id, ok := strings.Cut(ref, ":"); ok {
		if source, found := m.sources[scheme]; found {
			return source.Fetch(ctx, id)
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("%w: no source for reference %q", ErrNotFound, ref)
	}
	return m.fallback.Fetch(ctx, ref)
}
