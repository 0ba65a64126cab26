package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"

	// Output は出力先（nil の場合は標準エラー出力）
	Output io.Writer
}

// DefaultConfig はデフォルトのロガー設定
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "json",
	}
}

// ParseLevel はログレベル名を slog.Level に変換する。未知の値は Info として扱う
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します
func New(cfg Config) *slog.Logger {
	logger := slog.New(NewHandler(cfg))
	slog.SetDefault(logger)

	return logger
}

// NewHandler は設定に応じた slog.Handler を作成します
func NewHandler(cfg Config) slog.Handler {
	// 標準出力は Markdown/JSON のスナップショット出力に使うため、ログは標準エラー出力へ
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	switch cfg.Format {
	case "text":
		return slog.NewTextHandler(out, opts)
	default: // "json"
		return slog.NewJSONHandler(out, opts)
	}
}
