package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/platform/container"
	"github.com/jinford/meeting-snapshot/internal/platform/logger"
	"github.com/jinford/meeting-snapshot/pkg/config"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// NewAppContext は設定ファイルを読み込み、ロガーとコンテナを初期化して AppContext を作成する
func NewAppContext(ctx context.Context, envFile string, opts ...container.ContainerOption) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	// 標準出力はスナップショットの出力に使うため、ログは標準エラーへ
	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})

	opts = append([]container.ContainerOption{container.WithContainerLogger(appLogger)}, opts...)
	cont, err := container.NewContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close は実行中のジョブを止め、AppContext が保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ac.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := ac.Container.Shutdown(ctx); err != nil {
		ac.Logger().Warn("shutdown did not finish cleanly", "error", err)
	}
}

// Logger は AppContext のロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

func stdout(cmd *cli.Command) io.Writer {
	if root := cmd.Root(); root != nil && root.Writer != nil {
		return root.Writer
	}
	return os.Stdout
}

func stdin(cmd *cli.Command) io.Reader {
	if root := cmd.Root(); root != nil && root.Reader != nil {
		return root.Reader
	}
	return os.Stdin
}
