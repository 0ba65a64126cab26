package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

type routerOptions struct {
	logger  *slog.Logger
	metrics http.Handler
}

// RouterOption は NewRouter のオプション設定
type RouterOption func(*routerOptions)

// WithRouterLogger はロガーを設定する
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(o *routerOptions) {
		o.logger = logger
	}
}

// WithMetricsHandler は /metrics に公開するハンドラを設定する
func WithMetricsHandler(handler http.Handler) RouterOption {
	return func(o *routerOptions) {
		o.metrics = handler
	}
}

// NewRouter はミドルウェアとルートを登録した gin.Engine を作成する
func NewRouter(service *snapshot.SnapshotService, fields *snapshot.StaticFieldRegistry, opts ...RouterOption) *gin.Engine {
	options := routerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	r := gin.New()
	r.Use(
		requestID(),
		requestLogger(options.logger),
		gin.Recovery(),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if options.metrics != nil {
		r.GET("/metrics", gin.WrapH(options.metrics))
	}

	api := r.Group("/api/v1")
	NewHandler(service, fields).RegisterRoutes(api)

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not_found", "route not found", nil)
	})

	return r
}

// Serve は addr で HTTP サーバーを起動し、ctx がキャンセルされるとグレースフルに停止する
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}
