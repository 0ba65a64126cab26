package cli

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/jinford/meeting-snapshot/internal/interface/httpapi"
)

// ServerStartAction は HTTP サーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cfg := appCtx.Config.Server
	if port := cmd.Int("port"); port > 0 {
		cfg.Port = port
	}
	gin.SetMode(cfg.GinMode)

	c := appCtx.Container
	router := httpapi.NewRouter(c.SnapshotService, c.Fields,
		httpapi.WithRouterLogger(appCtx.Logger()),
		httpapi.WithMetricsHandler(c.Metrics.Handler()),
	)

	return httpapi.Serve(ctx, cfg.Addr(), router, cfg.ShutdownTimeout, appCtx.Logger())
}
