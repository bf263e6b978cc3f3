package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/organic-market/internal/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app.Run(run)
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
	cfg, err := appkg.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	lg.Info("Starting market API", zap.String("version", version))
	return appkg.Run(ctx, lg, m, cfg)
}
