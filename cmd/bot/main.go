package main

import (
	"context"
	"log"

	"grid_bot/internal/engine"
	"grid_bot/internal/modules/config"
	"grid_bot/internal/modules/health"
	"grid_bot/internal/modules/postgres"
	"grid_bot/pkg/logger"
	"grid_bot/pkg/tracing"

	"go.uber.org/fx"
)

func main() {
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}
	logger.SetServiceName("grid_bot")
	tracing.SetServiceName("grid_bot")

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		health.Module(),
		engine.Module(),
		fx.Invoke(func(cfg *config.Config) {
			if cfg.Jaeger.Host == "" {
				return
			}
			if _, _, err := tracing.InitTracer(tracing.Config{
				Host: cfg.Jaeger.Host,
				Port: cfg.Jaeger.Port,
			}); err != nil {
				logger.Error("jaeger init failed: %v", err)
			}
		}),
	)
	app.Run()
}
