package engine

import (
	"context"

	"grid_bot/internal/exchange"
	"grid_bot/internal/metrics"
	"grid_bot/internal/modules/config"
	"grid_bot/internal/modules/health"
	healthsvc "grid_bot/internal/modules/health/service"
	"grid_bot/internal/notify"
	"grid_bot/internal/pg"
	"grid_bot/pkg/db"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			func(cfg *config.Config) exchange.Adapter {
				return exchange.NewClient(cfg.Exchange.RESTURL, cfg.Exchange.WSURL)
			},
			func(tm *db.PgTxManager) OrderStore { return pg.NewOrders(tm) },
			func(tm *db.PgTxManager) LockStore { return pg.NewLocks(tm) },
			func() *prometheus.Registry { return prometheus.NewRegistry() },
			func(reg *prometheus.Registry) *metrics.Set { return metrics.New(reg) },
			// нотифайер опционален: нет токена — движок работает молча
			func(cfg *config.Config) (Notifier, error) {
				if cfg.Telegram.Token == "" {
					return nil, nil
				}
				return notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
			},
			func(
				cfg *config.Config,
				adapter exchange.Adapter,
				orders OrderStore,
				locks LockStore,
				n Notifier,
				met *metrics.Set,
				state *healthsvc.State,
			) *Engine {
				return New(cfg, Deps{
					Adapter:  adapter,
					Orders:   orders,
					Locks:    locks,
					Notifier: n,
					Metrics:  met,
					Health:   state,
				})
			},
			func(e *Engine) health.StatsProvider { return e },
		),
		fx.Invoke(func(lc fx.Lifecycle, e *Engine, ctx context.Context) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					return e.Start(ctx)
				},
				OnStop: func(_ context.Context) error {
					e.Stop()
					return nil
				},
			})
		}),
	)
}
