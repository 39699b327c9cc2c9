package engine

import (
	"context"
	"sync"

	"grid_bot/internal/exchange"
	"grid_bot/internal/metrics"
	"grid_bot/internal/models"
	"grid_bot/internal/modules/config"
	healthsvc "grid_bot/internal/modules/health/service"
	"grid_bot/pkg/logger"
)

// OrderStore — durable-хранилище ордеров. Get* отдают (nil, nil), когда записи нет.
type OrderStore interface {
	Insert(ctx context.Context, ord *models.Order) error
	UpdateStatus(ctx context.Context, externalID string, status models.OrderStatus) (int64, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	OpenBySymbol(ctx context.Context, botID int64, symbol string) ([]*models.Order, error)
}

// LockStore — персистентный координатор локов (см. internal/pg).
// Create обязан быть атомарным на уровне стора; HasActive при ошибке стора
// возвращает true (fail closed).
type LockStore interface {
	HasActive(ctx context.Context, botID int64, symbol string) (bool, error)
	Create(ctx context.Context, lock *models.TradingLock) (bool, error)
	UpdateMetadata(ctx context.Context, botID int64, symbol string, meta models.LockMetadata) (int64, error)
	Release(ctx context.Context, botID int64, symbol string) (bool, error)
	Get(ctx context.Context, botID int64, symbol string) (*models.TradingLock, error)
}

type Notifier interface {
	Sendf(format string, args ...any)
}

type Deps struct {
	Adapter  exchange.Adapter
	Orders   OrderStore
	Locks    LockStore
	Notifier Notifier        // nil = уведомления выключены
	Metrics  *metrics.Set    // nil в тестах
	Health   *healthsvc.State // nil в тестах
}

// Engine держит per-symbol воркеры и раздаёт им события стримов.
// Грид/позиция каждого символа мутируются только его воркером.
type Engine struct {
	cfg     *config.Config
	adapter exchange.Adapter
	orders  OrderStore
	locks   LockStore
	book    *BookCache
	n       Notifier
	met     *metrics.Set
	health  *healthsvc.State

	mu      sync.RWMutex
	workers map[string]*symbolWorker
	failed  []models.SymbolStats // символы, не прошедшие валидацию конфига
}

func New(cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		cfg:     cfg,
		adapter: deps.Adapter,
		orders:  deps.Orders,
		locks:   deps.Locks,
		book:    NewBookCache(cfg.OrderbookTTL),
		n:       deps.Notifier,
		met:     deps.Metrics,
		health:  deps.Health,
		workers: make(map[string]*symbolWorker),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	creds := exchange.Credentials{
		APIKey:    e.cfg.Exchange.APIKey,
		APISecret: e.cfg.Exchange.APISecret,
	}

	symbols := make([]string, 0, len(e.cfg.Symbols))
	for _, raw := range e.cfg.Symbols {
		sc := e.cfg.SymbolOrDefault(raw)
		if err := validateSymbol(sc); err != nil {
			// невалидный конфиг фатален для этого символа, не для процесса
			logger.Error("[ENGINE] %s: config rejected: %v", sc.Symbol, err)
			e.sendf("⛔️ [%s] не запущен: %v", sc.Symbol, err)
			e.failed = append(e.failed, models.SymbolStats{
				Symbol:    sc.Symbol,
				Status:    models.BotError,
				StatusMsg: err.Error(),
			})
			continue
		}

		w := newSymbolWorker(e, sc, creds)
		e.mu.Lock()
		e.workers[sc.Symbol] = w
		e.mu.Unlock()
		symbols = append(symbols, sc.Symbol)
	}

	if err := e.adapter.ConnectStream(ctx, exchange.StreamHandlers{
		OnOrderbookUpdate: func(t models.OrderbookTick) { e.onOrderbookUpdate(ctx, t) },
		OnUserTradeUpdate: func(f models.TradeFill) { e.onUserTradeUpdate(ctx, f) },
		OnConnected: func(v bool) {
			if e.health != nil {
				e.health.SetWSConnected(v)
			}
		},
	}); err != nil {
		return err
	}
	if err := e.adapter.SubscribeOrderbook(symbols); err != nil {
		return err
	}
	if err := e.adapter.SubscribeUserTrades(symbols, creds); err != nil {
		return err
	}

	e.mu.RLock()
	for _, w := range e.workers {
		go w.run(ctx)
		w.enqueueEnsure() // стартовая реконсиляция (§ recovery)
	}
	e.mu.RUnlock()

	if e.health != nil {
		e.health.SetReady(true)
	}
	e.sendf("🚀 движок запущен: %d символов", len(symbols))
	return nil
}

// Stop помечает воркеры остановленными; сами горутины гасятся контекстом.
// Локи при остановке НЕ снимаются — они и есть источник правды для рестарта.
func (e *Engine) Stop() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, w := range e.workers {
		w.setStatus(models.BotStopped, "")
	}
	if e.health != nil {
		e.health.SetReady(false)
	}
}

func (e *Engine) worker(symbol string) *symbolWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers[symbol]
}

func (e *Engine) onOrderbookUpdate(ctx context.Context, t models.OrderbookTick) {
	e.book.Put(t)
	if e.health != nil {
		e.health.TouchTick(t.Ts)
	}
	w := e.worker(t.Symbol)
	if w == nil {
		return
	}
	// тики идемпотентны: при забитой очереди старый можно выкинуть
	w.enqueueTick(t)
}

func (e *Engine) onUserTradeUpdate(ctx context.Context, f models.TradeFill) {
	if e.health != nil {
		e.health.TouchFill(f.Ts)
	}
	w := e.worker(f.Symbol)
	if w == nil {
		logger.Error("[ENGINE] fill for unknown symbol %s, order %s", f.Symbol, f.OrderID)
		return
	}
	// филлы не теряем никогда
	w.enqueueFill(ctx, f)
}

// Snapshot — read-only метрики по символам для healthz/нотификаций.
func (e *Engine) Snapshot() []models.SymbolStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.SymbolStats, 0, len(e.workers)+len(e.failed))
	for _, w := range e.workers {
		out = append(out, w.snapshot())
	}
	out = append(out, e.failed...)
	return out
}

func (e *Engine) sendf(format string, args ...any) {
	if e.n != nil {
		e.n.Sendf(format, args...)
	}
}

func validateSymbol(sc config.SymbolConfig) error {
	switch {
	case sc.Symbol == "":
		return errValidation("symbol is empty")
	case sc.SpreadPct <= 0:
		return errValidation("spread_pct must be > 0")
	case sc.Amount <= 0:
		return errValidation("amount must be > 0")
	case sc.StopPct <= 0 || sc.TakeProfitPct <= 0:
		return errValidation("stop_pct and take_profit_pct must be > 0")
	}
	return nil
}

type errValidation string

func (e errValidation) Error() string { return string(e) }
