package engine

import (
	"context"
	"sync"
	"time"

	"grid_bot/internal/exchange"
	"grid_bot/internal/models"
	"grid_bot/internal/modules/config"
	"grid_bot/pkg/logger"
)

type eventKind int

const (
	evTick eventKind = iota
	evFill
	evEnsure
)

type event struct {
	kind eventKind
	tick models.OrderbookTick
	fill models.TradeFill
}

// symbolWorker — единственный мутатор грида и позиции своего символа.
// Все события (тики, филлы, ensure) проходят через одну очередь, что даёт
// порядок обработки внутри символа; разные символы друг друга не блокируют.
type symbolWorker struct {
	e      *Engine
	symbol string
	cfg    config.SymbolConfig
	creds  exchange.Credentials

	queue chan event

	// всё ниже трогает только горутина run()
	grid       *models.Grid
	pos        *models.Position
	market     *exchange.MarketInfo
	recreateAt time.Time // дедлайн отложенного пересоздания после REJECTED

	statsMu sync.Mutex
	stats   models.SymbolStats
}

func newSymbolWorker(e *Engine, sc config.SymbolConfig, creds exchange.Credentials) *symbolWorker {
	return &symbolWorker{
		e:      e,
		symbol: sc.Symbol,
		cfg:    sc,
		creds:  creds,
		queue:  make(chan event, 256),
		stats: models.SymbolStats{
			Symbol: sc.Symbol,
			Status: models.BotRunning,
		},
	}
}

func (w *symbolWorker) run(ctx context.Context) {
	w.statsMu.Lock()
	w.stats.StartedAt = time.Now().Unix()
	w.statsMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			w.handle(ctx, ev)
		}
	}
}

// handle не даёт ошибке одного символа уронить процесс: паника гасится здесь,
// статус уходит в error, остальные воркеры продолжают работать.
func (w *symbolWorker) handle(ctx context.Context, ev event) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("[%s] handler panic: %v", w.symbol, p)
			w.setStatus(models.BotError, "handler panic")
			w.e.sendf("❗️ [%s] обработчик упал: %v", w.symbol, p)
		}
	}()

	switch ev.kind {
	case evTick:
		w.handleTick(ctx, ev.tick)
	case evFill:
		w.handleFill(ctx, ev.fill)
	case evEnsure:
		w.ensureGrid(ctx)
	}
}

func (w *symbolWorker) handleTick(ctx context.Context, t models.OrderbookTick) {
	// сперва позиция: закрытие по SL/TP/слиппеджу важнее передвижения грида
	if w.pos != nil {
		w.monitorTick(ctx, t)
	}

	if !w.recreateAt.IsZero() && !time.Now().Before(w.recreateAt) {
		w.recreateAt = time.Time{}
		w.ensureGrid(ctx)
	}

	w.maybeReposition(ctx, t)
}

// maybeReposition — чисто реактивная политика: вышли за конверт — сносим и
// пересоздаём сразу, без задержек. Блокируется только активным локом.
func (w *symbolWorker) maybeReposition(ctx context.Context, t models.OrderbookTick) {
	switch w.grid.State() {
	case models.GridPartial:
		if w.lockedOrErr(ctx) {
			return
		}
		if err := w.reactivateGrid(ctx); err != nil {
			logger.Error("[%s] reactivate: %v", w.symbol, err)
		}

	case models.GridComplete:
		mid := t.Mid()
		if mid >= w.grid.BidPrice && mid <= w.grid.AskPrice {
			return
		}
		if w.lockedOrErr(ctx) {
			return
		}
		logger.Info("[%s] price %.8f left envelope [%.8f, %.8f], rebuilding grid",
			w.symbol, mid, w.grid.BidPrice, w.grid.AskPrice)
		w.cancelAll(ctx)
		if err := w.createGrid(ctx); err != nil {
			logger.Error("[%s] recreate after reposition: %v", w.symbol, err)
		}
	}
}

// lockedOrErr: недоступный стор локов блокирует мутации (fail closed).
func (w *symbolWorker) lockedOrErr(ctx context.Context) bool {
	locked, err := w.e.locks.HasActive(ctx, w.e.cfg.BotID, w.symbol)
	if err != nil {
		return true
	}
	return locked
}

func (w *symbolWorker) enqueueTick(t models.OrderbookTick) {
	select {
	case w.queue <- event{kind: evTick, tick: t}:
	default:
		// очередь забита — тик дропаем, следующий принесёт свежую цену
	}
}

func (w *symbolWorker) enqueueFill(ctx context.Context, f models.TradeFill) {
	select {
	case w.queue <- event{kind: evFill, fill: f}:
	case <-ctx.Done():
	}
}

func (w *symbolWorker) enqueueEnsure() {
	select {
	case w.queue <- event{kind: evEnsure}:
	default:
	}
}

func (w *symbolWorker) setStatus(st models.BotStatus, msg string) {
	w.statsMu.Lock()
	w.stats.Status = st
	w.stats.StatusMsg = msg
	w.statsMu.Unlock()
}

func (w *symbolWorker) recordTrade(price, qty float64, side string) {
	w.statsMu.Lock()
	w.stats.TradeCount++
	w.stats.Volume += price * qty
	if side == models.PositionLong {
		w.stats.NetPosition += qty
	} else {
		w.stats.NetPosition -= qty
	}
	w.statsMu.Unlock()

	if w.e.met != nil {
		w.e.met.VolumeTotal.WithLabelValues(w.symbol).Add(price * qty)
	}
}

func (w *symbolWorker) snapshot() models.SymbolStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// ensureMarket лениво тянет параметры инструмента; без них не округлить цены.
func (w *symbolWorker) ensureMarket(ctx context.Context) error {
	if w.market != nil {
		return nil
	}
	mi, err := w.e.adapter.GetMarketInfo(ctx, w.symbol, w.creds)
	if err != nil {
		return err
	}
	w.market = mi
	return nil
}
