package engine

import (
	"context"
	"time"

	"grid_bot/internal/models"
	"grid_bot/pkg/logger"
)

// recentOrderGuard — окно, в котором живой ордер на бирже блокирует
// размещение свежего грида (страховка от дублей при рассинхроне).
const recentOrderGuard = 60 * time.Second

// ensureGrid — идемпотентная реконсиляция: безопасно звать сколько угодно раз
// (старт движка, снятие лока, сирота, отложенное пересоздание). Смотрит на
// текущее состояние и добивает его до COMPLETE, ничего не предполагая.
func (w *symbolWorker) ensureGrid(ctx context.Context) {
	lock, err := w.e.locks.Get(ctx, w.e.cfg.BotID, w.symbol)
	if err != nil {
		logger.Error("[%s] recovery: lock lookup: %v", w.symbol, err)
		return // fail closed, ретрай на следующем событии
	}
	if lock != nil {
		// активный лок = открытая позиция; грид не трогаем, но позицию
		// восстанавливаем из metadata — после рестарта её больше взять неоткуда
		w.restorePosition(lock)
		return
	}
	if w.grid.State() == models.GridComplete {
		return
	}

	open, err := w.e.orders.OpenBySymbol(ctx, w.e.cfg.BotID, w.symbol)
	if err != nil {
		logger.Error("[%s] recovery: load open orders: %v", w.symbol, err)
		return // ретрай на следующем событии
	}

	// по каждой стороне берём самый свежий нетерминальный (список DESC)
	var lastBid, lastAsk *models.Order
	for _, o := range open {
		switch {
		case o.Side == models.SideBuy && lastBid == nil:
			lastBid = o
		case o.Side == models.SideSell && lastAsk == nil:
			lastAsk = o
		}
	}

	bidLive := w.validateLeg(ctx, lastBid)
	askLive := w.validateLeg(ctx, lastAsk)

	if !bidLive && !askLive {
		// свежих живых ордеров на бирже быть не должно — иначе рискуем дублем
		if w.recentOrdersOnExchange(ctx) {
			logger.Info("[%s] recovery: recent live orders on exchange, skipping fresh grid", w.symbol)
			return
		}
		w.grid = nil
		if err := w.createGrid(ctx); err != nil {
			logger.Error("[%s] recovery: create grid: %v", w.symbol, err)
		}
		return
	}

	// хотя бы одна нога жива — восстанавливаем грид и добиваем недостающее
	g := &models.Grid{
		Symbol: w.symbol,
		Amount: w.cfg.Amount,
		Config: models.GridConfig{
			SpreadPct:       w.cfg.SpreadPct,
			MaxDeviationPct: w.cfg.MaxDeviationPct,
		},
		LastUpdate: time.Now(),
	}
	if bidLive {
		g.BidOrderID = lastBid.ExternalID
		g.BidPrice = lastBid.Price
		g.Amount = lastBid.Qty
	}
	if askLive {
		g.AskOrderID = lastAsk.ExternalID
		g.AskPrice = lastAsk.Price
		g.Amount = lastAsk.Qty
	}
	w.grid = g
	logger.Info("[%s] recovery: grid restored as %s (bid=%s ask=%s)",
		w.symbol, g.State(), g.BidOrderID, g.AskOrderID)

	if err := w.reactivateGrid(ctx); err != nil {
		logger.Error("[%s] recovery: reactivate: %v", w.symbol, err)
	}
}

// restorePosition пересобирает in-memory позицию из metadata активного лока,
// включая закрывающий ордер в полёте. SL/TP пересчитываются от цены входа.
func (w *symbolWorker) restorePosition(lock *models.TradingLock) {
	if w.pos != nil {
		return
	}
	m := lock.Metadata
	if m.EntryPrice <= 0 || m.Qty <= 0 {
		logger.Error("[%s] recovery: active lock %d has no entry metadata, position needs manual release",
			w.symbol, lock.ID)
		return
	}

	pos := &models.Position{
		Symbol:         w.symbol,
		Side:           m.Side,
		EntryOrderID:   lock.PositionID,
		EntryPrice:     m.EntryPrice,
		Qty:            m.Qty,
		ClosureOrderID: m.ClosureOrderID,
		OpenedAt:       lock.CreatedAt,
	}
	w.setStops(pos)
	w.pos = pos

	if w.e.met != nil {
		w.e.met.LocksActive.WithLabelValues(w.symbol).Set(1)
	}
	logger.Info("[%s] recovery: position restored from lock: %s %.8f @ %.8f (closure=%q)",
		w.symbol, pos.Side, pos.Qty, pos.EntryPrice, pos.ClosureOrderID)
}

// validateLeg сверяет durable-запись с живым состоянием биржи.
// Ошибка валидации трактуется как "ордер активен" — это осознанная
// консервативная политика: лучше не доставить ногу, чем поставить дубль.
func (w *symbolWorker) validateLeg(ctx context.Context, ord *models.Order) bool {
	if ord == nil {
		return false
	}
	live, err := w.e.adapter.GetOpenOrder(ctx, w.symbol, ord.ExternalID, w.creds)
	if err != nil {
		logger.Error("[%s] recovery: validate %s failed, assuming still active: %v",
			w.symbol, ord.ExternalID, err)
		return true
	}
	if live == nil {
		// биржа ордер не знает — гасим локально
		if _, err := w.e.orders.UpdateStatus(ctx, ord.ExternalID, models.OrderStatusCanceled); err != nil {
			logger.Error("[%s] recovery: mark %s canceled: %v", w.symbol, ord.ExternalID, err)
		}
		return false
	}
	return true
}

func (w *symbolWorker) recentOrdersOnExchange(ctx context.Context) bool {
	oo, err := w.e.adapter.OpenOrders(ctx, w.symbol, w.creds)
	if err != nil {
		// не смогли проверить — считаем, что ордера есть (консервативно)
		logger.Error("[%s] recovery: list open orders: %v", w.symbol, err)
		return true
	}
	cutoff := time.Now().Add(-recentOrderGuard)
	for _, o := range oo {
		if o.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}
