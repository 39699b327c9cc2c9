package engine

import (
	"context"
	"time"

	"grid_bot/internal/models"
	"grid_bot/pkg/logger"

	"github.com/opentracing/opentracing-go"
)

// handleFill — обработка подтверждения сделки строго в порядке очереди символа.
//
// Порядок веток фиксированный: сначала закрывающий ордер активного лока,
// потом входной филл ноги грида, потом CANCELED/REJECTED, потом "сироты".
func (w *symbolWorker) handleFill(ctx context.Context, f models.TradeFill) {
	span := opentracing.StartSpan("engine.handle_fill")
	span.SetTag("symbol", f.Symbol)
	span.SetTag("order_id", f.OrderID)
	span.SetTag("status", string(f.Status))
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	// Статус в durable-стор — всегда первым делом. Событие может обогнать
	// локальную запись только что поставленного ордера, отсюда ретраи.
	w.persistFillStatus(ctx, f)

	if w.e.met != nil {
		w.e.met.FillsTotal.WithLabelValues(f.Symbol, string(f.Status)).Inc()
	}

	// (a) закрывающий ордер, отслеживаемый в metadata активного лока.
	// Приоритетнее любых других веток.
	if w.tryCompleteClosure(ctx, f) {
		return
	}

	switch {
	case w.grid.HasLeg(f.OrderID) && f.Status == models.OrderStatusFilled:
		// (b) входной филл
		w.onEntryFill(ctx, f)

	case w.grid.HasLeg(f.OrderID) && f.Status == models.OrderStatusCanceled:
		// (c) нога снята — добиваем грид, если не под локом
		w.grid.ClearLeg(f.OrderID)
		if !w.lockedOrErr(ctx) {
			if err := w.reactivateGrid(ctx); err != nil {
				logger.Error("[%s] reactivate after cancel: %v", w.symbol, err)
			}
		}

	case w.grid.HasLeg(f.OrderID) && f.Status == models.OrderStatusRejected:
		// (d) REJECTED: пересоздание с задержкой, не мгновенно —
		// иначе серия реджектов превращается в горячий цикл
		w.grid.ClearLeg(f.OrderID)
		if !w.lockedOrErr(ctx) {
			w.recreateAt = time.Now().Add(w.e.cfg.RecreateDelay)
			logger.Info("[%s] leg %s rejected, grid recreate delayed until %s",
				w.symbol, f.OrderID, w.recreateAt.Format(time.RFC3339))
		}

	case !w.grid.HasLeg(f.OrderID):
		// (e) ордер не из нашего грида и не закрывающий
		w.onOrphanFill(ctx, f)
	}
}

// persistFillStatus: ограниченные ретраи на "ордер ещё не виден" (0 строк).
// Исчерпали — логируем и едем дальше, уже применённые эффекты не откатываем.
func (w *symbolWorker) persistFillStatus(ctx context.Context, f models.TradeFill) {
	for attempt := 0; attempt < w.e.cfg.FillRetryCount; attempt++ {
		affected, err := w.e.orders.UpdateStatus(ctx, f.OrderID, f.Status)
		if err != nil {
			logger.Error("[%s] persist fill %s -> %s: %v", w.symbol, f.OrderID, f.Status, err)
			return
		}
		if affected > 0 {
			return
		}
		time.Sleep(w.e.cfg.FillRetryDelay)
	}
	logger.Error("[%s] fill %s -> %s: order never appeared in store after %d attempts",
		w.symbol, f.OrderID, f.Status, w.e.cfg.FillRetryCount)
}

// tryCompleteClosure обрабатывает события по ордеру из metadata.closureOrderId
// активного лока. FILLED — снимаем лок, чистим ноги, сразу запускаем
// пересоздание грида. CANCELED/REJECTED — закрывающий не прошёл: чистим его
// id из metadata и позиции, мониторинг на следующем тике закроется заново.
func (w *symbolWorker) tryCompleteClosure(ctx context.Context, f models.TradeFill) bool {
	lock, err := w.e.locks.Get(ctx, w.e.cfg.BotID, w.symbol)
	if err != nil {
		logger.Error("[%s] lock lookup: %v", w.symbol, err)
		return false
	}
	if lock == nil || lock.Metadata.ClosureOrderID != f.OrderID {
		return false
	}

	switch f.Status {
	case models.OrderStatusCanceled, models.OrderStatusRejected:
		w.abandonClosure(ctx, lock, f)
		return true
	case models.OrderStatusFilled:
	default:
		return false
	}

	released, err := w.e.locks.Release(ctx, w.e.cfg.BotID, w.symbol)
	if err != nil {
		// закрытие подтверждено, но лок снять не вышло: грид останется
		// заблокирован до ручного ForceRelease — безопаснее, чем задвоить ордера
		logger.Error("[%s] release lock: %v", w.symbol, err)
	}
	if err == nil && !released {
		logger.Error("[%s] release lock: no active lock found", w.symbol)
	}

	if w.pos != nil {
		w.recordTrade(f.Price, f.Qty, oppositeSide(w.pos.Side))
	}
	w.pos = nil
	if w.grid != nil {
		w.grid.BidOrderID = ""
		w.grid.AskOrderID = ""
	}
	if w.e.met != nil {
		w.e.met.LocksActive.WithLabelValues(w.symbol).Set(0)
	}

	logger.Info("[%s] closure %s filled @ %.8f, lock released, recreating grid", w.symbol, f.OrderID, f.Price)
	w.e.sendf("✅ [%s] позиция закрыта @ %.8f", w.symbol, f.Price)

	w.ensureGrid(ctx)
	return true
}

// abandonClosure: биржа сняла/отвергла закрывающий ордер. Позиция всё ещё
// открыта, лок держим, но ссылку на мёртвый ордер убираем отовсюду — иначе
// monitorTick будет вечно ждать филла, которого не будет.
func (w *symbolWorker) abandonClosure(ctx context.Context, lock *models.TradingLock, f models.TradeFill) {
	meta := lock.Metadata
	meta.ClosureOrderID = ""
	if affected, err := w.e.locks.UpdateMetadata(ctx, w.e.cfg.BotID, w.symbol, meta); err != nil || affected == 0 {
		logger.Error("[%s] clear closure %s from lock metadata: affected=%d err=%v",
			w.symbol, f.OrderID, affected, err)
	}
	if w.pos != nil {
		w.pos.ClosureOrderID = ""
	}
	logger.Info("[%s] closure %s %s, position back to tick monitoring",
		w.symbol, f.OrderID, f.Status)
}

// onEntryFill — критический порядок: лок создаётся синхронно, ДО кансела
// встречной ноги и до любых других действий. Именно это не даёт конкурентному
// тику пересоздать грид посреди перехода.
func (w *symbolWorker) onEntryFill(ctx context.Context, f models.TradeFill) {
	side := models.PositionLong
	if f.OrderID == w.grid.AskOrderID {
		side = models.PositionShort
	}

	qty := f.Qty
	if qty == 0 {
		qty = w.grid.Amount
	}

	created, err := w.e.locks.Create(ctx, &models.TradingLock{
		BotID:      w.e.cfg.BotID,
		Symbol:     w.symbol,
		LockType:   models.LockTypePositionOpen,
		Reason:     "entry fill " + f.OrderID,
		PositionID: f.OrderID,
		Metadata: models.LockMetadata{
			EntryPrice: f.Price,
			Side:       side,
			Qty:        qty,
		},
	})
	if err != nil {
		logger.Error("[%s] create lock for %s: %v", w.symbol, f.OrderID, err)
		return
	}
	if !created {
		// гонку выиграл кто-то другой — мутировать грид нам уже нельзя
		logger.Info("[%s] lock already active, entry fill %s ignored", w.symbol, f.OrderID)
		return
	}
	if w.e.met != nil {
		w.e.met.LocksActive.WithLabelValues(w.symbol).Set(1)
	}

	// встречная нога — best-effort, её судьбу доскажет событие CANCELED
	opposite := w.grid.BidOrderID
	if side == models.PositionLong {
		opposite = w.grid.AskOrderID
	}
	if opposite != "" {
		if err := w.e.adapter.CancelOrder(ctx, w.symbol, opposite, w.creds); err != nil {
			logger.Error("[%s] cancel opposite leg %s: %v", w.symbol, opposite, err)
		}
	}
	w.grid.BidOrderID = ""
	w.grid.AskOrderID = ""

	w.pos = w.buildPosition(f, side, qty)
	w.recordTrade(f.Price, qty, side)

	logger.Info("[%s] entry fill %s: %s %.8f @ %.8f, lock created", w.symbol, f.OrderID, side, qty, f.Price)
	w.e.sendf("🔔 [%s] вход %s %.8f @ %.8f | SL=%.8f TP=%.8f",
		w.symbol, side, qty, f.Price, w.pos.StopLossPrice, w.pos.TakeProfitPrice)

	// немедленное закрытие; closureOrderId попадает в metadata до выхода
	if !w.attemptImmediateClosure(ctx) {
		logger.Info("[%s] immediate closure skipped, position registered for tick monitoring", w.symbol)
	}
}

func (w *symbolWorker) buildPosition(f models.TradeFill, side string, qty float64) *models.Position {
	pos := &models.Position{
		Symbol:       w.symbol,
		Side:         side,
		EntryOrderID: f.OrderID,
		EntryPrice:   f.Price,
		Qty:          qty,
		OpenedAt:     time.Now(),
	}
	w.setStops(pos)
	return pos
}

func (w *symbolWorker) setStops(pos *models.Position) {
	stop := w.cfg.StopPct / 100
	take := w.cfg.TakeProfitPct / 100
	if pos.Side == models.PositionLong {
		pos.StopLossPrice = pos.EntryPrice * (1 - stop)
		pos.TakeProfitPrice = pos.EntryPrice * (1 + take)
	} else {
		pos.StopLossPrice = pos.EntryPrice * (1 + stop)
		pos.TakeProfitPrice = pos.EntryPrice * (1 - take)
	}
}

// onOrphanFill — ордер не из текущего грида. Сверяемся с durable-стором:
// наш и снят извне — полная реактивация символа.
func (w *symbolWorker) onOrphanFill(ctx context.Context, f models.TradeFill) {
	ord, err := w.e.orders.GetByExternalID(ctx, f.OrderID)
	if err != nil {
		logger.Error("[%s] orphan %s lookup: %v", w.symbol, f.OrderID, err)
		return
	}
	if ord == nil || ord.BotID != w.e.cfg.BotID {
		return
	}
	if f.Status == models.OrderStatusCanceled {
		logger.Info("[%s] tracked order %s canceled externally, reactivating symbol", w.symbol, f.OrderID)
		w.ensureGrid(ctx)
	}
}

func oppositeSide(side string) string {
	if side == models.PositionLong {
		return models.PositionShort
	}
	return models.PositionLong
}
