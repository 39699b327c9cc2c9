package engine

import (
	"context"
	"math"

	"grid_bot/internal/exchange"
	"grid_bot/internal/models"
	"grid_bot/pkg/logger"

	"github.com/google/uuid"
)

// Стратегические пороги немедленного закрытия: чем уже спред и глубже стакан,
// тем больший слиппедж себе позволяем. very-conservative = не закрываемся
// маркетом вообще, позиция уходит на потиковый мониторинг.
const (
	tierAggressiveSpreadBps   = 5
	tierModerateSpreadBps     = 15
	tierConservativeSpreadBps = 30

	tierAggressiveSlipPct   = 0.05
	tierModerateSlipPct     = 0.15
	tierConservativeSlipPct = 0.30

	closureDepthLevels = 5
)

// attemptImmediateClosure пытается сразу сплющить позицию IOC-маркетом по
// текущему тачу. true = закрывающий ордер поставлен и записан в metadata лока.
func (w *symbolWorker) attemptImmediateClosure(ctx context.Context) bool {
	if w.pos == nil || w.pos.ClosureOrderID != "" {
		return false
	}

	depth, err := w.e.adapter.GetDepth(ctx, w.symbol)
	if err != nil {
		logger.Error("[%s] closure depth check: %v", w.symbol, err)
		return false
	}

	maxSlipPct, ok := classifyClosure(depth, w.pos)
	if !ok {
		logger.Info("[%s] book too thin/wide for market closure, falling back to monitoring", w.symbol)
		return false
	}

	side := models.SideSell
	touch := depth.BestBid()
	limit := touch * (1 - maxSlipPct/100)
	if w.pos.Side == models.PositionShort {
		side = models.SideBuy
		touch = depth.BestAsk()
		limit = touch * (1 + maxSlipPct/100)
	}
	if touch <= 0 {
		return false
	}
	if side == models.SideSell {
		limit = roundDown(limit, w.market.PriceDecimals)
	} else {
		limit = roundUp(limit, w.market.PriceDecimals)
	}

	clientID := uuid.NewString()
	id, err := w.e.adapter.PlaceOrder(ctx, w.symbol, side, limit, w.pos.Qty, w.creds, exchange.PlaceOptions{
		Type:     exchange.OrderTypeMarketIOC,
		ClientID: clientID,
	})
	if err != nil {
		logger.Error("[%s] place closure order: %v", w.symbol, err)
		return false
	}

	if err := w.e.orders.Insert(ctx, &models.Order{
		ExternalID: id,
		ClientID:   clientID,
		BotID:      w.e.cfg.BotID,
		Symbol:     w.symbol,
		Side:       side,
		Price:      limit,
		Qty:        w.pos.Qty,
		Status:     models.OrderStatusNew,
	}); err != nil {
		logger.Error("[%s] persist closure order %s: %v", w.symbol, id, err)
	}

	w.pos.ClosureOrderID = id

	// metadata — до возврата из обработчика: по ней §(a) узнает закрывающий филл
	meta := models.LockMetadata{
		EntryPrice:     w.pos.EntryPrice,
		Side:           w.pos.Side,
		Qty:            w.pos.Qty,
		ClosureOrderID: id,
	}
	if affected, err := w.e.locks.UpdateMetadata(ctx, w.e.cfg.BotID, w.symbol, meta); err != nil || affected == 0 {
		logger.Error("[%s] update lock metadata with closure %s: affected=%d err=%v", w.symbol, id, affected, err)
	}

	// закрытие всегда тянет за собой зачистку хвостов
	if err := w.e.adapter.CancelAllOpenOrders(ctx, w.symbol, w.creds); err != nil {
		logger.Error("[%s] cancel stray orders: %v", w.symbol, err)
	}
	if _, err := w.e.orders.UpdateStatus(ctx, w.pos.EntryOrderID, models.OrderStatusClosedBySLTP); err != nil {
		logger.Error("[%s] mark entry %s closed: %v", w.symbol, w.pos.EntryOrderID, err)
	}

	logger.Info("[%s] closure order %s placed: %s %.8f limit %.8f (slip cap %.2f%%)",
		w.symbol, id, side, w.pos.Qty, limit, maxSlipPct)
	return true
}

// classifyClosure решает, позволяет ли стакан закрыться маркетом, и с каким
// потолком слиппеджа. false = very-conservative.
func classifyClosure(depth *exchange.Depth, pos *models.Position) (maxSlipPct float64, ok bool) {
	bb, ba := depth.BestBid(), depth.BestAsk()
	if bb <= 0 || ba <= 0 || ba <= bb {
		return 0, false
	}
	mid := (bb + ba) / 2
	spreadBps := (ba - bb) / mid * 10000

	levels := depth.Bids // LONG закрываем продажей в бидов
	if pos.Side == models.PositionShort {
		levels = depth.Asks
	}
	var depthQty float64
	for i, lvl := range levels {
		if i >= closureDepthLevels {
			break
		}
		depthQty += lvl.Qty
	}

	switch {
	case spreadBps <= tierAggressiveSpreadBps && depthQty >= 3*pos.Qty:
		return tierAggressiveSlipPct, true
	case spreadBps <= tierModerateSpreadBps && depthQty >= 1.5*pos.Qty:
		return tierModerateSlipPct, true
	case spreadBps <= tierConservativeSpreadBps && depthQty >= pos.Qty:
		return tierConservativeSlipPct, true
	}
	return 0, false
}

// monitorTick — fallback-мониторинг открытой позиции. Аварийный выход по
// |PnL%| сверх спреда проверяется раньше фиксированных SL/TP уровней.
func (w *symbolWorker) monitorTick(ctx context.Context, t models.OrderbookTick) {
	if w.pos == nil || w.pos.ClosureOrderID != "" {
		return // закрытие уже в полёте, ждём подтверждения филла
	}

	price := t.Mid()
	if price <= 0 {
		return
	}

	pnlPct := (price - w.pos.EntryPrice) / w.pos.EntryPrice * 100
	if w.pos.Side == models.PositionShort {
		pnlPct = -pnlPct
	}

	if math.Abs(pnlPct) > w.cfg.SpreadPct {
		logger.Info("[%s] slippage emergency exit: pnl %.4f%% beyond spread %.4f%%",
			w.symbol, pnlPct, w.cfg.SpreadPct)
		w.closePosition(ctx)
		return
	}

	crossed := false
	if w.pos.Side == models.PositionLong {
		crossed = price <= w.pos.StopLossPrice || price >= w.pos.TakeProfitPrice
	} else {
		crossed = price >= w.pos.StopLossPrice || price <= w.pos.TakeProfitPrice
	}
	if crossed {
		logger.Info("[%s] SL/TP crossed at %.8f (SL %.8f / TP %.8f)",
			w.symbol, price, w.pos.StopLossPrice, w.pos.TakeProfitPrice)
		w.closePosition(ctx)
	}
}

// closePosition идёт тем же адаптивным маркет-путём; very-conservative стакан
// означает "не в этот тик" — попробуем на следующем.
func (w *symbolWorker) closePosition(ctx context.Context) {
	if !w.attemptImmediateClosure(ctx) {
		logger.Info("[%s] closure deferred, will retry on next tick", w.symbol)
	}
}
