package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"grid_bot/internal/exchange"
	"grid_bot/internal/models"
	"grid_bot/pkg/logger"

	"github.com/google/uuid"
)

// createGrid ставит обе ноги последовательно: bid, затем ask. Каждая нога
// персистится сразу после ack биржи, до размещения следующей — иначе филл
// может обогнать локальную запись. Одна удачная нога = валидный PARTIAL грид,
// откатов нет.
func (w *symbolWorker) createGrid(ctx context.Context) error {
	if w.lockedOrErr(ctx) {
		return nil
	}
	if err := w.ensureMarket(ctx); err != nil {
		return fmt.Errorf("market info: %w", err)
	}

	book, err := w.e.book.Get(w.symbol)
	if err != nil {
		return err // протухший стакан — жёсткий отказ, не деградация
	}

	bidPx, askPx := w.gridPrices(book)
	qty := w.roundQty(w.cfg.Amount)
	if qty < w.market.MinQty {
		return fmt.Errorf("amount %.8f below exchange min %.8f", qty, w.market.MinQty)
	}

	if w.grid == nil {
		w.grid = &models.Grid{
			Symbol: w.symbol,
			Amount: qty,
			Config: models.GridConfig{
				SpreadPct:       w.cfg.SpreadPct,
				MaxDeviationPct: w.cfg.MaxDeviationPct,
			},
		}
	}
	w.grid.BidPrice = bidPx
	w.grid.AskPrice = askPx
	w.grid.LastUpdate = time.Now()

	if w.grid.BidOrderID == "" {
		if ok := w.placeLeg(ctx, models.SideBuy, bidPx, qty); !ok {
			// нога не встала — грид остаётся PARTIAL/ABSENT, добьём позже
		}
	}
	if w.grid.AskOrderID == "" {
		w.placeLeg(ctx, models.SideSell, askPx, qty)
	}

	if w.grid.State() == models.GridAbsent {
		// обе ноги не встали: грид без ног и без лока — мусор
		w.grid = nil
		return nil
	}

	logger.Info("[%s] grid %s: bid %.8f (%s) / ask %.8f (%s)",
		w.symbol, w.grid.State(), bidPx, w.grid.BidOrderID, askPx, w.grid.AskOrderID)
	return nil
}

// reactivateGrid добивает недостающие ноги PARTIAL грида, опираясь на цену
// живой ноги. Полный грид — no-op, чем и достигается идемпотентность ensure.
func (w *symbolWorker) reactivateGrid(ctx context.Context) error {
	if w.grid == nil || w.grid.State() != models.GridPartial {
		return nil
	}
	if w.lockedOrErr(ctx) {
		return nil
	}
	if err := w.ensureMarket(ctx); err != nil {
		return fmt.Errorf("market info: %w", err)
	}

	book, err := w.e.book.Get(w.symbol)
	if err != nil {
		return err
	}

	s := w.cfg.SpreadPct / 100
	if w.grid.BidOrderID == "" {
		bidPx := w.grid.BidPrice
		if bidPx == 0 && w.grid.AskPrice > 0 {
			// восстанавливаем от живой ноги: mid = ask/(1+s)
			bidPx = w.grid.AskPrice / (1 + s) * (1 - s)
		}
		bidPx = w.clampBid(bidPx, book)
		if w.placeLeg(ctx, models.SideBuy, bidPx, w.grid.Amount) {
			w.grid.BidPrice = bidPx
		}
	}
	if w.grid.AskOrderID == "" {
		askPx := w.grid.AskPrice
		if askPx == 0 && w.grid.BidPrice > 0 {
			askPx = w.grid.BidPrice / (1 - s) * (1 + s)
		}
		askPx = w.clampAsk(askPx, book)
		if w.placeLeg(ctx, models.SideSell, askPx, w.grid.Amount) {
			w.grid.AskPrice = askPx
		}
	}
	w.grid.LastUpdate = time.Now()
	return nil
}

// placeLeg ставит одну ногу и сразу персистит её. false = нога не встала.
func (w *symbolWorker) placeLeg(ctx context.Context, side string, price, qty float64) bool {
	clientID := uuid.NewString()
	id, err := w.e.adapter.PlaceOrder(ctx, w.symbol, side, price, qty, w.creds, exchange.PlaceOptions{
		Type:     exchange.OrderTypeLimit,
		ClientID: clientID,
	})
	if err != nil {
		if exchange.IsInsufficientFunds(err) {
			// не хватает маржи — цикл прерываем, бот живёт дальше
			logger.Error("[%s] %s leg skipped, insufficient funds: %v", w.symbol, side, err)
			w.e.sendf("⚠️ [%s] недостаточно средств для ноги %s", w.symbol, side)
			return false
		}
		logger.Error("[%s] place %s leg: %v", w.symbol, side, err)
		return false
	}

	ord := &models.Order{
		ExternalID: id,
		ClientID:   clientID,
		BotID:      w.e.cfg.BotID,
		Symbol:     w.symbol,
		Side:       side,
		Price:      price,
		Qty:        qty,
		Status:     models.OrderStatusNew,
	}
	if err := w.e.orders.Insert(ctx, ord); err != nil {
		// ордер уже на бирже: запись не откатить, полагаемся на recovery
		logger.Error("[%s] persist %s leg %s: %v", w.symbol, side, id, err)
	}

	if side == models.SideBuy {
		w.grid.BidOrderID = id
	} else {
		w.grid.AskOrderID = id
	}
	if w.e.met != nil {
		w.e.met.OrdersPlaced.WithLabelValues(w.symbol, side).Inc()
	}
	return true
}

// cancelAll — best-effort: неудачный кансел одной ноги не мешает второй.
// Ссылка на ногу чистится только после удачного кансела, иначе рискуем
// поставить дубль поверх живого ордера.
func (w *symbolWorker) cancelAll(ctx context.Context) {
	if w.grid == nil {
		return
	}
	for _, id := range []string{w.grid.BidOrderID, w.grid.AskOrderID} {
		if id == "" {
			continue
		}
		if err := w.e.adapter.CancelOrder(ctx, w.symbol, id, w.creds); err != nil {
			logger.Error("[%s] cancel %s: %v", w.symbol, id, err)
			continue
		}
		w.grid.ClearLeg(id)
		if w.e.met != nil {
			w.e.met.OrdersCanceled.WithLabelValues(w.symbol).Inc()
		}
	}
}

// gridPrices: mid ± spread, с зажимом от мгновенного мэтча — bid обязан быть
// строго ниже bestBid, ask строго выше bestAsk минимум на шаг цены.
func (w *symbolWorker) gridPrices(book models.OrderbookTick) (bid, ask float64) {
	s := w.cfg.SpreadPct / 100
	mid := book.Mid()
	return w.clampBid(mid*(1-s), book), w.clampAsk(mid*(1+s), book)
}

func (w *symbolWorker) clampBid(px float64, book models.OrderbookTick) float64 {
	step := w.market.PriceStep()
	if px > book.BestBid-step {
		px = book.BestBid - step
	}
	return roundDown(px, w.market.PriceDecimals)
}

func (w *symbolWorker) clampAsk(px float64, book models.OrderbookTick) float64 {
	step := w.market.PriceStep()
	if px < book.BestAsk+step {
		px = book.BestAsk + step
	}
	return roundUp(px, w.market.PriceDecimals)
}

func (w *symbolWorker) roundQty(q float64) float64 {
	if w.market.StepSize <= 0 {
		return q
	}
	steps := math.Floor(q/w.market.StepSize + 1e-9)
	return steps * w.market.StepSize
}

func roundDown(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Floor(v*p+1e-9) / p
}

func roundUp(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Ceil(v*p-1e-9) / p
}
