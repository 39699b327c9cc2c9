package engine

import (
	"context"
	"testing"

	"grid_bot/internal/exchange"
	"grid_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depthWithSpread(mid, halfSpread, levelQty float64) *exchange.Depth {
	d := &exchange.Depth{}
	for i := 0; i < closureDepthLevels; i++ {
		step := float64(i) * 0.01
		d.Bids = append(d.Bids, exchange.PriceLevel{Price: mid - halfSpread - step, Qty: levelQty})
		d.Asks = append(d.Asks, exchange.PriceLevel{Price: mid + halfSpread + step, Qty: levelQty})
	}
	return d
}

func TestClassifyClosureTiers(t *testing.T) {
	pos := &models.Position{Side: models.PositionLong, Qty: 1}

	tests := []struct {
		name     string
		depth    *exchange.Depth
		wantSlip float64
		wantOK   bool
	}{
		{
			// 1 bps, глубина 5x — агрессивный тир
			name:     "tight and deep",
			depth:    depthWithSpread(100, 0.005, 1),
			wantSlip: tierAggressiveSlipPct,
			wantOK:   true,
		},
		{
			// 10 bps, глубина 2x — умеренный
			name:     "moderate",
			depth:    depthWithSpread(100, 0.05, 0.4),
			wantSlip: tierModerateSlipPct,
			wantOK:   true,
		},
		{
			// 25 bps, глубина 1.2x — консервативный
			name:     "wide but liquid enough",
			depth:    depthWithSpread(100, 0.125, 0.24),
			wantSlip: tierConservativeSlipPct,
			wantOK:   true,
		},
		{
			// 50 bps — закрытие маркетом запрещено
			name:   "too wide",
			depth:  depthWithSpread(100, 0.25, 10),
			wantOK: false,
		},
		{
			// узко, но пусто
			name:   "tight but thin",
			depth:  depthWithSpread(100, 0.005, 0.1),
			wantOK: false,
		},
		{
			name:   "crossed book",
			depth:  &exchange.Depth{Bids: []exchange.PriceLevel{{Price: 101, Qty: 1}}, Asks: []exchange.PriceLevel{{Price: 100, Qty: 1}}},
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			slip, ok := classifyClosure(tc.depth, pos)
			require.Equal(t, tc.wantOK, ok)
			if ok {
				assert.InDelta(t, tc.wantSlip, slip, 1e-9)
			}
		})
	}
}

func openLong(f *fixture, entry float64) {
	f.w.pos = &models.Position{
		Symbol:          testSymbol,
		Side:            models.PositionLong,
		EntryOrderID:    "e1",
		EntryPrice:      entry,
		Qty:             0.01,
		StopLossPrice:   entry * (1 - 0.005),
		TakeProfitPrice: entry * (1 + 0.003),
	}
	f.locks.active = &models.TradingLock{
		BotID: 7, Symbol: testSymbol, Status: models.LockActive,
		Metadata: models.LockMetadata{EntryPrice: entry, Side: models.PositionLong, Qty: 0.01},
	}
	f.orders.byExt["e1"] = &models.Order{ExternalID: "e1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusFilled}
}

func TestImmediateClosurePlacesIOCAndUpdatesLockMetadata(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.adapter.depth = goodDepth(1)

	require.True(t, f.w.attemptImmediateClosure(context.Background()))

	// закрывающий ордер записан и в позицию, и в metadata лока
	require.NotEmpty(t, f.w.pos.ClosureOrderID)
	assert.Equal(t, f.w.pos.ClosureOrderID, f.locks.active.Metadata.ClosureOrderID)
	// с тем же client id на бирже и в durable-записи
	require.Len(t, f.adapter.clientIDs, 1)
	assert.Equal(t, f.adapter.clientIDs[0], f.orders.byExt[f.w.pos.ClosureOrderID].ClientID)
	assert.NotEmpty(t, f.adapter.clientIDs[0])
	// хвосты зачищены, входной ордер помечен закрытым
	assert.Equal(t, 1, f.adapter.cancelAllHits)
	assert.Equal(t, models.OrderStatusClosedBySLTP, f.orders.status("e1"))
}

func TestImmediateClosureSkippedOnThinBook(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.adapter.depth = depthWithSpread(100, 0.25, 10) // 50 bps

	assert.False(t, f.w.attemptImmediateClosure(context.Background()))
	assert.Empty(t, f.w.pos.ClosureOrderID)
	assert.Empty(t, f.adapter.placed)
}

func TestImmediateClosureIdempotentWhileInFlight(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.w.pos.ClosureOrderID = "c1"

	assert.False(t, f.w.attemptImmediateClosure(context.Background()))
	assert.Equal(t, -1, f.log.indexOf("adapter.depth"))
}

func TestMonitorEmergencyExitBeforeStopLevels(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.adapter.depth = goodDepth(1)

	// pnl +0.25% уже за спредом (0.2%), хотя ни SL (99.5), ни TP (100.3) не тронуты
	f.w.monitorTick(context.Background(), f.tick(100.25, 100.25))

	assert.NotEmpty(t, f.w.pos.ClosureOrderID)
}

func TestMonitorStopLossCross(t *testing.T) {
	f := newFixture(t)
	f.w.cfg.SpreadPct = 1.0 // аварийный порог шире SL, сработать должен именно SL
	openLong(f, 100)
	f.adapter.depth = goodDepth(1)

	f.w.monitorTick(context.Background(), f.tick(99.4, 99.4))
	assert.NotEmpty(t, f.w.pos.ClosureOrderID)
}

func TestMonitorTakeProfitCrossShort(t *testing.T) {
	f := newFixture(t)
	f.w.cfg.SpreadPct = 1.0
	f.w.pos = &models.Position{
		Symbol: testSymbol, Side: models.PositionShort,
		EntryOrderID: "e1", EntryPrice: 100, Qty: 0.01,
		StopLossPrice: 100.5, TakeProfitPrice: 99.7,
	}
	f.locks.active = &models.TradingLock{BotID: 7, Symbol: testSymbol, Status: models.LockActive}
	f.adapter.depth = goodDepth(1)

	f.w.monitorTick(context.Background(), f.tick(99.65, 99.65))
	assert.NotEmpty(t, f.w.pos.ClosureOrderID)
}

func TestMonitorQuietInsideBand(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)

	f.w.monitorTick(context.Background(), f.tick(100.05, 100.05))
	assert.Empty(t, f.w.pos.ClosureOrderID)
	assert.Equal(t, -1, f.log.indexOf("adapter.depth"))
}

func TestMonitorSkipsWhileClosureInFlight(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.w.pos.ClosureOrderID = "c1"

	// даже при диком pnl второй закрывающий не ставим
	f.w.monitorTick(context.Background(), f.tick(90, 90))
	assert.Equal(t, -1, f.log.indexOf("adapter.depth"))
}
