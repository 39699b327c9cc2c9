package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"grid_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeGrid(f *fixture) {
	f.w.grid = &models.Grid{
		Symbol:     testSymbol,
		BidOrderID: "b1",
		AskOrderID: "a1",
		BidPrice:   99.84,
		AskPrice:   100.26,
		Amount:     0.01,
	}
	f.orders.byExt["b1"] = &models.Order{ExternalID: "b1", BotID: 7, Symbol: testSymbol, Side: models.SideBuy, Status: models.OrderStatusNew}
	f.orders.byExt["a1"] = &models.Order{ExternalID: "a1", BotID: 7, Symbol: testSymbol, Side: models.SideSell, Status: models.OrderStatusNew}
}

func fill(id string, status models.OrderStatus, price, qty float64) models.TradeFill {
	return models.TradeFill{OrderID: id, Symbol: testSymbol, Status: status, Price: price, Qty: qty, Ts: time.Now()}
}

func TestEntryFillCreatesLockBeforeCancelingOpposite(t *testing.T) {
	f := newFixture(t)
	completeGrid(f)
	f.adapter.depthErr = errors.New("depth down") // немедленное закрытие пропустится

	f.w.handleFill(context.Background(), fill("b1", models.OrderStatusFilled, 99.84, 0.01))

	// лок создан синхронно и раньше кансела встречной ноги
	lockIdx := f.log.indexOf("lock.create")
	cancelIdx := f.log.indexOf("adapter.cancel a1")
	require.NotEqual(t, -1, lockIdx)
	require.NotEqual(t, -1, cancelIdx)
	assert.Less(t, lockIdx, cancelIdx)

	require.NotNil(t, f.locks.active)
	assert.Equal(t, models.PositionLong, f.locks.active.Metadata.Side)
	assert.InDelta(t, 99.84, f.locks.active.Metadata.EntryPrice, 1e-9)

	// позиция с SL/TP от цены входа
	require.NotNil(t, f.w.pos)
	assert.InDelta(t, 99.84*(1-0.005), f.w.pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 99.84*(1+0.003), f.w.pos.TakeProfitPrice, 1e-9)

	// обе ссылки на ноги сняты, грид под локом не пересоздаётся
	assert.Equal(t, models.GridAbsent, f.w.grid.State())
	assert.Equal(t, models.OrderStatusFilled, f.orders.status("b1"))
}

func TestEntryFillOnAskOpensShort(t *testing.T) {
	f := newFixture(t)
	completeGrid(f)
	f.adapter.depthErr = errors.New("depth down")

	f.w.handleFill(context.Background(), fill("a1", models.OrderStatusFilled, 100.26, 0.01))

	require.NotNil(t, f.w.pos)
	assert.Equal(t, models.PositionShort, f.w.pos.Side)
	assert.Greater(t, f.w.pos.StopLossPrice, f.w.pos.EntryPrice)
	assert.Less(t, f.w.pos.TakeProfitPrice, f.w.pos.EntryPrice)
	assert.Equal(t, []string{"b1"}, f.adapter.canceled)
}

func TestEntryFillLockRaceLostLeavesGridUntouched(t *testing.T) {
	f := newFixture(t)
	completeGrid(f)
	f.locks.createDenied = true

	f.w.handleFill(context.Background(), fill("b1", models.OrderStatusFilled, 99.84, 0.01))

	// гонку проиграли: никаких мутаций и канселов
	assert.Nil(t, f.w.pos)
	assert.Empty(t, f.adapter.canceled)
	assert.Equal(t, "a1", f.w.grid.AskOrderID)
}

func TestClosureFillReleasesLockAndRecreatesGrid(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.locks.active = &models.TradingLock{
		BotID: 7, Symbol: testSymbol, Status: models.LockActive,
		Metadata: models.LockMetadata{EntryPrice: 99.84, Side: models.PositionLong, Qty: 0.01, ClosureOrderID: "c1"},
	}
	f.w.pos = &models.Position{Symbol: testSymbol, Side: models.PositionLong, EntryPrice: 99.84, Qty: 0.01, ClosureOrderID: "c1"}
	f.orders.byExt["c1"] = &models.Order{ExternalID: "c1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("c1", models.OrderStatusFilled, 100.00, 0.01))

	assert.Nil(t, f.locks.active)
	assert.Equal(t, 1, f.locks.released)
	assert.Nil(t, f.w.pos)
	// сразу после снятия лока грид пересоздан
	assert.Equal(t, models.GridComplete, f.w.grid.State())
}

func TestClosureFillReleaseErrorKeepsLock(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.locks.active = &models.TradingLock{
		BotID: 7, Symbol: testSymbol, Status: models.LockActive,
		Metadata: models.LockMetadata{ClosureOrderID: "c1"},
	}
	f.locks.releaseErr = errors.New("pg down")
	f.orders.byExt["c1"] = &models.Order{ExternalID: "c1", BotID: 7, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("c1", models.OrderStatusFilled, 100.00, 0.01))

	// лок остался активным: ensureGrid под ним ничего не поставит
	require.NotNil(t, f.locks.active)
	assert.Empty(t, f.adapter.placed)
}

func TestCanceledClosureReturnsPositionToMonitoring(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.w.pos.ClosureOrderID = "c1"
	f.locks.active.Metadata.ClosureOrderID = "c1"
	f.orders.byExt["c1"] = &models.Order{ExternalID: "c1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("c1", models.OrderStatusCanceled, 0, 0))

	// мёртвый закрывающий вычищен отовсюду, лок и позиция живы
	require.NotNil(t, f.locks.active)
	assert.Empty(t, f.locks.active.Metadata.ClosureOrderID)
	require.NotNil(t, f.w.pos)
	assert.Empty(t, f.w.pos.ClosureOrderID)

	// следующий тик с пробитым SL ставит закрывающий заново
	f.adapter.depth = goodDepth(1)
	f.w.handleTick(context.Background(), f.tick(99.0, 99.0))
	assert.NotEmpty(t, f.w.pos.ClosureOrderID)
	assert.NotEmpty(t, f.adapter.placed)
}

func TestRejectedClosureReturnsPositionToMonitoring(t *testing.T) {
	f := newFixture(t)
	openLong(f, 100)
	f.w.pos.ClosureOrderID = "c1"
	f.locks.active.Metadata.ClosureOrderID = "c1"
	f.orders.byExt["c1"] = &models.Order{ExternalID: "c1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("c1", models.OrderStatusRejected, 0, 0))

	require.NotNil(t, f.locks.active)
	assert.Empty(t, f.locks.active.Metadata.ClosureOrderID)
	assert.Empty(t, f.w.pos.ClosureOrderID)
}

func TestLateFillDoesNotRegressTerminalStatus(t *testing.T) {
	f := newFixture(t)
	f.orders.byExt["e1"] = &models.Order{ExternalID: "e1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusClosedBySLTP}

	// повторно доставленный FILLED по уже закрытому ордеру
	f.w.persistFillStatus(context.Background(), fill("e1", models.OrderStatusFilled, 100, 0.01))

	assert.Equal(t, models.OrderStatusClosedBySLTP, f.orders.status("e1"))
}

func TestUnrelatedFilledOrderDoesNotReleaseLock(t *testing.T) {
	f := newFixture(t)
	f.locks.active = &models.TradingLock{
		BotID: 7, Symbol: testSymbol, Status: models.LockActive,
		Metadata: models.LockMetadata{ClosureOrderID: "c1"},
	}
	f.orders.byExt["other"] = &models.Order{ExternalID: "other", BotID: 7, Status: models.OrderStatusNew}

	// FILLED по постороннему ордеру: лок трогать нельзя
	f.w.handleFill(context.Background(), fill("other", models.OrderStatusFilled, 100, 0.01))

	require.NotNil(t, f.locks.active)
	assert.Equal(t, "c1", f.locks.active.Metadata.ClosureOrderID)
	assert.Equal(t, -1, f.log.indexOf("lock.release"))
}

func TestCanceledLegTriggersReactivation(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	completeGrid(f)

	f.w.handleFill(context.Background(), fill("b1", models.OrderStatusCanceled, 0, 0))

	// снятая нога добита заново
	require.Equal(t, models.GridComplete, f.w.grid.State())
	assert.NotEqual(t, "b1", f.w.grid.BidOrderID)
	assert.Equal(t, "a1", f.w.grid.AskOrderID)
	assert.Equal(t, models.OrderStatusCanceled, f.orders.status("b1"))
}

func TestRejectedLegDelaysRecreate(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	completeGrid(f)

	before := time.Now()
	f.w.handleFill(context.Background(), fill("b1", models.OrderStatusRejected, 0, 0))

	// пересоздание отложено, мгновенного размещения нет
	assert.Empty(t, f.adapter.placed)
	require.False(t, f.w.recreateAt.IsZero())
	assert.WithinDuration(t, before.Add(f.eng.cfg.RecreateDelay), f.w.recreateAt, time.Second)
}

func TestDeferredRecreateFiresOnTick(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.w.recreateAt = time.Now().Add(-time.Millisecond) // дедлайн прошёл

	f.w.handleTick(context.Background(), f.tick(100.00, 100.10))

	assert.True(t, f.w.recreateAt.IsZero())
	assert.Equal(t, models.GridComplete, f.w.grid.State())
}

func TestOrphanCanceledOwnOrderReactivatesSymbol(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.orders.byExt["x1"] = &models.Order{ExternalID: "x1", BotID: 7, Symbol: testSymbol, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("x1", models.OrderStatusCanceled, 0, 0))

	// наш ордер снят извне: полная реконсиляция, грид поставлен заново
	assert.Equal(t, models.GridComplete, f.w.grid.State())
}

func TestOrphanForeignOrderIgnored(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.orders.byExt["x1"] = &models.Order{ExternalID: "x1", BotID: 999, Symbol: testSymbol, Status: models.OrderStatusNew}

	f.w.handleFill(context.Background(), fill("x1", models.OrderStatusCanceled, 0, 0))
	assert.Empty(t, f.adapter.placed)
}

func TestPersistFillRetriesUntilOrderVisible(t *testing.T) {
	f := newFixture(t)
	// ордера в сторе нет вообще: все попытки дают 0 строк
	f.w.persistFillStatus(context.Background(), fill("ghost", models.OrderStatusFilled, 1, 1))
	assert.Equal(t, f.eng.cfg.FillRetryCount, f.orders.updateCalls)
}

func TestRepositionOutsideEnvelopeRebuildsGrid(t *testing.T) {
	f := newFixture(t)
	f.putBook(101.00, 101.10)
	completeGrid(f)

	f.w.maybeReposition(context.Background(), f.tick(101.00, 101.10))

	// старые ноги сняты, новые поставлены вокруг нового мида
	assert.Equal(t, []string{"b1", "a1"}, f.adapter.canceled)
	require.Equal(t, models.GridComplete, f.w.grid.State())
	assert.Greater(t, f.w.grid.BidPrice, 100.26)
}

func TestRepositionInsideEnvelopeNoop(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	completeGrid(f)

	f.w.maybeReposition(context.Background(), f.tick(100.00, 100.10))
	assert.Empty(t, f.adapter.canceled)
}

func TestLockStoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.putBook(101.00, 101.10)
	completeGrid(f)
	f.locks.hasActiveErr = errors.New("pg down")

	// цена вне конверта, но стор локов недоступен: мутации запрещены
	f.w.maybeReposition(context.Background(), f.tick(101.00, 101.10))
	assert.Empty(t, f.adapter.canceled)
	assert.Empty(t, f.adapter.placed)
}
