package engine

import (
	"context"
	"testing"

	"grid_bot/internal/exchange"
	"grid_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGridPlacesBothLegsSequentially(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)

	require.NoError(t, f.w.createGrid(context.Background()))

	require.Equal(t, models.GridComplete, f.w.grid.State())
	// mid 100.05, полуспред 0.2%: 99.8499 -> 99.84, 100.2501 -> 100.26
	assert.InDelta(t, 99.84, f.w.grid.BidPrice, 1e-9)
	assert.InDelta(t, 100.26, f.w.grid.AskPrice, 1e-9)

	// каждая нога персистится до размещения следующей
	ops := f.log.list()
	require.Equal(t, []string{
		"adapter.place BUY",
		"orders.insert BUY",
		"adapter.place SELL",
		"orders.insert SELL",
	}, ops)

	assert.Equal(t, models.OrderStatusNew, f.orders.status(f.w.grid.BidOrderID))
	assert.Equal(t, models.OrderStatusNew, f.orders.status(f.w.grid.AskOrderID))

	// client id уходит на биржу и ложится в durable-запись одним значением
	require.Len(t, f.adapter.clientIDs, 2)
	assert.Equal(t, f.adapter.clientIDs[0], f.orders.byExt[f.w.grid.BidOrderID].ClientID)
	assert.Equal(t, f.adapter.clientIDs[1], f.orders.byExt[f.w.grid.AskOrderID].ClientID)
	assert.NotEmpty(t, f.orders.byExt[f.w.grid.BidOrderID].ClientID)
}

func TestCreateGridClampsPricesAwayFromTouch(t *testing.T) {
	f := newFixture(t)
	// почти нулевой спред конфига: сырые цены попали бы внутрь тача
	f.w.cfg.SpreadPct = 0.001
	f.putBook(100.00, 100.10)

	require.NoError(t, f.w.createGrid(context.Background()))

	// зажим минимум на шаг цены (0.01) от лучших котировок
	assert.InDelta(t, 99.99, f.w.grid.BidPrice, 1e-9)
	assert.InDelta(t, 100.11, f.w.grid.AskPrice, 1e-9)
	assert.Less(t, f.w.grid.BidPrice, 100.00)
	assert.Greater(t, f.w.grid.AskPrice, 100.10)
}

func TestCreateGridStaleBookHardFail(t *testing.T) {
	f := newFixture(t)
	// стакан вообще не приходил

	err := f.w.createGrid(context.Background())
	require.ErrorIs(t, err, ErrBookStale)
	assert.Empty(t, f.adapter.placed)
}

func TestCreateGridBlockedByActiveLock(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.locks.active = &models.TradingLock{BotID: 7, Symbol: testSymbol, Status: models.LockActive}

	require.NoError(t, f.w.createGrid(context.Background()))
	assert.Nil(t, f.w.grid)
	assert.Empty(t, f.adapter.placed)
}

func TestCreateGridRejectsAmountBelowMin(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.adapter.market.MinQty = 1

	err := f.w.createGrid(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.adapter.placed)
}

func TestCreateGridInsufficientFundsLeavesPartial(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.adapter.placeErrOnce = &exchange.APIError{Code: 2005, Msg: "insufficient balance"}

	require.NoError(t, f.w.createGrid(context.Background()))

	// первая (bid) нога не встала, вторая встала: PARTIAL — валидное состояние
	require.Equal(t, models.GridPartial, f.w.grid.State())
	assert.Empty(t, f.w.grid.BidOrderID)
	assert.NotEmpty(t, f.w.grid.AskOrderID)
}

func TestReactivateGridFillsMissingLeg(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)

	f.w.grid = &models.Grid{
		Symbol:     testSymbol,
		AskOrderID: "live-ask",
		AskPrice:   100.26,
		Amount:     0.01,
	}

	require.NoError(t, f.w.reactivateGrid(context.Background()))

	require.Equal(t, models.GridComplete, f.w.grid.State())
	// bid восстановлен от живой ноги и не пересекает тач
	assert.Greater(t, f.w.grid.BidPrice, 0.0)
	assert.Less(t, f.w.grid.BidPrice, 100.00)
}

func TestReactivateGridNoopWhenComplete(t *testing.T) {
	f := newFixture(t)
	f.putBook(100.00, 100.10)
	f.w.grid = &models.Grid{Symbol: testSymbol, BidOrderID: "b1", AskOrderID: "a1"}

	require.NoError(t, f.w.reactivateGrid(context.Background()))
	assert.Empty(t, f.adapter.placed)
}

func TestCancelAllClearsLegs(t *testing.T) {
	f := newFixture(t)
	f.w.grid = &models.Grid{Symbol: testSymbol, BidOrderID: "b1", AskOrderID: "a1"}

	f.w.cancelAll(context.Background())

	assert.Equal(t, []string{"b1", "a1"}, f.adapter.canceled)
	assert.Equal(t, models.GridAbsent, f.w.grid.State())
}

func TestRoundingHelpers(t *testing.T) {
	assert.InDelta(t, 99.84, roundDown(99.8499, 2), 1e-12)
	assert.InDelta(t, 100.26, roundUp(100.2501, 2), 1e-12)
	// граничные значения не уползают из-за float-представления
	assert.InDelta(t, 1.23, roundDown(1.23, 2), 1e-12)
	assert.InDelta(t, 1.23, roundUp(1.23, 2), 1e-12)
}
