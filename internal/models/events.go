package models

import "time"

// OrderbookTick — верх стакана по символу из маркет-стрима.
type OrderbookTick struct {
	Symbol  string
	BestBid float64
	BestAsk float64
	Ts      time.Time
}

func (t OrderbookTick) Mid() float64 {
	return (t.BestBid + t.BestAsk) / 2
}

// TradeFill — подтверждение исполнения/смены статуса ордера из user-стрима.
type TradeFill struct {
	OrderID string
	Symbol  string
	Side    string // BUY/SELL
	Status  OrderStatus
	Price   float64
	Qty     float64
	Ts      time.Time
}
