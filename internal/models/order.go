package models

import "time"

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusClosedBySLTP    OrderStatus = "CLOSED_BY_SL_TP"
)

// Terminal — статус, из которого ордер уже не выходит.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusClosedBySLTP:
		return true
	}
	return false
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order — durable-запись об ордере. Статус меняется только по подтверждённым
// событиям биржи, никогда спекулятивно.
type Order struct {
	ID         int64
	ExternalID string // id ордера на бирже, уникальный
	ClientID   string
	BotID      int64
	Symbol     string
	Side       string // BUY/SELL
	Price      float64
	Qty        float64
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
