package models

import "time"

const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// Position живёт только в памяти: создаётся при подтверждённом входном филле,
// умирает при подтверждённом филле закрывающего ордера. Авторитетное состояние
// между рестартами — metadata активного лока, не эта структура.
type Position struct {
	Symbol         string
	Side           string // LONG/SHORT
	EntryOrderID   string
	EntryPrice     float64
	Qty            float64
	StopLossPrice  float64
	TakeProfitPrice float64
	ClosureOrderID string // пусто, пока закрытие не инициировано
	OpenedAt       time.Time
}
