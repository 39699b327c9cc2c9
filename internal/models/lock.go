package models

import "time"

const LockTypePositionOpen = "POSITION_OPEN"

type LockStatus string

const (
	LockActive   LockStatus = "ACTIVE"
	LockReleased LockStatus = "RELEASED"
)

// LockMetadata сериализуется в jsonb колонку лока (sonic).
type LockMetadata struct {
	EntryPrice     float64 `json:"entryPrice"`
	Side           string  `json:"side"` // LONG/SHORT
	Qty            float64 `json:"qty"`
	ClosureOrderID string  `json:"closureOrderId,omitempty"`
}

// TradingLock — персистентный мьютекс по (bot, symbol, lockType).
// Пока лок ACTIVE, любые операции создания/передвижения грида по символу — no-op.
// Единственный источник взаимного исключения — уникальность на уровне БД,
// in-memory мьютексам между рестартами веры нет.
type TradingLock struct {
	ID         int64
	BotID      int64
	Symbol     string
	LockType   string
	Status     LockStatus
	Reason     string
	PositionID string // external id входного ордера
	Metadata   LockMetadata
	CreatedAt  time.Time
	UnlockAt   *time.Time
}
