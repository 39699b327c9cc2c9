package models

type BotStatus string

const (
	BotRunning BotStatus = "running"
	BotStopped BotStatus = "stopped"
	BotError   BotStatus = "error"
)

// SymbolStats — read-only метрики для health/метрик, вне критического пути.
type SymbolStats struct {
	Symbol      string
	Status      BotStatus
	StatusMsg   string
	Volume      float64
	TradeCount  int64
	NetPosition float64
	StartedAt   int64 // unix seconds, 0 = не запущен
}
