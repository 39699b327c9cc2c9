package models

import "time"

type GridState string

const (
	GridAbsent   GridState = "ABSENT"
	GridPartial  GridState = "PARTIAL"
	GridComplete GridState = "COMPLETE"
)

type GridConfig struct {
	SpreadPct       float64 // полуспред от мида, в процентах
	MaxDeviationPct float64 // допустимое отклонение цены до пересоздания
	RebalanceSec    int     // устаревший polling-интервал, оставлен для совместимости конфигов
}

// Grid — пара bid/ask по одному символу. Пустой order id = нога не живая.
type Grid struct {
	Symbol     string
	BidOrderID string
	AskOrderID string
	BidPrice   float64
	AskPrice   float64
	Amount     float64
	Config     GridConfig
	LastUpdate time.Time
}

func (g *Grid) State() GridState {
	switch {
	case g == nil || (g.BidOrderID == "" && g.AskOrderID == ""):
		return GridAbsent
	case g.BidOrderID != "" && g.AskOrderID != "":
		return GridComplete
	}
	return GridPartial
}

// HasLeg — принадлежит ли ордер одной из ног грида.
func (g *Grid) HasLeg(orderID string) bool {
	if g == nil || orderID == "" {
		return false
	}
	return g.BidOrderID == orderID || g.AskOrderID == orderID
}

func (g *Grid) ClearLeg(orderID string) {
	if g == nil {
		return
	}
	if g.BidOrderID == orderID {
		g.BidOrderID = ""
	}
	if g.AskOrderID == orderID {
		g.AskOrderID = ""
	}
}
