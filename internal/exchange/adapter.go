package exchange

import (
	"context"
	"time"

	"grid_bot/internal/models"
)

type Credentials struct {
	APIKey    string
	APISecret string
}

type PriceLevel struct {
	Price float64
	Qty   float64
}

type Depth struct {
	Bids []PriceLevel // по убыванию цены
	Asks []PriceLevel // по возрастанию цены
}

func (d *Depth) BestBid() float64 {
	if d == nil || len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Price
}

func (d *Depth) BestAsk() float64 {
	if d == nil || len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Price
}

type MarketInfo struct {
	PriceDecimals int
	QtyDecimals   int
	MinQty        float64
	StepSize      float64
}

// PriceStep — минимальный шаг цены инструмента.
func (m *MarketInfo) PriceStep() float64 {
	step := 1.0
	for i := 0; i < m.PriceDecimals; i++ {
		step /= 10
	}
	return step
}

type OrderType string

const (
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeMarketIOC OrderType = "MARKET_IOC"
)

type PlaceOptions struct {
	Type     OrderType
	ClientID string
}

// OpenOrder — живой ордер со стороны биржи (GetOpenOrder / OpenOrders).
type OpenOrder struct {
	ID        string
	Side      string
	Price     float64
	Qty       float64
	DealQty   float64
	CreatedAt time.Time
}

type StreamHandlers struct {
	OnOrderbookUpdate func(models.OrderbookTick)
	OnUserTradeUpdate func(models.TradeFill)
	OnConnected       func(bool)
}

// Adapter — биржевая capability движка. Реализация обязана быть безопасной
// для конкурентных вызовов из разных symbol-воркеров.
type Adapter interface {
	ConnectStream(ctx context.Context, h StreamHandlers) error
	SubscribeOrderbook(symbols []string) error
	SubscribeUserTrades(symbols []string, creds Credentials) error

	GetDepth(ctx context.Context, symbol string) (*Depth, error)
	GetMarketInfo(ctx context.Context, symbol string, creds Credentials) (*MarketInfo, error)

	PlaceOrder(ctx context.Context, symbol, side string, price, qty float64, creds Credentials, opt PlaceOptions) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string, creds Credentials) error
	CancelAllOpenOrders(ctx context.Context, symbol string, creds Credentials) error

	// GetOpenOrder: (nil, nil) = биржа ордер не знает либо он уже неактивен.
	GetOpenOrder(ctx context.Context, symbol, orderID string, creds Credentials) (*OpenOrder, error)
	OpenOrders(ctx context.Context, symbol string, creds Credentials) ([]OpenOrder, error)
}
