package exchange

import (
	"context"
	"encoding/json"
	"time"

	"grid_bot/internal/models"
	"grid_bot/pkg/logger"

	"github.com/bytedance/sonic"
)

// ConnectStream держит одно WS-соединение с реконнектом и переподпиской.
// Хендлеры зовутся из горутины чтения: долгую работу они обязаны уводить
// в свои очереди (движок так и делает).
func (c *Client) ConnectStream(ctx context.Context, h StreamHandlers) error {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()

	go c.runStream(ctx)
	return nil
}

func (c *Client) SubscribeOrderbook(symbols []string) error {
	c.mu.Lock()
	c.subs = append(c.subs, symbols...)
	c.mu.Unlock()

	for _, s := range symbols {
		c.send(map[string]any{"method": "sub.ticker", "param": map[string]string{"symbol": s}})
	}
	return nil
}

func (c *Client) SubscribeUserTrades(symbols []string, creds Credentials) error {
	c.mu.Lock()
	c.userSubs = append(c.userSubs, symbols...)
	c.creds = creds
	c.mu.Unlock()

	c.login(creds)
	for _, s := range symbols {
		c.send(map[string]any{"method": "sub.personal.order", "param": map[string]string{"symbol": s}})
	}
	return nil
}

func (c *Client) runStream(ctx context.Context) {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := c.wsDialer.Dial(c.wsURL, nil)
		if err != nil {
			retry++
			logger.Error("[WS] dial error: %v (retry %d)", err, retry)
			time.Sleep(time.Duration(300*min(retry, 8)) * time.Millisecond)
			continue
		}
		retry = 0

		c.sendMu.Lock()
		c.conn = conn
		c.sendMu.Unlock()

		c.resubscribe()
		c.setConnected(true)

		connDone := make(chan struct{})

		// keepalive ping — иначе биржа рвёт соединение по таймауту
		go func() {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-connDone:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					c.send(map[string]string{"method": "ping"})
				}
			}
		}()

		// отмена контекста должна рвать соединение сама: ReadMessage иначе
		// висит до сетевого таймаута
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-connDone:
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("[WS] read error: %v", err)
				}
				close(connDone)
				_ = conn.Close()
				break
			}
			c.dispatch(msg)
		}

		c.setConnected(false)
		c.sendMu.Lock()
		c.conn = nil
		c.sendMu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
			time.Sleep(time.Second)
		}
	}
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := append([]string(nil), c.subs...)
	userSubs := append([]string(nil), c.userSubs...)
	creds := c.creds
	c.mu.RUnlock()

	for _, s := range subs {
		c.send(map[string]any{"method": "sub.ticker", "param": map[string]string{"symbol": s}})
	}
	if len(userSubs) > 0 {
		c.login(creds)
		for _, s := range userSubs {
			c.send(map[string]any{"method": "sub.personal.order", "param": map[string]string{"symbol": s}})
		}
	}
}

func (c *Client) login(creds Credentials) {
	if creds.APIKey == "" {
		return
	}
	ts := time.Now().UnixMilli()
	msg := creds.APIKey + time.UnixMilli(ts).UTC().Format("20060102150405")
	c.send(map[string]any{
		"method": "login",
		"param": map[string]any{
			"apiKey":    creds.APIKey,
			"reqTime":   ts,
			"signature": sign(creds, msg),
		},
	})
}

func (c *Client) send(v any) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(v); err != nil {
		logger.Error("[WS] write error: %v", err)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.RLock()
	h := c.handlers
	c.mu.RUnlock()
	if h.OnConnected != nil {
		h.OnConnected(v)
	}
}

func (c *Client) dispatch(msg []byte) {
	var frame struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
		Ts      int64           `json:"ts"`
	}
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		return
	}

	c.mu.RLock()
	h := c.handlers
	c.mu.RUnlock()

	switch frame.Channel {
	case "push.ticker":
		if h.OnOrderbookUpdate == nil {
			return
		}
		var data struct {
			Symbol string  `json:"symbol"`
			Bid1   float64 `json:"bid1"`
			Ask1   float64 `json:"ask1"`
		}
		if err := sonic.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		if data.Bid1 <= 0 || data.Ask1 <= 0 {
			return
		}
		h.OnOrderbookUpdate(models.OrderbookTick{
			Symbol:  data.Symbol,
			BestBid: data.Bid1,
			BestAsk: data.Ask1,
			Ts:      time.UnixMilli(frame.Ts),
		})

	case "push.personal.order":
		if h.OnUserTradeUpdate == nil {
			return
		}
		var data struct {
			OrderID   string  `json:"orderId"`
			Symbol    string  `json:"symbol"`
			Side      string  `json:"side"`
			State     int     `json:"state"`
			Vol       float64 `json:"vol"`
			DealVol   float64 `json:"dealVol"`
			DealPrice float64 `json:"dealAvgPrice"`
			Price     float64 `json:"price"`
		}
		if err := sonic.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		price := data.DealPrice
		if price == 0 {
			price = data.Price
		}
		h.OnUserTradeUpdate(models.TradeFill{
			OrderID: data.OrderID,
			Symbol:  data.Symbol,
			Side:    data.Side,
			Status:  stateToStatus(data.State, data.Vol, data.DealVol),
			Price:   price,
			Qty:     data.DealVol,
			Ts:      time.UnixMilli(frame.Ts),
		})
	}
}
