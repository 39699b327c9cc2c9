package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// APIError — ошибка уровня API биржи (HTTP 2xx, но code != 0).
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: code=%d msg=%s", e.Code, e.Msg)
}

// IsInsufficientFunds — нехватка маржи: цикл создания грида прерываем,
// но бот не падает (ретрай на следующем событии).
func IsInsufficientFunds(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 2005 || strings.Contains(strings.ToLower(apiErr.Msg), "insufficient")
	}
	return false
}

type Client struct {
	restURL string
	wsURL   string

	http     *http.Client
	wsDialer *websocket.Dialer

	mu       sync.RWMutex
	handlers StreamHandlers
	subs     []string // символы стакана для (ре)подписки
	userSubs []string
	creds    Credentials

	sendMu sync.Mutex
	conn   *websocket.Conn
}

func NewClient(restURL, wsURL string) *Client {
	return &Client{
		restURL:  restURL,
		wsURL:    wsURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		wsDialer: &websocket.Dialer{},
	}
}

// ===== REST =====

func (c *Client) GetDepth(ctx context.Context, symbol string) (*Depth, error) {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Bids [][]float64 `json:"bids"`
			Asks [][]float64 `json:"asks"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/contract/depth/"+symbol, nil, &resp, Credentials{}); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	d := &Depth{}
	for _, lvl := range resp.Data.Bids {
		if len(lvl) >= 2 {
			d.Bids = append(d.Bids, PriceLevel{Price: lvl[0], Qty: lvl[1]})
		}
	}
	for _, lvl := range resp.Data.Asks {
		if len(lvl) >= 2 {
			d.Asks = append(d.Asks, PriceLevel{Price: lvl[0], Qty: lvl[1]})
		}
	}
	return d, nil
}

func (c *Client) GetMarketInfo(ctx context.Context, symbol string, creds Credentials) (*MarketInfo, error) {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			PriceScale int     `json:"priceScale"`
			VolScale   int     `json:"volScale"`
			MinVol     float64 `json:"minVol"`
			VolUnit    float64 `json:"volUnit"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/contract/detail", map[string]string{"symbol": symbol}, &resp, creds); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return &MarketInfo{
		PriceDecimals: resp.Data.PriceScale,
		QtyDecimals:   resp.Data.VolScale,
		MinQty:        resp.Data.MinVol,
		StepSize:      resp.Data.VolUnit,
	}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, symbol, side string, price, qty float64, creds Credentials, opt PlaceOptions) (string, error) {
	body := map[string]any{
		"symbol":     symbol,
		"side":       side,
		"vol":        qty,
		"externalId": opt.ClientID,
	}
	switch opt.Type {
	case OrderTypeMarketIOC:
		body["type"] = "market"
		body["timeInForce"] = "IOC"
		if price > 0 {
			body["price"] = price // защитный лимит по слиппеджу
		}
	default:
		body["type"] = "limit"
		body["price"] = price
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/private/order/submit", body, &resp, creds); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return resp.Data.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, creds Credentials) error {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	body := map[string]any{"symbol": symbol, "orderId": orderID}
	if err := c.post(ctx, "/api/v1/private/order/cancel", body, &resp, creds); err != nil {
		return err
	}
	if resp.Code != 0 {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string, creds Credentials) error {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	body := map[string]any{"symbol": symbol}
	if err := c.post(ctx, "/api/v1/private/order/cancel_all", body, &resp, creds); err != nil {
		return err
	}
	if resp.Code != 0 {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

func (c *Client) GetOpenOrder(ctx context.Context, symbol, orderID string, creds Credentials) (*OpenOrder, error) {
	var resp struct {
		Code int       `json:"code"`
		Msg  string    `json:"msg"`
		Data *rawOrder `json:"data"`
	}
	err := c.get(ctx, "/api/v1/private/order/get/"+orderID, map[string]string{"symbol": symbol}, &resp, creds)
	if err != nil {
		return nil, err
	}
	// код "ордер не существует" — это ответ, а не сбой
	if resp.Code == 2013 || resp.Data == nil {
		return nil, nil
	}
	if resp.Code != 0 {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if !resp.Data.active() {
		return nil, nil
	}
	return resp.Data.toOpenOrder(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string, creds Credentials) ([]OpenOrder, error) {
	var resp struct {
		Code int        `json:"code"`
		Msg  string     `json:"msg"`
		Data []rawOrder `json:"data"`
	}
	err := c.get(ctx, "/api/v1/private/order/list/open_orders/"+symbol, nil, &resp, creds)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	out := make([]OpenOrder, 0, len(resp.Data))
	for i := range resp.Data {
		out = append(out, *resp.Data[i].toOpenOrder())
	}
	return out, nil
}

type rawOrder struct {
	OrderID    string  `json:"orderId"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Vol        float64 `json:"vol"`
	DealVol    float64 `json:"dealVol"`
	State      int     `json:"state"` // 2=open, 3=filled, 4=canceled, 5=invalid
	CreateTime int64   `json:"createTime"` // unix millis
}

func (r *rawOrder) active() bool { return r.State == 2 }

func (r *rawOrder) toOpenOrder() *OpenOrder {
	return &OpenOrder{
		ID:        r.OrderID,
		Side:      r.Side,
		Price:     r.Price,
		Qty:       r.Vol,
		DealQty:   r.DealVol,
		CreatedAt: time.UnixMilli(r.CreateTime),
	}
}

// stateToStatus мапит числовой state биржи в наш статус.
func stateToStatus(state int, vol, dealVol float64) models.OrderStatus {
	switch state {
	case 3:
		return models.OrderStatusFilled
	case 4:
		return models.OrderStatusCanceled
	case 5:
		return models.OrderStatusRejected
	default:
		if dealVol > 0 && dealVol < vol {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusNew
	}
}

// ===== подпись и транспорт =====

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any, creds Credentials) error {
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		path += "?" + strings.Join(parts, "&")
	}
	return c.do(ctx, http.MethodGet, path, "", out, creds)
}

func (c *Client) post(ctx context.Context, path string, body any, out any, creds Credentials) error {
	raw, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, string(raw), out, creds)
}

func (c *Client) do(ctx context.Context, method, path, body string, out any, creds Credentials) error {
	req, err := http.NewRequestWithContext(ctx, method, c.restURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("ApiKey", creds.APIKey)
		req.Header.Set("Request-Time", ts)
		req.Header.Set("Signature", sign(creds, ts+method+path+body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(rb))
	}
	return sonic.Unmarshal(rb, out)
}

func sign(creds Credentials, msg string) string {
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
