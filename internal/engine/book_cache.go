package engine

import (
	"errors"
	"sync"
	"time"

	"grid_bot/internal/models"
)

// ErrBookStale — стакан старше TTL либо его ещё не было. Жёсткий отказ:
// ценовые решения на протухшем стакане — это мгновенные мэтчи и плохие филлы.
var ErrBookStale = errors.New("orderbook cache: stale or missing")

type BookCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]models.OrderbookTick

	now func() time.Time // подменяется в тестах
}

func NewBookCache(ttl time.Duration) *BookCache {
	return &BookCache{
		ttl:     ttl,
		entries: make(map[string]models.OrderbookTick),
		now:     time.Now,
	}
}

func (c *BookCache) Put(t models.OrderbookTick) {
	if t.Ts.IsZero() {
		t.Ts = c.now()
	}
	c.mu.Lock()
	c.entries[t.Symbol] = t
	c.mu.Unlock()
}

// Get никогда не отдаёт запись старше TTL.
func (c *BookCache) Get(symbol string) (models.OrderbookTick, error) {
	c.mu.RLock()
	t, ok := c.entries[symbol]
	c.mu.RUnlock()

	if !ok || c.now().Sub(t.Ts) > c.ttl {
		return models.OrderbookTick{}, ErrBookStale
	}
	return t, nil
}
