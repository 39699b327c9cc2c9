package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolOrDefaultFillsZeroFields(t *testing.T) {
	c := &Config{
		DefaultSpreadPct:       0.2,
		DefaultAmount:          0.01,
		DefaultMaxDeviationPct: 0.5,
		DefaultStopPct:         0.5,
		DefaultTakeProfitPct:   0.3,
	}

	got := c.SymbolOrDefault(SymbolConfig{Symbol: "BTC_USDT"})
	assert.Equal(t, 0.2, got.SpreadPct)
	assert.Equal(t, 0.01, got.Amount)
	assert.Equal(t, 0.5, got.MaxDeviationPct)
	assert.Equal(t, 0.5, got.StopPct)
	assert.Equal(t, 0.3, got.TakeProfitPct)
}

func TestSymbolOrDefaultKeepsExplicitValues(t *testing.T) {
	c := &Config{DefaultSpreadPct: 0.2, DefaultAmount: 0.01}

	got := c.SymbolOrDefault(SymbolConfig{Symbol: "ETH_USDT", SpreadPct: 0.15, Amount: 0.5})
	assert.Equal(t, 0.15, got.SpreadPct)
	assert.Equal(t, 0.5, got.Amount)
}
