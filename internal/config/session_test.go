package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSession() SessionConfig {
	return SessionConfig{
		APIKey:          "k",
		APISecret:       "s",
		Symbol:          "BTCUSDT",
		TickSize:        0.01,
		MaxBuyOrders:    2,
		OffsetTicks:     5,
		LayerStepTicks:  10,
		BuyTTL:          30,
		RepriceTicks:    15,
		TPTicks:         20,
		MaxSellTPOrders: 4,
		OrderQty:        1,
		LoopInterval:    500,
	}
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SessionConfig)
		wantErr string
	}{
		{"valid", func(*SessionConfig) {}, ""},
		{"missing key", func(c *SessionConfig) { c.APIKey = "" }, "apiKey"},
		{"missing secret", func(c *SessionConfig) { c.APISecret = "" }, "apiSecret"},
		{"missing symbol", func(c *SessionConfig) { c.Symbol = " " }, "symbol"},
		{"zero qty", func(c *SessionConfig) { c.OrderQty = 0 }, "orderQty"},
		{"negative qty", func(c *SessionConfig) { c.OrderQty = -1 }, "orderQty"},
		{"zero tick", func(c *SessionConfig) { c.TickSize = 0 }, "tickSize"},
		{"negative ttl", func(c *SessionConfig) { c.BuyTTL = -1 }, "buyTTL"},
		{"zero tp ceiling", func(c *SessionConfig) { c.MaxSellTPOrders = 0 }, "maxSellTPOrders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validSession()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := SessionConfig{Symbol: " ethusdt "}
	cfg.ApplyDefaults()

	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 100, cfg.AveragingThresholdTicks)
	assert.Equal(t, 30*time.Second, cfg.MarketSellWait())
	assert.Equal(t, 10*time.Second, cfg.RepriceEvery())
	assert.Equal(t, time.Second, cfg.LoopDuration())
}

func TestPatchTunablesKeepsIdentity(t *testing.T) {
	cfg := validSession()
	patch := validSession()
	patch.APIKey = "other"
	patch.Symbol = "ETHUSDT"
	patch.TPTicks = 40
	patch.SellAllOnStop = true

	changes := cfg.PatchTunables(patch)

	assert.Equal(t, Secret("k"), cfg.APIKey)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, 40, cfg.TPTicks)
	assert.True(t, cfg.SellAllOnStop)
	assert.ElementsMatch(t, []string{"tpTicks: 20 -> 40", "sellAllOnStop: false -> true"}, changes)
}

func TestSessionJSONRedactsCredentials(t *testing.T) {
	cfg := validSession()
	cfg.APIKey = "plain-key"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "plain-key")

	var decoded SessionConfig
	require.NoError(t, json.Unmarshal([]byte(`{"apiKey":"abc","apiSecret":"def","symbol":"BTCUSDT","orderQty":1.5}`), &decoded))
	assert.Equal(t, "abc", decoded.APIKey.Reveal())
	assert.Equal(t, "1.5", decoded.Quantity().String())
	assert.Equal(t, "[REDACTED]", fmt.Sprint(decoded.APISecret))
}
