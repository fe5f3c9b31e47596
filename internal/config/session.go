package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults for the tunables that used to be fixed constants
const (
	DefaultLoopIntervalMs          = 1000
	DefaultAveragingThresholdTicks = 100
	DefaultMarketSellTimeoutSec    = 30
	DefaultRepriceIntervalSec      = 10
)

// SessionConfig is the per-session trading configuration accepted by the
// control surface. Credentials and symbol are fixed for a session's lifetime;
// every other field may be patched while running.
type SessionConfig struct {
	APIKey    Secret `json:"apiKey" yaml:"api_key"`
	APISecret Secret `json:"apiSecret" yaml:"api_secret"`
	Symbol    string `json:"symbol" yaml:"symbol"`

	TickSize         float64 `json:"tickSize" yaml:"tick_size"`
	MaxBuyOrders     int     `json:"maxBuyOrders" yaml:"max_buy_orders"`
	OffsetTicks      int     `json:"offsetTicks" yaml:"offset_ticks"`
	LayerStepTicks   int     `json:"layerStepTicks" yaml:"layer_step_ticks"`
	BuyTTL           int     `json:"buyTTL" yaml:"buy_ttl"` // seconds
	RepriceTicks     int     `json:"repriceTicks" yaml:"reprice_ticks"`
	TPTicks          int     `json:"tpTicks" yaml:"tp_ticks"`
	MaxSellTPOrders  int     `json:"maxSellTPOrders" yaml:"max_sell_tp_orders"`
	OrderQty         float64 `json:"orderQty" yaml:"order_qty"`
	LoopInterval     int     `json:"loopInterval" yaml:"loop_interval"`           // milliseconds
	WaitAfterBuyFill int     `json:"waitAfterBuyFill" yaml:"wait_after_buy_fill"` // milliseconds
	SellAllOnStop    bool    `json:"sellAllOnStop" yaml:"sell_all_on_stop"`

	AveragingThresholdTicks int  `json:"averagingThresholdTicks" yaml:"averaging_threshold_ticks"`
	MarketSellTimeout       int  `json:"marketSellTimeout" yaml:"market_sell_timeout"` // seconds
	RepriceInterval         int  `json:"repriceInterval" yaml:"reprice_interval"`      // seconds
	FullTPSweep             bool `json:"fullTpSweep" yaml:"full_tp_sweep"`
}

// ApplyDefaults fills zero valued tunables with their defaults
func (c *SessionConfig) ApplyDefaults() {
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopIntervalMs
	}
	if c.AveragingThresholdTicks <= 0 {
		c.AveragingThresholdTicks = DefaultAveragingThresholdTicks
	}
	if c.MarketSellTimeout <= 0 {
		c.MarketSellTimeout = DefaultMarketSellTimeoutSec
	}
	if c.RepriceInterval <= 0 {
		c.RepriceInterval = DefaultRepriceIntervalSec
	}
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
}

// Validate checks everything a session needs before it may start
func (c *SessionConfig) Validate() error {
	var errs []string
	if c.APIKey == "" {
		errs = append(errs, ValidationError{Field: "apiKey", Message: "API key is required"}.Error())
	}
	if c.APISecret == "" {
		errs = append(errs, ValidationError{Field: "apiSecret", Message: "API secret is required"}.Error())
	}
	if strings.TrimSpace(c.Symbol) == "" {
		errs = append(errs, ValidationError{Field: "symbol", Message: "trading symbol is required"}.Error())
	}
	if err := c.ValidateTunables(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("session config validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// ValidateTunables checks the fields that may be patched while running
func (c *SessionConfig) ValidateTunables() error {
	var errs []string
	check := func(ok bool, field string, value interface{}, msg string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field, Value: value, Message: msg}.Error())
		}
	}

	check(c.OrderQty > 0, "orderQty", c.OrderQty, "order quantity must be positive")
	check(c.TickSize > 0, "tickSize", c.TickSize, "tick size must be positive")
	check(c.MaxBuyOrders >= 0, "maxBuyOrders", c.MaxBuyOrders, "must not be negative")
	check(c.OffsetTicks >= 0, "offsetTicks", c.OffsetTicks, "must not be negative")
	check(c.LayerStepTicks >= 0, "layerStepTicks", c.LayerStepTicks, "must not be negative")
	check(c.BuyTTL >= 0, "buyTTL", c.BuyTTL, "must not be negative")
	check(c.RepriceTicks >= 0, "repriceTicks", c.RepriceTicks, "must not be negative")
	check(c.TPTicks >= 0, "tpTicks", c.TPTicks, "must not be negative")
	check(c.MaxSellTPOrders >= 1, "maxSellTPOrders", c.MaxSellTPOrders, "must be at least 1")
	check(c.LoopInterval >= 0, "loopInterval", c.LoopInterval, "must not be negative")
	check(c.WaitAfterBuyFill >= 0, "waitAfterBuyFill", c.WaitAfterBuyFill, "must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	return nil
}

// PatchTunables copies every live-patchable field from patch; credentials and
// symbol are left untouched. It returns a human readable line per changed field.
func (c *SessionConfig) PatchTunables(patch SessionConfig) []string {
	var changes []string
	note := func(name string, from, to interface{}) {
		if from != to {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", name, from, to))
		}
	}

	note("tickSize", c.TickSize, patch.TickSize)
	note("maxBuyOrders", c.MaxBuyOrders, patch.MaxBuyOrders)
	note("offsetTicks", c.OffsetTicks, patch.OffsetTicks)
	note("layerStepTicks", c.LayerStepTicks, patch.LayerStepTicks)
	note("buyTTL", c.BuyTTL, patch.BuyTTL)
	note("repriceTicks", c.RepriceTicks, patch.RepriceTicks)
	note("tpTicks", c.TPTicks, patch.TPTicks)
	note("maxSellTPOrders", c.MaxSellTPOrders, patch.MaxSellTPOrders)
	note("orderQty", c.OrderQty, patch.OrderQty)
	note("loopInterval", c.LoopInterval, patch.LoopInterval)
	note("waitAfterBuyFill", c.WaitAfterBuyFill, patch.WaitAfterBuyFill)
	note("sellAllOnStop", c.SellAllOnStop, patch.SellAllOnStop)
	note("averagingThresholdTicks", c.AveragingThresholdTicks, patch.AveragingThresholdTicks)
	note("marketSellTimeout", c.MarketSellTimeout, patch.MarketSellTimeout)
	note("repriceInterval", c.RepriceInterval, patch.RepriceInterval)
	note("fullTpSweep", c.FullTPSweep, patch.FullTPSweep)

	apiKey, apiSecret, symbol := c.APIKey, c.APISecret, c.Symbol
	*c = patch
	c.APIKey, c.APISecret, c.Symbol = apiKey, apiSecret, symbol
	return changes
}

// Tick returns the tick size as a decimal
func (c *SessionConfig) Tick() decimal.Decimal {
	return decimal.NewFromFloat(c.TickSize)
}

// Quantity returns the per-order quantity as a decimal
func (c *SessionConfig) Quantity() decimal.Decimal {
	return decimal.NewFromFloat(c.OrderQty)
}

// BuyTTLDuration is the maximum age of a resting ladder order
func (c *SessionConfig) BuyTTLDuration() time.Duration {
	return time.Duration(c.BuyTTL) * time.Second
}

// LoopDuration is the delay between two ticks
func (c *SessionConfig) LoopDuration() time.Duration {
	if c.LoopInterval <= 0 {
		return DefaultLoopIntervalMs * time.Millisecond
	}
	return time.Duration(c.LoopInterval) * time.Millisecond
}

// FillCooldown is the pause in ladder creation after a buy fill
func (c *SessionConfig) FillCooldown() time.Duration {
	return time.Duration(c.WaitAfterBuyFill) * time.Millisecond
}

// RepriceEvery is the cadence of the repricing walk
func (c *SessionConfig) RepriceEvery() time.Duration {
	if c.RepriceInterval <= 0 {
		return DefaultRepriceIntervalSec * time.Second
	}
	return time.Duration(c.RepriceInterval) * time.Second
}

// MarketSellWait bounds how long a liquidation market order is tracked
func (c *SessionConfig) MarketSellWait() time.Duration {
	if c.MarketSellTimeout <= 0 {
		return DefaultMarketSellTimeoutSec * time.Second
	}
	return time.Duration(c.MarketSellTimeout) * time.Second
}

// AveragingThreshold returns the averaging trigger as a tick count
func (c *SessionConfig) AveragingThreshold() int {
	if c.AveragingThresholdTicks <= 0 {
		return DefaultAveragingThresholdTicks
	}
	return c.AveragingThresholdTicks
}
