package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minismarket/minis-core/internal/platform/clock"
)

// Settings is the platform's singleton fee and threshold configuration.
// Fee percentages are exact decimals; a float here would let rounding creep
// into balances.
type Settings struct {
	TransferFeePercent     decimal.Decimal
	WithdrawalFlatFee      int64
	TransferAutoApproveMax int64
	TopRewardCooldown      time.Duration
	MaxOpenWithdrawals     int
}

// TransferFee computes amount × feePercent in minor units, rounded half
// away from zero.
func (s Settings) TransferFee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(s.TransferFeePercent).Round(0).IntPart()
}

func DefaultSettings() Settings {
	return Settings{
		TransferFeePercent:     decimal.RequireFromString("0.02"),
		WithdrawalFlatFee:      0,
		TransferAutoApproveMax: 5000,
		TopRewardCooldown:      7 * 24 * time.Hour,
		MaxOpenWithdrawals:     3,
	}
}

// SettingsLoader fetches the persisted settings document. Absence is not an
// error; loaders return ok=false and the cache serves defaults.
type SettingsLoader func(ctx context.Context) (Settings, bool, error)

// SettingsCache is a TTL-bounded view of the settings document. Reads may
// be stale for up to the TTL; admin update paths call Invalidate so their
// own next read is fresh. Loader failures fall back to the last known value
// rather than blocking money movement.
type SettingsCache struct {
	mu        sync.Mutex
	clk       clock.Clock
	ttl       time.Duration
	loader    SettingsLoader
	log       *slog.Logger
	value     Settings
	fetchedAt time.Time
	primed    bool
	pinned    bool
}

func NewSettingsCache(clk clock.Clock, ttl time.Duration, loader SettingsLoader, log *slog.Logger) *SettingsCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &SettingsCache{clk: clk, ttl: ttl, loader: loader, log: log, value: DefaultSettings()}
}

func (c *SettingsCache) Get(ctx context.Context) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if c.pinned || (c.primed && now.Sub(c.fetchedAt) < c.ttl) {
		return c.value
	}
	if c.loader != nil {
		s, ok, err := c.loader(ctx)
		switch {
		case err != nil:
			c.log.Warn("settings load failed, serving last known value", "err", err)
		case ok:
			c.value = s
		default:
			c.value = DefaultSettings()
		}
	}
	c.primed = true
	c.fetchedAt = now
	return c.value
}

// Put pins the cache to s. Admin updates without a persisted settings
// document behind them use it; there is nothing to reload from.
func (c *SettingsCache) Put(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = s
	c.primed = true
	c.pinned = true
	c.fetchedAt = c.clk.Now()
}

// Invalidate drops the cached value so the next Get refetches. Admin update
// paths call this after writing the settings document.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primed = false
	c.pinned = false
}
