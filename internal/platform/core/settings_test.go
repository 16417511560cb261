package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minismarket/minis-core/internal/platform/clock"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSettingsCacheServesWithinTTL(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	loads := 0
	loader := func(ctx context.Context) (Settings, bool, error) {
		loads++
		s := DefaultSettings()
		s.WithdrawalFlatFee = int64(loads)
		return s, true, nil
	}
	c := NewSettingsCache(clk, time.Minute, loader, nil)
	ctx := context.Background()

	if got := c.Get(ctx); got.WithdrawalFlatFee != 1 {
		t.Fatalf("first load fee=%d want 1", got.WithdrawalFlatFee)
	}
	clk.advance(30 * time.Second)
	if got := c.Get(ctx); got.WithdrawalFlatFee != 1 {
		t.Fatalf("within TTL fee=%d, expected cached value", got.WithdrawalFlatFee)
	}
	if loads != 1 {
		t.Fatalf("loads=%d want 1", loads)
	}

	clk.advance(31 * time.Second)
	if got := c.Get(ctx); got.WithdrawalFlatFee != 2 {
		t.Fatalf("after TTL fee=%d want refetched 2", got.WithdrawalFlatFee)
	}
}

func TestSettingsCacheInvalidateForcesRefetch(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	loads := 0
	loader := func(ctx context.Context) (Settings, bool, error) {
		loads++
		return DefaultSettings(), true, nil
	}
	c := NewSettingsCache(clk, time.Minute, loader, nil)
	ctx := context.Background()

	c.Get(ctx)
	c.Invalidate()
	c.Get(ctx)
	if loads != 2 {
		t.Fatalf("loads=%d want 2 after invalidation", loads)
	}
}

func TestSettingsCacheLoaderFailureServesLastKnown(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	fail := false
	loader := func(ctx context.Context) (Settings, bool, error) {
		if fail {
			return Settings{}, false, fmt.Errorf("connection refused")
		}
		s := DefaultSettings()
		s.WithdrawalFlatFee = 75
		return s, true, nil
	}
	c := NewSettingsCache(clk, time.Minute, loader, nil)
	ctx := context.Background()

	if got := c.Get(ctx); got.WithdrawalFlatFee != 75 {
		t.Fatalf("fee=%d want 75", got.WithdrawalFlatFee)
	}
	fail = true
	clk.advance(2 * time.Minute)
	if got := c.Get(ctx); got.WithdrawalFlatFee != 75 {
		t.Fatalf("loader failure reset fee to %d, want last known 75", got.WithdrawalFlatFee)
	}
}

func TestSettingsCacheMissingDocumentServesDefaults(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	loader := func(ctx context.Context) (Settings, bool, error) {
		return Settings{}, false, nil
	}
	c := NewSettingsCache(clk, time.Minute, loader, nil)

	got := c.Get(context.Background())
	want := DefaultSettings()
	if got.TransferAutoApproveMax != want.TransferAutoApproveMax || got.TopRewardCooldown != want.TopRewardCooldown {
		t.Fatalf("got %+v want defaults %+v", got, want)
	}
}

func TestSettingsCachePutPinsValue(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	loader := func(ctx context.Context) (Settings, bool, error) {
		return Settings{}, false, nil
	}
	c := NewSettingsCache(clk, time.Minute, loader, nil)
	ctx := context.Background()

	s := DefaultSettings()
	s.WithdrawalFlatFee = 200
	c.Put(s)

	// Pinned values survive TTL expiry; there is no document to reload.
	clk.advance(time.Hour)
	if got := c.Get(ctx); got.WithdrawalFlatFee != 200 {
		t.Fatalf("fee=%d want pinned 200", got.WithdrawalFlatFee)
	}
}

func TestTransferFeeRounding(t *testing.T) {
	cases := []struct {
		percent string
		amount  int64
		want    int64
	}{
		{"0.02", 5000, 100},
		{"0.02", 1, 0},    // 0.02 rounds down
		{"0.02", 25, 1},   // 0.5 rounds half away from zero
		{"0.02", 5001, 100},
		{"0.015", 1000, 15},
		{"0", 5000, 0},
	}
	for _, tc := range cases {
		s := Settings{TransferFeePercent: decimal.RequireFromString(tc.percent)}
		if got := s.TransferFee(tc.amount); got != tc.want {
			t.Errorf("fee(%s, %d)=%d want %d", tc.percent, tc.amount, got, tc.want)
		}
	}
}

func TestBootstrapSettingsWithoutStore(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := NewEngine(clock.Fixed{At: now})
	ctx := context.Background()

	s := DefaultSettings()
	s.TransferAutoApproveMax = 777
	if err := e.BootstrapSettings(ctx, s); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := e.Settings(ctx); got.TransferAutoApproveMax != 777 {
		t.Fatalf("threshold=%d want 777", got.TransferAutoApproveMax)
	}
}

func TestUpdateSettingsTakesEffectImmediately(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := NewEngine(clock.Fixed{At: now})
	ctx := context.Background()

	s := DefaultSettings()
	s.TransferAutoApproveMax = 100
	if err := e.UpdateSettings(ctx, s, "admin-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := e.Settings(ctx); got.TransferAutoApproveMax != 100 {
		t.Fatalf("threshold=%d want 100", got.TransferAutoApproveMax)
	}

	// Invalid values never land.
	s.TopRewardCooldown = 0
	if err := e.UpdateSettings(ctx, s, "admin-1"); err == nil {
		t.Fatal("zero cooldown accepted")
	}
}
