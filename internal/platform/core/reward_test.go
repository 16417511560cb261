package core

import (
	"math"
	"testing"
	"time"
)

var scenarioTiers = []RewardTier{
	{Amount: 600, Probability: 0.55},
	{Amount: 800, Probability: 0.25},
	{Amount: 1000, Probability: 0.15},
	{Amount: 3000, Probability: 0.04},
	{Amount: 10000, Probability: 0.01, IsTop: true},
}

const week = 7 * 24 * time.Hour

func TestResolveRewardSelectsByCumulativeProbability(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		r    float64
		want int64
	}{
		{0.0, 600},
		{0.549, 600},
		{0.56, 800},
		{0.799, 800},
		{0.81, 1000},
		{0.949, 1000},
		{0.96, 3000},
		{0.995, 10000},
		{0.999, 10000},
	}
	for _, tc := range cases {
		draw := ResolveReward(scenarioTiers, 0, nil, now, week, tc.r)
		if draw.Amount != tc.want {
			t.Errorf("r=%v: amount=%d want %d", tc.r, draw.Amount, tc.want)
		}
	}
}

func TestResolveRewardTopTierWithoutCooldown(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	draw := ResolveReward(scenarioTiers, 600, nil, now, week, 0.999)
	if !draw.AwardedTop {
		t.Fatal("expected top award")
	}
	if draw.Amount != 10000 {
		t.Fatalf("amount=%d want 10000", draw.Amount)
	}
}

func TestResolveRewardCooldownDowngrade(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	lastTop := now.Add(-24 * time.Hour)

	draw := ResolveReward(scenarioTiers, 0, &lastTop, now, week, 0.999)
	if draw.AwardedTop {
		t.Fatal("top award must be suppressed inside the cooldown window")
	}
	// Highest-reward non-top tier is 3000.
	if draw.Amount != 3000 {
		t.Fatalf("amount=%d want 3000", draw.Amount)
	}
	if draw.Tier.IsTop {
		t.Fatal("returned tier must not be the top tier")
	}
}

func TestResolveRewardCooldownExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	lastTop := now.Add(-8 * 24 * time.Hour)

	draw := ResolveReward(scenarioTiers, 0, &lastTop, now, week, 0.999)
	if !draw.AwardedTop || draw.Amount != 10000 {
		t.Fatalf("expired cooldown should allow top award, got amount=%d top=%v", draw.Amount, draw.AwardedTop)
	}
}

func TestResolveRewardGuaranteeFloor(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	draw := ResolveReward(scenarioTiers, 700, nil, now, week, 0.0)
	if draw.Amount != 700 {
		t.Fatalf("floor not applied: amount=%d want 700", draw.Amount)
	}

	// The floor also applies after a cooldown downgrade.
	lastTop := now.Add(-time.Hour)
	draw = ResolveReward(scenarioTiers, 5000, &lastTop, now, week, 0.999)
	if draw.Amount != 5000 || draw.AwardedTop {
		t.Fatalf("downgraded draw: amount=%d top=%v", draw.Amount, draw.AwardedTop)
	}
}

func TestResolveRewardDriftFallsBackToLastTier(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	// Probabilities sum to 0.99, inside tolerance; r above the total sum
	// must land on the last tier.
	tiers := []RewardTier{
		{Amount: 100, Probability: 0.50},
		{Amount: 200, Probability: 0.49},
	}
	draw := ResolveReward(tiers, 0, nil, now, week, 0.995)
	if draw.Amount != 200 {
		t.Fatalf("drift fallback: amount=%d want 200", draw.Amount)
	}
}

func TestValidateTiers(t *testing.T) {
	if err := ValidateTiers(scenarioTiers); err != nil {
		t.Fatalf("valid tiers rejected: %v", err)
	}
	if err := ValidateTiers(nil); err == nil {
		t.Fatal("empty tier table accepted")
	}
	if err := ValidateTiers([]RewardTier{{Amount: 100, Probability: 0.5}}); err == nil {
		t.Fatal("sum 0.5 accepted")
	}
	if err := ValidateTiers([]RewardTier{{Amount: 100, Probability: 0.5}, {Amount: 200, Probability: 0.48}}); err == nil {
		t.Fatal("sum 0.98 accepted, outside [0.99,1.01]")
	}
	if err := ValidateTiers([]RewardTier{{Amount: 100, Probability: 0.5}, {Amount: 200, Probability: 0.49}}); err != nil {
		t.Fatalf("sum 0.99 rejected: %v", err)
	}
	if err := ValidateTiers([]RewardTier{{Amount: 100, Probability: 0.5}, {Amount: 200, Probability: 0.51}}); err != nil {
		t.Fatalf("sum 1.01 rejected: %v", err)
	}
	if err := ValidateTiers([]RewardTier{{Amount: 100, Probability: 0}, {Amount: 200, Probability: 1}}); err == nil {
		t.Fatal("zero probability accepted")
	}
}

func TestValidateTiersRequiresNonTopTier(t *testing.T) {
	// A table with no non-top tier would leave the cooldown downgrade with
	// nothing to downgrade to, letting a second top award through early.
	allTop := []RewardTier{{Amount: 10000, Probability: 1, IsTop: true}}
	if err := ValidateTiers(allTop); err == nil {
		t.Fatal("all-top tier table accepted")
	}

	split := []RewardTier{
		{Amount: 10000, Probability: 0.5, IsTop: true},
		{Amount: 20000, Probability: 0.5, IsTop: true},
	}
	if err := ValidateTiers(split); err == nil {
		t.Fatal("tier table without a non-top tier accepted")
	}

	mixed := []RewardTier{
		{Amount: 600, Probability: 0.5},
		{Amount: 10000, Probability: 0.5, IsTop: true},
	}
	if err := ValidateTiers(mixed); err != nil {
		t.Fatalf("mixed tier table rejected: %v", err)
	}
}

func TestCryptoFloatRange(t *testing.T) {
	for i := 0; i < 10000; i++ {
		r := CryptoFloat()
		if r < 0 || r >= 1 || math.IsNaN(r) {
			t.Fatalf("draw %v outside [0,1)", r)
		}
	}
}
