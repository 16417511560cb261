package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Tier probabilities for one product must sum to 1 within this tolerance.
// Enforced at product creation, not at draw time.
const (
	tierSumTolerance = 0.01
)

// RewardDraw is the outcome of resolving one reward box open. AwardedTop
// reports whether a top-tier award actually stands after cooldown policy,
// which drives the account's LastTopRewardAt stamp.
type RewardDraw struct {
	Tier       RewardTier
	Amount     int64
	AwardedTop bool
}

// CryptoFloat draws a uniform fraction in [0,1) from crypto/rand. Reward
// fairness is a user-facing guarantee, so a general-purpose PRNG is not
// acceptable here.
func CryptoFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is no safe fallback draw.
		panic(fmt.Sprintf("crypto rand unavailable: %v", err))
	}
	// 53 high bits give a uniform float64 in [0,1).
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// ValidateTiers enforces the product-creation invariants: at least one tier,
// every probability in (0,1], probabilities summing to 1 ± 0.01, and at
// least one non-top tier. The last rule keeps the cooldown downgrade total:
// a table made entirely of top tiers would have no tier to downgrade to.
func ValidateTiers(tiers []RewardTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: at least one reward tier required", ErrValidation)
	}
	var sum float64
	hasNonTop := false
	for i, t := range tiers {
		if t.Probability <= 0 || t.Probability > 1 {
			return fmt.Errorf("%w: tier %d probability %v outside (0,1]", ErrValidation, i, t.Probability)
		}
		if t.Amount < 0 {
			return fmt.Errorf("%w: tier %d amount must not be negative", ErrValidation, i)
		}
		if !t.IsTop {
			hasNonTop = true
		}
		sum += t.Probability
	}
	if !hasNonTop {
		return fmt.Errorf("%w: at least one non-top tier required", ErrValidation)
	}
	if math.Abs(sum-1) > tierSumTolerance {
		return fmt.Errorf("%w: tier probabilities sum to %v, want 1±%v", ErrValidation, sum, tierSumTolerance)
	}
	return nil
}

// ResolveReward selects a tier for the draw fraction r and applies cooldown
// and guarantee policy. Pure given its inputs: callers supply the clock
// reading and the random draw, which keeps every branch testable.
//
// Selection walks tiers in stored order accumulating probability and picks
// the first tier whose cumulative probability covers r. Floating-point
// drift that leaves r above every cumulative sum falls back to the last
// tier.
//
// A top-tier selection within the cooldown window of the account's last top
// award is downgraded to the highest-reward non-top tier and reported with
// AwardedTop=false. The returned amount is never below guaranteedMinimum.
func ResolveReward(tiers []RewardTier, guaranteedMinimum int64, lastTopRewardAt *time.Time, now time.Time, cooldown time.Duration, r float64) RewardDraw {
	selected := tiers[len(tiers)-1]
	var cum float64
	for _, t := range tiers {
		cum += t.Probability
		if cum >= r {
			selected = t
			break
		}
	}

	if selected.IsTop && lastTopRewardAt != nil && now.Sub(*lastTopRewardAt) < cooldown {
		if alt, ok := highestNonTop(tiers); ok {
			selected = alt
		}
	}

	amount := selected.Amount
	if amount < guaranteedMinimum {
		amount = guaranteedMinimum
	}
	return RewardDraw{Tier: selected, Amount: amount, AwardedTop: selected.IsTop}
}

func highestNonTop(tiers []RewardTier) (RewardTier, bool) {
	var best RewardTier
	found := false
	for _, t := range tiers {
		if t.IsTop {
			continue
		}
		if !found || t.Amount > best.Amount {
			best = t
			found = true
		}
	}
	return best, found
}
