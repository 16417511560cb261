package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minismarket/minis-core/internal/platform/clock"
)

func testEngine(t *testing.T, now time.Time) *Engine {
	t.Helper()
	return NewEngine(clock.Fixed{At: now})
}

// seedPurchaseFixture creates a funded account and an active reward box.
func seedPurchaseFixture(t *testing.T, e *Engine, balance int64) (accountID, productID string) {
	t.Helper()
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "buyer@example.com", []string{"user"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	fundAccount(t, e, acct.ID, balance)

	prod, err := e.CreateProduct(ctx, 1000, 600, scenarioTiers)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := e.TransitionProduct(ctx, prod.ID, ProductPending, "admin-1"); err != nil {
		t.Fatalf("submit product: %v", err)
	}
	if _, err := e.TransitionProduct(ctx, prod.ID, ProductActive, "admin-1"); err != nil {
		t.Fatalf("approve product: %v", err)
	}
	return acct.ID, prod.ID
}

// fundAccount credits through the deposit workflow so the ledger stays
// consistent with the balance.
func fundAccount(t *testing.T, e *Engine, accountID string, amount int64) {
	t.Helper()
	if amount == 0 {
		return
	}
	ctx := context.Background()
	dep, err := e.SubmitDeposit(ctx, accountID, amount, "bank", "seed")
	if err != nil {
		t.Fatalf("submit deposit: %v", err)
	}
	if _, err := e.AdjudicateDeposit(ctx, dep.ID, "admin-1", true, "seed funds"); err != nil {
		t.Fatalf("approve deposit: %v", err)
	}
}

func TestPurchaseScenarioTopTier(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.999 })
	ctx := context.Background()

	accountID, productID := seedPurchaseFixture(t, e, 1000)

	res, err := e.Purchase(ctx, accountID, productID, "key-scenario")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Purchase.RewardGranted != 10000 || !res.Purchase.AwardedTop {
		t.Fatalf("reward=%d top=%v, want 10000/true", res.Purchase.RewardGranted, res.Purchase.AwardedTop)
	}
	if res.NewBalance != 10000 {
		t.Fatalf("balance=%d want 10000", res.NewBalance)
	}

	acct, err := e.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 10000 {
		t.Fatalf("stored balance=%d want 10000", acct.Balance)
	}
	if acct.LastTopRewardAt == nil || !acct.LastTopRewardAt.Equal(now) {
		t.Fatalf("lastTopRewardAt=%v want %v", acct.LastTopRewardAt, now)
	}

	entries, err := e.ListLedger(ctx, accountID, 1, 10)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	var debit, credit *LedgerEntry
	for i := range entries {
		if entries[i].Meta["purchase_id"] == res.Purchase.ID {
			switch entries[i].Reason {
			case ReasonPurchaseDebit:
				debit = &entries[i]
			case ReasonRewardCredit:
				credit = &entries[i]
			}
		}
	}
	if debit == nil || credit == nil {
		t.Fatal("expected a debit and a credit entry for the purchase")
	}
	if debit.Delta != -1000 || credit.Delta != 10000 {
		t.Fatalf("deltas %d/%d, want -1000/+10000", debit.Delta, credit.Delta)
	}
}

func TestPurchaseIdempotentReplay(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.0 })
	ctx := context.Background()

	accountID, productID := seedPurchaseFixture(t, e, 5000)

	first, err := e.Purchase(ctx, accountID, productID, "key-replay")
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := e.Purchase(ctx, accountID, productID, "key-replay")
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second call should replay the stored result")
	}
	if second.Purchase.ID != first.Purchase.ID || second.NewBalance != first.NewBalance {
		t.Fatalf("replay mismatch: %+v vs %+v", second.Purchase, first.Purchase)
	}

	sum, err := e.SumDeltas(ctx, accountID)
	if err != nil {
		t.Fatalf("sum deltas: %v", err)
	}
	acct, _ := e.GetAccount(ctx, accountID)
	if sum != acct.Balance {
		t.Fatalf("reconciliation broken: ledger=%d balance=%d", sum, acct.Balance)
	}

	// Exactly one debit/credit pair for the key.
	entries, _ := e.ListLedger(ctx, accountID, 1, 100)
	pairs := 0
	for _, entry := range entries {
		if entry.Meta["purchase_id"] == first.Purchase.ID {
			pairs++
		}
	}
	if pairs != 2 {
		t.Fatalf("ledger entries for purchase = %d, want 2", pairs)
	}
}

func TestPurchaseKeyOwnedByOtherAccount(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.0 })
	ctx := context.Background()

	accountID, productID := seedPurchaseFixture(t, e, 5000)
	other, err := e.CreateAccount(ctx, "other@example.com", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	fundAccount(t, e, other.ID, 5000)

	if _, err := e.Purchase(ctx, accountID, productID, "key-shared"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := e.Purchase(ctx, other.ID, productID, "key-shared"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPurchaseInsufficientBalanceLeavesNoTrace(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	ctx := context.Background()

	// One unit short of the price.
	accountID, productID := seedPurchaseFixture(t, e, 999)

	_, err := e.Purchase(ctx, accountID, productID, "key-short")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acct, _ := e.GetAccount(ctx, accountID)
	if acct.Balance != 999 {
		t.Fatalf("balance mutated to %d", acct.Balance)
	}
	entries, _ := e.ListLedger(ctx, accountID, 1, 100)
	for _, entry := range entries {
		if entry.Reason == ReasonPurchaseDebit || entry.Reason == ReasonRewardCredit {
			t.Fatalf("unexpected ledger entry %+v", entry)
		}
	}

	// The failed attempt did not burn the key.
	fundAccount(t, e, accountID, 1)
	if _, err := e.Purchase(ctx, accountID, productID, "key-short"); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
}

func TestPurchaseRejectsInactiveProductAndMissingRefs(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	ctx := context.Background()

	acct, _ := e.CreateAccount(ctx, "buyer@example.com", nil)
	fundAccount(t, e, acct.ID, 5000)
	prod, err := e.CreateProduct(ctx, 1000, 0, scenarioTiers)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	// Still in DRAFT.
	if _, err := e.Purchase(ctx, acct.ID, prod.ID, "key-draft"); !errors.Is(err, ErrConflict) {
		t.Fatalf("draft product: expected ErrConflict, got %v", err)
	}
	if _, err := e.Purchase(ctx, acct.ID, "prod-missing", "key-miss"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing product: expected ErrNotFound, got %v", err)
	}
	if _, err := e.Purchase(ctx, "acct-missing", prod.ID, "key-miss2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account: expected ErrNotFound, got %v", err)
	}
	if _, err := e.Purchase(ctx, acct.ID, prod.ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty key: expected ErrValidation, got %v", err)
	}
}

func TestPurchaseCooldownSuppressesSecondTop(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.999 })
	ctx := context.Background()

	accountID, productID := seedPurchaseFixture(t, e, 2000)

	first, err := e.Purchase(ctx, accountID, productID, "key-top-1")
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if !first.Purchase.AwardedTop {
		t.Fatal("first draw should award top")
	}

	second, err := e.Purchase(ctx, accountID, productID, "key-top-2")
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if second.Purchase.AwardedTop {
		t.Fatal("second top draw inside cooldown must be downgraded")
	}
	if second.Purchase.RewardGranted != 3000 {
		t.Fatalf("downgraded reward=%d want 3000", second.Purchase.RewardGranted)
	}
}

func TestPurchaseConcurrentSameKeySingleDebit(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.0 })
	ctx := context.Background()

	// Exactly enough for one purchase.
	accountID, productID := seedPurchaseFixture(t, e, 1000)

	var wg sync.WaitGroup
	results := make([]*PurchaseResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Purchase(ctx, accountID, productID, "key-race")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			// A loser may also see a conflict if it observed the
			// winner's in-flight state.
			if !errors.Is(errs[i], ErrConflict) {
				t.Fatalf("unexpected error: %v", errs[i])
			}
			continue
		}
		if !results[i].Replayed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("completed purchases = %d, want exactly 1", fresh)
	}

	// Exactly one debit happened.
	entries, _ := e.ListLedger(ctx, accountID, 1, 100)
	debits := 0
	for _, entry := range entries {
		if entry.Reason == ReasonPurchaseDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("purchase debits = %d, want 1", debits)
	}
	sum, _ := e.SumDeltas(ctx, accountID)
	acct, _ := e.GetAccount(ctx, accountID)
	if sum != acct.Balance {
		t.Fatalf("reconciliation broken: ledger=%d balance=%d", sum, acct.Balance)
	}
}

func TestSweepIdempotencyKeepsMemoryOnlyEngineIntact(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	e.SetRandSource(func() float64 { return 0.0 })
	ctx := context.Background()

	accountID, productID := seedPurchaseFixture(t, e, 5000)
	if _, err := e.Purchase(ctx, accountID, productID, "key-sweep"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// Without a database the maps are the only store; sweeping must not
	// discard replay state.
	if removed := e.SweepIdempotency(ctx); removed != 0 {
		t.Fatalf("memory-only sweep removed %d entries", removed)
	}
	res, err := e.Purchase(ctx, accountID, productID, "key-sweep")
	if err != nil || !res.Replayed {
		t.Fatalf("replay after sweep: res=%+v err=%v", res, err)
	}
}
