package core

import (
	"context"
	"fmt"
	"time"

	"github.com/minismarket/minis-core/internal/platform/notify"
)

// Purchase executes the reward-box purchase flow: idempotency lookup,
// balance check, reward draw, debit+credit, two ledger entries, cooldown
// stamp, all committed as one unit.
//
// At-most-once per idempotency key: a completed purchase replays its stored
// result; a pending one (another attempt in flight) or a key owned by a
// different account is a conflict. Any failure before the commit leaves no
// side effects.
func (e *Engine) Purchase(ctx context.Context, accountID, productID, idempotencyKey string) (*PurchaseResult, error) {
	if accountID == "" || productID == "" || idempotencyKey == "" {
		e.metrics.observePurchase("invalid")
		return nil, fmt.Errorf("%w: account, product and idempotency key are required", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prior := e.lookupPurchaseLocked(ctx, idempotencyKey); prior != nil {
		if prior.AccountID != accountID {
			e.metrics.observePurchase("conflict")
			return nil, fmt.Errorf("%w: idempotency key belongs to another account", ErrConflict)
		}
		if prior.Status == PurchasePending {
			e.metrics.observePurchase("conflict")
			return nil, fmt.Errorf("%w: purchase %s still in flight", ErrConflict, prior.ID)
		}
		if prior.Status == PurchaseCompleted {
			e.metrics.observeReplay()
			cp := *prior
			return &PurchaseResult{Purchase: &cp, NewBalance: prior.BalanceAfter, Replayed: true}, nil
		}
		// A FAILED purchase left no side effects; fall through and retry
		// under the same key.
	}

	acct, ok := e.accounts[accountID]
	if !ok {
		e.metrics.observePurchase("not_found")
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}
	product, ok := e.products[productID]
	if !ok {
		e.metrics.observePurchase("not_found")
		return nil, fmt.Errorf("%w: product %q", ErrNotFound, productID)
	}
	if product.Status != ProductActive {
		e.metrics.observePurchase("conflict")
		return nil, fmt.Errorf("%w: product %s is %s, not purchasable", ErrConflict, productID, product.Status)
	}
	if acct.Balance < product.Price {
		e.metrics.observePurchase("insufficient")
		return nil, fmt.Errorf("%w: balance %d < price %d", ErrInsufficientFunds, acct.Balance, product.Price)
	}

	now := e.now()
	settings := e.settings.Get(ctx)
	draw := ResolveReward(product.RewardTiers, product.GuaranteedMinimum, acct.LastTopRewardAt, now, settings.TopRewardCooldown, e.randFloat())

	completedAt := now
	purchase := &Purchase{
		ID:             newID("pur"),
		IdempotencyKey: idempotencyKey,
		AccountID:      accountID,
		ProductID:      productID,
		PriceCharged:   product.Price,
		RewardGranted:  draw.Amount,
		AwardedTop:     draw.AwardedTop,
		BalanceAfter:   acct.Balance - product.Price + draw.Amount,
		Status:         PurchaseCompleted,
		CreatedAt:      now,
		CompletedAt:    &completedAt,
	}
	entries := []LedgerEntry{
		{
			ID:        newID("led"),
			AccountID: accountID,
			Delta:     -product.Price,
			Reason:    ReasonPurchaseDebit,
			Meta:      map[string]string{"purchase_id": purchase.ID, "product_id": productID},
			CreatedAt: now,
		},
		{
			ID:        newID("led"),
			AccountID: accountID,
			Delta:     draw.Amount,
			Reason:    ReasonRewardCredit,
			Meta:      map[string]string{"purchase_id": purchase.ID, "product_id": productID},
			CreatedAt: now,
		},
	}

	var topAt *time.Time
	if draw.AwardedTop {
		topAt = &now
	}
	if e.dbEnabled() {
		if err := e.commitPurchase(ctx, purchase, entries, topAt); err != nil {
			e.metrics.observePurchase("error")
			return nil, err
		}
	}

	acct.Balance = purchase.BalanceAfter
	if draw.AwardedTop {
		acct.LastTopRewardAt = topAt
	}
	e.appendEntriesLocked(entries)
	e.purchasesByKey[idempotencyKey] = purchase
	e.metrics.setIdempotencyKeys(len(e.purchasesByKey))
	e.metrics.observePurchase("completed")
	e.metrics.observeReward(draw.Amount)

	e.publishLocked(ctx, notify.BalanceEvent{
		Kind:      "purchase_completed",
		AccountID: accountID,
		ObjectID:  purchase.ID,
		Amount:    draw.Amount - product.Price,
		Reason:    ReasonRewardCredit,
		At:        now,
	})

	cp := *purchase
	return &PurchaseResult{Purchase: &cp, Tier: draw.Tier, NewBalance: purchase.BalanceAfter}, nil
}

// lookupPurchaseLocked consults the in-memory cache first and falls back to
// the database once the cache entry has been swept.
func (e *Engine) lookupPurchaseLocked(ctx context.Context, idempotencyKey string) *Purchase {
	if p, ok := e.purchasesByKey[idempotencyKey]; ok {
		return p
	}
	if !e.dbEnabled() {
		return nil
	}
	p, err := e.fetchPurchaseByKey(ctx, idempotencyKey)
	if err != nil {
		e.log.Warn("purchase lookup from database failed", "err", err)
		return nil
	}
	return p
}

// SweepIdempotency drops completed purchases older than the TTL from the
// in-memory replay cache. Rows in the database are retained, so at-most-once
// still holds after a sweep; only the fast path shrinks. Memory-only
// engines never sweep, the maps are the sole store.
func (e *Engine) SweepIdempotency(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dbEnabled() {
		e.metrics.observeSweep("skipped", 0)
		return 0
	}
	cutoff := e.now().Add(-e.idempotencyTTL)
	removed := 0
	for key, p := range e.purchasesByKey {
		if p.Status == PurchaseCompleted && p.CompletedAt != nil && p.CompletedAt.Before(cutoff) {
			delete(e.purchasesByKey, key)
			removed++
		}
	}
	e.metrics.setIdempotencyKeys(len(e.purchasesByKey))
	e.metrics.observeSweep("ok", removed)
	return removed
}

func (e *Engine) publishLocked(ctx context.Context, ev notify.BalanceEvent) {
	if err := e.publisher.PublishBalanceEvent(ctx, ev); err != nil {
		e.log.Warn("event publish failed", "kind", ev.Kind, "err", err)
	}
}
