package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// commitPurchase writes the purchase row, both ledger entries, the balance
// change, and the cooldown stamp as one unit. The unique index on
// idempotency_key is the cross-process backstop: a concurrent insert under
// the same key surfaces as a conflict, never a second debit.
func (e *Engine) commitPurchase(ctx context.Context, p *Purchase, entries []LedgerEntry, topAt *time.Time) error {
	err := e.runAtomic(ctx, "purchase", func(r txRunner) error {
		const q = `
INSERT INTO purchases (
  purchase_id, idempotency_key, account_id, product_id, price_charged,
  reward_granted, awarded_top, balance_after, status, created_at, completed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
		if _, err := r.ExecContext(ctx, q,
			p.ID, p.IdempotencyKey, p.AccountID, p.ProductID, p.PriceCharged,
			p.RewardGranted, p.AwardedTop, p.BalanceAfter, string(p.Status), p.CreatedAt, p.CompletedAt); err != nil {
			return err
		}
		if err := updateAccountBalance(ctx, r, p.AccountID, p.RewardGranted-p.PriceCharged); err != nil {
			return err
		}
		if topAt != nil {
			const tq = `UPDATE accounts SET last_top_reward_at = $2 WHERE account_id = $1`
			if _, err := r.ExecContext(ctx, tq, p.AccountID, *topAt); err != nil {
				return err
			}
		}
		return insertLedgerEntries(ctx, r, entries)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: idempotency key already used", ErrConflict)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*Purchase, error) {
	var (
		p           Purchase
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.AccountID, &p.ProductID, &p.PriceCharged,
		&p.RewardGranted, &p.AwardedTop, &p.BalanceAfter, &status, &p.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	p.Status = PurchaseStatus(status)
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		p.CompletedAt = &ts
	}
	return &p, nil
}

func (e *Engine) fetchPurchaseByKey(ctx context.Context, idempotencyKey string) (*Purchase, error) {
	const q = `
SELECT purchase_id, idempotency_key, account_id, product_id, price_charged,
       reward_granted, awarded_top, balance_after, status, created_at, completed_at
FROM purchases WHERE idempotency_key = $1
`
	p, err := scanPurchase(e.db.QueryRowContext(ctx, q, idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
