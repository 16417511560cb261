package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// txRunner is the slice of *sql.Tx and *sql.DB the write paths need, so a
// commit body runs unchanged in both transactional and degraded mode.
type txRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runAtomic executes body according to the engine's durability mode. In
// ModeTransactional the body runs inside one transaction; in ModeDegraded
// it runs directly against the pool with a warning, so a crash mid-body can
// leave a partial write. That risk is the documented price of the explicit
// opt-in.
func (e *Engine) runAtomic(ctx context.Context, op string, body func(r txRunner) error) error {
	if e.mode == ModeDegraded {
		e.log.Warn("committing without atomicity", "op", op, "mode", e.mode.String())
		return body(e.db)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := body(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ProbeTransactions verifies the backend can open multi-statement
// transactions. Startup uses it to pick the durability mode.
func (e *Engine) ProbeTransactions(ctx context.Context) error {
	if !e.dbEnabled() {
		return fmt.Errorf("%w: no database attached", ErrConfiguration)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	return tx.Rollback()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (e *Engine) persistAccount(ctx context.Context, a *Account) error {
	const q = `
INSERT INTO accounts (account_id, handle, balance, roles, last_top_reward_at, created_at)
VALUES ($1, $2, $3, $4, NULL, $5)
`
	roles, err := json.Marshal(a.Roles)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, q, a.ID, a.Handle, a.Balance, roles, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: handle %q already registered", ErrConflict, a.Handle)
	}
	return err
}

func (e *Engine) persistProduct(ctx context.Context, p *Product) error {
	return e.runAtomic(ctx, "create_product", func(r txRunner) error {
		const q = `
INSERT INTO products (product_id, price, guaranteed_minimum, status, created_at)
VALUES ($1, $2, $3, $4, $5)
`
		if _, err := r.ExecContext(ctx, q, p.ID, p.Price, p.GuaranteedMinimum, string(p.Status), p.CreatedAt); err != nil {
			return err
		}
		const tq = `
INSERT INTO reward_tiers (product_id, ord, amount, probability, is_top)
VALUES ($1, $2, $3, $4, $5)
`
		for i, t := range p.RewardTiers {
			if _, err := r.ExecContext(ctx, tq, p.ID, i, t.Amount, t.Probability, t.IsTop); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) persistProductStatus(ctx context.Context, productID string, to ProductStatus) error {
	const q = `UPDATE products SET status = $2 WHERE product_id = $1`
	_, err := e.db.ExecContext(ctx, q, productID, string(to))
	return err
}

func (e *Engine) persistSettings(ctx context.Context, s Settings) error {
	const q = `
INSERT INTO platform_settings (
  id, transfer_fee_percent, withdrawal_flat_fee, transfer_auto_approve_max,
  top_reward_cooldown_seconds, max_open_withdrawals, updated_at
)
VALUES (1, $1, $2, $3, $4, $5, NOW())
ON CONFLICT (id) DO UPDATE SET
  transfer_fee_percent = EXCLUDED.transfer_fee_percent,
  withdrawal_flat_fee = EXCLUDED.withdrawal_flat_fee,
  transfer_auto_approve_max = EXCLUDED.transfer_auto_approve_max,
  top_reward_cooldown_seconds = EXCLUDED.top_reward_cooldown_seconds,
  max_open_withdrawals = EXCLUDED.max_open_withdrawals,
  updated_at = NOW()
`
	// Stored at second granularity so sub-day cooldowns survive a reload.
	seconds := int64(s.TopRewardCooldown / time.Second)
	_, err := e.db.ExecContext(ctx, q,
		s.TransferFeePercent.String(), s.WithdrawalFlatFee, s.TransferAutoApproveMax,
		seconds, s.MaxOpenWithdrawals)
	return err
}

// LoadSettings is the SettingsLoader backed by the settings document.
// Exposed so startup can rebuild the cache with a configured TTL.
func (e *Engine) LoadSettings(ctx context.Context) (Settings, bool, error) {
	return e.loadSettingsFromDB(ctx)
}

func (e *Engine) loadSettingsFromDB(ctx context.Context) (Settings, bool, error) {
	if !e.dbEnabled() {
		return Settings{}, false, nil
	}
	const q = `
SELECT transfer_fee_percent, withdrawal_flat_fee, transfer_auto_approve_max,
       top_reward_cooldown_seconds, max_open_withdrawals
FROM platform_settings WHERE id = 1
`
	var (
		feePercent string
		s          Settings
		seconds    int64
	)
	err := e.db.QueryRowContext(ctx, q).Scan(
		&feePercent, &s.WithdrawalFlatFee, &s.TransferAutoApproveMax, &seconds, &s.MaxOpenWithdrawals)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	fee, err := decimal.NewFromString(feePercent)
	if err != nil {
		return Settings{}, false, fmt.Errorf("parse transfer fee percent: %w", err)
	}
	s.TransferFeePercent = fee
	s.TopRewardCooldown = time.Duration(seconds) * time.Second
	return s, true, nil
}

func insertLedgerEntries(ctx context.Context, r txRunner, entries []LedgerEntry) error {
	const q = `
INSERT INTO ledger_entries (entry_id, account_id, delta, reason, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	for _, entry := range entries {
		meta, err := json.Marshal(entry.Meta)
		if err != nil {
			return err
		}
		if _, err := r.ExecContext(ctx, q, entry.ID, entry.AccountID, entry.Delta, entry.Reason, meta, entry.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func updateAccountBalance(ctx context.Context, r txRunner, accountID string, delta int64) error {
	const q = `
UPDATE accounts SET balance = balance + $2
WHERE account_id = $1 AND balance + $2 >= 0
`
	res, err := r.ExecContext(ctx, q, accountID, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Balance would go negative or the row is gone; either way the
		// in-memory precondition no longer holds in the store.
		return fmt.Errorf("%w: concurrent balance change on account %s", ErrConflict, accountID)
	}
	return nil
}

// Hydrate loads the persisted working set into memory at startup: accounts,
// products with tiers, open workflow requests, and purchases young enough
// to serve idempotent replays.
func (e *Engine) Hydrate(ctx context.Context) error {
	if !e.dbEnabled() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.hydrateAccounts(ctx); err != nil {
		return fmt.Errorf("hydrate accounts: %w", err)
	}
	if err := e.hydrateProducts(ctx); err != nil {
		return fmt.Errorf("hydrate products: %w", err)
	}
	if err := e.hydrateLedger(ctx); err != nil {
		return fmt.Errorf("hydrate ledger: %w", err)
	}
	if err := e.hydratePurchases(ctx); err != nil {
		return fmt.Errorf("hydrate purchases: %w", err)
	}
	if err := e.hydrateRequests(ctx); err != nil {
		return fmt.Errorf("hydrate requests: %w", err)
	}
	e.metrics.setIdempotencyKeys(len(e.purchasesByKey))
	return nil
}

func (e *Engine) hydrateAccounts(ctx context.Context) error {
	const q = `SELECT account_id, handle, balance, roles, last_top_reward_at, created_at FROM accounts`
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a     Account
			topAt sql.NullTime
			roles []byte
		)
		if err := rows.Scan(&a.ID, &a.Handle, &a.Balance, &roles, &topAt, &a.CreatedAt); err != nil {
			return err
		}
		if len(roles) > 0 {
			if err := json.Unmarshal(roles, &a.Roles); err != nil {
				return err
			}
		}
		if topAt.Valid {
			ts := topAt.Time.UTC()
			a.LastTopRewardAt = &ts
		}
		acct := a
		e.accounts[a.ID] = &acct
		e.accountsByHandle[a.Handle] = a.ID
	}
	return rows.Err()
}

func (e *Engine) hydrateProducts(ctx context.Context) error {
	const q = `SELECT product_id, price, guaranteed_minimum, status, created_at FROM products`
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p      Product
			status string
		)
		if err := rows.Scan(&p.ID, &p.Price, &p.GuaranteedMinimum, &status, &p.CreatedAt); err != nil {
			return err
		}
		p.Status = ProductStatus(status)
		prod := p
		e.products[p.ID] = &prod
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const tq = `SELECT product_id, amount, probability, is_top FROM reward_tiers ORDER BY product_id, ord`
	trows, err := e.db.QueryContext(ctx, tq)
	if err != nil {
		return err
	}
	defer trows.Close()
	for trows.Next() {
		var (
			productID string
			t         RewardTier
		)
		if err := trows.Scan(&productID, &t.Amount, &t.Probability, &t.IsTop); err != nil {
			return err
		}
		if p, ok := e.products[productID]; ok {
			p.RewardTiers = append(p.RewardTiers, t)
		}
	}
	return trows.Err()
}

func (e *Engine) hydrateLedger(ctx context.Context) error {
	const q = `SELECT entry_id, account_id, delta, reason, meta, created_at FROM ledger_entries ORDER BY created_at, entry_id`
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entry LedgerEntry
			meta  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Delta, &entry.Reason, &meta, &entry.CreatedAt); err != nil {
			return err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return err
			}
		}
		e.entriesByAcct[entry.AccountID] = append(e.entriesByAcct[entry.AccountID], entry)
	}
	return rows.Err()
}

func (e *Engine) hydratePurchases(ctx context.Context) error {
	const q = `
SELECT purchase_id, idempotency_key, account_id, product_id, price_charged,
       reward_granted, awarded_top, balance_after, status, created_at, completed_at
FROM purchases
WHERE status = 'pending' OR completed_at >= $1
`
	cutoff := e.now().Add(-e.idempotencyTTL)
	rows, err := e.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return err
		}
		e.purchasesByKey[p.IdempotencyKey] = p
	}
	return rows.Err()
}

func (e *Engine) hydrateRequests(ctx context.Context) error {
	dq := `
SELECT request_id, account_id, amount, method, reference, status, admin_note,
       COALESCE(reviewed_by, ''), reviewed_at, created_at
FROM deposit_requests WHERE status = 'pending'
`
	rows, err := e.db.QueryContext(ctx, dq)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d          DepositRequest
			status     string
			reviewedAt sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Amount, &d.Method, &d.Reference, &status, &d.AdminNote, &d.ReviewedBy, &reviewedAt, &d.CreatedAt); err != nil {
			return err
		}
		d.Status = RequestStatus(status)
		if reviewedAt.Valid {
			ts := reviewedAt.Time.UTC()
			d.ReviewedAt = &ts
		}
		req := d
		e.deposits[d.ID] = &req
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wq := `
SELECT request_id, account_id, amount, fee, method, reference, status, admin_note,
       COALESCE(reviewed_by, ''), reviewed_at, created_at
FROM withdrawal_requests WHERE status = 'pending'
`
	wrows, err := e.db.QueryContext(ctx, wq)
	if err != nil {
		return err
	}
	defer wrows.Close()
	for wrows.Next() {
		var (
			w          WithdrawalRequest
			status     string
			reviewedAt sql.NullTime
		)
		if err := wrows.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Fee, &w.Method, &w.Reference, &status, &w.AdminNote, &w.ReviewedBy, &reviewedAt, &w.CreatedAt); err != nil {
			return err
		}
		w.Status = RequestStatus(status)
		if reviewedAt.Valid {
			ts := reviewedAt.Time.UTC()
			w.ReviewedAt = &ts
		}
		req := w
		e.withdrawals[w.ID] = &req
	}
	if err := wrows.Err(); err != nil {
		return err
	}

	tq := `
SELECT request_id, sender_id, recipient_id, amount, fee, note, status, admin_note,
       COALESCE(reviewed_by, ''), reviewed_at, created_at, completed_at
FROM transfer_requests WHERE status = 'pending'
`
	trows, err := e.db.QueryContext(ctx, tq)
	if err != nil {
		return err
	}
	defer trows.Close()
	for trows.Next() {
		var (
			t           TransferRequest
			status      string
			reviewedAt  sql.NullTime
			completedAt sql.NullTime
		)
		if err := trows.Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.Amount, &t.Fee, &t.Note, &status, &t.AdminNote, &t.ReviewedBy, &reviewedAt, &t.CreatedAt, &completedAt); err != nil {
			return err
		}
		t.Status = RequestStatus(status)
		if reviewedAt.Valid {
			ts := reviewedAt.Time.UTC()
			t.ReviewedAt = &ts
		}
		if completedAt.Valid {
			ts := completedAt.Time.UTC()
			t.CompletedAt = &ts
		}
		req := t
		e.transfers[t.ID] = &req
	}
	return trows.Err()
}
