package core

import (
	"context"
	"time"
)

func (e *Engine) persistDeposit(ctx context.Context, req *DepositRequest) error {
	const q = `
INSERT INTO deposit_requests (request_id, account_id, amount, method, reference, status, admin_note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, '', $7)
`
	_, err := e.db.ExecContext(ctx, q, req.ID, req.AccountID, req.Amount, req.Method, req.Reference, string(req.Status), req.CreatedAt)
	return err
}

// commitDepositDecision pairs the status transition with the credit (on
// approval) in one unit. The WHERE status='pending' guard makes a raced
// double-approval a conflict instead of a second credit.
func (e *Engine) commitDepositDecision(ctx context.Context, req *DepositRequest, to RequestStatus, reviewerID, note string, at time.Time, entries []LedgerEntry) error {
	return e.runAtomic(ctx, "deposit_decision", func(r txRunner) error {
		if err := transitionRequest(ctx, r, "deposit_requests", req.ID, to, reviewerID, note, at); err != nil {
			return err
		}
		if to == RequestApproved {
			if err := updateAccountBalance(ctx, r, req.AccountID, req.Amount); err != nil {
				return err
			}
			return insertLedgerEntries(ctx, r, entries)
		}
		return nil
	})
}

func (e *Engine) persistWithdrawal(ctx context.Context, req *WithdrawalRequest) error {
	const q = `
INSERT INTO withdrawal_requests (request_id, account_id, amount, fee, method, reference, status, admin_note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8)
`
	_, err := e.db.ExecContext(ctx, q, req.ID, req.AccountID, req.Amount, req.Fee, req.Method, req.Reference, string(req.Status), req.CreatedAt)
	return err
}

func (e *Engine) commitWithdrawalDecision(ctx context.Context, req *WithdrawalRequest, to RequestStatus, reviewerID, note string, at time.Time, entries []LedgerEntry) error {
	return e.runAtomic(ctx, "withdrawal_decision", func(r txRunner) error {
		if err := transitionRequest(ctx, r, "withdrawal_requests", req.ID, to, reviewerID, note, at); err != nil {
			return err
		}
		if to == RequestApproved {
			if err := updateAccountBalance(ctx, r, req.AccountID, -(req.Amount + req.Fee)); err != nil {
				return err
			}
			return insertLedgerEntries(ctx, r, entries)
		}
		return nil
	})
}

func (e *Engine) persistTransfer(ctx context.Context, req *TransferRequest) error {
	const q = `
INSERT INTO transfer_requests (request_id, sender_id, recipient_id, amount, fee, note, status, admin_note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8)
`
	_, err := e.db.ExecContext(ctx, q, req.ID, req.SenderID, req.RecipientID, req.Amount, req.Fee, req.Note, string(req.Status), req.CreatedAt)
	return err
}

func (e *Engine) commitTransferDecision(ctx context.Context, req *TransferRequest, to RequestStatus, reviewerID, note string, at time.Time, entries []LedgerEntry, completedAt *time.Time) error {
	return e.runAtomic(ctx, "transfer_decision", func(r txRunner) error {
		// Auto-completed transfers have no prior row; upsert covers both
		// the adjudicated and the immediate path.
		const q = `
INSERT INTO transfer_requests (request_id, sender_id, recipient_id, amount, fee, note, status, admin_note, reviewed_by, reviewed_at, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
ON CONFLICT (request_id) DO UPDATE SET
  status = EXCLUDED.status,
  admin_note = EXCLUDED.admin_note,
  reviewed_by = EXCLUDED.reviewed_by,
  reviewed_at = EXCLUDED.reviewed_at,
  completed_at = EXCLUDED.completed_at
WHERE transfer_requests.status = 'pending'
`
		var reviewedAt *time.Time
		if reviewerID != "" {
			reviewedAt = &at
		}
		res, err := r.ExecContext(ctx, q,
			req.ID, req.SenderID, req.RecipientID, req.Amount, req.Fee, req.Note,
			string(to), note, reviewerID, reviewedAt, req.CreatedAt, completedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}
		if to == RequestCompleted {
			if err := updateAccountBalance(ctx, r, req.SenderID, -(req.Amount + req.Fee)); err != nil {
				return err
			}
			if err := updateAccountBalance(ctx, r, req.RecipientID, req.Amount); err != nil {
				return err
			}
			return insertLedgerEntries(ctx, r, entries)
		}
		return nil
	})
}

// transitionRequest flips a pending request to its terminal state. Zero
// rows affected means another reviewer got there first.
func transitionRequest(ctx context.Context, r txRunner, table, requestID string, to RequestStatus, reviewerID, note string, at time.Time) error {
	q := `
UPDATE ` + table + `
SET status = $2, reviewed_by = $3, reviewed_at = $4, admin_note = $5
WHERE request_id = $1 AND status = 'pending'
`
	res, err := r.ExecContext(ctx, q, requestID, string(to), reviewerID, at, note)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
