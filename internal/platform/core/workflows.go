package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minismarket/minis-core/internal/platform/audit"
	"github.com/minismarket/minis-core/internal/platform/notify"
)

// Deposit, withdrawal and transfer requests progress from PENDING to a
// terminal state under admin action. The state machine owning a request is
// the only writer of its status; balance effects land only when a request
// completes, never while it sits pending.

// SubmitDeposit files a pending deposit request. No balance effect.
func (e *Engine) SubmitDeposit(ctx context.Context, accountID string, amount int64, method, reference string) (*DepositRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}
	req := &DepositRequest{
		ID:        newID("dep"),
		AccountID: accountID,
		Amount:    amount,
		Method:    method,
		Reference: reference,
		Status:    RequestPending,
		CreatedAt: e.now(),
	}
	if e.dbEnabled() {
		if err := e.persistDeposit(ctx, req); err != nil {
			return nil, err
		}
	}
	e.deposits[req.ID] = req
	e.metrics.observeTransition("deposit", "submitted")
	cp := *req
	return &cp, nil
}

// AdjudicateDeposit moves a pending deposit to APPROVED or REJECTED.
// Approval credits the account and appends the explaining ledger entry in
// the same commit as the status change. Terminal requests reject further
// adjudication; re-approving never credits twice.
func (e *Engine) AdjudicateDeposit(ctx context.Context, requestID, reviewerID string, approve bool, note string) (*DepositRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.deposits[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: deposit request %q", ErrNotFound, requestID)
	}
	if req.Status != RequestPending {
		return nil, fmt.Errorf("%w: deposit request %s already %s", ErrConflict, requestID, req.Status)
	}
	acct, ok := e.accounts[req.AccountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, req.AccountID)
	}

	now := e.now()
	to := RequestRejected
	var entries []LedgerEntry
	if approve {
		to = RequestApproved
		entries = []LedgerEntry{{
			ID:        newID("led"),
			AccountID: req.AccountID,
			Delta:     req.Amount,
			Reason:    ReasonDepositCredit,
			Meta:      map[string]string{"deposit_request_id": req.ID, "method": req.Method},
			CreatedAt: now,
		}}
	}

	if e.dbEnabled() {
		if err := e.commitDepositDecision(ctx, req, to, reviewerID, note, now, entries); err != nil {
			return nil, err
		}
	}

	before := requestSnapshot(string(req.Status), acct.Balance)
	req.Status = to
	req.ReviewedBy = reviewerID
	req.ReviewedAt = &now
	req.AdminNote = note
	if approve {
		acct.Balance += req.Amount
		e.appendEntriesLocked(entries)
		e.publishLocked(ctx, notify.BalanceEvent{
			Kind:      "deposit_approved",
			AccountID: req.AccountID,
			ObjectID:  req.ID,
			Amount:    req.Amount,
			Reason:    ReasonDepositCredit,
			At:        now,
		})
	}
	e.metrics.observeTransition("deposit", string(to))
	e.appendAuditLocked(reviewerID, "admin", "deposit_request", req.ID, "adjudicate",
		before, requestSnapshot(string(to), acct.Balance), audit.OutcomeApplied, note)

	cp := *req
	return &cp, nil
}

// SubmitWithdrawal files a pending withdrawal request. Funds are not
// reserved: balance may have moved by the time an admin approves, so the
// approval transition re-validates. A per-account cap on open requests
// bounds over-requesting.
func (e *Engine) SubmitWithdrawal(ctx context.Context, accountID string, amount int64, method, reference string) (*WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}
	settings := e.settings.Get(ctx)
	open := 0
	for _, w := range e.withdrawals {
		if w.AccountID == accountID && w.Status == RequestPending {
			open++
		}
	}
	if settings.MaxOpenWithdrawals > 0 && open >= settings.MaxOpenWithdrawals {
		return nil, fmt.Errorf("%w: %d withdrawal requests already open", ErrConflict, open)
	}

	req := &WithdrawalRequest{
		ID:        newID("wdr"),
		AccountID: accountID,
		Amount:    amount,
		Fee:       settings.WithdrawalFlatFee,
		Method:    method,
		Reference: reference,
		Status:    RequestPending,
		CreatedAt: e.now(),
	}
	if e.dbEnabled() {
		if err := e.persistWithdrawal(ctx, req); err != nil {
			return nil, err
		}
	}
	e.withdrawals[req.ID] = req
	e.metrics.observeTransition("withdrawal", "submitted")
	cp := *req
	return &cp, nil
}

// AdjudicateWithdrawal approves or rejects a pending withdrawal. Approval
// re-validates the balance and debits atomically with the status change; an
// insufficient balance fails the transition and leaves the request pending
// for the admin to reject or the user to resubmit.
func (e *Engine) AdjudicateWithdrawal(ctx context.Context, requestID, reviewerID string, approve bool, note string) (*WithdrawalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.withdrawals[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal request %q", ErrNotFound, requestID)
	}
	if req.Status != RequestPending {
		return nil, fmt.Errorf("%w: withdrawal request %s already %s", ErrConflict, requestID, req.Status)
	}
	acct, ok := e.accounts[req.AccountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, req.AccountID)
	}

	now := e.now()
	to := RequestRejected
	total := req.Amount + req.Fee
	var entries []LedgerEntry
	if approve {
		if acct.Balance < total {
			e.metrics.observeTransition("withdrawal", "insufficient")
			return nil, fmt.Errorf("%w: balance %d < withdrawal %d", ErrInsufficientFunds, acct.Balance, total)
		}
		to = RequestApproved
		entries = []LedgerEntry{{
			ID:        newID("led"),
			AccountID: req.AccountID,
			Delta:     -total,
			Reason:    ReasonWithdrawalDebit,
			Meta: map[string]string{
				"withdrawal_request_id": req.ID,
				"fee":                   fmt.Sprintf("%d", req.Fee),
			},
			CreatedAt: now,
		}}
	}

	if e.dbEnabled() {
		if err := e.commitWithdrawalDecision(ctx, req, to, reviewerID, note, now, entries); err != nil {
			return nil, err
		}
	}

	before := requestSnapshot(string(req.Status), acct.Balance)
	req.Status = to
	req.ReviewedBy = reviewerID
	req.ReviewedAt = &now
	req.AdminNote = note
	if approve {
		acct.Balance -= total
		e.appendEntriesLocked(entries)
		e.publishLocked(ctx, notify.BalanceEvent{
			Kind:      "withdrawal_approved",
			AccountID: req.AccountID,
			ObjectID:  req.ID,
			Amount:    -total,
			Reason:    ReasonWithdrawalDebit,
			At:        now,
		})
	}
	e.metrics.observeTransition("withdrawal", string(to))
	e.appendAuditLocked(reviewerID, "admin", "withdrawal_request", req.ID, "adjudicate",
		before, requestSnapshot(string(to), acct.Balance), audit.OutcomeApplied, note)

	cp := *req
	return &cp, nil
}

// Transfer moves Minis between accounts. Amounts at or under the
// auto-approval threshold complete immediately; larger ones file a pending
// request with no balance effect until an admin approves.
func (e *Engine) Transfer(ctx context.Context, senderID, recipientHandle string, amount int64, note string) (*TransferRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sender, ok := e.accounts[senderID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, senderID)
	}
	recipientID, ok := e.accountsByHandle[recipientHandle]
	if !ok {
		return nil, fmt.Errorf("%w: recipient %q", ErrNotFound, recipientHandle)
	}
	if recipientID == senderID {
		return nil, fmt.Errorf("%w: cannot transfer to self", ErrValidation)
	}
	recipient := e.accounts[recipientID]

	settings := e.settings.Get(ctx)
	fee := settings.TransferFee(amount)
	if sender.Balance < amount+fee {
		return nil, fmt.Errorf("%w: balance %d < amount+fee %d", ErrInsufficientFunds, sender.Balance, amount+fee)
	}

	now := e.now()
	req := &TransferRequest{
		ID:          newID("trf"),
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
		Fee:         fee,
		Note:        note,
		Status:      RequestPending,
		CreatedAt:   now,
	}

	if amount > settings.TransferAutoApproveMax {
		if e.dbEnabled() {
			if err := e.persistTransfer(ctx, req); err != nil {
				return nil, err
			}
		}
		e.transfers[req.ID] = req
		e.metrics.observeTransition("transfer", "submitted")
		cp := *req
		return &cp, nil
	}

	if err := e.completeTransferLocked(ctx, req, sender, recipient, "", ""); err != nil {
		return nil, err
	}
	cp := *req
	return &cp, nil
}

// AdjudicateTransfer resolves a pending above-threshold transfer. Approval
// re-validates the sender balance and executes the debit/credit pair
// atomically; rejection has no balance effect.
func (e *Engine) AdjudicateTransfer(ctx context.Context, requestID, reviewerID string, approve bool, note string) (*TransferRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.transfers[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: transfer request %q", ErrNotFound, requestID)
	}
	if req.Status != RequestPending {
		return nil, fmt.Errorf("%w: transfer request %s already %s", ErrConflict, requestID, req.Status)
	}
	sender, ok := e.accounts[req.SenderID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, req.SenderID)
	}
	recipient, ok := e.accounts[req.RecipientID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, req.RecipientID)
	}

	now := e.now()
	if !approve {
		if e.dbEnabled() {
			if err := e.commitTransferDecision(ctx, req, RequestRejected, reviewerID, note, now, nil, nil); err != nil {
				return nil, err
			}
		}
		before := requestSnapshot(string(req.Status), sender.Balance)
		req.Status = RequestRejected
		req.ReviewedBy = reviewerID
		req.ReviewedAt = &now
		req.AdminNote = note
		e.metrics.observeTransition("transfer", string(RequestRejected))
		e.appendAuditLocked(reviewerID, "admin", "transfer_request", req.ID, "adjudicate",
			before, requestSnapshot(string(RequestRejected), sender.Balance), audit.OutcomeApplied, note)
		cp := *req
		return &cp, nil
	}

	if sender.Balance < req.Amount+req.Fee {
		e.metrics.observeTransition("transfer", "insufficient")
		return nil, fmt.Errorf("%w: balance %d < amount+fee %d", ErrInsufficientFunds, sender.Balance, req.Amount+req.Fee)
	}
	if err := e.completeTransferLocked(ctx, req, sender, recipient, reviewerID, note); err != nil {
		return nil, err
	}
	cp := *req
	return &cp, nil
}

// completeTransferLocked executes the debit/credit pair and marks the
// request COMPLETED, persisting everything in one commit.
func (e *Engine) completeTransferLocked(ctx context.Context, req *TransferRequest, sender, recipient *Account, reviewerID, note string) error {
	now := e.now()
	entries := []LedgerEntry{
		{
			ID:        newID("led"),
			AccountID: sender.ID,
			Delta:     -(req.Amount + req.Fee),
			Reason:    ReasonTransferDebit,
			Meta: map[string]string{
				"transfer_request_id": req.ID,
				"recipient_id":        recipient.ID,
				"fee":                 fmt.Sprintf("%d", req.Fee),
			},
			CreatedAt: now,
		},
		{
			ID:        newID("led"),
			AccountID: recipient.ID,
			Delta:     req.Amount,
			Reason:    ReasonTransferCredit,
			Meta: map[string]string{
				"transfer_request_id": req.ID,
				"sender_id":           sender.ID,
			},
			CreatedAt: now,
		},
	}

	if e.dbEnabled() {
		if err := e.commitTransferDecision(ctx, req, RequestCompleted, reviewerID, note, now, entries, &now); err != nil {
			return err
		}
	}

	before := requestSnapshot(string(req.Status), sender.Balance)
	req.Status = RequestCompleted
	req.CompletedAt = &now
	if reviewerID != "" {
		req.ReviewedBy = reviewerID
		req.ReviewedAt = &now
		req.AdminNote = note
	}
	sender.Balance -= req.Amount + req.Fee
	recipient.Balance += req.Amount
	e.appendEntriesLocked(entries)
	e.metrics.observeTransition("transfer", string(RequestCompleted))
	if reviewerID != "" {
		e.appendAuditLocked(reviewerID, "admin", "transfer_request", req.ID, "adjudicate",
			before, requestSnapshot(string(RequestCompleted), sender.Balance), audit.OutcomeApplied, note)
	}
	e.publishLocked(ctx, notify.BalanceEvent{
		Kind:      "transfer_completed",
		AccountID: recipient.ID,
		ObjectID:  req.ID,
		Amount:    req.Amount,
		Reason:    ReasonTransferCredit,
		At:        now,
	})
	return nil
}

// GetDeposit, GetWithdrawal and GetTransfer read single requests for the
// endpoint layer and tests.
func (e *Engine) GetDeposit(ctx context.Context, id string) (*DepositRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.deposits[id]
	if !ok {
		return nil, fmt.Errorf("%w: deposit request %q", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (e *Engine) GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal request %q", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (e *Engine) GetTransfer(ctx context.Context, id string) (*TransferRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: transfer request %q", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

// PendingRequests lists every open workflow request for the admin queue.
func (e *Engine) PendingRequests(ctx context.Context) (deposits []DepositRequest, withdrawals []WithdrawalRequest, transfers []TransferRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.deposits {
		if d.Status == RequestPending {
			deposits = append(deposits, *d)
		}
	}
	for _, w := range e.withdrawals {
		if w.Status == RequestPending {
			withdrawals = append(withdrawals, *w)
		}
	}
	for _, t := range e.transfers {
		if t.Status == RequestPending {
			transfers = append(transfers, *t)
		}
	}
	return deposits, withdrawals, transfers
}

func requestSnapshot(status string, balance int64) []byte {
	b, _ := json.Marshal(map[string]any{"status": status, "balance": balance})
	return b
}
