package core

import (
	"context"
	"fmt"
)

// The ledger is append-only: entries are written once inside the same
// commit as the balance mutation they explain, and no update or delete path
// exists. appendEntriesLocked is only reachable from the engine's commit
// sites, which is what keeps the pairing honest.
func (e *Engine) appendEntriesLocked(entries []LedgerEntry) {
	for _, entry := range entries {
		e.entriesByAcct[entry.AccountID] = append(e.entriesByAcct[entry.AccountID], entry)
	}
}

// SumDeltas returns the sum of all ledger deltas for an account. By the
// reconciliation invariant this equals the account balance after any
// sequence of operations.
func (e *Engine) SumDeltas(ctx context.Context, accountID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[accountID]; !ok {
		return 0, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}
	var sum int64
	for _, entry := range e.entriesByAcct[accountID] {
		sum += entry.Delta
	}
	return sum, nil
}

// ListLedger returns a page of an account's entries, newest first. Pages
// are 1-based.
func (e *Engine) ListLedger(ctx context.Context, accountID string, page, pageSize int) ([]LedgerEntry, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page and pageSize must be positive", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}

	entries := e.entriesByAcct[accountID]
	n := len(entries)
	start := (page - 1) * pageSize
	if start >= n {
		return nil, nil
	}
	out := make([]LedgerEntry, 0, pageSize)
	// Entries are stored in append order; walk backwards for newest-first.
	for i := n - 1 - start; i >= 0 && len(out) < pageSize; i-- {
		out = append(out, copyEntry(entries[i]))
	}
	return out, nil
}

// Reconcile re-derives every account balance from its ledger and reports
// accounts whose stored balance disagrees. Empty result means the
// reconciliation invariant holds.
func (e *Engine) Reconcile(ctx context.Context) map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	diffs := make(map[string]int64)
	for id, acct := range e.accounts {
		var sum int64
		for _, entry := range e.entriesByAcct[id] {
			sum += entry.Delta
		}
		if sum != acct.Balance {
			diffs[id] = acct.Balance - sum
		}
	}
	return diffs
}

func copyEntry(entry LedgerEntry) LedgerEntry {
	cp := entry
	if entry.Meta != nil {
		cp.Meta = make(map[string]string, len(entry.Meta))
		for k, v := range entry.Meta {
			cp.Meta[k] = v
		}
	}
	return cp
}
