package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minismarket/minis-core/internal/platform/audit"
	"github.com/minismarket/minis-core/internal/platform/clock"
	"github.com/minismarket/minis-core/internal/platform/notify"
)

// DurabilityMode is the engine's execution mode, selected at startup.
type DurabilityMode int

const (
	// ModeMemory keeps all state in process memory. Atomic under the
	// engine mutex; intended for tests and local development.
	ModeMemory DurabilityMode = iota
	// ModeTransactional commits every multi-document mutation in one
	// database transaction. The only mode suitable for production.
	ModeTransactional
	// ModeDegraded writes sequentially without a transaction. Explicit
	// opt-in; every degraded commit is logged and the standing gauge stays
	// raised while this mode is active.
	ModeDegraded
)

func (m DurabilityMode) String() string {
	switch m {
	case ModeTransactional:
		return "transactional"
	case ModeDegraded:
		return "degraded"
	default:
		return "memory"
	}
}

// Engine owns all Minis balance mutation: the ledger, the purchase
// coordinator, and the deposit/withdrawal/transfer state machines. No other
// component writes balances or workflow statuses.
//
// In-memory maps are the authoritative working set, with write-through
// persistence when a database is attached. The engine mutex serializes all
// mutation, including the database commit, so two concurrent purchases on
// one account cannot interleave; across processes the idempotency key's
// unique index is the backstop.
type Engine struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	mu sync.Mutex

	accounts         map[string]*Account
	accountsByHandle map[string]string
	products         map[string]*Product
	purchasesByKey   map[string]*Purchase
	entriesByAcct    map[string][]LedgerEntry
	deposits         map[string]*DepositRequest
	withdrawals      map[string]*WithdrawalRequest
	transfers        map[string]*TransferRequest
	nextAuditID      int64

	db             *sql.DB
	mode           DurabilityMode
	settings       *SettingsCache
	idempotencyTTL time.Duration
	randFloat      func() float64
	log            *slog.Logger
	metrics        *Metrics
	publisher      notify.Publisher
}

func NewEngine(clk clock.Clock, db ...*sql.DB) *Engine {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	mode := ModeMemory
	if handle != nil {
		mode = ModeTransactional
	}
	e := &Engine{
		Clock:            clk,
		AuditStore:       audit.NewInMemoryStore(),
		accounts:         make(map[string]*Account),
		accountsByHandle: make(map[string]string),
		products:         make(map[string]*Product),
		purchasesByKey:   make(map[string]*Purchase),
		entriesByAcct:    make(map[string][]LedgerEntry),
		deposits:         make(map[string]*DepositRequest),
		withdrawals:      make(map[string]*WithdrawalRequest),
		transfers:        make(map[string]*TransferRequest),
		db:               handle,
		mode:             mode,
		idempotencyTTL:   24 * time.Hour,
		randFloat:        CryptoFloat,
		log:              slog.Default(),
		publisher:        notify.Nop{},
	}
	e.settings = NewSettingsCache(clk, 60*time.Second, e.loadSettingsFromDB, e.log)
	return e
}

func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log
	}
}

func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
	e.metrics.setDegraded(e.mode == ModeDegraded)
}

func (e *Engine) SetPublisher(p notify.Publisher) {
	if p != nil {
		e.publisher = p
	}
}

func (e *Engine) SetSettingsCache(c *SettingsCache) {
	if c != nil {
		e.settings = c
	}
}

// SetRandSource replaces the draw source. Tests inject fixed fractions to
// pin tier selection.
func (e *Engine) SetRandSource(f func() float64) {
	if f != nil {
		e.randFloat = f
	}
}

func (e *Engine) SetIdempotencyTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotencyTTL = ttl
}

// SetDurabilityMode selects the execution mode at startup. Switching to
// ModeDegraded raises the standing gauge and logs loudly; switching to
// ModeTransactional without a database is a configuration error.
func (e *Engine) SetDurabilityMode(mode DurabilityMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mode != ModeMemory && e.db == nil {
		return fmt.Errorf("%w: durability mode %s requires a database", ErrConfiguration, mode)
	}
	e.mode = mode
	e.metrics.setDegraded(mode == ModeDegraded)
	if mode == ModeDegraded {
		e.log.Warn("engine running with degraded durability, multi-document writes are not atomic")
	}
	return nil
}

func (e *Engine) Mode() DurabilityMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) dbEnabled() bool {
	return e != nil && e.db != nil
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// CreateAccount registers a new account with a zero balance. Handle is the
// external identity (username or email) transfers resolve recipients by.
func (e *Engine) CreateAccount(ctx context.Context, handle string, roles []string) (*Account, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.accountsByHandle[handle]; ok {
		return nil, fmt.Errorf("%w: handle %q already registered", ErrConflict, handle)
	}
	acct := &Account{
		ID:        newID("acct"),
		Handle:    handle,
		Roles:     append([]string(nil), roles...),
		CreatedAt: e.now(),
	}
	if e.dbEnabled() {
		if err := e.persistAccount(ctx, acct); err != nil {
			return nil, err
		}
	}
	e.accounts[acct.ID] = acct
	e.accountsByHandle[handle] = acct.ID
	return accountCopy(acct), nil
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, accountID)
	}
	return accountCopy(acct), nil
}

func accountCopy(a *Account) *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Roles = append([]string(nil), a.Roles...)
	if a.LastTopRewardAt != nil {
		ts := *a.LastTopRewardAt
		cp.LastTopRewardAt = &ts
	}
	return &cp
}

// CreateProduct validates the tier table and stores the product in DRAFT.
// The probability-sum invariant is enforced here, never at draw time.
func (e *Engine) CreateProduct(ctx context.Context, price, guaranteedMinimum int64, tiers []RewardTier) (*Product, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if guaranteedMinimum < 0 {
		return nil, fmt.Errorf("%w: guaranteed minimum must not be negative", ErrValidation)
	}
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &Product{
		ID:                newID("prod"),
		Price:             price,
		GuaranteedMinimum: guaranteedMinimum,
		RewardTiers:       append([]RewardTier(nil), tiers...),
		Status:            ProductDraft,
		CreatedAt:         e.now(),
	}
	if e.dbEnabled() {
		if err := e.persistProduct(ctx, p); err != nil {
			return nil, err
		}
	}
	e.products[p.ID] = p
	return productCopy(p), nil
}

func (e *Engine) GetProduct(ctx context.Context, productID string) (*Product, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %q", ErrNotFound, productID)
	}
	return productCopy(p), nil
}

func productCopy(p *Product) *Product {
	if p == nil {
		return nil
	}
	cp := *p
	cp.RewardTiers = append([]RewardTier(nil), p.RewardTiers...)
	return &cp
}

var productTransitions = map[ProductStatus]map[ProductStatus]bool{
	ProductDraft:    {ProductPending: true},
	ProductPending:  {ProductActive: true, ProductInactive: true},
	ProductActive:   {ProductInactive: true},
	ProductInactive: {ProductActive: true},
}

// TransitionProduct moves a product along DRAFT→PENDING→ACTIVE/INACTIVE.
func (e *Engine) TransitionProduct(ctx context.Context, productID string, to ProductStatus, reviewerID string) (*Product, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %q", ErrNotFound, productID)
	}
	if !productTransitions[p.Status][to] {
		return nil, fmt.Errorf("%w: product %s cannot move %s -> %s", ErrConflict, productID, p.Status, to)
	}
	before := p.Status
	if e.dbEnabled() {
		if err := e.persistProductStatus(ctx, productID, to); err != nil {
			return nil, err
		}
	}
	p.Status = to
	e.appendAuditLocked(reviewerID, "admin", "product", productID, "transition",
		statusSnapshot(string(before)), statusSnapshot(string(to)), audit.OutcomeApplied, "")
	return productCopy(p), nil
}

// UpdateSettings persists the settings document and invalidates the cache
// so the next read is fresh.
func (e *Engine) UpdateSettings(ctx context.Context, s Settings, reviewerID string) error {
	if s.TransferFeePercent.IsNegative() || s.TransferAutoApproveMax < 0 || s.TopRewardCooldown <= 0 {
		return fmt.Errorf("%w: invalid settings values", ErrValidation)
	}
	if e.dbEnabled() {
		if err := e.persistSettings(ctx, s); err != nil {
			return err
		}
		e.settings.Invalidate()
	} else {
		e.settings.Put(s)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendAuditLocked(reviewerID, "admin", "platform_settings", "singleton", "update",
		[]byte(`{}`), settingsSnapshot(s), audit.OutcomeApplied, "")
	return nil
}

func (e *Engine) Settings(ctx context.Context) Settings {
	return e.settings.Get(ctx)
}

// BootstrapSettings seeds the settings document from environment-derived
// defaults when no admin has written one yet. Persisted settings always win.
func (e *Engine) BootstrapSettings(ctx context.Context, s Settings) error {
	if e.dbEnabled() {
		_, ok, err := e.loadSettingsFromDB(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := e.persistSettings(ctx, s); err != nil {
			return err
		}
		e.settings.Invalidate()
		return nil
	}
	e.settings.Put(s)
	return nil
}

func (e *Engine) nextAuditIDLocked() string {
	e.nextAuditID++
	return "audit-" + strconv.FormatInt(e.nextAuditID, 10)
}

func (e *Engine) appendAuditLocked(actorID, actorRole, objectType, objectID, action string, before, after []byte, outcome audit.Outcome, reason string) {
	if e.AuditStore == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
		actorRole = "service"
	}
	now := e.now()
	_, err := e.AuditStore.Append(audit.Event{
		EventID:      e.nextAuditIDLocked(),
		OccurredAt:   now,
		ActorID:      actorID,
		ActorRole:    actorRole,
		ObjectType:   objectType,
		ObjectID:     objectID,
		Action:       action,
		Before:       before,
		After:        after,
		Outcome:      outcome,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
	if err != nil {
		e.log.Error("audit append failed", "err", err, "object", objectType, "id", objectID)
	}
}

func (e *Engine) AuditEvents() []audit.Event {
	if e.AuditStore == nil {
		return nil
	}
	return e.AuditStore.Events()
}

func statusSnapshot(status string) []byte {
	b, _ := json.Marshal(map[string]string{"status": status})
	return b
}

func settingsSnapshot(s Settings) []byte {
	b, _ := json.Marshal(map[string]any{
		"transfer_fee_percent":      s.TransferFeePercent.String(),
		"withdrawal_flat_fee":       s.WithdrawalFlatFee,
		"transfer_auto_approve_max": s.TransferAutoApproveMax,
		"top_reward_cooldown":       s.TopRewardCooldown.String(),
		"max_open_withdrawals":      s.MaxOpenWithdrawals,
	})
	return b
}
