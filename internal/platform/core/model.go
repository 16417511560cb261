package core

import "time"

// Account balances are integer minor units of Minis. Balance is never set
// from request input; only the engine's commit paths mutate it.
type Account struct {
	ID              string
	Handle          string
	Balance         int64
	Roles           []string
	LastTopRewardAt *time.Time
	CreatedAt       time.Time
}

// LedgerEntry is a write-once balance-change record. For every account the
// sum of its entry deltas equals the account balance.
type LedgerEntry struct {
	ID        string
	AccountID string
	Delta     int64
	Reason    string
	Meta      map[string]string
	CreatedAt time.Time
}

// Ledger reason codes.
const (
	ReasonPurchaseDebit   = "purchase_debit"
	ReasonRewardCredit    = "reward_credit"
	ReasonDepositCredit   = "deposit_credit"
	ReasonWithdrawalDebit = "withdrawal_debit"
	ReasonTransferDebit   = "transfer_debit"
	ReasonTransferCredit  = "transfer_credit"
)

type ProductStatus string

const (
	ProductDraft    ProductStatus = "draft"
	ProductPending  ProductStatus = "pending"
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

type RewardTier struct {
	Amount      int64
	Probability float64
	IsTop       bool
}

type Product struct {
	ID                string
	Price             int64
	GuaranteedMinimum int64
	RewardTiers       []RewardTier
	Status            ProductStatus
	CreatedAt         time.Time
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase is keyed by the caller-supplied idempotency key. A completed
// purchase stores its full outcome so a replayed request returns the
// original result without touching balances.
type Purchase struct {
	ID             string
	IdempotencyKey string
	AccountID      string
	ProductID      string
	PriceCharged   int64
	RewardGranted  int64
	AwardedTop     bool
	BalanceAfter   int64
	Status         PurchaseStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

type PurchaseResult struct {
	Purchase   *Purchase
	Tier       RewardTier
	NewBalance int64
	Replayed   bool
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

type DepositRequest struct {
	ID         string
	AccountID  string
	Amount     int64
	Method     string
	Reference  string
	Status     RequestStatus
	AdminNote  string
	ReviewedBy string
	ReviewedAt *time.Time
	CreatedAt  time.Time
}

type WithdrawalRequest struct {
	ID         string
	AccountID  string
	Amount     int64
	Fee        int64
	Method     string
	Reference  string
	Status     RequestStatus
	AdminNote  string
	ReviewedBy string
	ReviewedAt *time.Time
	CreatedAt  time.Time
}

type TransferRequest struct {
	ID          string
	SenderID    string
	RecipientID string
	Amount      int64
	Fee         int64
	Note        string
	Status      RequestStatus
	AdminNote   string
	ReviewedBy  string
	ReviewedAt  *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}
