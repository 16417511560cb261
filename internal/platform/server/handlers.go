package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minismarket/minis-core/internal/platform/auth"
	"github.com/minismarket/minis-core/internal/platform/core"
)

type purchaseRequest struct {
	ProductID      string `json:"product_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type purchaseResponse struct {
	PurchaseID    string `json:"purchase_id"`
	ProductID     string `json:"product_id"`
	PriceCharged  int64  `json:"price_charged"`
	RewardGranted int64  `json:"reward_granted"`
	AwardedTop    bool   `json:"awarded_top"`
	NewBalance    int64  `json:"new_balance"`
	Replayed      bool   `json:"replayed"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Engine.Purchase(r.Context(), actor.AccountID, req.ProductID, req.IdempotencyKey)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse{
		PurchaseID:    res.Purchase.ID,
		ProductID:     res.Purchase.ProductID,
		PriceCharged:  res.Purchase.PriceCharged,
		RewardGranted: res.Purchase.RewardGranted,
		AwardedTop:    res.Purchase.AwardedTop,
		NewBalance:    res.NewBalance,
		Replayed:      res.Replayed,
	})
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Handle    string `json:"handle"`
	Balance   int64  `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	acct, err := s.Engine.GetAccount(r.Context(), actor.AccountID)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: acct.ID, Handle: acct.Handle, Balance: acct.Balance})
}

type ledgerEntryResponse struct {
	EntryID   string            `json:"entry_id"`
	Delta     int64             `json:"delta"`
	Reason    string            `json:"reason"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	entries, err := s.Engine.ListLedger(r.Context(), actor.AccountID, page, pageSize)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			EntryID:   e.ID,
			Delta:     e.Delta,
			Reason:    e.Reason,
			Meta:      e.Meta,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "entries": out})
}

type tierResponse struct {
	Amount      int64   `json:"amount"`
	Probability float64 `json:"probability"`
	IsTop       bool    `json:"is_top"`
}

type productResponse struct {
	ProductID         string         `json:"product_id"`
	Price             int64          `json:"price"`
	GuaranteedMinimum int64          `json:"guaranteed_minimum"`
	Status            string         `json:"status"`
	Tiers             []tierResponse `json:"tiers"`
}

func productToResponse(p *core.Product) productResponse {
	out := productResponse{
		ProductID:         p.ID,
		Price:             p.Price,
		GuaranteedMinimum: p.GuaranteedMinimum,
		Status:            string(p.Status),
	}
	for _, t := range p.RewardTiers {
		out.Tiers = append(out.Tiers, tierResponse{Amount: t.Amount, Probability: t.Probability, IsTop: t.IsTop})
	}
	return out
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, productToResponse(p))
}

type moneyRequest struct {
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference"`
}

type requestResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee,omitempty"`
}

func (s *Server) handleSubmitDeposit(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req moneyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dep, err := s.Engine.SubmitDeposit(r.Context(), actor.AccountID, req.Amount, req.Method, req.Reference)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestResponse{RequestID: dep.ID, Status: string(dep.Status), Amount: dep.Amount})
}

func (s *Server) handleSubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req moneyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wdr, err := s.Engine.SubmitWithdrawal(r.Context(), actor.AccountID, req.Amount, req.Method, req.Reference)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestResponse{RequestID: wdr.ID, Status: string(wdr.Status), Amount: wdr.Amount, Fee: wdr.Fee})
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trf, err := s.Engine.Transfer(r.Context(), actor.AccountID, req.Recipient, req.Amount, req.Note)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	status := http.StatusOK
	if trf.Status == core.RequestPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, requestResponse{RequestID: trf.ID, Status: string(trf.Status), Amount: trf.Amount, Fee: trf.Fee})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
