package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minismarket/minis-core/internal/platform/auth"
	"github.com/minismarket/minis-core/internal/platform/core"
)

type createAccountRequest struct {
	Handle string   `json:"handle"`
	Roles  []string `json:"roles"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := s.Engine.CreateAccount(r.Context(), req.Handle, req.Roles)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, balanceResponse{AccountID: acct.ID, Handle: acct.Handle, Balance: acct.Balance})
}

type createProductRequest struct {
	Price             int64          `json:"price"`
	GuaranteedMinimum int64          `json:"guaranteed_minimum"`
	Tiers             []tierResponse `json:"tiers"`
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tiers := make([]core.RewardTier, 0, len(req.Tiers))
	for _, t := range req.Tiers {
		tiers = append(tiers, core.RewardTier{Amount: t.Amount, Probability: t.Probability, IsTop: t.IsTop})
	}
	p, err := s.Engine.CreateProduct(r.Context(), req.Price, req.GuaranteedMinimum, tiers)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, productToResponse(p))
}

type productStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleProductStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req productStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.Engine.TransitionProduct(r.Context(), chi.URLParam(r, "productID"), core.ProductStatus(req.Status), actor.AccountID)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, productToResponse(p))
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	deposits, withdrawals, transfers := s.Engine.PendingRequests(r.Context())
	out := map[string]any{
		"deposits":    []requestResponse{},
		"withdrawals": []requestResponse{},
		"transfers":   []requestResponse{},
	}
	ds := make([]requestResponse, 0, len(deposits))
	for _, d := range deposits {
		ds = append(ds, requestResponse{RequestID: d.ID, Status: string(d.Status), Amount: d.Amount})
	}
	ws := make([]requestResponse, 0, len(withdrawals))
	for _, wd := range withdrawals {
		ws = append(ws, requestResponse{RequestID: wd.ID, Status: string(wd.Status), Amount: wd.Amount, Fee: wd.Fee})
	}
	ts := make([]requestResponse, 0, len(transfers))
	for _, t := range transfers {
		ts = append(ts, requestResponse{RequestID: t.ID, Status: string(t.Status), Amount: t.Amount, Fee: t.Fee})
	}
	out["deposits"] = ds
	out["withdrawals"] = ws
	out["transfers"] = ts
	writeJSON(w, http.StatusOK, out)
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

func (s *Server) handleDepositDecision(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dep, err := s.Engine.AdjudicateDeposit(r.Context(), chi.URLParam(r, "requestID"), actor.AccountID, req.Approve, req.Note)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: dep.ID, Status: string(dep.Status), Amount: dep.Amount})
}

func (s *Server) handleWithdrawalDecision(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wdr, err := s.Engine.AdjudicateWithdrawal(r.Context(), chi.URLParam(r, "requestID"), actor.AccountID, req.Approve, req.Note)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: wdr.ID, Status: string(wdr.Status), Amount: wdr.Amount, Fee: wdr.Fee})
}

func (s *Server) handleTransferDecision(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trf, err := s.Engine.AdjudicateTransfer(r.Context(), chi.URLParam(r, "requestID"), actor.AccountID, req.Approve, req.Note)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: trf.ID, Status: string(trf.Status), Amount: trf.Amount, Fee: trf.Fee})
}

type settingsPayload struct {
	TransferFeePercent     string `json:"transfer_fee_percent"`
	WithdrawalFlatFee      int64  `json:"withdrawal_flat_fee"`
	TransferAutoApproveMax int64  `json:"transfer_auto_approve_max"`
	TopRewardCooldownDays  int    `json:"top_reward_cooldown_days"`
	MaxOpenWithdrawals     int    `json:"max_open_withdrawals"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req settingsPayload
	if !decodeBody(w, r, &req) {
		return
	}
	fee, err := decimal.NewFromString(req.TransferFeePercent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid transfer_fee_percent"})
		return
	}
	settings := core.Settings{
		TransferFeePercent:     fee,
		WithdrawalFlatFee:      req.WithdrawalFlatFee,
		TransferAutoApproveMax: req.TransferAutoApproveMax,
		TopRewardCooldown:      time.Duration(req.TopRewardCooldownDays) * 24 * time.Hour,
		MaxOpenWithdrawals:     req.MaxOpenWithdrawals,
	}
	if err := s.Engine.UpdateSettings(r.Context(), settings, actor.AccountID); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.Engine.Settings(r.Context())
	writeJSON(w, http.StatusOK, settingsPayload{
		TransferFeePercent:     settings.TransferFeePercent.String(),
		WithdrawalFlatFee:      settings.WithdrawalFlatFee,
		TransferAutoApproveMax: settings.TransferAutoApproveMax,
		TopRewardCooldownDays:  int(settings.TopRewardCooldown / (24 * time.Hour)),
		MaxOpenWithdrawals:     settings.MaxOpenWithdrawals,
	})
}

type auditEventResponse struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	HashPrev   string    `json:"hash_prev"`
	HashCurr   string    `json:"hash_curr"`
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	events := s.Engine.AuditEvents()
	out := make([]auditEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEventResponse{
			EventID:    ev.EventID,
			OccurredAt: ev.OccurredAt,
			ActorID:    ev.ActorID,
			ActorRole:  ev.ActorRole,
			ObjectType: ev.ObjectType,
			ObjectID:   ev.ObjectID,
			Action:     ev.Action,
			Outcome:    string(ev.Outcome),
			Reason:     ev.Reason,
			HashPrev:   ev.HashPrev,
			HashCurr:   ev.HashCurr,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
