package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minismarket/minis-core/internal/platform/auth"
	"github.com/minismarket/minis-core/internal/platform/core"
)

// Server hosts the Minis HTTP surface: user money-movement endpoints under
// /v1 and the moderation surface under /v1/admin. Admin routes stack three
// guards: bearer auth, the admin role, and the trusted-network check.
type Server struct {
	Engine   *core.Engine
	Verifier *auth.JWTVerifier
	Guard    *RemoteAccessGuard
	Log      *slog.Logger
}

func New(engine *core.Engine, verifier *auth.JWTVerifier, guard *RemoteAccessGuard, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Engine: engine, Verifier: verifier, Guard: guard, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier, []string{"/healthz", "/metrics"}))

		r.Post("/v1/purchases", s.handlePurchase)
		r.Get("/v1/balance", s.handleBalance)
		r.Get("/v1/ledger", s.handleLedger)
		r.Get("/v1/products/{productID}", s.handleGetProduct)
		r.Post("/v1/deposits", s.handleSubmitDeposit)
		r.Post("/v1/withdrawals", s.handleSubmitWithdrawal)
		r.Post("/v1/transfers", s.handleTransfer)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Post("/accounts", s.handleCreateAccount)
			r.Post("/products", s.handleCreateProduct)
			r.Post("/products/{productID}/status", s.handleProductStatus)
			r.Get("/requests", s.handlePendingRequests)
			r.Post("/deposits/{requestID}/decision", s.handleDepositDecision)
			r.Post("/withdrawals/{requestID}/decision", s.handleWithdrawalDecision)
			r.Post("/transfers/{requestID}/decision", s.handleTransferDecision)
			r.Put("/settings", s.handleUpdateSettings)
			r.Get("/settings", s.handleGetSettings)
			r.Get("/audit", s.handleAuditEvents)
		})
	})

	if s.Guard != nil {
		return s.Guard.Wrap(r)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
