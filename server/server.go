// Package server exposes the broker's operational HTTP API: deal admin,
// payout queue inspection, recovery triggers and the deal event stream. The
// API is an interface layer; every settlement invariant is enforced below it,
// so nothing here moves funds directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"otcbroker/broker/storage"
	"otcbroker/deal"
)

// DealService is the slice of the deal service the API consumes.
type DealService interface {
	CreateDeal(ctx context.Context, req deal.CreateDealRequest) (*deal.Deal, error)
	GetDeal(ctx context.Context, id uuid.UUID) (*deal.Deal, error)
	ListDeals(ctx context.Context, status deal.Status, limit int) ([]deal.Deal, error)
	Events(ctx context.Context, dealID uuid.UUID, limit int) ([]deal.Event, error)
}

// LegReader resolves individual legs and tails the event stream.
type LegReader interface {
	GetLeg(ctx context.Context, id uuid.UUID) (*deal.Leg, error)
	EventsAfter(ctx context.Context, after uint64, limit int) ([]deal.Event, error)
	LatestEventSeq(ctx context.Context) (uint64, error)
}

// PayoutStore is the slice of the payout queue the API consumes.
type PayoutStore interface {
	ByStatus(ctx context.Context, status storage.Status, limit int) ([]storage.PayoutRecord, error)
	ByEscrow(ctx context.Context, fromAddr string) ([]storage.PayoutRecord, error)
	Get(ctx context.Context, id string) (storage.PayoutRecord, error)
	Resubmit(ctx context.Context, id string, next time.Time, reason string) error
	RecoveryEvents(ctx context.Context, dealID string) ([]storage.RecoveryEvent, error)
}

// Operations triggers settlement transitions on the orchestrator.
type Operations interface {
	Settle(ctx context.Context, dealID uuid.UUID) error
	Revert(ctx context.Context, dealID uuid.UUID) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Deals   DealService
	Legs    LegReader
	Payouts PayoutStore
	Ops     Operations
	Auth    *Authenticator
	Log     *slog.Logger
	// Ready reports backend readiness for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
	// RequestsPerSecond and Burst throttle the whole API surface.
	RequestsPerSecond float64
	Burst             int
	// StreamPoll is the event tail cadence of /ws/events.
	StreamPoll time.Duration
}

// Server hosts the operational API.
type Server struct {
	deals      DealService
	legs       LegReader
	payouts    PayoutStore
	ops        Operations
	auth       *Authenticator
	log        *slog.Logger
	ready      func(ctx context.Context) error
	streamPoll time.Duration
	now        func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication, throttling and
// metrics instrumentation.
func New(cfg Config) (*Server, error) {
	if cfg.Deals == nil || cfg.Legs == nil || cfg.Payouts == nil || cfg.Ops == nil {
		return nil, errors.New("server: deals, legs, payouts and ops are all required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streamPoll := cfg.StreamPoll
	if streamPoll <= 0 {
		streamPoll = time.Second
	}
	srv := &Server{
		deals:      cfg.Deals,
		legs:       cfg.Legs,
		payouts:    cfg.Payouts,
		ops:        cfg.Ops,
		auth:       cfg.Auth,
		log:        log,
		ready:      cfg.Ready,
		streamPoll: streamPoll,
		now:        time.Now,
	}
	srv.router = srv.buildRouter(cfg.RequestsPerSecond, cfg.Burst)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(rps float64, burst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)
	r.Use(throttle(rps, burst))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Get("/deals", s.listDeals)
		api.With(RequireScope(ScopeDealsWrite)).Post("/deals", s.createDeal)
		api.Get("/deals/{id}", s.getDeal)
		api.Get("/deals/{id}/events", s.dealEvents)
		api.Get("/deals/{id}/recovery", s.dealRecovery)
		api.With(RequireScope(ScopeDealsWrite)).Post("/deals/{id}/settle", s.settleDeal)
		api.With(RequireScope(ScopeDealsWrite)).Post("/deals/{id}/revert", s.revertDeal)
		api.Get("/legs/{id}", s.getLeg)
		api.Get("/legs/{id}/payouts", s.legPayouts)
		api.Get("/payouts", s.listPayouts)
		api.Get("/payouts/{id}", s.getPayout)
		api.With(RequireScope(ScopeOpsRecover)).Post("/payouts/{id}/retry", s.retryPayout)
	})

	r.Group(func(ws chi.Router) {
		ws.Use(s.auth.Middleware)
		ws.Get("/ws/events", s.handleEventsWS)
	})

	return otelhttp.NewHandler(r, "otcbroker.api")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) createDeal(w http.ResponseWriter, r *http.Request) {
	var req deal.CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	created, err := s.deals.CreateDeal(r.Context(), req)
	if err != nil {
		if errors.Is(err, deal.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		s.log.Error("deal creation failed",
			"reference", req.Reference,
			"subject", subjectOf(principal),
			"error", err.Error())
		http.Error(w, "failed to create deal", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	status := deal.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	limit := queryInt(r, "limit", 50)
	deals, err := s.deals.ListDeals(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "failed to list deals", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dealID(w, r)
	if !ok {
		return
	}
	d, err := s.deals.GetDeal(r.Context(), id)
	if err != nil {
		if errors.Is(err, deal.ErrDealNotFound) {
			http.Error(w, "deal not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load deal", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) dealEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dealID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 200)
	events, err := s.deals.Events(r.Context(), id, limit)
	if err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) dealRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dealID(w, r)
	if !ok {
		return
	}
	events, err := s.payouts.RecoveryEvents(r.Context(), id.String())
	if err != nil {
		http.Error(w, "failed to load recovery audit", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recovery": events})
}

func (s *Server) settleDeal(w http.ResponseWriter, r *http.Request) {
	s.triggerTransition(w, r, "settle", s.ops.Settle)
}

func (s *Server) revertDeal(w http.ResponseWriter, r *http.Request) {
	s.triggerTransition(w, r, "revert", s.ops.Revert)
}

func (s *Server) triggerTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) error) {
	id, ok := s.dealID(w, r)
	if !ok {
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, deal.ErrDealNotFound) {
			http.Error(w, "deal not found", http.StatusNotFound)
			return
		}
		// The orchestrator refuses transitions from incompatible leg
		// states; surface its reason to the operator.
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.log.Info("transition requested",
		"op", op,
		"deal", id.String(),
		"subject", subjectOf(principal))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "op": op})
}

func (s *Server) getLeg(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid leg id", http.StatusBadRequest)
		return
	}
	leg, err := s.legs.GetLeg(r.Context(), id)
	if err != nil {
		if errors.Is(err, deal.ErrLegNotFound) {
			http.Error(w, "leg not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load leg", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, leg)
}

func (s *Server) legPayouts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid leg id", http.StatusBadRequest)
		return
	}
	leg, err := s.legs.GetLeg(r.Context(), id)
	if err != nil {
		if errors.Is(err, deal.ErrLegNotFound) {
			http.Error(w, "leg not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load leg", http.StatusInternalServerError)
		return
	}
	rows, err := s.payouts.ByEscrow(r.Context(), leg.EscrowAddress)
	if err != nil {
		http.Error(w, "failed to load payouts", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"leg": leg, "payouts": payoutViews(rows)})
}

func (s *Server) listPayouts(w http.ResponseWriter, r *http.Request) {
	raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if raw == "" {
		raw = string(storage.StatusPending)
	}
	status := storage.Status(raw)
	switch status {
	case storage.StatusPending, storage.StatusSubmitted, storage.StatusConfirmed, storage.StatusFailed:
	default:
		http.Error(w, "unknown payout status", http.StatusBadRequest)
		return
	}
	rows, err := s.payouts.ByStatus(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		http.Error(w, "failed to list payouts", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"payouts": payoutViews(rows)})
}

func (s *Server) getPayout(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "payout not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load payout", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, payoutView(rec))
}

func (s *Server) retryPayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.payouts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "payout not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load payout", http.StatusInternalServerError)
		return
	}
	if rec.Status != storage.StatusFailed && rec.Status != storage.StatusSubmitted {
		http.Error(w, "payout is not stuck or failed", http.StatusConflict)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	reason := "operator requeue"
	if subject := subjectOf(principal); subject != "" {
		reason = "operator requeue by " + subject
	}
	if err := s.payouts.Resubmit(r.Context(), id, s.now(), reason); err != nil {
		http.Error(w, "failed to requeue payout", http.StatusInternalServerError)
		return
	}
	s.log.Info("payout requeued",
		"payout", id,
		"deal", rec.DealID,
		"subject", subjectOf(principal))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

func (s *Server) dealID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid deal id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func subjectOf(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.Subject
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// PayoutView is the JSON shape of a queue row. Amounts stay decimal strings.
type PayoutView struct {
	ID            string    `json:"id"`
	DealID        string    `json:"deal_id"`
	LegID         string    `json:"leg_id"`
	LedgerID      string    `json:"ledger_id"`
	FromAddr      string    `json:"from"`
	ToAddr        string    `json:"to"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	Purpose       string    `json:"purpose"`
	Phase         int       `json:"phase"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	TxIDs         []string  `json:"txids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

func payoutView(rec storage.PayoutRecord) PayoutView {
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	return PayoutView{
		ID:            rec.ID,
		DealID:        rec.DealID,
		LegID:         rec.LegID,
		LedgerID:      rec.LedgerID,
		FromAddr:      rec.FromAddr,
		ToAddr:        rec.ToAddr,
		Asset:         rec.Asset,
		Amount:        amount,
		Purpose:       rec.Purpose,
		Phase:         rec.Phase,
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		NextAttemptAt: rec.NextAttemptAt,
		LastError:     rec.LastError,
		TxIDs:         rec.TxIDs,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

func payoutViews(recs []storage.PayoutRecord) []PayoutView {
	views := make([]PayoutView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, payoutView(rec))
	}
	return views
}
