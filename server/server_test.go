package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"otcbroker/broker/storage"
	"otcbroker/deal"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubDeals struct {
	created   *deal.CreateDealRequest
	createErr error
	deals     map[uuid.UUID]*deal.Deal
	events    []deal.Event
}

func (s *stubDeals) CreateDeal(_ context.Context, req deal.CreateDealRequest) (*deal.Deal, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = &req
	d := &deal.Deal{ID: uuid.New(), Reference: req.Reference, Status: deal.StatusOpen}
	return d, nil
}

func (s *stubDeals) GetDeal(_ context.Context, id uuid.UUID) (*deal.Deal, error) {
	if d, ok := s.deals[id]; ok {
		return d, nil
	}
	return nil, deal.ErrDealNotFound
}

func (s *stubDeals) ListDeals(_ context.Context, status deal.Status, _ int) ([]deal.Deal, error) {
	var out []deal.Deal
	for _, d := range s.deals {
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *stubDeals) Events(_ context.Context, _ uuid.UUID, _ int) ([]deal.Event, error) {
	return s.events, nil
}

type stubLegs struct {
	legs   map[uuid.UUID]*deal.Leg
	stream []deal.Event
}

func (s *stubLegs) GetLeg(_ context.Context, id uuid.UUID) (*deal.Leg, error) {
	if leg, ok := s.legs[id]; ok {
		return leg, nil
	}
	return nil, deal.ErrLegNotFound
}

func (s *stubLegs) EventsAfter(_ context.Context, after uint64, limit int) ([]deal.Event, error) {
	var out []deal.Event
	for _, event := range s.stream {
		if event.Seq > after {
			out = append(out, event)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubLegs) LatestEventSeq(_ context.Context) (uint64, error) {
	var latest uint64
	for _, event := range s.stream {
		if event.Seq > latest {
			latest = event.Seq
		}
	}
	return latest, nil
}

type resubmitCall struct {
	id     string
	reason string
}

type stubPayouts struct {
	records   map[string]storage.PayoutRecord
	resubmits []resubmitCall
	recovery  []storage.RecoveryEvent
}

func (s *stubPayouts) ByStatus(_ context.Context, status storage.Status, _ int) ([]storage.PayoutRecord, error) {
	var out []storage.PayoutRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubPayouts) ByEscrow(_ context.Context, fromAddr string) ([]storage.PayoutRecord, error) {
	var out []storage.PayoutRecord
	for _, rec := range s.records {
		if rec.FromAddr == fromAddr {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubPayouts) Get(_ context.Context, id string) (storage.PayoutRecord, error) {
	if rec, ok := s.records[id]; ok {
		return rec, nil
	}
	return storage.PayoutRecord{}, storage.ErrNotFound
}

func (s *stubPayouts) Resubmit(_ context.Context, id string, _ time.Time, reason string) error {
	s.resubmits = append(s.resubmits, resubmitCall{id: id, reason: reason})
	return nil
}

func (s *stubPayouts) RecoveryEvents(_ context.Context, _ string) ([]storage.RecoveryEvent, error) {
	return s.recovery, nil
}

type stubOps struct {
	settled  []uuid.UUID
	reverted []uuid.UUID
	err      error
}

func (s *stubOps) Settle(_ context.Context, id uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.settled = append(s.settled, id)
	return nil
}

func (s *stubOps) Revert(_ context.Context, id uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.reverted = append(s.reverted, id)
	return nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	auth    *Authenticator
	deals   *stubDeals
	legs    *stubLegs
	payouts *stubPayouts
	ops     *stubOps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{
		Secret:   []byte(testSecret),
		Issuer:   "otcbroker-test",
		Audience: "broker-admin",
	})
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}
	deals := &stubDeals{deals: map[uuid.UUID]*deal.Deal{}}
	legs := &stubLegs{legs: map[uuid.UUID]*deal.Leg{}}
	payouts := &stubPayouts{records: map[string]storage.PayoutRecord{}}
	ops := &stubOps{}
	srv, err := New(Config{
		Deals:      deals,
		Legs:       legs,
		Payouts:    payouts,
		Ops:        ops,
		Auth:       auth,
		StreamPoll: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return &testEnv{srv: srv, handler: srv.Handler(), auth: auth, deals: deals, legs: legs, payouts: payouts, ops: ops}
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"deals:read"}
	}
	token, err := e.auth.IssueToken("ops@test", scopes, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpointsArePublic(t *testing.T) {
	env := newTestEnv(t)
	if code := env.request(t, http.MethodGet, "/healthz", "", "").Code; code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if code := env.request(t, http.MethodGet, "/readyz", "", "").Code; code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", code)
	}
}

func TestReadyzReportsBackendFailure(t *testing.T) {
	env := newTestEnv(t)
	srv, err := New(Config{
		Deals:   env.deals,
		Legs:    env.legs,
		Payouts: env.payouts,
		Ops:     env.ops,
		Auth:    env.auth,
		Ready:   func(context.Context) error { return errors.New("deal store gone") },
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	recorder := httptest.NewRecorder()
	srv.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", recorder.Code)
	}
}

func TestAPIRejectsMissingAndMalformedTokens(t *testing.T) {
	env := newTestEnv(t)
	if code := env.request(t, http.MethodGet, "/api/v1/deals", "", "").Code; code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code := env.request(t, http.MethodGet, "/api/v1/deals", "", "not-a-jwt").Code; code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", code)
	}

	expired, err := env.auth.IssueToken("ops@test", []string{ScopeDealsWrite}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	env.auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if code := env.request(t, http.MethodGet, "/api/v1/deals", "", expired).Code; code != http.StatusUnauthorized {
		t.Fatalf("expired token = %d, want 401", code)
	}
}

func TestCreateDealEnforcesWriteScope(t *testing.T) {
	env := newTestEnv(t)
	body := `{"reference":"otc-1","legs":[]}`

	readOnly := env.token(t, "deals:read")
	if code := env.request(t, http.MethodPost, "/api/v1/deals", body, readOnly).Code; code != http.StatusForbidden {
		t.Fatalf("read-only create = %d, want 403", code)
	}

	writer := env.token(t, ScopeDealsWrite)
	recorder := env.request(t, http.MethodPost, "/api/v1/deals", body, writer)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create = %d, want 201: %s", recorder.Code, recorder.Body.String())
	}
	if env.deals.created == nil || env.deals.created.Reference != "otc-1" {
		t.Fatalf("request did not reach the deal service")
	}
}

func TestCreateDealMapsValidationTo400(t *testing.T) {
	env := newTestEnv(t)
	env.deals.createErr = fmt.Errorf("%w: reference too short", deal.ErrValidation)
	recorder := env.request(t, http.MethodPost, "/api/v1/deals", `{"reference":"x"}`, env.token(t, ScopeDealsWrite))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("validation failure = %d, want 400", recorder.Code)
	}
}

func TestGetDealNotFound(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.request(t, http.MethodGet, "/api/v1/deals/"+uuid.NewString(), "", env.token(t))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing deal = %d, want 404", recorder.Code)
	}
	if code := env.request(t, http.MethodGet, "/api/v1/deals/not-a-uuid", "", env.token(t)).Code; code != http.StatusBadRequest {
		t.Fatalf("malformed id = %d, want 400", code)
	}
}

func TestSettleConflictSurfacesOrchestratorReason(t *testing.T) {
	env := newTestEnv(t)
	env.ops.err = errors.New("broker: leg 123 is AWAITING_DEPOSIT, want READY_TO_SETTLE")
	id := uuid.New()
	env.deals.deals[id] = &deal.Deal{ID: id, Status: deal.StatusOpen}
	recorder := env.request(t, http.MethodPost, "/api/v1/deals/"+id.String()+"/settle", "", env.token(t, ScopeDealsWrite))
	if recorder.Code != http.StatusConflict {
		t.Fatalf("settle conflict = %d, want 409", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "AWAITING_DEPOSIT") {
		t.Fatalf("conflict body should carry the orchestrator reason: %s", recorder.Body.String())
	}
}

func TestSettleAndRevertDispatch(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	token := env.token(t, ScopeDealsWrite)
	if code := env.request(t, http.MethodPost, "/api/v1/deals/"+id.String()+"/settle", "", token).Code; code != http.StatusAccepted {
		t.Fatalf("settle = %d, want 202", code)
	}
	if code := env.request(t, http.MethodPost, "/api/v1/deals/"+id.String()+"/revert", "", token).Code; code != http.StatusAccepted {
		t.Fatalf("revert = %d, want 202", code)
	}
	if len(env.ops.settled) != 1 || env.ops.settled[0] != id {
		t.Fatalf("settle did not reach the orchestrator")
	}
	if len(env.ops.reverted) != 1 || env.ops.reverted[0] != id {
		t.Fatalf("revert did not reach the orchestrator")
	}
}

func TestListPayoutsValidatesStatusAndRendersAmounts(t *testing.T) {
	env := newTestEnv(t)
	if code := env.request(t, http.MethodGet, "/api/v1/payouts?status=BOGUS", "", env.token(t)).Code; code != http.StatusBadRequest {
		t.Fatalf("bogus status = %d, want 400", code)
	}

	env.payouts.records["p1"] = storage.PayoutRecord{
		ID:       "p1",
		DealID:   uuid.NewString(),
		FromAddr: "escrow-1",
		ToAddr:   "dest-1",
		Asset:    "BTC",
		Amount:   big.NewInt(1050),
		Purpose:  "swap",
		Status:   storage.StatusPending,
	}
	recorder := env.request(t, http.MethodGet, "/api/v1/payouts", "", env.token(t))
	if recorder.Code != http.StatusOK {
		t.Fatalf("list payouts = %d, want 200", recorder.Code)
	}
	var payload struct {
		Payouts []PayoutView `json:"payouts"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payouts: %v", err)
	}
	if len(payload.Payouts) != 1 || payload.Payouts[0].Amount != "1050" {
		t.Fatalf("unexpected payout payload: %+v", payload.Payouts)
	}
}

func TestRetryPayoutRequiresRecoverScopeAndStuckRow(t *testing.T) {
	env := newTestEnv(t)
	env.payouts.records["p1"] = storage.PayoutRecord{ID: "p1", Status: storage.StatusPending}
	env.payouts.records["p2"] = storage.PayoutRecord{ID: "p2", Status: storage.StatusFailed}

	writer := env.token(t, ScopeDealsWrite)
	if code := env.request(t, http.MethodPost, "/api/v1/payouts/p2/retry", "", writer).Code; code != http.StatusForbidden {
		t.Fatalf("retry without ops:recover = %d, want 403", code)
	}

	recoverer := env.token(t, ScopeOpsRecover)
	if code := env.request(t, http.MethodPost, "/api/v1/payouts/p1/retry", "", recoverer).Code; code != http.StatusConflict {
		t.Fatalf("retry pending = %d, want 409", code)
	}
	if code := env.request(t, http.MethodPost, "/api/v1/payouts/p2/retry", "", recoverer).Code; code != http.StatusAccepted {
		t.Fatalf("retry failed = %d, want 202", code)
	}
	if len(env.payouts.resubmits) != 1 || env.payouts.resubmits[0].id != "p2" {
		t.Fatalf("resubmit not recorded: %+v", env.payouts.resubmits)
	}
	if !strings.Contains(env.payouts.resubmits[0].reason, "ops@test") {
		t.Fatalf("requeue reason should name the operator: %q", env.payouts.resubmits[0].reason)
	}
}

func TestLegPayoutsJoinsQueueRows(t *testing.T) {
	env := newTestEnv(t)
	legID := uuid.New()
	env.legs.legs[legID] = &deal.Leg{ID: legID, EscrowAddress: "escrow-9", Asset: "ETH"}
	env.payouts.records["p9"] = storage.PayoutRecord{
		ID: "p9", FromAddr: "escrow-9", Amount: big.NewInt(7), Status: storage.StatusConfirmed,
	}
	recorder := env.request(t, http.MethodGet, "/api/v1/legs/"+legID.String()+"/payouts", "", env.token(t))
	if recorder.Code != http.StatusOK {
		t.Fatalf("leg payouts = %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "escrow-9") || !strings.Contains(recorder.Body.String(), "p9") {
		t.Fatalf("leg payouts body missing rows: %s", recorder.Body.String())
	}
}

func TestThrottleReturns429(t *testing.T) {
	env := newTestEnv(t)
	srv, err := New(Config{
		Deals:             env.deals,
		Legs:              env.legs,
		Payouts:           env.payouts,
		Ops:               env.ops,
		Auth:              env.auth,
		RequestsPerSecond: 1,
		Burst:             1,
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	handler := srv.Handler()
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
}
