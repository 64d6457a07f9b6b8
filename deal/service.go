package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"otcbroker/chain"
)

// ErrValidation wraps every request-caused creation failure, so transport
// layers can distinguish a bad request from an internal fault.
var ErrValidation = errors.New("deal: invalid request")

const defaultAssetDecimals = 8

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// CreateLegRequest describes one side of a new deal.
type CreateLegRequest struct {
	Party               string `json:"party" validate:"required,oneof=A B"`
	LedgerID            string `json:"ledger_id" validate:"required,min=2,max=32"`
	Asset               string `json:"asset" validate:"required,min=1,max=32"`
	SwapValue           string `json:"swap_value" validate:"required,max=96"`
	CounterpartyAddress string `json:"counterparty_address" validate:"required,max=128"`
	PaybackAddress      string `json:"payback_address" validate:"required,max=128"`
}

// CreateDealRequest describes a new two-leg deal.
type CreateDealRequest struct {
	Reference string             `json:"reference" validate:"required,min=3,max=64"`
	Memo      string             `json:"memo" validate:"max=512"`
	Legs      []CreateLegRequest `json:"legs" validate:"required,len=2,dive"`
}

// Service validates deal requests, resolves commissions, derives escrow
// accounts and persists the result. Everything user-caused fails before the
// first escrow account is generated.
type Service struct {
	store    *Store
	registry *chain.Registry
	fees     *FeePolicy
	decimals map[string]int32
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires the deal service. decimals maps asset symbols to their
// base-unit scale for fixed-USD fee resolution; unlisted assets default to 8.
func NewService(store *Store, registry *chain.Registry, fees *FeePolicy, decimals map[string]int32, log *slog.Logger) *Service {
	scaled := make(map[string]int32, len(decimals))
	for asset, scale := range decimals {
		scaled[strings.ToUpper(strings.TrimSpace(asset))] = scale
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		registry: registry,
		fees:     fees,
		decimals: scaled,
		log:      log,
		now:      time.Now,
	}
}

// CreateDeal validates the request, resolves the commission for each leg,
// derives both escrow accounts and persists the deal as OPEN with both legs
// AWAITING_DEPOSIT.
func (s *Service) CreateDeal(ctx context.Context, req CreateDealRequest) (*Deal, error) {
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Legs[0].Party == req.Legs[1].Party {
		return nil, fmt.Errorf("%w: legs must be party A and party B", ErrValidation)
	}
	reference := strings.TrimSpace(req.Reference)
	memo := norm.NFKC.String(strings.TrimSpace(req.Memo))

	dealID := uuid.New()
	now := s.now()
	legs := make([]Leg, 0, len(req.Legs))
	for _, legReq := range req.Legs {
		leg, err := s.buildLeg(dealID, legReq, now)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}

	d := &Deal{
		ID:        dealID,
		Reference: reference,
		Memo:      memo,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
		Legs:      legs,
	}
	if err := s.store.CreateDeal(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	s.log.Info("deal created",
		"deal", dealID,
		"reference", reference,
		"ledger_a", legs[0].LedgerID,
		"ledger_b", legs[1].LedgerID)
	return d, nil
}

// buildLeg runs the synchronous checks for one leg: ledger known, addresses
// well formed, amount positive, commission resolvable. Only after all of them
// pass is the escrow account derived.
func (s *Service) buildLeg(dealID uuid.UUID, req CreateLegRequest, now time.Time) (Leg, error) {
	adapter, err := s.registry.Get(req.LedgerID)
	if err != nil {
		return Leg{}, fmt.Errorf("%w: party %s: %v", ErrValidation, req.Party, err)
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	counterparty := strings.TrimSpace(req.CounterpartyAddress)
	payback := strings.TrimSpace(req.PaybackAddress)
	if !adapter.ValidateAddress(counterparty) {
		return Leg{}, fmt.Errorf("%w: party %s: counterparty address %q invalid for %s", ErrValidation, req.Party, counterparty, req.LedgerID)
	}
	if !adapter.ValidateAddress(payback) {
		return Leg{}, fmt.Errorf("%w: party %s: payback address %q invalid for %s", ErrValidation, req.Party, payback, req.LedgerID)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.SwapValue), 10)
	if !ok || amount.Sign() <= 0 {
		return Leg{}, fmt.Errorf("%w: party %s: swap value %q must be a positive base-unit integer", ErrValidation, req.Party, req.SwapValue)
	}
	fee, err := s.fees.ResolveFee(asset, amount, s.decimalsFor(asset))
	if err != nil {
		return Leg{}, fmt.Errorf("%w: party %s: %v", ErrValidation, req.Party, err)
	}
	account, err := adapter.GenerateEscrowAccount(asset, dealID.String(), req.Party)
	if err != nil {
		return Leg{}, fmt.Errorf("derive escrow account for party %s: %w", req.Party, err)
	}
	return Leg{
		ID:                  uuid.New(),
		DealID:              dealID,
		Party:               req.Party,
		LedgerID:            account.LedgerID,
		Asset:               asset,
		EscrowAddress:       account.Address,
		KeyRef:              account.KeyRef,
		CounterpartyAddress: counterparty,
		PaybackAddress:      payback,
		SwapValue:           amount.String(),
		FeeValue:            fee.String(),
		State:               LegAwaitingDeposit,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func (s *Service) decimalsFor(asset string) int32 {
	if scale, ok := s.decimals[asset]; ok {
		return scale
	}
	return defaultAssetDecimals
}

// GetDeal loads a deal with its legs.
func (s *Service) GetDeal(ctx context.Context, id uuid.UUID) (*Deal, error) {
	return s.store.GetDeal(ctx, id)
}

// ListDeals returns recent deals, optionally filtered by status.
func (s *Service) ListDeals(ctx context.Context, status Status, limit int) ([]Deal, error) {
	return s.store.ListDeals(ctx, status, limit)
}

// Events returns the audit trail of one deal.
func (s *Service) Events(ctx context.Context, dealID uuid.UUID, limit int) ([]Event, error) {
	return s.store.DealEvents(ctx, dealID, limit)
}
