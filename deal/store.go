package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDealNotFound indicates the requested deal does not exist.
var ErrDealNotFound = errors.New("deal: not found")

// ErrLegNotFound indicates the requested leg does not exist.
var ErrLegNotFound = errors.New("deal: leg not found")

// ErrDuplicateReference indicates a deal with the same reference already
// exists.
var ErrDuplicateReference = errors.New("deal: duplicate reference")

// ErrStaleState reports a guarded transition whose precondition state no
// longer holds. Callers re-read and decide again instead of retrying blindly.
var ErrStaleState = errors.New("deal: stale leg state")

// Open connects to the deal database. Driver "postgres" targets a shared
// deployment; "sqlite" (or empty) opens the embedded file store.
func Open(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("deal: open postgres: %w", err)
		}
		return db, nil
	case "", "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("deal: open sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("deal: unsupported database driver %q", driver)
	}
}

// Store persists deals, legs and the audit event stream.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate applies the schema.
func (s *Store) Migrate() error {
	return AutoMigrate(s.db)
}

// CreateDeal persists a deal with its legs and the deal.created audit row in
// one transaction.
func (s *Store) CreateDeal(ctx context.Context, d *Deal) error {
	if d == nil || d.ID == uuid.Nil {
		return fmt.Errorf("deal: missing deal id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Deal{}).Where("reference = ?", d.Reference).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateReference
		}
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		event := Event{
			DealID:    d.ID,
			Action:    "deal.created",
			Details:   fmt.Sprintf("reference=%s legs=%d", d.Reference, len(d.Legs)),
			CreatedAt: s.now(),
		}
		return tx.Create(&event).Error
	})
}

// GetDeal loads a deal with its legs.
func (s *Store) GetDeal(ctx context.Context, id uuid.UUID) (*Deal, error) {
	var d Deal
	err := s.db.WithContext(ctx).Preload("Legs").First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDealByReference loads a deal by its human reference.
func (s *Store) GetDealByReference(ctx context.Context, reference string) (*Deal, error) {
	var d Deal
	err := s.db.WithContext(ctx).Preload("Legs").First(&d, "reference = ?", strings.TrimSpace(reference)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeals returns deals newest first, optionally filtered by status.
func (s *Store) ListDeals(ctx context.Context, status Status, limit int) ([]Deal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Preload("Legs").Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var deals []Deal
	if err := query.Find(&deals).Error; err != nil {
		return nil, err
	}
	return deals, nil
}

// GetLeg loads one leg.
func (s *Store) GetLeg(ctx context.Context, id uuid.UUID) (*Leg, error) {
	var leg Leg
	err := s.db.WithContext(ctx).First(&leg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLegNotFound
		}
		return nil, err
	}
	return &leg, nil
}

// LegByEscrowAddress resolves the leg custodying the given escrow address.
func (s *Store) LegByEscrowAddress(ctx context.Context, ledgerID, address string) (*Leg, error) {
	var leg Leg
	err := s.db.WithContext(ctx).First(&leg, "ledger_id = ? AND escrow_address = ?", ledgerID, address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLegNotFound
		}
		return nil, err
	}
	return &leg, nil
}

// ActiveLegs returns every leg that still needs watching or driving, oldest
// first so restarts resume in creation order.
func (s *Store) ActiveLegs(ctx context.Context) ([]Leg, error) {
	states := []LegState{LegAwaitingDeposit, LegReadyToSettle, LegSettling, LegReverting}
	var legs []Leg
	err := s.db.WithContext(ctx).Where("state IN ?", states).Order("created_at ASC").Find(&legs).Error
	if err != nil {
		return nil, err
	}
	return legs, nil
}

// TransitionLeg moves a leg from one state to another under a row lock. The
// transition only applies when the leg is still in the expected state;
// otherwise ErrStaleState is returned and nothing changes. Every applied
// transition appends an audit event and refreshes the parent deal status.
func (s *Store) TransitionLeg(ctx context.Context, legID uuid.UUID, from, to LegState, details string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var leg Leg
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&leg, "id = ?", legID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLegNotFound
			}
			return err
		}
		if leg.State != from {
			return fmt.Errorf("%w: have %s, want %s", ErrStaleState, leg.State, from)
		}
		now := s.now()
		leg.State = to
		leg.UpdatedAt = now
		if err := tx.Save(&leg).Error; err != nil {
			return err
		}
		event := Event{
			DealID:    leg.DealID,
			LegID:     &leg.ID,
			Action:    "leg." + strings.ToLower(string(to)),
			Details:   details,
			CreatedAt: now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		return s.refreshDealStatus(tx, leg.DealID, now)
	})
}

// refreshDealStatus derives the deal status from its leg states. Runs inside
// the transition transaction so status and leg state move together.
func (s *Store) refreshDealStatus(tx *gorm.DB, dealID uuid.UUID, now time.Time) error {
	var legs []Leg
	if err := tx.Where("deal_id = ?", dealID).Find(&legs).Error; err != nil {
		return err
	}
	status := deriveStatus(legs)
	return tx.Model(&Deal{}).Where("id = ?", dealID).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}).Error
}

func deriveStatus(legs []Leg) Status {
	if len(legs) == 0 {
		return StatusOpen
	}
	settled, terminal := 0, 0
	reverting, settling := false, false
	for _, leg := range legs {
		switch leg.State {
		case LegSettled:
			settled++
			terminal++
		case LegReverted:
			terminal++
		case LegReverting:
			reverting = true
		case LegSettling:
			settling = true
		}
	}
	switch {
	case settled == len(legs):
		return StatusSettled
	case terminal == len(legs):
		// All terminal but not all settled: at least one leg refunded. The
		// reconciliation report flags the mixed case as an anomaly.
		return StatusReverted
	case reverting:
		return StatusReverting
	case settling:
		return StatusSettling
	default:
		return StatusOpen
	}
}

// AppendEvent records an audit row outside of a leg transition, e.g. payout
// status changes and gas top-ups.
func (s *Store) AppendEvent(ctx context.Context, event Event) error {
	if event.DealID == uuid.Nil {
		return fmt.Errorf("deal: event requires a deal id")
	}
	if strings.TrimSpace(event.Action) == "" {
		return fmt.Errorf("deal: event requires an action")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

// EventsAfter returns up to limit events with Seq greater than after, in
// stream order.
func (s *Store) EventsAfter(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []Event
	err := s.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// LatestEventSeq returns the stream position of the newest event, zero when
// the stream is empty. New subscribers start here unless they ask for
// history.
func (s *Store) LatestEventSeq(ctx context.Context) (uint64, error) {
	var seq *uint64
	err := s.db.WithContext(ctx).Model(&Event{}).Select("MAX(seq)").Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// DealEvents returns the audit trail of one deal, oldest first.
func (s *Store) DealEvents(ctx context.Context, dealID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var events []Event
	err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("seq ASC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
