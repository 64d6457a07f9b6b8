package deal

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Party identifiers for the two sides of a deal.
const (
	PartyA = "A"
	PartyB = "B"
)

// Status represents a deal in the settlement workflow.
type Status string

// All deal statuses. A deal is OPEN while escrows collect deposits and moves
// through SETTLING/REVERTING as its legs do; the terminal status is derived
// from the terminal states of both legs.
const (
	StatusOpen      Status = "OPEN"
	StatusSettling  Status = "SETTLING"
	StatusSettled   Status = "SETTLED"
	StatusReverting Status = "REVERTING"
	StatusReverted  Status = "REVERTED"
)

// LegState represents one escrow leg in the settlement workflow.
type LegState string

// All leg states.
const (
	LegAwaitingDeposit LegState = "AWAITING_DEPOSIT"
	LegReadyToSettle   LegState = "READY_TO_SETTLE"
	LegSettling        LegState = "SETTLING"
	LegSettled         LegState = "SETTLED"
	LegReverting       LegState = "REVERTING"
	LegReverted        LegState = "REVERTED"
)

// Terminal reports whether the state admits no further transitions.
func (s LegState) Terminal() bool {
	return s == LegSettled || s == LegReverted
}

// Deal pairs two escrow legs under one reference.
type Deal struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reference string    `gorm:"uniqueIndex;size:64"`
	Memo      string    `gorm:"size:512"`
	Status    Status    `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Legs      []Leg
}

// Leg describes one side of a deal: the escrow account on a ledger, the
// counterparty that receives the swap value, the payback address that
// receives any refund or remainder, and the resolved amounts in native base
// units. Amounts are stored as decimal strings; use SwapAmount and FeeAmount
// for arithmetic.
type Leg struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID              uuid.UUID `gorm:"type:uuid;index"`
	Party               string    `gorm:"size:4"`
	LedgerID            string    `gorm:"size:32;index"`
	Asset               string    `gorm:"size:32"`
	EscrowAddress       string    `gorm:"size:128;index"`
	KeyRef              string    `gorm:"size:128"`
	CounterpartyAddress string    `gorm:"size:128"`
	PaybackAddress      string    `gorm:"size:128"`
	SwapValue           string    `gorm:"size:96"`
	FeeValue            string    `gorm:"size:96"`
	State               LegState  `gorm:"size:32;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SwapAmount parses the stored swap value.
func (l *Leg) SwapAmount() (*big.Int, error) {
	return parseAmount(l.SwapValue)
}

// FeeAmount parses the stored fee value.
func (l *Leg) FeeAmount() (*big.Int, error) {
	return parseAmount(l.FeeValue)
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("deal: malformed amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("deal: negative amount %q", raw)
	}
	return value, nil
}

// Event is the append-only deal audit trail. Seq gives the stream a total
// order for websocket consumers and resumable paging.
type Event struct {
	Seq       uint64     `gorm:"primaryKey;autoIncrement"`
	DealID    uuid.UUID  `gorm:"type:uuid;index"`
	LegID     *uuid.UUID `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64;index"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the deal store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Deal{},
		&Leg{},
		&Event{},
	)
}
