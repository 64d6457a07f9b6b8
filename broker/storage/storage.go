// Package storage is the broker's durable payout ledger: every outbound
// settlement movement becomes a row here before anything is broadcast, and
// rows are never deleted. Restart replay works off this table alone.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Status is the payout row lifecycle.
type Status string

// Payout statuses. PENDING rows are waiting for the queue worker, SUBMITTED
// rows have transactions in flight, CONFIRMED and FAILED are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// ErrNotFound is returned when a payout row does not exist.
var ErrNotFound = errors.New("payout storage: not found")

// AmountMode selects how the queue worker interprets a row's amount. Exact
// rows send precisely what was recorded. Remaining rows send whatever the
// escrow still holds when the row submits: on custodial ledgers the earlier
// phases pay their network fees out of the escrow, so an amount computed at
// distribution time overstates what will actually remain.
type AmountMode string

// Amount modes.
const (
	ModeExact     AmountMode = "exact"
	ModeRemaining AmountMode = "remaining"
)

// PayoutRecord is one logical settlement movement out of an escrow address.
// The idempotency key (from_addr, purpose, phase) makes enqueueing the same
// movement twice a no-op.
type PayoutRecord struct {
	ID            string
	DealID        string
	LegID         string
	LedgerID      string
	FromAddr      string
	ToAddr        string
	Asset         string
	Amount        *big.Int
	Purpose       string
	Phase         int
	Mode          AmountMode
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	CompletedAt   time.Time
	TxIDs         []string
}

// RecoveryEvent is one entry of the recovery audit log.
type RecoveryEvent struct {
	PayoutID   string
	DealID     string
	Kind       string
	Detail     string
	OldTxID    string
	NewTxID    string
	OccurredAt time.Time
}

// Store wraps the broker's sqlite persistence.
type Store struct {
	db *sql.DB
}

// Open initialises the payout store at the given sqlite path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("payout storage path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The queue worker is the single writer; one connection keeps sqlite
	// lock contention out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Databases written before the mode column existed pick it up here; on a
	// current schema the ALTER fails on the duplicate column and is ignored.
	_, _ = db.Exec(`ALTER TABLE payouts ADD COLUMN mode TEXT NOT NULL DEFAULT 'exact'`)
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue inserts a payout row. A row with the same (from_addr, purpose,
// phase) already present leaves the existing row untouched and reports
// inserted=false.
func (s *Store) Enqueue(ctx context.Context, rec PayoutRecord) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if err := validateRecord(&rec); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO payouts(id, deal_id, leg_id, ledger_id, from_addr, to_addr, asset, amount, purpose, phase, mode, status, attempts, next_attempt_at, last_error, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?)
        ON CONFLICT(from_addr, purpose, phase) DO NOTHING
    `, rec.ID, rec.DealID, rec.LegID, rec.LedgerID, rec.FromAddr, rec.ToAddr, rec.Asset, rec.Amount.String(), rec.Purpose, rec.Phase, string(rec.Mode), string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("enqueue payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue payout: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	for _, txid := range rec.TxIDs {
		if err := s.AddTxID(ctx, rec.ID, txid, rec.CreatedAt); err != nil {
			return true, err
		}
	}
	return true, nil
}

// EnqueueAll inserts a batch of payout rows, skipping any that already exist.
func (s *Store) EnqueueAll(ctx context.Context, recs []PayoutRecord) (int, error) {
	inserted := 0
	for _, rec := range recs {
		ok, err := s.Enqueue(ctx, rec)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func validateRecord(rec *PayoutRecord) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return fmt.Errorf("payout id required")
	}
	rec.FromAddr = strings.TrimSpace(rec.FromAddr)
	if rec.FromAddr == "" {
		return fmt.Errorf("payout source address required")
	}
	if rec.Amount == nil || rec.Amount.Sign() < 0 {
		return fmt.Errorf("payout amount must be non-negative")
	}
	if rec.Purpose == "" {
		return fmt.Errorf("payout purpose required")
	}
	if rec.Mode == "" {
		rec.Mode = ModeExact
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Due returns up to limit PENDING rows whose next_attempt_at has passed and
// leases them until now+lease, so a concurrent scanner skips them. Rows come
// back phase-ordered per escrow.
func (s *Store) Due(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]PayoutRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin due scan: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts
        WHERE status = ? AND next_attempt_at <= ?
        ORDER BY from_addr, phase, created_at
        LIMIT ?
    `, string(StatusPending), now.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due payouts: %w", err)
	}
	recs, err := scanPayouts(rows)
	if err != nil {
		return nil, err
	}
	leaseUntil := now.Add(lease).UTC().Unix()
	for i := range recs {
		if _, err := tx.ExecContext(ctx, `
            UPDATE payouts SET next_attempt_at = ? WHERE id = ?
        `, leaseUntil, recs[i].ID); err != nil {
			return nil, fmt.Errorf("lease payout: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit due scan: %w", err)
	}
	for i := range recs {
		if err := s.loadTxIDs(ctx, &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// MarkSubmitted transitions a row to SUBMITTED and records its transaction
// ids.
func (s *Store) MarkSubmitted(ctx context.Context, id string, txids []string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts
        SET status = ?, attempts = attempts + 1, last_error = ''
        WHERE id = ?
    `, string(StatusSubmitted), id); err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	for _, txid := range txids {
		if err := s.AddTxID(ctx, id, txid, now); err != nil {
			return err
		}
	}
	return nil
}

// AddTxID appends one transaction id to a payout. Duplicate ids are ignored.
func (s *Store) AddTxID(ctx context.Context, payoutID, txid string, now time.Time) error {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO payout_txids(payout_id, txid, submitted_at)
        VALUES(?, ?, ?)
        ON CONFLICT(payout_id, txid) DO NOTHING
    `, payoutID, txid, now.UTC()); err != nil {
		return fmt.Errorf("record txid: %w", err)
	}
	return nil
}

// MarkConfirmed finalises a payout row.
func (s *Store) MarkConfirmed(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET status = ?, completed_at = ?, last_error = '' WHERE id = ?
    `, string(StatusConfirmed), now.UTC(), id); err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// MarkFailed finalises a payout row with its terminal error.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET status = ?, completed_at = ?, last_error = ? WHERE id = ?
    `, string(StatusFailed), now.UTC(), reason, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// UpdateAmount rewrites a row's amount with what was actually sent. Used by
// remaining-mode rows once the real figure is known at submit time.
func (s *Store) UpdateAmount(ctx context.Context, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("payout amount must be non-negative")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET amount = ? WHERE id = ?
    `, amount.String(), id); err != nil {
		return fmt.Errorf("update amount: %w", err)
	}
	return nil
}

// Reschedule bumps the attempt counter and defers the row.
func (s *Store) Reschedule(ctx context.Context, id string, next time.Time, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts
        SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?
        WHERE id = ?
    `, string(StatusPending), next.UTC().Unix(), reason, id); err != nil {
		return fmt.Errorf("reschedule payout: %w", err)
	}
	return nil
}

// Resubmit returns a SUBMITTED row to PENDING, keeping its recorded txids.
// Used when the ledger reports the submission dropped.
func (s *Store) Resubmit(ctx context.Context, id string, next time.Time, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET status = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
    `, string(StatusPending), next.UTC().Unix(), reason, id); err != nil {
		return fmt.Errorf("resubmit payout: %w", err)
	}
	return nil
}

// Submitted returns every in-flight payout row.
func (s *Store) Submitted(ctx context.Context) ([]PayoutRecord, error) {
	return s.queryPayouts(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts WHERE status = ?
        ORDER BY created_at
    `, string(StatusSubmitted))
}

// ByEscrow returns every payout row for one escrow address, phase order.
func (s *Store) ByEscrow(ctx context.Context, fromAddr string) ([]PayoutRecord, error) {
	return s.queryPayouts(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts WHERE from_addr = ?
        ORDER BY phase, created_at
    `, strings.TrimSpace(fromAddr))
}

// ByStatus returns up to limit rows in the given status, oldest first.
func (s *Store) ByStatus(ctx context.Context, status Status, limit int) ([]PayoutRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.queryPayouts(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts WHERE status = ?
        ORDER BY created_at
        LIMIT ?
    `, string(status), limit)
}

// Get loads one payout row.
func (s *Store) Get(ctx context.Context, id string) (PayoutRecord, error) {
	recs, err := s.queryPayouts(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts WHERE id = ?
    `, strings.TrimSpace(id))
	if err != nil {
		return PayoutRecord{}, err
	}
	if len(recs) == 0 {
		return PayoutRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// PhaseComplete reports whether every row of the escrow at a phase strictly
// below the given one has confirmed. Phase gating keeps change outputs from
// being spent before they exist.
func (s *Store) PhaseComplete(ctx context.Context, fromAddr string, phase int) (bool, error) {
	var blocking int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM payouts
        WHERE from_addr = ? AND phase < ? AND status != ?
    `, strings.TrimSpace(fromAddr), phase, string(StatusConfirmed)).Scan(&blocking)
	if err != nil {
		return false, fmt.Errorf("phase gate: %w", err)
	}
	return blocking == 0, nil
}

// Unfinished counts the escrow's rows that are neither CONFIRMED nor FAILED.
func (s *Store) Unfinished(ctx context.Context, fromAddr string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM payouts
        WHERE from_addr = ? AND status IN (?, ?)
    `, strings.TrimSpace(fromAddr), string(StatusPending), string(StatusSubmitted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unfinished: %w", err)
	}
	return n, nil
}

// Failed counts the escrow's FAILED rows.
func (s *Store) Failed(ctx context.Context, fromAddr string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM payouts
        WHERE from_addr = ? AND status = ?
    `, strings.TrimSpace(fromAddr), string(StatusFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// RecordRecovery appends a recovery audit entry.
func (s *Store) RecordRecovery(ctx context.Context, event RecoveryEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO recovery_audit(payout_id, deal_id, kind, detail, old_txid, new_txid, occurred_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, event.PayoutID, event.DealID, event.Kind, event.Detail, event.OldTxID, event.NewTxID, occurred.UTC()); err != nil {
		return fmt.Errorf("record recovery: %w", err)
	}
	return nil
}

// RecoveryEvents returns the audit log for one deal, oldest first.
func (s *Store) RecoveryEvents(ctx context.Context, dealID string) ([]RecoveryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payout_id, deal_id, kind, detail, old_txid, new_txid, occurred_at
        FROM recovery_audit WHERE deal_id = ?
        ORDER BY id
    `, strings.TrimSpace(dealID))
	if err != nil {
		return nil, fmt.Errorf("query recovery audit: %w", err)
	}
	defer rows.Close()
	var events []RecoveryEvent
	for rows.Next() {
		var event RecoveryEvent
		if err := rows.Scan(&event.PayoutID, &event.DealID, &event.Kind, &event.Detail, &event.OldTxID, &event.NewTxID, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan recovery event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recovery audit: %w", err)
	}
	return events, nil
}

const payoutColumns = `id, deal_id, leg_id, ledger_id, from_addr, to_addr, asset, amount, purpose, phase, mode, status, attempts, next_attempt_at, last_error, created_at, completed_at`

func (s *Store) queryPayouts(ctx context.Context, query string, args ...interface{}) ([]PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	recs, err := scanPayouts(rows)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if err := s.loadTxIDs(ctx, &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func scanPayouts(rows *sql.Rows) ([]PayoutRecord, error) {
	defer rows.Close()
	var recs []PayoutRecord
	for rows.Next() {
		var (
			rec         PayoutRecord
			amount      string
			mode        string
			status      string
			nextAttempt int64
			lastError   sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.LegID, &rec.LedgerID, &rec.FromAddr, &rec.ToAddr, &rec.Asset, &amount, &rec.Purpose, &rec.Phase, &mode, &status, &rec.Attempts, &nextAttempt, &lastError, &rec.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("malformed payout amount %q", amount)
		}
		rec.Amount = value
		rec.Mode = AmountMode(mode)
		rec.Status = Status(status)
		if nextAttempt > 0 {
			rec.NextAttemptAt = time.Unix(nextAttempt, 0).UTC()
		}
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		if completedAt.Valid {
			rec.CompletedAt = completedAt.Time
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return recs, nil
}

func (s *Store) loadTxIDs(ctx context.Context, rec *PayoutRecord) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT txid FROM payout_txids WHERE payout_id = ? ORDER BY submitted_at, txid
    `, rec.ID)
	if err != nil {
		return fmt.Errorf("query txids: %w", err)
	}
	defer rows.Close()
	rec.TxIDs = rec.TxIDs[:0]
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return fmt.Errorf("scan txid: %w", err)
		}
		rec.TxIDs = append(rec.TxIDs, txid)
	}
	return rows.Err()
}

const schema = `
CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL,
    leg_id TEXT NOT NULL DEFAULT '',
    ledger_id TEXT NOT NULL,
    from_addr TEXT NOT NULL,
    to_addr TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    purpose TEXT NOT NULL,
    phase INTEGER NOT NULL,
    mode TEXT NOT NULL DEFAULT 'exact',
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    UNIQUE(from_addr, purpose, phase)
);
CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_payouts_deal ON payouts(deal_id);

CREATE TABLE IF NOT EXISTS payout_txids (
    payout_id TEXT NOT NULL,
    txid TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    PRIMARY KEY(payout_id, txid)
);

CREATE TABLE IF NOT EXISTS recovery_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payout_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    detail TEXT NOT NULL,
    old_txid TEXT NOT NULL DEFAULT '',
    new_txid TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recovery_audit_deal ON recovery_audit(deal_id);
`
