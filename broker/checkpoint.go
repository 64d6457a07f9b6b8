package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"otcbroker/escrow"
)

// Bucket layout of the checkpoint database. Cursors are keyed by leg id,
// escrow records and deploy markers by "ledger/address".
var (
	bucketCursors = []byte("watch_cursors")
	bucketEscrows = []byte("escrow_records")
	bucketDeploys = []byte("deploy_markers")
)

var errCheckpointsClosed = errors.New("broker: checkpoint store not open")

// WatchCursor is one leg's durable deposit-scan position: the deposits that
// have already been announced and the confirmed total at the last poll.
type WatchCursor struct {
	LegID     string          `json:"legId"`
	Seen      map[string]bool `json:"seen,omitempty"`
	Total     string          `json:"total,omitempty"`
	TipHeight uint64          `json:"tipHeight,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DeployMarker records an in-flight escrow program deployment so a restart
// does not broadcast the factory call a second time.
type DeployMarker struct {
	LegID       string    `json:"legId"`
	TxID        string    `json:"txid"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// storedEscrow is the JSON shape of an escrow record at rest. Values are
// decimal strings so debugging dumps stay readable.
type storedEscrow struct {
	Address      string `json:"address"`
	LedgerID     string `json:"ledgerId"`
	Operator     string `json:"operator"`
	Payback      string `json:"payback"`
	Recipient    string `json:"recipient"`
	Currency     string `json:"currency"`
	SwapValue    string `json:"swapValue"`
	FeeValue     string `json:"feeValue"`
	State        uint8  `json:"state"`
	SwapExecuted bool   `json:"swapExecuted,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// Checkpoints is the broker's bbolt-backed restart state: watcher cursors,
// custodial escrow records and deployment markers for contract-hosted legs.
// Payout rows live in the sqlite store, not here.
type Checkpoints struct {
	db *bolt.DB
}

// OpenCheckpoints opens, creating if necessary, the checkpoint database at
// path. A nil options falls back to a one second file-lock timeout so a
// second broker process pointed at the same path fails fast instead of
// hanging on the lock.
func OpenCheckpoints(path string, options *bolt.Options) (*Checkpoints, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("broker: checkpoint path required")
	}
	opts := options
	if opts == nil {
		opts = &bolt.Options{Timeout: time.Second}
	} else if opts.Timeout == 0 {
		clone := *opts
		clone.Timeout = time.Second
		opts = &clone
	}
	db, err := bolt.Open(trimmed, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCursors, bucketEscrows, bucketDeploys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare checkpoint buckets: %w", err)
	}
	return &Checkpoints{db: db}, nil
}

// Close releases the underlying database. Safe on a nil store.
func (c *Checkpoints) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Cursor loads the watch cursor for a leg.
func (c *Checkpoints) Cursor(legID string) (WatchCursor, bool, error) {
	var cursor WatchCursor
	if c == nil || c.db == nil {
		return cursor, false, errCheckpointsClosed
	}
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursors).Get([]byte(legID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &cursor); err != nil {
			return fmt.Errorf("decode cursor %s: %w", legID, err)
		}
		found = true
		return nil
	})
	return cursor, found, err
}

// MutateCursor applies fn to the leg's cursor under the write lock, creating
// an empty cursor when none exists yet, and persists the result.
func (c *Checkpoints) MutateCursor(legID string, fn func(*WatchCursor) error) error {
	if c == nil || c.db == nil {
		return errCheckpointsClosed
	}
	key := []byte(legID)
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCursors)
		cursor := WatchCursor{LegID: legID}
		if raw := bucket.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &cursor); err != nil {
				return fmt.Errorf("decode cursor %s: %w", legID, err)
			}
		}
		if cursor.Seen == nil {
			cursor.Seen = make(map[string]bool)
		}
		if err := fn(&cursor); err != nil {
			return err
		}
		cursor.LegID = legID
		cursor.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(&cursor)
		if err != nil {
			return fmt.Errorf("encode cursor %s: %w", legID, err)
		}
		return bucket.Put(key, raw)
	})
}

// DeleteCursor drops a leg's cursor once the leg has left its deposit window.
func (c *Checkpoints) DeleteCursor(legID string) error {
	if c == nil || c.db == nil {
		return errCheckpointsClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Delete([]byte(legID))
	})
}

// Escrow records and deploy markers share one key scheme. The ledger id is
// registry-normalised to lower case; the address keeps its native casing.
func checkpointKey(ledgerID, address string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(ledgerID)) + "/" + strings.TrimSpace(address))
}

// PutEscrow persists one custodial escrow record.
func (c *Checkpoints) PutEscrow(esc *escrow.Escrow) error {
	if c == nil || c.db == nil {
		return errCheckpointsClosed
	}
	if esc == nil {
		return errors.New("broker: nil escrow record")
	}
	stored := storedEscrow{
		Address:      esc.Address,
		LedgerID:     esc.LedgerID,
		Operator:     esc.Operator,
		Payback:      esc.Payback,
		Recipient:    esc.Recipient,
		Currency:     esc.Currency,
		SwapValue:    bigString(esc.SwapValue),
		FeeValue:     bigString(esc.FeeValue),
		State:        uint8(esc.State),
		SwapExecuted: esc.SwapExecuted,
		CreatedAt:    esc.CreatedAt,
	}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode escrow %s: %w", esc.Address, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEscrows).Put(checkpointKey(esc.LedgerID, esc.Address), raw)
	})
}

// GetEscrow loads one custodial escrow record.
func (c *Checkpoints) GetEscrow(ledgerID, address string) (*escrow.Escrow, bool, error) {
	if c == nil || c.db == nil {
		return nil, false, errCheckpointsClosed
	}
	var stored storedEscrow
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEscrows).Get(checkpointKey(ledgerID, address))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode escrow %s: %w", address, err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	esc, err := stored.record()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowRecords returns every persisted escrow record on one ledger, for
// reconciliation sweeps.
func (c *Checkpoints) EscrowRecords(ledgerID string) ([]*escrow.Escrow, error) {
	if c == nil || c.db == nil {
		return nil, errCheckpointsClosed
	}
	prefix := []byte(strings.ToLower(strings.TrimSpace(ledgerID)) + "/")
	var records []*escrow.Escrow
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketEscrows).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var stored storedEscrow
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decode escrow %s: %w", k, err)
			}
			esc, err := stored.record()
			if err != nil {
				return err
			}
			records = append(records, esc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PutDeployMarker records an in-flight deployment for an escrow address.
func (c *Checkpoints) PutDeployMarker(ledgerID, address string, marker DeployMarker) error {
	if c == nil || c.db == nil {
		return errCheckpointsClosed
	}
	raw, err := json.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("encode deploy marker %s: %w", address, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeploys).Put(checkpointKey(ledgerID, address), raw)
	})
}

// GetDeployMarker loads the in-flight deployment marker for an address.
func (c *Checkpoints) GetDeployMarker(ledgerID, address string) (DeployMarker, bool, error) {
	var marker DeployMarker
	if c == nil || c.db == nil {
		return marker, false, errCheckpointsClosed
	}
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDeploys).Get(checkpointKey(ledgerID, address))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &marker); err != nil {
			return fmt.Errorf("decode deploy marker %s: %w", address, err)
		}
		found = true
		return nil
	})
	return marker, found, err
}

// DeleteDeployMarker clears the marker once the program is live on ledger.
func (c *Checkpoints) DeleteDeployMarker(ledgerID, address string) error {
	if c == nil || c.db == nil {
		return errCheckpointsClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeploys).Delete(checkpointKey(ledgerID, address))
	})
}

func (s storedEscrow) record() (*escrow.Escrow, error) {
	swap, ok := new(big.Int).SetString(s.SwapValue, 10)
	if !ok {
		return nil, fmt.Errorf("broker: malformed swap value %q for escrow %s", s.SwapValue, s.Address)
	}
	fee, ok := new(big.Int).SetString(s.FeeValue, 10)
	if !ok {
		return nil, fmt.Errorf("broker: malformed fee value %q for escrow %s", s.FeeValue, s.Address)
	}
	state := escrow.State(s.State)
	if !state.Valid() {
		return nil, fmt.Errorf("broker: invalid stored state %d for escrow %s", s.State, s.Address)
	}
	return &escrow.Escrow{
		Address:      s.Address,
		LedgerID:     s.LedgerID,
		Operator:     s.Operator,
		Payback:      s.Payback,
		Recipient:    s.Recipient,
		Currency:     s.Currency,
		SwapValue:    swap,
		FeeValue:     fee,
		State:        state,
		SwapExecuted: s.SwapExecuted,
		CreatedAt:    s.CreatedAt,
	}, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
