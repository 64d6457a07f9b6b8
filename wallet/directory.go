package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	accountKeyPrefix = "account:"
	addressKeyPrefix = "address:"
)

// AccountRecord is one cached derived escrow account. The directory is a
// lazily populated cache keyed by derivation inputs — every entry can be
// re-derived from the master seed, so the directory is never the source of
// truth.
type AccountRecord struct {
	LedgerID  string    `json:"ledgerId"`
	DealID    string    `json:"dealId"`
	Party     string    `json:"party"`
	Address   string    `json:"address"`
	KeyRef    string    `json:"keyRef"`
	Index     uint32    `json:"index"`
	CreatedAt time.Time `json:"createdAt"`
}

// Directory is a LevelDB-backed cache of derived escrow accounts.
type Directory struct {
	db *leveldb.DB
}

// OpenDirectory opens (or creates) the account directory at the provided
// path.
func OpenDirectory(path string) (*Directory, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("wallet directory: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet directory: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet directory: open: %w", err)
	}
	return &Directory{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (d *Directory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func accountKey(ledgerID, dealID, party string) []byte {
	return []byte(accountKeyPrefix + strings.Join([]string{
		strings.ToLower(strings.TrimSpace(ledgerID)),
		strings.TrimSpace(dealID),
		strings.TrimSpace(party),
	}, "|"))
}

func addressKey(ledgerID, address string) []byte {
	return []byte(addressKeyPrefix + strings.ToLower(strings.TrimSpace(ledgerID)) + "|" + strings.TrimSpace(address))
}

// Get returns the cached record for (ledgerID, dealID, party), reporting
// whether one exists.
func (d *Directory) Get(ledgerID, dealID, party string) (*AccountRecord, bool, error) {
	if d == nil || d.db == nil {
		return nil, false, fmt.Errorf("wallet directory: not configured")
	}
	raw, err := d.db.Get(accountKey(ledgerID, dealID, party), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("wallet directory: load account: %w", err)
	}
	var record AccountRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("wallet directory: decode account: %w", err)
	}
	return &record, true, nil
}

// Put stores (or overwrites) a derived account record.
func (d *Directory) Put(record AccountRecord) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("wallet directory: not configured")
	}
	if strings.TrimSpace(record.DealID) == "" || strings.TrimSpace(record.Party) == "" {
		return fmt.Errorf("wallet directory: deal id and party required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("wallet directory: encode account: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(accountKey(record.LedgerID, record.DealID, record.Party), raw)
	if strings.TrimSpace(record.Address) != "" {
		batch.Put(addressKey(record.LedgerID, record.Address), raw)
	}
	if err := d.db.Write(batch, nil); err != nil {
		return fmt.Errorf("wallet directory: store account: %w", err)
	}
	return nil
}

// GetByAddress resolves the cached record controlling an address on a
// ledger, reporting whether one exists.
func (d *Directory) GetByAddress(ledgerID, address string) (*AccountRecord, bool, error) {
	if d == nil || d.db == nil {
		return nil, false, fmt.Errorf("wallet directory: not configured")
	}
	raw, err := d.db.Get(addressKey(ledgerID, address), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("wallet directory: load address: %w", err)
	}
	var record AccountRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("wallet directory: decode address: %w", err)
	}
	return &record, true, nil
}

// List returns every cached record for a ledger, or for all ledgers when the
// identifier is empty.
func (d *Directory) List(ledgerID string) ([]AccountRecord, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("wallet directory: not configured")
	}
	prefix := accountKeyPrefix
	if trimmed := strings.ToLower(strings.TrimSpace(ledgerID)); trimmed != "" {
		prefix += trimmed + "|"
	}
	iter := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	records := make([]AccountRecord, 0)
	for iter.Next() {
		var record AccountRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("wallet directory: iterate accounts: %w", err)
	}
	return records, nil
}
