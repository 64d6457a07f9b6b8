package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves ledger identifiers to adapter instances and owns their
// lifecycle.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its ledger identifier. Registering a second
// adapter for the same ledger is a configuration error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("chain registry: nil adapter")
	}
	id := strings.ToLower(strings.TrimSpace(adapter.LedgerID()))
	if id == "" {
		return fmt.Errorf("chain registry: empty ledger id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("chain registry: duplicate adapter for ledger %s", id)
	}
	r.adapters[id] = adapter
	return nil
}

// Get returns the adapter for the ledger, or ErrUnknownLedger.
func (r *Registry) Get(ledgerID string) (Adapter, error) {
	id := strings.ToLower(strings.TrimSpace(ledgerID))
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, ledgerID)
	}
	return adapter, nil
}

// Ledgers returns the registered ledger identifiers in sorted order.
func (r *Registry) Ledgers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Init initialises every registered adapter. Adapters degrade rather than
// block, so a failed init is logged by the caller and does not prevent the
// rest from starting; the first error is returned for reporting.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		adapters = append(adapters, adapter)
	}
	r.mu.RUnlock()
	var firstErr error
	for _, adapter := range adapters {
		if err := adapter.Init(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chain registry: init %s: %w", adapter.LedgerID(), err)
		}
	}
	return firstErr
}
