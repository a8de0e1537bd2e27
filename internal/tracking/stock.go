package tracking

import (
	"maps"
	"sync"
)

// StockLedger maps object types to their last approved quantity. The
// validation workflow writes it on approval; the engine reads it to compute
// stock deltas.
type StockLedger struct {
	mu    sync.RWMutex
	stock map[string]int
}

// NewStockLedger creates an empty ledger.
func NewStockLedger() *StockLedger {
	return &StockLedger{stock: make(map[string]int)}
}

// Get returns the validated quantity for objectType, 0 when unknown.
func (l *StockLedger) Get(objectType string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stock[objectType]
}

// Set records an approved quantity.
func (l *StockLedger) Set(objectType string, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[objectType] = quantity
}

// Load replaces the ledger contents, e.g. from the datastore at startup.
func (l *StockLedger) Load(stock map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock = make(map[string]int, len(stock))
	maps.Copy(l.stock, stock)
}

// Snapshot returns a copy of the ledger.
func (l *StockLedger) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.stock)
}
