package market

import (
	"fmt"
	"sync"
)

// Registry manages the set of tradable markets in a thread-safe manner.
// Mutation happens only at run construction; reads come from the gateway's
// request goroutines, hence the RWMutex.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
	order   []string           // registration order, for stable listings
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same symbol already exists
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	r.markets[m.Symbol] = m
	r.order = append(r.order, m.Symbol)
	return nil
}

// Get retrieves a market by symbol
// Returns error if market not found
func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s not found", symbol)
	}

	return m, nil
}

// List returns all registered markets in registration order.
// Stable ordering keeps exchangeInfo responses reproducible across runs.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, sym := range r.order {
		markets = append(markets, r.markets[sym])
	}

	return markets
}

// SetStatus changes the trading status of a market.
// Closed is terminal.
func (r *Registry) SetStatus(symbol string, status MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}
	if m.Status == Closed {
		return fmt.Errorf("cannot change status of closed market %s", symbol)
	}

	m.Status = status
	return nil
}
