// Package ledger tracks per-asset balances for the simulated account.
// Funds are reserved synchronously at order submission, before the order
// ever reaches the book, so the sum of locked funds across open orders can
// never exceed what the account actually holds.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is the resource-error rejection: the gateway
	// maps it onto the exchange's insufficient-balance code.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// CorruptionError reports a broken ledger invariant (negative balance,
// over-release of locked funds). It indicates an engine bug: the run must
// abort rather than continue from an inconsistent state.
type CorruptionError struct {
	Asset  string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger corrupt: asset=%s %s", e.Asset, e.Detail)
}

// Balance is one asset's free/locked pair
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free + locked
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Ledger holds the simulated account's balances and cumulative commissions.
// Mutation is serialized through the scheduler; the mutex only guards
// concurrent reads from the gateway.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	fees     map[string]decimal.Decimal // asset -> cumulative commission paid
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[string]*Balance),
		fees:     make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) balance(asset string) *Balance {
	b, ok := l.balances[asset]
	if !ok {
		b = &Balance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		l.balances[asset] = b
	}
	return b
}

// Deposit credits free balance. Seeding only: amount must be positive.
func (l *Ledger) Deposit(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(asset)
	b.Free = b.Free.Add(amount)
	return nil
}

// Reserve moves amount from free to locked, failing if free is short.
func (l *Ledger) Reserve(asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &CorruptionError{Asset: asset, Detail: "negative reserve of " + amount.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(asset)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: asset=%s free=%s need=%s", ErrInsufficientBalance, asset, b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Release moves amount from locked back to free (cancel, over-reservation
// refund). Releasing more than is locked is a corruption error.
func (l *Ledger) Release(asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &CorruptionError{Asset: asset, Detail: "negative release of " + amount.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(asset)
	if b.Locked.LessThan(amount) {
		return &CorruptionError{Asset: asset, Detail: fmt.Sprintf("release %s exceeds locked %s", amount, b.Locked)}
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return nil
}

// DebitFree takes amount straight from free balance. Used for market-order
// slippage beyond the reservation, never for reserved funds.
func (l *Ledger) DebitFree(asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &CorruptionError{Asset: asset, Detail: "negative debit of " + amount.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(asset)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: asset=%s free=%s need=%s", ErrInsufficientBalance, asset, b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	return nil
}

// SettleFill consumes spent from the locked side of spendAsset and credits
// received to recvAsset, deducting fee from the received amount. The fee is
// recorded against recvAsset (spot commission is charged on the asset you
// receive).
func (l *Ledger) SettleFill(spendAsset string, spent decimal.Decimal, recvAsset string, received, fee decimal.Decimal) error {
	if spent.IsNegative() || received.IsNegative() || fee.IsNegative() {
		return &CorruptionError{Asset: spendAsset, Detail: "negative settlement amount"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	spend := l.balance(spendAsset)
	if spend.Locked.LessThan(spent) {
		return &CorruptionError{
			Asset:  spendAsset,
			Detail: fmt.Sprintf("settle %s exceeds locked %s", spent, spend.Locked),
		}
	}
	spend.Locked = spend.Locked.Sub(spent)

	recv := l.balance(recvAsset)
	if fee.GreaterThan(received) {
		return &CorruptionError{Asset: recvAsset, Detail: "fee exceeds received amount"}
	}
	recv.Free = recv.Free.Add(received.Sub(fee))
	l.fees[recvAsset] = l.fees[recvAsset].Add(fee)

	return nil
}

// Get returns a copy of one asset's balance
func (l *Ledger) Get(asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[asset]; ok {
		return *b
	}
	return Balance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
}

// Balances returns copies of all balances, sorted by asset for stable output
func (l *Ledger) Balances() []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Fees returns cumulative commissions per asset, sorted by asset
func (l *Ledger) Fees() []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Balance, 0, len(l.fees))
	for asset, amt := range l.fees {
		out = append(out, Balance{Asset: asset, Free: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Validate checks the non-negativity invariants across all assets
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for asset, b := range l.balances {
		if b.Free.IsNegative() {
			return &CorruptionError{Asset: asset, Detail: "negative free balance " + b.Free.String()}
		}
		if b.Locked.IsNegative() {
			return &CorruptionError{Asset: asset, Detail: "negative locked balance " + b.Locked.String()}
		}
	}
	return nil
}
