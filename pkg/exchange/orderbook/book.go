package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// level aggregates resting orders at one price, FIFO by submission sequence.
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Qty)
	}
	return total
}

// ladder is a price-sorted slice of levels. Bids sort descending (best
// first), asks ascending. A sorted slice keeps iteration order fully
// deterministic, which map-keyed books are not.
type ladder struct {
	levels     []*level
	descending bool
}

// find returns the index of price, or the insertion index if absent.
func (ld *ladder) find(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(ld.levels), func(i int) bool {
		cmp := ld.levels[i].price.Cmp(price)
		if ld.descending {
			return cmp <= 0
		}
		return cmp >= 0
	})
	if i < len(ld.levels) && ld.levels[i].price.Equal(price) {
		return i, true
	}
	return i, false
}

func (ld *ladder) insert(price decimal.Decimal, o *Order) {
	i, found := ld.find(price)
	if found {
		ld.levels[i].orders = append(ld.levels[i].orders, o)
		return
	}
	lv := &level{price: price, orders: []*Order{o}}
	ld.levels = append(ld.levels, nil)
	copy(ld.levels[i+1:], ld.levels[i:])
	ld.levels[i] = lv
}

func (ld *ladder) removeLevel(i int) {
	ld.levels = append(ld.levels[:i], ld.levels[i+1:]...)
}

// best returns the front level (best price) or nil when empty
func (ld *ladder) best() *level {
	if len(ld.levels) == 0 {
		return nil
	}
	return ld.levels[0]
}

// PriceLevel is the aggregated (price, qty) view used for depth snapshots
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is one symbol's bid/ask ladder with price/time priority.
// All mutation is serialized through the replay scheduler; the RWMutex only
// protects concurrent depth reads from the gateway's request goroutines.
type OrderBook struct {
	mu sync.RWMutex

	bids ladder
	asks ladder

	// order ID -> side, for O(1) cancel routing
	index map[string]Side
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:  ladder{descending: true},
		asks:  ladder{descending: false},
		index: make(map[string]Side),
	}
}

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if lv := ob.bids.best(); lv != nil {
		return lv.price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if lv := ob.asks.best(); lv != nil {
		return lv.price, true
	}
	return decimal.Zero, false
}

// Place matches an incoming order by price/time priority. The remainder of
// a limit order rests at its price; market orders never rest, the caller
// cancels any unfilled remainder. o.Qty is mutated down to the remainder.
func (ob *OrderBook) Place(o *Order) []Fill {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var fills []Fill

	opp := &ob.asks
	if o.Side == Sell {
		opp = &ob.bids
	}

	for o.Qty.IsPositive() {
		lv := opp.best()
		if lv == nil {
			break
		}
		if o.Type == Limit {
			if o.Side == Buy && lv.price.GreaterThan(o.Price) {
				break
			}
			if o.Side == Sell && lv.price.LessThan(o.Price) {
				break
			}
		}

		maker := lv.orders[0]
		match := decimal.Min(o.Qty, maker.Qty)
		o.Qty = o.Qty.Sub(match)
		maker.Qty = maker.Qty.Sub(match)
		fills = append(fills, Fill{TakerID: o.ID, MakerID: maker.ID, Price: lv.price, Qty: match})

		if maker.Qty.IsZero() {
			lv.orders = lv.orders[1:]
			delete(ob.index, maker.ID)
		}
		if len(lv.orders) == 0 {
			opp.removeLevel(0)
		}
	}

	if o.Qty.IsPositive() && o.Type == Limit {
		if o.Side == Buy {
			ob.bids.insert(o.Price, o)
		} else {
			ob.asks.insert(o.Price, o)
		}
		ob.index[o.ID] = o.Side
	}

	return fills
}

// MarketCost previews a market order of size qty against the opposite
// side: the quantity it would execute and the quote it would spend,
// walking levels best price first. The book is not mutated.
func (ob *OrderBook) MarketCost(side Side, qty decimal.Decimal) (fillQty, quote decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	opp := &ob.asks
	if side == Sell {
		opp = &ob.bids
	}

	fillQty, quote = decimal.Zero, decimal.Zero
	remaining := qty
	for _, lv := range opp.levels {
		if !remaining.IsPositive() {
			break
		}
		match := decimal.Min(remaining, lv.totalQty())
		remaining = remaining.Sub(match)
		fillQty = fillQty.Add(match)
		quote = quote.Add(match.Mul(lv.price))
	}
	return fillQty, quote
}

// Cancel removes a resting order. Returns false if the order is not resting.
func (ob *OrderBook) Cancel(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	side, ok := ob.index[id]
	if !ok {
		return false
	}
	ld := &ob.bids
	if side == Sell {
		ld = &ob.asks
	}

	for li, lv := range ld.levels {
		for oi, o := range lv.orders {
			if o.ID == id {
				lv.orders = append(lv.orders[:oi], lv.orders[oi+1:]...)
				if len(lv.orders) == 0 {
					ld.removeLevel(li)
				}
				delete(ob.index, id)
				return true
			}
		}
	}
	return false
}

// ApplyTrade replays a historical trade print against the resting side.
// The print sweeps resting orders whose limit it satisfies (bids at or
// above the print price, asks at or below), best price first, FIFO within
// each level, bounded by the print quantity. Fills execute at the print
// price: the emulation is one-sided, only the simulated account's resting
// orders are hit, never the print's real counterparty.
func (ob *OrderBook) ApplyTrade(price, qty decimal.Decimal) []Fill {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var fills []Fill
	remaining := qty

	sweep := func(ld *ladder, satisfied func(decimal.Decimal) bool) {
		for remaining.IsPositive() {
			lv := ld.best()
			if lv == nil || !satisfied(lv.price) {
				break
			}
			maker := lv.orders[0]
			match := decimal.Min(remaining, maker.Qty)
			remaining = remaining.Sub(match)
			maker.Qty = maker.Qty.Sub(match)
			fills = append(fills, Fill{MakerID: maker.ID, Price: price, Qty: match})

			if maker.Qty.IsZero() {
				lv.orders = lv.orders[1:]
				delete(ob.index, maker.ID)
			}
			if len(lv.orders) == 0 {
				ld.removeLevel(0)
			}
		}
	}

	sweep(&ob.bids, func(limit decimal.Decimal) bool { return limit.GreaterThanOrEqual(price) })
	sweep(&ob.asks, func(limit decimal.Decimal) bool { return limit.LessThanOrEqual(price) })

	return fills
}

// BidLevels returns aggregated bid levels, best (highest) first
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return snapshotLevels(&ob.bids)
}

// AskLevels returns aggregated ask levels, best (lowest) first
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return snapshotLevels(&ob.asks)
}

func snapshotLevels(ld *ladder) []PriceLevel {
	out := make([]PriceLevel, 0, len(ld.levels))
	for _, lv := range ld.levels {
		out = append(out, PriceLevel{Price: lv.price, Qty: lv.totalQty()})
	}
	return out
}

// Validate checks the book invariants: best bid strictly below best ask,
// no empty levels, no zero-quantity resting orders.
func (ob *OrderBook) Validate() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bb, aa := ob.bids.best(), ob.asks.best()
	if bb != nil && aa != nil && bb.price.GreaterThanOrEqual(aa.price) {
		return false
	}
	for _, ld := range []*ladder{&ob.bids, &ob.asks} {
		for _, lv := range ld.levels {
			if len(lv.orders) == 0 {
				return false
			}
			for _, o := range lv.orders {
				if !o.Qty.IsPositive() {
					return false
				}
			}
		}
	}
	return true
}
