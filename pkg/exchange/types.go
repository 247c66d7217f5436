// Package exchange is the matching engine: it owns the per-symbol order
// books, the account ledger, and the full order lifecycle. All mutating
// calls are serialized through the replay scheduler; the engine itself is
// not goroutine-safe.
package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/spotsim/pkg/exchange/orderbook"
)

// Clock is the engine's only notion of time. The replay scheduler owns the
// implementation and is the sole component that advances it.
type Clock interface {
	Now() int64 // simulation time, ms
}

// Status is the order lifecycle state. String values match the exchange's
// wire vocabulary so the gateway can serialize them verbatim.
type Status int8

const (
	StatusNew Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status permits no further mutation
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// Order is the engine's full lifecycle record. The book holds only the
// resting remainder; everything the API surfaces lives here.
type Order struct {
	ID            int64
	ClientOrderID string
	Symbol        string
	Side          orderbook.Side
	Type          orderbook.OrderType
	Price         decimal.Decimal // zero for market orders
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	CumQuote      decimal.Decimal // cumulative quote spent/received
	Status        Status
	Time          int64  // creation, simulation ms
	UpdateTime    int64  // last transition, simulation ms
	Seq           uint64 // engine sequence at creation

	// reservation bookkeeping, engine-internal
	reserveAsset string
	reserveRate  decimal.Decimal // locked amount per unit of remaining qty
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.OrigQty.Sub(o.ExecutedQty)
}

// Fill is one settled execution for one of the account's orders.
// CounterOrderID is -1 when the counterparty is the historical market
// rather than another simulated order.
type Fill struct {
	TradeID         int64
	OrderID         int64
	CounterOrderID  int64
	Symbol          string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	QuoteQty        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	IsMaker         bool
	Time            int64  // simulation ms
	Seq             uint64 // engine sequence
}

// PlaceOrderCommand is the engine's order-entry input, already validated
// for shape by the gateway (side/type parsed, decimals positive where the
// wire requires it).
type PlaceOrderCommand struct {
	Symbol        string
	Side          orderbook.Side
	Type          orderbook.OrderType
	Price         decimal.Decimal // required for limit
	Qty           decimal.Decimal
	ClientOrderID string
}

// PlaceResult carries the accepted order snapshot, the fills its
// submission produced in execution order, and snapshots of the resting
// orders it traded against.
type PlaceResult struct {
	Order  Order
	Fills  []Fill
	Makers []Order
}

// MarketEventResult reports everything a historical event changed: the
// fills it generated and snapshots of every order it touched.
type MarketEventResult struct {
	Fills   []Fill
	Updated []Order
}
