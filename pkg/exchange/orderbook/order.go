package orderbook

import "github.com/shopspring/decimal"

// Side of an order
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is a closed set: limit orders rest, market orders never do.
type OrderType int8

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

// Order is the book-resident view of an order: identity, price and the
// quantity still unfilled. The engine owns the full lifecycle record;
// the book only ever sees and mutates the remainder.
type Order struct {
	ID    string
	Side  Side
	Type  OrderType
	Price decimal.Decimal // zero for market orders
	Qty   decimal.Decimal // remaining quantity
	Seq   uint64          // submission sequence, FIFO tie-break within a level
}

// Fill is one match between an incoming aggressor and a resting maker.
// TakerID is empty when the aggressor is a historical trade print rather
// than a simulated order.
type Fill struct {
	TakerID string
	MakerID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
}
