// Package feed adapts historical market data into the lazy, time-ordered
// event sequence the replay scheduler consumes. Sources are finite, read
// exactly once, with no look-ahead beyond a one-event peek buffer.
package feed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrExhausted is returned by Next once a source has no more events.
var ErrExhausted = errors.New("feed exhausted")

// DataError marks a malformed, gapped, or out-of-order historical record.
// Data errors are fatal to a run: skipping records would silently corrupt
// determinism.
type DataError struct {
	Source string
	Line   int
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("bad market data: source=%s line=%d: %s", e.Source, e.Line, e.Reason)
}

// Kind tags the event payload variant
type Kind int8

const (
	KindTrade Kind = iota
	KindKline
	KindDepth
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindKline:
		return "kline"
	case KindDepth:
		return "depth"
	default:
		return "unknown"
	}
}

// Trade is a historical trade print
type Trade struct {
	ID           int64 // aggregate trade id from the dump
	Price        decimal.Decimal
	Qty          decimal.Decimal
	IsBuyerMaker bool
}

// Kline is one completed candle
type Kline struct {
	Interval      string
	OpenTime      int64 // ms
	CloseTime     int64 // ms
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	QuoteVolume   decimal.Decimal
	TradeCount    int64
	TakerBuyBase  decimal.Decimal
	TakerBuyQuote decimal.Decimal
}

// DepthLevel is one (price, qty) rung of an external depth update
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is an external order-book delta, passed through to depth streams
type Depth struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

// Event is one historical market record. Exactly one payload pointer is
// non-nil, matching Kind.
type Event struct {
	Symbol string
	Time   int64  // simulation timestamp, ms
	Seq    uint64 // total-order position, assigned by Merge
	Kind   Kind

	Trade *Trade
	Kline *Kline
	Depth *Depth
}

// Iterator yields events in non-decreasing Time order.
// Next returns ErrExhausted after the final event.
type Iterator interface {
	Next() (Event, error)
}
