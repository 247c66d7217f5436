package exchange

import "errors"

// Rejection sentinels. The gateway owns the mapping onto the exchange's
// numeric error-code space; the engine only classifies.
var (
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrUnknownOrder     = errors.New("unknown order")
	ErrOrderClosed      = errors.New("order is closed")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrInvalidPrice     = errors.New("limit price must be positive")
	ErrNoReferencePrice = errors.New("no reference price for market order")
)
