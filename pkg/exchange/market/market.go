package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota // Trading enabled
	Paused                     // Trading halted
	Closed                     // Market closed (terminal)
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "TRADING"
	case Paused:
		return "HALT"
	case Closed:
		return "BREAK"
	default:
		return "UNKNOWN"
	}
}

// Market defines all parameters for a spot trading pair (e.g., BTCUSDT).
// Filter fields mirror the exchange's PRICE_FILTER / LOT_SIZE / MIN_NOTIONAL
// so the gateway can surface them through exchangeInfo unchanged.
type Market struct {
	// Identity
	Symbol     string // "BTCUSDT"
	BaseAsset  string // "BTC"
	QuoteAsset string // "USDT"
	Status     MarketStatus

	// Price & size filters
	TickSize    decimal.Decimal // minimum price increment
	StepSize    decimal.Decimal // minimum quantity increment
	MinQty      decimal.Decimal // minimum order quantity
	MaxQty      decimal.Decimal // maximum order quantity
	MinNotional decimal.Decimal // minimum order value in quote asset

	// Fees (fractions, e.g. 0.001 = 10 bps)
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// Params carries the tunable subset of Market used at construction time.
type Params struct {
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinQty       decimal.Decimal
	MaxQty       decimal.Decimal
	MinNotional  decimal.Decimal
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// DefaultParams returns the spot defaults: 10 bps maker/taker, permissive
// filters sized for BTC-style pairs.
func DefaultParams() Params {
	return Params{
		TickSize:     decimal.New(1, -2),     // 0.01
		StepSize:     decimal.New(1, -6),     // 0.000001
		MinQty:       decimal.New(1, -6),     // 0.000001
		MaxQty:       decimal.New(9000, 0),   // 9000
		MinNotional:  decimal.New(10, 0),     // 10 quote units
		MakerFeeRate: decimal.New(1, -3),     // 0.001
		TakerFeeRate: decimal.New(1, -3),     // 0.001
	}
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, quoteAsset string, params Params) (*Market, error) {
	m := &Market{
		Symbol:       symbol,
		BaseAsset:    baseAsset,
		QuoteAsset:   quoteAsset,
		Status:       Active,
		TickSize:     params.TickSize,
		StepSize:     params.StepSize,
		MinQty:       params.MinQty,
		MaxQty:       params.MaxQty,
		MinNotional:  params.MinNotional,
		MakerFeeRate: params.MakerFeeRate,
		TakerFeeRate: params.TakerFeeRate,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}

	return m, nil
}

// NewMarketWithDefaults creates a market with DefaultParams
func NewMarketWithDefaults(symbol, baseAsset, quoteAsset string) (*Market, error) {
	return NewMarket(symbol, baseAsset, quoteAsset, DefaultParams())
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.StepSize.IsPositive() {
		return fmt.Errorf("step size must be positive")
	}
	if m.MinQty.IsNegative() {
		return fmt.Errorf("min qty cannot be negative")
	}
	if m.MinQty.GreaterThan(m.MaxQty) {
		return fmt.Errorf("min qty cannot exceed max qty")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.TakerFeeRate.IsNegative() {
		return fmt.Errorf("taker fee cannot be negative")
	}
	return nil
}

// FilterError describes which exchange filter an order failed.
// The gateway maps every FilterError onto the -1013 code space.
type FilterError struct {
	Filter string // "PRICE_FILTER", "LOT_SIZE", "MIN_NOTIONAL", "MARKET_CLOSED"
}

func (e *FilterError) Error() string {
	return "Filter failure: " + e.Filter
}

// ValidateOrder checks an order against the market's filters.
// price is ignored for market orders (pass the zero decimal).
func (m *Market) ValidateOrder(price, qty decimal.Decimal, isMarket bool) error {
	if m.Status != Active {
		return &FilterError{Filter: "MARKET_CLOSED"}
	}
	if qty.LessThan(m.MinQty) || qty.GreaterThan(m.MaxQty) {
		return &FilterError{Filter: "LOT_SIZE"}
	}
	if !qty.Mod(m.StepSize).IsZero() {
		return &FilterError{Filter: "LOT_SIZE"}
	}
	if isMarket {
		// Notional for market orders is checked by the engine against the
		// reference price once one exists.
		return nil
	}
	if !price.IsPositive() {
		return &FilterError{Filter: "PRICE_FILTER"}
	}
	if !price.Mod(m.TickSize).IsZero() {
		return &FilterError{Filter: "PRICE_FILTER"}
	}
	if price.Mul(qty).LessThan(m.MinNotional) {
		return &FilterError{Filter: "MIN_NOTIONAL"}
	}
	return nil
}
