package exchange

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/exchange/orderbook"
	"github.com/uhyunpark/spotsim/pkg/feed"
)

// commissionPlaces caps fee precision at 8 decimal places, rounding down
const commissionPlaces = 8

// maxCachedKlines bounds the per-(symbol, interval) kline cache
const maxCachedKlines = 1000

// Engine orchestrates the order books and the ledger for one simulation
// run. Each run constructs its own Engine; nothing is shared across runs.
type Engine struct {
	mu sync.RWMutex

	log     *zap.SugaredLogger
	clock   Clock
	markets *market.Registry
	ledger  *ledger.Ledger
	books   map[string]*orderbook.OrderBook

	orders      map[int64]*Order
	clientIndex map[string]int64 // clientOrderID -> orderID
	fills       []Fill

	lastPrice map[string]decimal.Decimal
	klines    map[string]map[string][]feed.Kline // symbol -> interval -> candles

	nextOrderID int64
	nextTradeID int64
	seq         uint64

	// klineSweep makes completed candles sweep resting orders at their
	// close price, bounded by candle volume. Enable when the feed has no
	// trade prints; leave off when trades and klines are both fed, or
	// every execution would be counted twice.
	klineSweep bool
}

// New creates an engine over the given markets and ledger, with one book
// per registered market.
func New(log *zap.SugaredLogger, clock Clock, markets *market.Registry, led *ledger.Ledger, klineSweep bool) *Engine {
	e := &Engine{
		log:         log,
		clock:       clock,
		markets:     markets,
		ledger:      led,
		books:       make(map[string]*orderbook.OrderBook),
		orders:      make(map[int64]*Order),
		clientIndex: make(map[string]int64),
		lastPrice:   make(map[string]decimal.Decimal),
		klines:      make(map[string]map[string][]feed.Kline),
		nextOrderID: 1,
		nextTradeID: 1,
		klineSweep:  klineSweep,
	}
	for _, m := range markets.List() {
		e.books[m.Symbol] = orderbook.NewOrderBook()
	}
	return e
}

// Ledger exposes the engine's account ledger for queries
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Deposit credits free balance on the account
func (e *Engine) Deposit(asset string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Deposit(asset, amount)
}

// Book returns the order book for a symbol, or nil if unknown
func (e *Engine) Book(symbol string) *orderbook.OrderBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[symbol]
}

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

// PlaceOrder runs the full order-entry path: filter validation, fund
// reservation, matching, settlement, rest-or-cancel of the remainder.
// Rejected orders are never created; the returned error classifies the
// rejection for the gateway.
func (e *Engine) PlaceOrder(cmd PlaceOrderCommand) (*PlaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !cmd.Qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if cmd.Type == orderbook.Limit && !cmd.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	mkt, err := e.markets.Get(cmd.Symbol)
	if err != nil {
		return nil, ErrUnknownSymbol
	}
	if err := mkt.ValidateOrder(cmd.Price, cmd.Qty, cmd.Type == orderbook.Market); err != nil {
		return nil, err
	}

	// Reservation: a limit buy locks quote at the limit price, a market
	// buy locks quote at the last traded price, sells lock base.
	var reserveAsset string
	var reserveRate decimal.Decimal
	if cmd.Side == orderbook.Buy {
		reserveAsset = mkt.QuoteAsset
		if cmd.Type == orderbook.Limit {
			reserveRate = cmd.Price
		} else {
			ref, ok := e.lastPrice[cmd.Symbol]
			if !ok {
				return nil, ErrNoReferencePrice
			}
			if ref.Mul(cmd.Qty).LessThan(mkt.MinNotional) {
				return nil, &market.FilterError{Filter: "MIN_NOTIONAL"}
			}
			reserveRate = ref

			// Sweeping the asks can cost more quote than the reservation,
			// and the excess is debited from free balance as the fills
			// settle. A buy that cannot cover its worst case is rejected
			// here, before the book or the ledger is touched.
			fillQty, cost := e.books[cmd.Symbol].MarketCost(orderbook.Buy, cmd.Qty)
			if over := cost.Sub(reserveRate.Mul(fillQty)); over.IsPositive() {
				free := e.ledger.Get(mkt.QuoteAsset).Free
				if free.LessThan(reserveRate.Mul(cmd.Qty).Add(over)) {
					return nil, fmt.Errorf("%w: market buy slippage of %s %s exceeds free balance",
						ledger.ErrInsufficientBalance, over, mkt.QuoteAsset)
				}
			}
		}
	} else {
		reserveAsset = mkt.BaseAsset
		reserveRate = decimal.New(1, 0)
		if cmd.Type == orderbook.Market {
			ref, ok := e.lastPrice[cmd.Symbol]
			if !ok {
				return nil, ErrNoReferencePrice
			}
			if ref.Mul(cmd.Qty).LessThan(mkt.MinNotional) {
				return nil, &market.FilterError{Filter: "MIN_NOTIONAL"}
			}
		}
	}
	if err := e.ledger.Reserve(reserveAsset, reserveRate.Mul(cmd.Qty)); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	o := &Order{
		ID:            e.nextOrderID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Type:          cmd.Type,
		Price:         cmd.Price,
		OrigQty:       cmd.Qty,
		ExecutedQty:   decimal.Zero,
		CumQuote:      decimal.Zero,
		Status:        StatusNew,
		Time:          now,
		UpdateTime:    now,
		Seq:           e.nextSeq(),
		reserveAsset:  reserveAsset,
		reserveRate:   reserveRate,
	}
	e.nextOrderID++
	e.orders[o.ID] = o
	if o.ClientOrderID != "" {
		e.clientIndex[o.ClientOrderID] = o.ID
	}

	bookOrder := &orderbook.Order{
		ID:    strconv.FormatInt(o.ID, 10),
		Side:  o.Side,
		Type:  o.Type,
		Price: o.Price,
		Qty:   o.OrigQty,
		Seq:   o.Seq,
	}
	matches := e.books[o.Symbol].Place(bookOrder)

	result := &PlaceResult{}
	for _, m := range matches {
		makerID, perr := strconv.ParseInt(m.MakerID, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt book order id %q: %w", m.MakerID, perr)
		}
		maker := e.orders[makerID]
		tradeID := e.nextTradeID
		e.nextTradeID++

		takerFill, err := e.applyFill(o, mkt, m.Qty, m.Price, false, maker.ID, tradeID)
		if err != nil {
			return nil, err
		}
		makerFill, err := e.applyFill(maker, mkt, m.Qty, m.Price, true, o.ID, tradeID)
		if err != nil {
			return nil, err
		}
		e.lastPrice[o.Symbol] = m.Price
		result.Fills = append(result.Fills, takerFill, makerFill)
		result.Makers = append(result.Makers, *maker)
	}

	remainder := o.Remaining()
	if remainder.IsPositive() && o.Type == orderbook.Market {
		// Market orders never rest: the residual is canceled for lack of
		// liquidity and its reservation released.
		if err := e.ledger.Release(o.reserveAsset, o.reserveRate.Mul(remainder)); err != nil {
			return nil, err
		}
		o.Status = StatusCanceled
		o.UpdateTime = e.clock.Now()
	}

	if err := e.ledger.Validate(); err != nil {
		return nil, err
	}

	e.log.Debugw("order_placed",
		"order_id", o.ID,
		"symbol", o.Symbol,
		"side", o.Side.String(),
		"type", o.Type.String(),
		"status", o.Status.String(),
		"fills", len(result.Fills),
	)

	result.Order = *o
	return result, nil
}

// CancelOrder cancels a resting order by ID or client order ID and
// releases its remaining reservation.
func (e *Engine) CancelOrder(symbol string, orderID int64, clientOrderID string) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.lookup(symbol, orderID, clientOrderID)
	if err != nil {
		return Order{}, err
	}
	if o.Status.Terminal() {
		return Order{}, ErrOrderClosed
	}

	e.books[o.Symbol].Cancel(strconv.FormatInt(o.ID, 10))
	if err := e.ledger.Release(o.reserveAsset, o.reserveRate.Mul(o.Remaining())); err != nil {
		return Order{}, err
	}
	o.Status = StatusCanceled
	o.UpdateTime = e.clock.Now()

	e.log.Debugw("order_canceled", "order_id", o.ID, "symbol", o.Symbol)
	return *o, nil
}

// GetOrder returns an order snapshot by ID or client order ID
func (e *Engine) GetOrder(symbol string, orderID int64, clientOrderID string) (Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, err := e.lookup(symbol, orderID, clientOrderID)
	if err != nil {
		return Order{}, err
	}
	return *o, nil
}

func (e *Engine) lookup(symbol string, orderID int64, clientOrderID string) (*Order, error) {
	if orderID == 0 && clientOrderID != "" {
		id, ok := e.clientIndex[clientOrderID]
		if !ok {
			return nil, ErrUnknownOrder
		}
		orderID = id
	}
	o, ok := e.orders[orderID]
	if !ok || (symbol != "" && o.Symbol != symbol) {
		return nil, ErrUnknownOrder
	}
	return o, nil
}

// OpenOrders returns non-terminal orders, ascending by ID. Empty symbol
// means all symbols.
func (e *Engine) OpenOrders(symbol string) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Order
	for _, o := range e.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnMarketEvent applies one historical event: trade prints (and, when
// klineSweep is set, completed candles) sweep the resting book; klines
// also refresh the reference price and the kline cache; depth events are
// pure stream passthrough.
func (e *Engine) OnMarketEvent(ev feed.Event) (*MarketEventResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &MarketEventResult{}
	switch ev.Kind {
	case feed.KindTrade:
		e.lastPrice[ev.Symbol] = ev.Trade.Price
		if err := e.sweep(ev.Symbol, ev.Trade.Price, ev.Trade.Qty, result); err != nil {
			return nil, err
		}
	case feed.KindKline:
		e.lastPrice[ev.Symbol] = ev.Kline.Close
		e.cacheKline(ev.Symbol, *ev.Kline)
		if e.klineSweep {
			if err := e.sweep(ev.Symbol, ev.Kline.Close, ev.Kline.Volume, result); err != nil {
				return nil, err
			}
		}
	case feed.KindDepth:
		// Nothing to apply: the emulated external book is broadcast-only.
	}

	if len(result.Fills) > 0 {
		if err := e.ledger.Validate(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) sweep(symbol string, price, qty decimal.Decimal, result *MarketEventResult) error {
	book, ok := e.books[symbol]
	if !ok {
		return nil
	}
	mkt, err := e.markets.Get(symbol)
	if err != nil {
		return err
	}

	for _, m := range book.ApplyTrade(price, qty) {
		makerID, perr := strconv.ParseInt(m.MakerID, 10, 64)
		if perr != nil {
			return fmt.Errorf("corrupt book order id %q: %w", m.MakerID, perr)
		}
		maker := e.orders[makerID]
		tradeID := e.nextTradeID
		e.nextTradeID++

		fill, err := e.applyFill(maker, mkt, m.Qty, m.Price, true, -1, tradeID)
		if err != nil {
			return err
		}
		result.Fills = append(result.Fills, fill)
		result.Updated = append(result.Updated, *maker)
	}
	return nil
}

// applyFill settles one execution against the ledger and advances the
// order's lifecycle. Buy fills consume locked quote and receive base (fee
// on base); sell fills consume locked base and receive quote (fee on
// quote). A buy filling below its reservation rate refunds the
// difference; a market buy filling above it draws the shortfall from free
// quote, and a shortfall there aborts the run.
func (e *Engine) applyFill(o *Order, mkt *market.Market, qty, price decimal.Decimal, isMaker bool, counterID int64, tradeID int64) (Fill, error) {
	feeRate := mkt.TakerFeeRate
	if isMaker {
		feeRate = mkt.MakerFeeRate
	}
	quoteQty := qty.Mul(price)

	var commission decimal.Decimal
	var commissionAsset string
	if o.Side == orderbook.Buy {
		commission = qty.Mul(feeRate).RoundDown(commissionPlaces)
		commissionAsset = mkt.BaseAsset

		reserved := qty.Mul(o.reserveRate)
		if price.LessThanOrEqual(o.reserveRate) {
			if err := e.ledger.SettleFill(mkt.QuoteAsset, quoteQty, mkt.BaseAsset, qty, commission); err != nil {
				return Fill{}, err
			}
			if refund := reserved.Sub(quoteQty); refund.IsPositive() {
				if err := e.ledger.Release(mkt.QuoteAsset, refund); err != nil {
					return Fill{}, err
				}
			}
		} else {
			if err := e.ledger.SettleFill(mkt.QuoteAsset, reserved, mkt.BaseAsset, qty, commission); err != nil {
				return Fill{}, err
			}
			if err := e.ledger.DebitFree(mkt.QuoteAsset, quoteQty.Sub(reserved)); err != nil {
				// The admission check guarantees the debit clears; a failure
				// here means the fill is already half-applied.
				return Fill{}, &ledger.CorruptionError{
					Asset:  mkt.QuoteAsset,
					Detail: "slippage debit failed mid-fill: " + err.Error(),
				}
			}
		}
	} else {
		commission = quoteQty.Mul(feeRate).RoundDown(commissionPlaces)
		commissionAsset = mkt.QuoteAsset
		if err := e.ledger.SettleFill(mkt.BaseAsset, qty, mkt.QuoteAsset, quoteQty, commission); err != nil {
			return Fill{}, err
		}
	}

	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.CumQuote = o.CumQuote.Add(quoteQty)
	if o.Remaining().IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdateTime = e.clock.Now()

	f := Fill{
		TradeID:         tradeID,
		OrderID:         o.ID,
		CounterOrderID:  counterID,
		Symbol:          o.Symbol,
		Price:           price,
		Qty:             qty,
		QuoteQty:        quoteQty,
		Commission:      commission,
		CommissionAsset: commissionAsset,
		IsMaker:         isMaker,
		Time:            e.clock.Now(),
		Seq:             e.nextSeq(),
	}
	e.fills = append(e.fills, f)
	return f, nil
}

func (e *Engine) cacheKline(symbol string, k feed.Kline) {
	byInterval, ok := e.klines[symbol]
	if !ok {
		byInterval = make(map[string][]feed.Kline)
		e.klines[symbol] = byInterval
	}
	candles := append(byInterval[k.Interval], k)
	if len(candles) > maxCachedKlines {
		candles = candles[len(candles)-maxCachedKlines:]
	}
	byInterval[k.Interval] = candles
}

// Klines returns up to limit most recent cached candles, oldest first
func (e *Engine) Klines(symbol, interval string, limit int) []feed.Kline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	candles := e.klines[symbol][interval]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]feed.Kline, len(candles))
	copy(out, candles)
	return out
}

// LastPrice returns the reference price for a symbol
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrice[symbol]
	return p, ok
}

// Fills returns the run's full trade history in execution order
func (e *Engine) Fills() []Fill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fill, len(e.fills))
	copy(out, e.fills)
	return out
}
