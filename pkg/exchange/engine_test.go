package exchange

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/exchange/orderbook"
	"github.com/uhyunpark/spotsim/pkg/feed"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 { return c.t }

func newTestEngine(t *testing.T, klineSweep bool) (*Engine, *ledger.Ledger, *fakeClock) {
	t.Helper()
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	led := ledger.New()
	require.NoError(t, led.Deposit("USDT", d("100000")))
	require.NoError(t, led.Deposit("BTC", d("10")))

	clock := &fakeClock{t: 1000}
	return New(zap.NewNop().Sugar(), clock, reg, led, klineSweep), led, clock
}

func tradeEvent(price, qty string, ts int64) feed.Event {
	return feed.Event{
		Symbol: "BTCUSDT",
		Time:   ts,
		Kind:   feed.KindTrade,
		Trade:  &feed.Trade{ID: 1, Price: d(price), Qty: d(qty)},
	}
}

func TestLimitBuyRestsThenPrintFills(t *testing.T) {
	e, led, clock := newTestEngine(t, false)

	res, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000"),
		Qty:    d("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusNew, res.Order.Status)
	require.Empty(t, res.Fills)

	// Full limit value is locked
	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("95000")))
	require.True(t, usdt.Locked.Equal(d("5000")))

	// A print at 9990 hits the resting bid for 0.3, at the print price
	clock.t = 2000
	mres, err := e.OnMarketEvent(tradeEvent("9990", "0.3", 2000))
	require.NoError(t, err)
	require.Len(t, mres.Fills, 1)

	f := mres.Fills[0]
	require.True(t, f.Price.Equal(d("9990")))
	require.True(t, f.Qty.Equal(d("0.3")))
	require.True(t, f.IsMaker)
	require.Equal(t, int64(-1), f.CounterOrderID)
	require.Equal(t, "BTC", f.CommissionAsset)
	require.True(t, f.Commission.Equal(d("0.0003")))

	require.Len(t, mres.Updated, 1)
	require.Equal(t, StatusPartiallyFilled, mres.Updated[0].Status)
	require.True(t, mres.Updated[0].ExecutedQty.Equal(d("0.3")))

	// Spent 0.3*9990, refunded the 0.3*(10000-9990) price improvement
	usdt = led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("95003")))
	require.True(t, usdt.Locked.Equal(d("2000")))

	btc := led.Get("BTC")
	require.True(t, btc.Free.Equal(d("10.2997")))
}

func TestInsufficientBalanceCreatesNoOrder(t *testing.T) {
	e, led, _ := newTestEngine(t, false)

	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("50000"),
		Qty:    d("100"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// No order record, no reservation
	require.Empty(t, e.OpenOrders(""))
	_, err = e.GetOrder("BTCUSDT", 1, "")
	require.ErrorIs(t, err, ErrUnknownOrder)

	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("100000")))
	require.True(t, usdt.Locked.IsZero())
}

func TestSimulatedOrdersCross(t *testing.T) {
	e, led, _ := newTestEngine(t, false)

	sell, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Sell,
		Type:   orderbook.Limit,
		Price:  d("20000"),
		Qty:    d("1"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusNew, sell.Order.Status)

	buy, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("20000"),
		Qty:    d("1"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, buy.Order.Status)

	// One match, two account-side fills sharing a trade id
	require.Len(t, buy.Fills, 2)
	require.Equal(t, buy.Fills[0].TradeID, buy.Fills[1].TradeID)

	taker, maker := buy.Fills[0], buy.Fills[1]
	require.False(t, taker.IsMaker)
	require.Equal(t, buy.Order.ID, taker.OrderID)
	require.Equal(t, sell.Order.ID, taker.CounterOrderID)
	require.Equal(t, "BTC", taker.CommissionAsset)
	require.True(t, taker.Commission.Equal(d("0.001")))

	require.True(t, maker.IsMaker)
	require.Equal(t, sell.Order.ID, maker.OrderID)
	require.Equal(t, "USDT", maker.CommissionAsset)
	require.True(t, maker.Commission.Equal(d("20")))

	require.Len(t, buy.Makers, 1)
	require.Equal(t, StatusFilled, buy.Makers[0].Status)

	// Both legs settle against the one account
	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("99980")))
	require.True(t, usdt.Locked.IsZero())
	btc := led.Get("BTC")
	require.True(t, btc.Free.Equal(d("9.999")))
	require.True(t, btc.Locked.IsZero())

	// The cross set the reference price
	last, ok := e.LastPrice("BTCUSDT")
	require.True(t, ok)
	require.True(t, last.Equal(d("20000")))
}

func TestMarketBuyWithoutReferencePrice(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Market,
		Qty:    d("0.5"),
	})
	require.ErrorIs(t, err, ErrNoReferencePrice)
}

func TestMarketBuyResidualCanceled(t *testing.T) {
	e, led, _ := newTestEngine(t, false)

	// Establish a reference price; the empty book gives no liquidity
	_, err := e.OnMarketEvent(tradeEvent("10000", "1", 1500))
	require.NoError(t, err)

	res, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Market,
		Qty:    d("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, res.Order.Status)
	require.True(t, res.Order.ExecutedQty.IsZero())
	require.Empty(t, res.Fills)

	// Reservation fully released
	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("100000")))
	require.True(t, usdt.Locked.IsZero())
}

func TestMarketBuySlippageAboveReservation(t *testing.T) {
	e, led, _ := newTestEngine(t, false)

	// Own ask resting at 9000
	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Sell,
		Type:   orderbook.Limit,
		Price:  d("9000"),
		Qty:    d("1"),
	})
	require.NoError(t, err)

	// Reference price below the ask: print at 8000 sweeps nothing
	_, err = e.OnMarketEvent(tradeEvent("8000", "1", 1500))
	require.NoError(t, err)

	// Market buy reserves 0.5*8000 but fills at 9000; the shortfall
	// comes out of free quote
	res, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Market,
		Qty:    d("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, res.Order.Status)
	require.Len(t, res.Fills, 2)
	require.True(t, res.Fills[0].Price.Equal(d("9000")))

	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("99995.5")))
	require.True(t, usdt.Locked.IsZero())

	btc := led.Get("BTC")
	require.True(t, btc.Free.Equal(d("9.4995")))
	require.True(t, btc.Locked.Equal(d("0.5")))
}

func TestMarketBuySlippageBeyondFreeRejected(t *testing.T) {
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	led := ledger.New()
	require.NoError(t, led.Deposit("USDT", d("60")))
	require.NoError(t, led.Deposit("BTC", d("1")))

	e := New(zap.NewNop().Sugar(), &fakeClock{t: 1000}, reg, led, false)

	// Own ask resting at 100 locks the whole base balance
	sell, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Sell,
		Type:   orderbook.Limit,
		Price:  d("100"),
		Qty:    d("1"),
	})
	require.NoError(t, err)

	// Reference price far below the resting ask
	_, err = e.OnMarketEvent(tradeEvent("50", "1", 1500))
	require.NoError(t, err)

	// Reserves 1*50 but sweeping the ask would cost 100; free quote
	// cannot cover the excess, so the order is rejected whole.
	_, err = e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Market,
		Qty:    d("1"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Len(t, e.OpenOrders(""), 1)

	// Nothing half-applied: the maker never traded, the book still holds
	// it, and the ledger is untouched
	got, err := e.GetOrder("BTCUSDT", sell.Order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusNew, got.Status)
	require.True(t, got.ExecutedQty.IsZero())

	ask, ok := e.Book("BTCUSDT").BestAsk()
	require.True(t, ok)
	require.True(t, ask.Equal(d("100")))

	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("60")))
	require.True(t, usdt.Locked.IsZero())
	btc := led.Get("BTC")
	require.True(t, btc.Free.IsZero())
	require.True(t, btc.Locked.Equal(d("1")))

	// The maker is still cancelable
	canceled, err := e.CancelOrder("BTCUSDT", sell.Order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, canceled.Status)
	require.True(t, led.Get("BTC").Free.Equal(d("1")))
}

func TestCancelReleasesReservation(t *testing.T) {
	e, led, _ := newTestEngine(t, false)

	res, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol:        "BTCUSDT",
		Side:          orderbook.Buy,
		Type:          orderbook.Limit,
		Price:         d("10000"),
		Qty:           d("0.5"),
		ClientOrderID: "my-order",
	})
	require.NoError(t, err)

	// Cancel by client order id
	canceled, err := e.CancelOrder("BTCUSDT", 0, "my-order")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, canceled.Status)
	require.Equal(t, res.Order.ID, canceled.ID)

	usdt := led.Get("USDT")
	require.True(t, usdt.Free.Equal(d("100000")))
	require.True(t, usdt.Locked.IsZero())

	// Terminal orders cannot be canceled again
	_, err = e.CancelOrder("BTCUSDT", res.Order.ID, "")
	require.ErrorIs(t, err, ErrOrderClosed)

	_, err = e.CancelOrder("BTCUSDT", 999, "")
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestFilterRejections(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000.005"), // off tick
		Qty:    d("0.5"),
	})
	var filterErr *market.FilterError
	require.True(t, errors.As(err, &filterErr))
	require.Equal(t, "PRICE_FILTER", filterErr.Filter)

	_, err = e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000"),
		Qty:    decimal.Zero,
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = e.PlaceOrder(PlaceOrderCommand{
		Symbol: "DOGEUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("1"),
		Qty:    d("100"),
	})
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func klineEvent(close, volume string, ts int64) feed.Event {
	return feed.Event{
		Symbol: "BTCUSDT",
		Time:   ts,
		Kind:   feed.KindKline,
		Kline: &feed.Kline{
			Interval:  "1m",
			OpenTime:  ts - 60000,
			CloseTime: ts,
			Open:      d(close),
			High:      d(close),
			Low:       d(close),
			Close:     d(close),
			Volume:    d(volume),
		},
	}
}

func TestKlineUpdatesReferenceAndCache(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	// A crossable resting bid that must NOT fill with sweeps disabled
	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000"),
		Qty:    d("0.5"),
	})
	require.NoError(t, err)

	res, err := e.OnMarketEvent(klineEvent("9900", "3", 60000))
	require.NoError(t, err)
	require.Empty(t, res.Fills)

	last, ok := e.LastPrice("BTCUSDT")
	require.True(t, ok)
	require.True(t, last.Equal(d("9900")))

	candles := e.Klines("BTCUSDT", "1m", 0)
	require.Len(t, candles, 1)
	require.True(t, candles[0].Close.Equal(d("9900")))
}

func TestKlineSweepFillsAtClose(t *testing.T) {
	e, _, _ := newTestEngine(t, true)

	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000"),
		Qty:    d("2"),
	})
	require.NoError(t, err)

	// Close below the bid, volume bounds the fill
	res, err := e.OnMarketEvent(klineEvent("9900", "1.5", 60000))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	require.True(t, res.Fills[0].Price.Equal(d("9900")))
	require.True(t, res.Fills[0].Qty.Equal(d("1.5")))
}

func TestOpenOrdersSortedByID(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	for _, price := range []string{"9000", "9100", "9200"} {
		_, err := e.PlaceOrder(PlaceOrderCommand{
			Symbol: "BTCUSDT",
			Side:   orderbook.Buy,
			Type:   orderbook.Limit,
			Price:  d(price),
			Qty:    d("0.01"),
		})
		require.NoError(t, err)
	}

	open := e.OpenOrders("BTCUSDT")
	require.Len(t, open, 3)
	for i := 1; i < len(open); i++ {
		require.Greater(t, open[i].ID, open[i-1].ID)
	}

	require.Empty(t, e.OpenOrders("ETHUSDT"))
}

func TestFillsSequenceMonotonic(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	_, err := e.PlaceOrder(PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("10000"),
		Qty:    d("1"),
	})
	require.NoError(t, err)

	_, err = e.OnMarketEvent(tradeEvent("9990", "0.4", 2000))
	require.NoError(t, err)
	_, err = e.OnMarketEvent(tradeEvent("9980", "0.4", 3000))
	require.NoError(t, err)

	fills := e.Fills()
	require.Len(t, fills, 2)
	require.Greater(t, fills[1].Seq, fills[0].Seq)
	require.Greater(t, fills[1].TradeID, fills[0].TradeID)
}
