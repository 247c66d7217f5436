package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/exchange/orderbook"
	"github.com/uhyunpark/spotsim/pkg/feed"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testFeedEvents(n int, start int64) []feed.Event {
	events := make([]feed.Event, n)
	for i := range events {
		events[i] = feed.Event{
			Symbol: "BTCUSDT",
			Time:   start + int64(i)*1000,
			Seq:    uint64(i),
			Kind:   feed.KindTrade,
			Trade:  &feed.Trade{ID: int64(i), Price: d("10000"), Qty: d("1")},
		}
	}
	return events
}

func newTestScheduler(t *testing.T, events []feed.Event) (*Scheduler, *exchange.Engine, *ledger.Ledger) {
	t.Helper()
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	led := ledger.New()
	require.NoError(t, led.Deposit("USDT", d("100000")))
	require.NoError(t, led.Deposit("BTC", d("10")))

	clock := NewSimClock(0)
	eng := exchange.New(zap.NewNop().Sugar(), clock, reg, led, false)
	sched := NewScheduler(zap.NewNop().Sugar(), clock, eng, feed.NewSlice(events), nil, Options{})
	return sched, eng, led
}

func TestRunAdvancesClockAndPublishes(t *testing.T) {
	events := testFeedEvents(5, 1000)
	sched, _, _ := newTestScheduler(t, events)

	sub := sched.Subscribe(16, Block)
	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	var got []Update
	for u := range sub.C() {
		got = append(got, u)
	}
	require.NoError(t, <-done)

	require.Len(t, got, 5)
	for i, u := range got {
		require.NotNil(t, u.Event)
		require.Equal(t, events[i].Time, u.Time)
	}
	require.Equal(t, int64(5000), sched.Clock().Now())
}

func TestCommandsRejectedAfterRun(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testFeedEvents(1, 1000))
	require.NoError(t, sched.Run(context.Background()))

	_, err := sched.PlaceOrder(context.Background(), exchange.PlaceOrderCommand{
		Symbol: "BTCUSDT",
		Side:   orderbook.Buy,
		Type:   orderbook.Limit,
		Price:  d("9000"),
		Qty:    d("0.01"),
	})
	require.ErrorIs(t, err, ErrStopped)

	err = sched.Deposit(context.Background(), "USDT", d("1"))
	require.ErrorIs(t, err, ErrStopped)
}

func TestCommandExecutesAtStepBoundary(t *testing.T) {
	sched, _, led := newTestScheduler(t, testFeedEvents(50, 1000))

	type placed struct {
		res *exchange.PlaceResult
		err error
	}
	resCh := make(chan placed, 1)
	go func() {
		res, err := sched.PlaceOrder(context.Background(), exchange.PlaceOrderCommand{
			Symbol: "BTCUSDT",
			Side:   orderbook.Buy,
			Type:   orderbook.Limit,
			Price:  d("9000"),
			Qty:    d("0.01"),
		})
		resCh <- placed{res: res, err: err}
	}()
	// Let the command reach the queue before the run starts
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sched.Run(context.Background()))

	got := <-resCh
	require.NoError(t, got.err)
	require.Equal(t, exchange.StatusNew, got.res.Order.Status)
	require.True(t, led.Get("USDT").Locked.Equal(d("90")))
}

func TestEventsPrecedeSameTimestampCommands(t *testing.T) {
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	led := ledger.New()
	require.NoError(t, led.Deposit("USDT", d("100000")))

	// Clock already at the prints' timestamp, so the queued command ties
	// with both of them
	clock := NewSimClock(1000)
	eng := exchange.New(zap.NewNop().Sugar(), clock, reg, led, false)
	events := []feed.Event{
		{Symbol: "BTCUSDT", Time: 1000, Kind: feed.KindTrade, Trade: &feed.Trade{ID: 1, Price: d("95"), Qty: d("1")}},
		{Symbol: "BTCUSDT", Time: 1000, Kind: feed.KindTrade, Trade: &feed.Trade{ID: 2, Price: d("95"), Qty: d("1")}},
	}
	sched := NewScheduler(zap.NewNop().Sugar(), clock, eng, feed.NewSlice(events), nil, Options{})

	type placed struct {
		res *exchange.PlaceResult
		err error
	}
	resCh := make(chan placed, 1)
	go func() {
		res, err := sched.PlaceOrder(context.Background(), exchange.PlaceOrderCommand{
			Symbol: "BTCUSDT",
			Side:   orderbook.Buy,
			Type:   orderbook.Limit,
			Price:  d("95"),
			Qty:    d("1"),
		})
		resCh <- placed{res: res, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sched.Run(context.Background()))

	// Both prints applied before the tied command, so the bid was not yet
	// resting when they swept and it must still be open, unfilled
	got := <-resCh
	require.NoError(t, got.err)
	require.Equal(t, exchange.StatusNew, got.res.Order.Status)
	require.True(t, got.res.Order.ExecutedQty.IsZero())
	require.Empty(t, eng.Fills())
}

type failingRecorder struct{ err error }

func (r *failingRecorder) RecordFill(exchange.Fill) error   { return nil }
func (r *failingRecorder) RecordOrder(exchange.Order) error { return r.err }
func (r *failingRecorder) RecordSnapshot(int64) error       { return nil }

func TestCommandRecordFailureAbortsRun(t *testing.T) {
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	led := ledger.New()
	require.NoError(t, led.Deposit("USDT", d("100000")))

	clock := NewSimClock(0)
	eng := exchange.New(zap.NewNop().Sugar(), clock, reg, led, false)
	recErr := errors.New("run log write failed")
	sched := NewScheduler(zap.NewNop().Sugar(), clock, eng, feed.NewSlice(testFeedEvents(5, 1000)), &failingRecorder{err: recErr}, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := sched.PlaceOrder(context.Background(), exchange.PlaceOrderCommand{
			Symbol: "BTCUSDT",
			Side:   orderbook.Buy,
			Type:   orderbook.Limit,
			Price:  d("9000"),
			Qty:    d("0.01"),
		})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// A command whose transition cannot be persisted poisons the run
	require.ErrorIs(t, sched.Run(context.Background()), recErr)
	require.ErrorIs(t, <-errCh, recErr)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched, _, _ := newTestScheduler(t, testFeedEvents(10, 1000))
	err := sched.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []exchange.Fill {
		sched, eng, _ := newTestScheduler(t, testFeedEvents(20, 1000))

		resCh := make(chan error, 1)
		go func() {
			// Resting bid above the print price gets swept by the feed
			_, err := sched.PlaceOrder(context.Background(), exchange.PlaceOrderCommand{
				Symbol: "BTCUSDT",
				Side:   orderbook.Buy,
				Type:   orderbook.Limit,
				Price:  d("10000.01"),
				Qty:    d("0.5"),
			})
			resCh <- err
		}()
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, sched.Run(context.Background()))
		require.NoError(t, <-resCh)
		return eng.Fills()
	}

	first := run()
	second := run()
	require.NotEmpty(t, first)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].TradeID, second[i].TradeID)
		require.Equal(t, first[i].Seq, second[i].Seq)
		require.Equal(t, first[i].Time, second[i].Time)
		require.True(t, first[i].Price.Equal(second[i].Price))
		require.True(t, first[i].Qty.Equal(second[i].Qty))
	}
}

func TestSimClockMonotonic(t *testing.T) {
	c := NewSimClock(100)
	require.Equal(t, int64(100), c.Now())

	c.advance(200)
	require.Equal(t, int64(200), c.Now())

	// Never regresses
	c.advance(50)
	require.Equal(t, int64(200), c.Now())
}

func TestSubscriptionDropOldest(t *testing.T) {
	h := newHub()
	sub := h.subscribe(2, DropOldest)

	for i := 0; i < 5; i++ {
		h.publish(Update{Time: int64(i)})
	}

	// Only the newest two remain
	u := <-sub.ch
	require.Equal(t, int64(3), u.Time)
	u = <-sub.ch
	require.Equal(t, int64(4), u.Time)
	sub.Close()
}
