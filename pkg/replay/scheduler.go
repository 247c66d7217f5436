// Package replay drives a deterministic simulation run. The scheduler
// owns the clock and is the only writer to the engine: historical feed
// events and strategy commands are serialized onto one goroutine, so a
// rerun over the same feed with the same command sequence reproduces
// every fill, balance and log record exactly.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/feed"
)

// ErrStopped rejects commands submitted after the run has ended
var ErrStopped = errors.New("replay stopped")

// Recorder persists the run log. Fills and order transitions are appended
// in scheduler order; the snapshot is written once at run end.
type Recorder interface {
	RecordFill(f exchange.Fill) error
	RecordOrder(o exchange.Order) error
	RecordSnapshot(t int64) error
}

// Options tune a scheduler
type Options struct {
	// StepDelay is an optional wall-clock pause between historical events,
	// giving networked strategies time to react. Zero replays at full speed.
	StepDelay time.Duration
	// CommandBuffer sizes the strategy command queue
	CommandBuffer int
}

// command carries one strategy mutation, stamped with the simulation time
// at which it was submitted.
type command struct {
	stamp int64
	run   func()
}

// Scheduler interleaves the historical feed with strategy commands on a
// single goroutine. Historical events precede strategy commands carrying
// the same timestamp: a queued command runs only once every event stamped
// at or before its submission time has been applied.
type Scheduler struct {
	log    *zap.SugaredLogger
	clock  *SimClock
	engine *exchange.Engine
	src    feed.Iterator
	rec    Recorder

	opts Options
	cmds chan command
	hub  *hub

	// fatal is set by a command whose failure leaves the run in an
	// inconsistent state (ledger corruption, run-log write failure).
	// Scheduler goroutine only.
	fatal error

	stopped chan struct{}
}

// NewScheduler wires a scheduler over an engine and a merged feed.
// rec may be nil when no run log is wanted.
func NewScheduler(log *zap.SugaredLogger, clock *SimClock, engine *exchange.Engine, src feed.Iterator, rec Recorder, opts Options) *Scheduler {
	if opts.CommandBuffer < 1 {
		opts.CommandBuffer = 256
	}
	return &Scheduler{
		log:     log,
		clock:   clock,
		engine:  engine,
		src:     src,
		rec:     rec,
		opts:    opts,
		cmds:    make(chan command, opts.CommandBuffer),
		hub:     newHub(),
		stopped: make(chan struct{}),
	}
}

// Clock exposes the run clock for read-only use
func (s *Scheduler) Clock() *SimClock { return s.clock }

// Subscribe attaches a consumer to the update stream
func (s *Scheduler) Subscribe(buffer int, policy OverflowPolicy) *Subscription {
	return s.hub.subscribe(buffer, policy)
}

// Run replays the feed to exhaustion. It returns nil on a clean run, the
// context error on cancellation, and the underlying error when a feed,
// ledger, or run-log fault aborts the run. Every step is atomic: an abort
// never leaves a half-applied event behind.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.hub.closeAll()

	start := time.Now()
	var events, commands int

	var pending *feed.Event
	var held *command

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if pending == nil {
			ev, err := s.src.Next()
			if errors.Is(err, feed.ErrExhausted) {
				break
			}
			if err != nil {
				s.log.Errorw("feed_error", "err", err)
				return err
			}
			pending = &ev
		}

		// Events win timestamp ties: a queued command runs now only when
		// it was stamped strictly before the pending event.
		if held == nil {
			select {
			case cmd := <-s.cmds:
				held = &cmd
			default:
			}
		}
		if held != nil && held.stamp < pending.Time {
			held.run()
			held = nil
			commands++
			if s.fatal != nil {
				s.log.Errorw("run_aborted", "err", s.fatal)
				return s.fatal
			}
			continue
		}

		ev := *pending
		pending = nil
		s.clock.advance(ev.Time)
		res, err := s.engine.OnMarketEvent(ev)
		if err != nil {
			s.log.Errorw("event_apply_failed", "seq", ev.Seq, "err", err)
			return err
		}
		if err := s.record(res.Fills, res.Updated); err != nil {
			return err
		}

		s.hub.publish(Update{
			Time:   ev.Time,
			Event:  &ev,
			Fills:  res.Fills,
			Orders: res.Updated,
		})
		events++

		if s.opts.StepDelay > 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
	}

	// Feed exhausted: whatever is still queued runs against final state
	if held != nil {
		held.run()
		commands++
	}
	commands += s.drainCommands()
	if s.fatal != nil {
		s.log.Errorw("run_aborted", "err", s.fatal)
		return s.fatal
	}

	if s.rec != nil {
		if err := s.rec.RecordSnapshot(s.clock.Now()); err != nil {
			return err
		}
	}

	s.log.Infow("replay_finished",
		"events", events,
		"commands", commands,
		"sim_time", s.clock.Now(),
		"elapsed", time.Since(start).String(),
	)
	return nil
}

// pause sleeps StepDelay between events. Commands arriving meanwhile stay
// queued until the next event's timestamp is known, so the event-first
// tie-break holds even at replay pace.
func (s *Scheduler) pause(ctx context.Context) error {
	timer := time.NewTimer(s.opts.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) drainCommands() int {
	n := 0
	for s.fatal == nil {
		select {
		case cmd := <-s.cmds:
			cmd.run()
			n++
		default:
			return n
		}
	}
	return n
}

// submit hands fn to the scheduler goroutine and waits for it to run
func (s *Scheduler) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := command{
		stamp: s.clock.Now(),
		run: func() {
			fn()
			close(done)
		},
	}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		// The run ended with the command still queued
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isFatal reports whether a command error must abort the run
func isFatal(err error) bool {
	var corrupt *ledger.CorruptionError
	return errors.As(err, &corrupt)
}

// PlaceOrder executes an order placement on the scheduler goroutine, after
// every historical event stamped at or before the submission time.
func (s *Scheduler) PlaceOrder(ctx context.Context, cmd exchange.PlaceOrderCommand) (*exchange.PlaceResult, error) {
	var (
		res *exchange.PlaceResult
		err error
	)
	if serr := s.submit(ctx, func() {
		res, err = s.engine.PlaceOrder(cmd)
		if err != nil {
			if isFatal(err) {
				s.fatal = err
			}
			return
		}
		orders := append([]exchange.Order{res.Order}, res.Makers...)
		if rerr := s.record(res.Fills, orders); rerr != nil {
			err = rerr
			s.fatal = rerr
			return
		}
		s.hub.publish(Update{
			Time:   s.clock.Now(),
			Fills:  res.Fills,
			Orders: orders,
		})
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

// CancelOrder executes a cancel on the scheduler goroutine
func (s *Scheduler) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (exchange.Order, error) {
	var (
		o   exchange.Order
		err error
	)
	if serr := s.submit(ctx, func() {
		o, err = s.engine.CancelOrder(symbol, orderID, clientOrderID)
		if err != nil {
			if isFatal(err) {
				s.fatal = err
			}
			return
		}
		if rerr := s.record(nil, []exchange.Order{o}); rerr != nil {
			err = rerr
			s.fatal = rerr
			return
		}
		s.hub.publish(Update{
			Time:   s.clock.Now(),
			Orders: []exchange.Order{o},
		})
	}); serr != nil {
		return exchange.Order{}, serr
	}
	return o, err
}

// Deposit credits the account on the scheduler goroutine so balance
// changes stay ordered against fills.
func (s *Scheduler) Deposit(ctx context.Context, asset string, amount decimal.Decimal) error {
	var err error
	if serr := s.submit(ctx, func() {
		err = s.engine.Deposit(asset, amount)
		if isFatal(err) {
			s.fatal = err
		}
	}); serr != nil {
		return serr
	}
	return err
}

func (s *Scheduler) record(fills []exchange.Fill, orders []exchange.Order) error {
	if s.rec == nil {
		return nil
	}
	for _, f := range fills {
		if err := s.rec.RecordFill(f); err != nil {
			return err
		}
	}
	for _, o := range orders {
		if err := s.rec.RecordOrder(o); err != nil {
			return err
		}
	}
	return nil
}
