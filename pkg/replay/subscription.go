package replay

import (
	"sync"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/feed"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full
type OverflowPolicy int8

const (
	// Block stalls the scheduler until the subscriber drains. Exact but
	// couples replay speed to the slowest consumer.
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest buffered update to make room. The
	// stream loses data but the replay never stalls.
	DropOldest
)

// Update is one scheduler step's observable output: the historical event
// that drove it (nil for strategy commands) plus every fill and order
// transition it caused.
type Update struct {
	Time   int64
	Event  *feed.Event
	Fills  []exchange.Fill
	Orders []exchange.Order
}

// Subscription is one consumer's buffered view of the update stream.
// The channel is closed when the run ends; a consumer that leaves early
// calls Close and simply stops reading.
type Subscription struct {
	ch     chan Update
	done   chan struct{}
	policy OverflowPolicy
	hub    *hub

	closeOnce sync.Once
}

// C is the receive side of the subscription
func (s *Subscription) C() <-chan Update { return s.ch }

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// hub fans scheduler updates out to subscribers. publish and closeAll are
// called only from the scheduler goroutine, so a closed channel can never
// race a send.
type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe(buffer int, policy OverflowPolicy) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		ch:     make(chan Update, buffer),
		done:   make(chan struct{}),
		policy: policy,
		hub:    h,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		switch s.policy {
		case Block:
			select {
			case s.ch <- u:
			case <-s.done:
			}
		case DropOldest:
			for {
				select {
				case s.ch <- u:
				case <-s.done:
				default:
					select {
					case <-s.ch:
					default:
					}
					continue
				}
				break
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
}
