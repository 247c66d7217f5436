package feed

// Merge combines several time-ordered sources into one total order by
// (Time, source position), assigning each emitted event its global
// sequence number. Ties across sources break on the order the sources
// were passed in, which makes the merged stream a pure function of its
// inputs. A source that goes backwards in time is a fatal data error.
func Merge(sources ...Iterator) Iterator {
	m := &merged{sources: make([]mergedSource, len(sources))}
	for i, s := range sources {
		m.sources[i] = mergedSource{it: s}
	}
	return m
}

// positioned exposes a source's identity and read position for error
// context. The CSV readers and FileSource implement it; sources that do
// not fall back to symbol-only errors.
type positioned interface {
	Name() string
	Line() int
}

type mergedSource struct {
	it      Iterator
	head    Event
	hasHead bool
	done    bool
	lastTS  int64
	started bool
}

type merged struct {
	sources []mergedSource
	seq     uint64
	failed  error
}

func (m *merged) Next() (Event, error) {
	if m.failed != nil {
		return Event{}, m.failed
	}

	// Refill peek buffers
	for i := range m.sources {
		s := &m.sources[i]
		if s.done || s.hasHead {
			continue
		}
		ev, err := s.it.Next()
		if err == ErrExhausted {
			s.done = true
			continue
		}
		if err != nil {
			m.failed = err
			return Event{}, err
		}
		if s.started && ev.Time < s.lastTS {
			src, line := ev.Symbol, 0
			if p, ok := s.it.(positioned); ok {
				src, line = p.Name(), p.Line()
			}
			m.failed = &DataError{
				Source: src,
				Line:   line,
				Reason: "events out of order: " + ev.Kind.String() + " went backwards in time",
			}
			return Event{}, m.failed
		}
		s.head = ev
		s.hasHead = true
		s.started = true
		s.lastTS = ev.Time
	}

	// Pick the earliest head; source order breaks timestamp ties
	best := -1
	for i := range m.sources {
		s := &m.sources[i]
		if !s.hasHead {
			continue
		}
		if best == -1 || s.head.Time < m.sources[best].head.Time {
			best = i
		}
	}
	if best == -1 {
		return Event{}, ErrExhausted
	}

	s := &m.sources[best]
	ev := s.head
	s.hasHead = false
	ev.Seq = m.seq
	m.seq++
	return ev, nil
}

// Slice wraps a fixed event slice as an Iterator. Used by tests and by
// callers that pre-build small synthetic feeds.
type Slice struct {
	events []Event
	pos    int
}

func NewSlice(events []Event) *Slice {
	return &Slice{events: events}
}

func (s *Slice) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, ErrExhausted
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}
