package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between components.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// has a buffered channel, and a full one loses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose Type is in types,
	// or every event when types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Stats describes a bus built by New.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

const defaultBuffer = 16

// New returns an in-memory bus. It starts no goroutines.
func New() Bus { return &memBus{} }

type sub struct {
	ch    chan Event
	types []string
}

func (s *sub) accepts(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	// mu is read-held for the whole fanout so a subscriber cannot be closed
	// mid-send; sends never block, so the hold is short.
	mu   sync.RWMutex
	subs []*sub

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.accepts(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &sub{ch: make(chan Event, buffer), types: slices.Clone(types)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(x *sub) bool { return x == s })
		b.mu.Unlock()
		close(s.ch)
	})
}

// StatsOf reports delivery counters. Buses not built by New report zero.
func StatsOf(b Bus) Stats {
	mb, ok := b.(*memBus)
	if !ok {
		return Stats{}
	}
	mb.mu.RLock()
	n := len(mb.subs)
	mb.mu.RUnlock()
	return Stats{Subscribers: n, Delivered: mb.delivered.Load(), Dropped: mb.dropped.Load()}
}
