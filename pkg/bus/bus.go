// Package bus is the notification channel between the hive core and its
// collaborators (wave orchestrator, workflow engine, transport layer).
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted, so a slow consumer can never
// stall an event handler.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event category.
type Kind string

// Supervisor event kinds.
const (
	KindReady     Kind = "ready"
	KindOutput    Kind = "output"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindExit      Kind = "exit"
	KindUnhealthy Kind = "unhealthy"
	KindRestart   Kind = "restart"
)

// Admission controller event kinds.
const (
	KindQueued    Kind = "queued"
	KindCompleted Kind = "completed"
	KindRejected  Kind = "rejected"
	KindLimitSoft Kind = "limit:soft"
	KindLimitHard Kind = "limit:hard"
)

// Event is one notification occurrence. Delivery is at-most-once per
// subscriber.
type Event struct {
	Kind     Kind
	WorkerID string
	Handle   string
	Payload  any
	Time     time.Time
}

// defaultBuffer is the per-subscription channel capacity.
const defaultBuffer = 64

// Subscription is a registered consumer. Receive from C; call Close when done.
type Subscription struct {
	C     chan Event
	kinds map[Kind]struct{} // nil means all kinds
	bus   *Bus
	once  sync.Once
}

// Close unregisters the subscription and closes its channel. Removing the
// entry under the bus lock first guarantees no publish is mid-send when the
// channel closes.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.C)
	})
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer for the given kinds. With no kinds the
// subscription receives every event.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	return b.SubscribeBuffered(defaultBuffer, kinds...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{C: make(chan Event, buffer), bus: b}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every interested subscriber without blocking.
// Events for full subscriber buffers are dropped and counted. Sends happen
// under the bus lock: a subscription removed by Close is never sent to
// again, so its channel can be closed safely.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.C <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped due to backpressure.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
