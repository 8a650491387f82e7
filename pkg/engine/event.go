package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of engine event.
type EventKind string

const (
	EventMessageAdded EventKind = "message_added"
	EventRequestStart EventKind = "request_start"
	EventRequestEnd   EventKind = "request_end"
	EventTruncated    EventKind = "truncated"
	EventError        EventKind = "error"
)

// Event is an immutable notification of engine activity. Data carries a
// message.Message for EventMessageAdded, the number of dropped turns for
// EventTruncated, and the error for EventError.
type Event struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time
	Data      any
}

// Subscription receives events from an EventBus.
type Subscription struct {
	C  <-chan Event
	ch chan Event

	kinds  map[EventKind]struct{} // nil means every kind.
	missed atomic.Int64
}

func (s *Subscription) wants(k EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Missed returns how many events were not delivered because the buffer was
// full.
func (s *Subscription) Missed() int64 { return s.missed.Load() }

// Drain returns the events already buffered without blocking.
func (s *Subscription) Drain() []Event {
	var out []Event
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

// EventBus fans out events to subscribers. It is safe for concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe creates a subscription with the given buffer size that receives
// the listed kinds, or every kind when none are given. Callers read from
// sub.C and eventually call Unsubscribe.
func (b *EventBus) Subscribe(bufSize int, kinds ...EventKind) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers e to every interested subscriber whose buffer has room.
// Publish never blocks.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.missed.Add(1)
		}
	}
}
