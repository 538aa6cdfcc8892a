package registry

import (
	"sync"

	"github.com/meridianmesh/discovery/internal/types"
)

// EventKind discriminates RegistryEvent.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventHealthChanged
	EventMetadataChanged
	// EventGap is a sentinel delivered instead of dropped events when a
	// subscriber falls behind by more than subscriber_lag_max (§5).
	EventGap
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "Added"
	case EventRemoved:
		return "Removed"
	case EventHealthChanged:
		return "HealthChanged"
	case EventMetadataChanged:
		return "MetadataChanged"
	case EventGap:
		return "Gap"
	default:
		return "Unknown"
	}
}

// Event is one registry change notification. Events for a given instance
// are delivered in Version order (G1); there is no ordering guarantee
// across instances or services.
type Event struct {
	Kind       EventKind
	ServiceID  string
	InstanceID string
	Instance   types.Instance // zero value for EventGap
	Version    uint64
}

// defaultSubscriberBuffer bounds per-subscriber backlog before the lag
// policy kicks in and starts dropping the oldest events in favor of a Gap
// marker (§5 "subscribe() streams backpressure").
const defaultSubscriberBuffer = 256

// subscription is one subscriber's channel plus the bookkeeping needed to
// drop-oldest-and-mark-gap instead of blocking the publisher or growing
// without bound.
type subscription struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscription() *subscription {
	return &subscription{ch: make(chan Event, defaultSubscriberBuffer)}
}

// deliver attempts a non-blocking send; on a full channel it drops the
// oldest queued events to make room for a Gap marker followed by ev, instead
// of blocking the Registry's mutation path (Registry snapshot/mutation must
// not suspend).
func (s *subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Channel full: drop the oldest event, signal the gap, then enqueue.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Event{Kind: EventGap}:
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// The Gap marker took the freed slot; drop one more queued event
		// so ev itself is still enqueued.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
