package stream

import (
	"context"
	"sync"

	"harborbank.org/internal/transfer"
)

var _ transfer.Publisher = (*Stream)(nil)

type subscriber struct {
	ownerID string
	ch      chan transfer.Event
}

// Stream fan-outs transfer lifecycle events to the subscribers of the owning user.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for ownerID's events. The channel is closed when
// the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, ownerID string) <-chan transfer.Event {
	ch := make(chan transfer.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ownerID: ownerID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers the event to its owner's subscribers.
func (s *Stream) Publish(evt transfer.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ownerID != evt.OwnerID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
