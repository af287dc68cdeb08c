package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one unit delivered to a subscriber: a content fragment, or the
// terminal completion signal.
type Event struct {
	Text string
	Done bool
	Err  error
}

// Subscriber is one attached consumer of an in-flight generation. Events
// arrive on C in generation order; after an Event with Done set the channel
// is closed.
type Subscriber struct {
	ID  string
	C   <-chan Event
	ctx context.Context

	ch          chan Event
	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newSubscriber(ctx context.Context, bufferSize int, sendTimeout time.Duration) *Subscriber {
	ch := make(chan Event, bufferSize)
	return &Subscriber{
		ID:          uuid.New().String(),
		C:           ch,
		ctx:         ctx,
		ch:          ch,
		sendTimeout: sendTimeout,
	}
}

// send delivers an event without blocking generation ingestion indefinitely.
// A subscriber that cannot drain within the send timeout loses the event;
// its replay on reconnect recovers the full text.
func (s *Subscriber) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- event:
		return true
	case <-s.ctx.Done():
		return false
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
		return true
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// sendReplay queues the accumulated snapshot. It is only called on a freshly
// created subscriber whose buffer is empty, so the send cannot block.
func (s *Subscriber) sendReplay(text string) {
	if text == "" {
		return
	}
	s.ch <- Event{Text: text}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
