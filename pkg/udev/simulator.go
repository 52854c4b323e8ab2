package udev

import (
	"sync"
	"time"
)

// SimSource is an in-memory event source for exercising wait logic without
// hardware. Events are enqueued explicitly, optionally after a delay, which
// is enough to replay boot/flash choreographies in tests and dry runs.
type SimSource struct {
	mu     sync.Mutex
	queue  []*Event
	wake   chan struct{}
	closed bool
}

// NewSimSource returns an empty simulated source.
func NewSimSource() *SimSource {
	return &SimSource{wake: make(chan struct{}, 1)}
}

// Enqueue appends an event to the pending queue.
func (s *SimSource) Enqueue(ev *Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// EnqueueAfter delivers the event once the delay elapsed, like a device
// reacting to a stimulus.
func (s *SimSource) EnqueueAfter(delay time.Duration, ev *Event) {
	time.AfterFunc(delay, func() { s.Enqueue(ev) })
}

// Receive implements Source.
func (s *SimSource) Receive(maxWait time.Duration) (*Event, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-deadline.C:
			return nil, nil
		}
	}
}

// Close implements Source.
func (s *SimSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called, for asserting cleanup.
func (s *SimSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
