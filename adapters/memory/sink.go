package memory

import (
	"context"
	"sync"

	"github.com/artpar/meterd/ports"
)

// Sink is an in-memory implementation of ports.Sink. It can be told to fail
// so exporter retry behavior is testable.
type Sink struct {
	mu      sync.Mutex
	batches [][]ports.StatEvent
	failErr error
}

// NewSink creates an accepting sink.
func NewSink() *Sink {
	return &Sink{}
}

// FailWith makes every subsequent Send fail with err; nil restores acks.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Send acks or fails the whole batch.
func (s *Sink) Send(ctx context.Context, events []ports.StatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	batch := make([]ports.StatEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

// Batches returns every accepted batch.
func (s *Sink) Batches() [][]ports.StatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]ports.StatEvent, len(s.batches))
	copy(out, s.batches)
	return out
}

// Events returns all accepted events flattened.
func (s *Sink) Events() []ports.StatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.StatEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// Ensure interface compliance.
var _ ports.Sink = (*Sink)(nil)

// Notifier is an in-memory implementation of ports.Notifier recording
// messages for assertions.
type Notifier struct {
	mu   sync.Mutex
	msgs []string
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Notify records the message. Never fails, never blocks on consumers.
func (n *Notifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

// Messages returns everything notified so far.
func (n *Notifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.msgs))
	copy(out, n.msgs)
	return out
}

// Ensure interface compliance.
var _ ports.Notifier = (*Notifier)(nil)
