// Package memory contains an in-memory event sink for tests.
package memory

import (
	"context"
	"sync"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Publisher records published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event captures one publish call.
type Event struct {
	JobID   string
	Kind    crawl.EventKind
	Payload map[string]any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, jobID string, kind crawl.EventKind, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{JobID: jobID, Kind: kind, Payload: payload})
	return nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByKind returns recorded events of one kind.
func (p *Publisher) ByKind(kind crawl.EventKind) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
