// Package events defines the orchestrator's outbound event stream.
package events

import (
	"sync"
	"time"
)

// Kind names an outbound event.
type Kind string

const (
	KindProgress    Kind = "progress"
	KindWarning     Kind = "warning"
	KindResult      Kind = "result"
	KindJobFinished Kind = "job_finished"
	KindAllFinished Kind = "all_finished"
	KindError       Kind = "error"
	KindServerReady Kind = "server_ready"
	KindChatReply   Kind = "chat_reply"
)

// Event is one message on the broadcast stream.
// Text carries progress/error/chat text, or the sanitized JSON for results.
type Event struct {
	Kind    Kind           `json:"kind"`
	Source  string         `json:"source,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Index   int            `json:"index"`
	Text    string         `json:"text,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher receives events. Implementations should be lightweight;
// Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfKind returns the recorded events of kind k, in publish order.
func (p *MemoryPublisher) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (p *MemoryPublisher) Count(k Kind) int { return len(p.OfKind(k)) }
