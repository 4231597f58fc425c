package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inferd/internal/inference"
)

// JobKind selects the prompt profile and result event of a job.
type JobKind int

const (
	KindFilter JobKind = iota
	KindAnalysis
	KindChat
)

func (k JobKind) String() string {
	switch k {
	case KindFilter:
		return "filter"
	case KindAnalysis:
		return "analysis"
	case KindChat:
		return "chat"
	}
	return "unknown"
}

// ParseJobKind parses "filter", "analysis" or "chat".
func ParseJobKind(s string) (JobKind, error) {
	switch s {
	case "filter":
		return KindFilter, nil
	case "analysis":
		return KindAnalysis, nil
	case "chat":
		return KindChat, nil
	}
	return 0, fmt.Errorf("%w: unknown job kind %q", ErrInvalidJob, s)
}

func (k JobKind) mode() inference.Mode {
	switch k {
	case KindFilter:
		return inference.ModeFilter
	case KindAnalysis:
		return inference.ModeAnalysis
	}
	return inference.ModeChat
}

// Job is an ordered unit of work. Requests hold one prompt per item, built at
// submission; the job is consumed item by item and dropped when empty.
type Job struct {
	ID       string
	Kind     JobKind
	Requests [][]inference.Message
	Context  map[string]any
	Debug    bool
	Created  time.Time
}

func newJob(kind JobKind, items []string, prompt string, debug bool, ctx map[string]any) *Job {
	reqs := make([][]inference.Message, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, inference.BuildMessages(kind.mode(), prompt, it))
	}
	return &Job{ID: uuid.NewString(), Kind: kind, Requests: reqs, Context: ctx, Debug: debug, Created: time.Now()}
}

func newChatJob(messages []inference.Message) *Job {
	flat := inference.FlattenMessages(messages)
	return &Job{
		ID:       uuid.NewString(),
		Kind:     KindChat,
		Requests: [][]inference.Message{{{Role: "user", Content: flat}}},
		Created:  time.Now(),
	}
}

// run is one job being drained by the worker goroutine.
type run struct {
	job    *Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}
