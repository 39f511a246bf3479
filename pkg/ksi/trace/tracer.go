// Package trace maintains correlation traces for causal reconstruction
// across chains of asynchronously triggered events.
//
// Each emit creates one trace keyed by its correlation ID and completes
// it exactly once. Traces link to their parent, so Chain walks root to
// leaf and Tree reconstructs the full causal fan-out. Payloads are
// sanitized before storage (see Sanitize).
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trace is a single correlation record. A trace is created when its
// event is dispatched and mutated once at completion; it is removed
// only by age-based cleanup.
type Trace struct {
	CorrelationID string         `json:"correlation_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	EventName     string         `json:"event_name"`
	CreatedAt     time.Time      `json:"created_at"`
	Data          map[string]any `json:"data,omitempty"`
	Children      []string       `json:"children,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// clone returns a shallow copy with its own children slice, so callers
// cannot mutate tracer state through returned traces.
func (t *Trace) clone() *Trace {
	cp := *t
	cp.Children = append([]string(nil), t.Children...)
	return &cp
}

// Node is a trace with its children resolved recursively, as returned
// by Tree.
type Node struct {
	Trace    *Trace  `json:"trace"`
	Children []*Node `json:"children,omitempty"`
}

// Tracer owns the process-wide trace map. Construct one at startup and
// inject it into the dispatcher; there is no package-level singleton.
type Tracer struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	logger *slog.Logger
}

// NewTracer creates an empty tracer.
func NewTracer() *Tracer {
	return &Tracer{
		traces: make(map[string]*Trace),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the tracer.
func (tr *Tracer) WithLogger(logger *slog.Logger) *Tracer {
	tr.logger = logger
	return tr
}

// Start creates a trace for an event dispatch and returns its
// correlation ID (generated when correlationID is empty). The payload
// is sanitized before storage. If parentID names a live trace, the new
// trace is linked as its child; an unknown parent is dropped so that
// parent links always terminate.
func (tr *Tracer) Start(eventName string, data map[string]any, correlationID, parentID string) string {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	sanitized, _ := Sanitize(data).(map[string]any)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if parentID != "" {
		parent, ok := tr.traces[parentID]
		if !ok {
			tr.logger.Warn("trace parent not found, recording as root",
				"correlation_id", correlationID,
				"parent_id", parentID,
			)
			parentID = ""
		} else {
			parent.Children = append(parent.Children, correlationID)
		}
	}

	tr.traces[correlationID] = &Trace{
		CorrelationID: correlationID,
		ParentID:      parentID,
		EventName:     eventName,
		CreatedAt:     time.Now(),
		Data:          sanitized,
	}

	return correlationID
}

// Complete marks a trace as finished with an optional result and error.
// Completing an unknown correlation ID is a warn-level no-op: traces
// may legitimately be evicted by Cleanup before completion under load.
func (tr *Tracer) Complete(correlationID string, result any, errMsg string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.traces[correlationID]
	if !ok {
		tr.logger.Warn("complete on unknown trace", "correlation_id", correlationID)
		return false
	}

	now := time.Now()
	t.CompletedAt = &now
	t.Result = Sanitize(result)
	t.Error = errMsg
	return true
}

// Get returns a copy of a single trace.
func (tr *Tracer) Get(correlationID string) (*Trace, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	t, ok := tr.traces[correlationID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Chain returns the causal chain ending at correlationID, ordered root
// to leaf. Unknown IDs return nil.
func (tr *Tracer) Chain(correlationID string) []*Trace {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	var reversed []*Trace
	id := correlationID
	for id != "" {
		t, ok := tr.traces[id]
		if !ok {
			break
		}
		reversed = append(reversed, t.clone())
		id = t.ParentID
	}

	chain := make([]*Trace, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain
}

// Tree returns the causal tree rooted at correlationID, resolving
// children recursively. Unknown IDs return nil.
func (tr *Tracer) Tree(correlationID string) *Node {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.buildNode(correlationID)
}

func (tr *Tracer) buildNode(id string) *Node {
	t, ok := tr.traces[id]
	if !ok {
		return nil
	}
	node := &Node{Trace: t.clone()}
	for _, childID := range t.Children {
		if child := tr.buildNode(childID); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// Len returns the number of live traces.
func (tr *Tracer) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.traces)
}

// Cleanup removes traces older than maxAge and returns how many were
// removed. Traces are not reference-counted; age is the only eviction
// criterion.
func (tr *Tracer) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	removed := 0
	for id, t := range tr.traces {
		if t.CreatedAt.Before(cutoff) {
			delete(tr.traces, id)
			removed++
		}
	}

	if removed > 0 {
		tr.logger.Debug("trace cleanup", "removed", removed, "remaining", len(tr.traces))
	}
	return removed
}

// Run periodically invokes Cleanup until ctx is done. Interval controls
// the sweep cadence; maxAge is passed through to Cleanup.
func (tr *Tracer) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.Cleanup(maxAge)
		}
	}
}
