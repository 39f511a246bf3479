package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for a single emitted event. Events are created
// per emit call and are never persisted as-is; the event log stores a
// projection (see the eventlog package).
//
// Name uses "namespace:action" form, e.g. "agent:spawn" or
// "monitor:query". Data carries the payload as an untyped map because
// the handler set is extensible at runtime; consumers decode narrower
// typed structs per event name where they need structure.
type Event struct {
	Name          string         `json:"event_name"`
	Data          map[string]any `json:"data"`
	Context       map[string]any `json:"context,omitempty"`
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	RootEventID   string         `json:"root_event_id,omitempty"`
	Depth         int            `json:"depth"`
	Timestamp     time.Time      `json:"timestamp"`
	ClientID      string         `json:"client_id,omitempty"`

	// ParentCorrelationID is the correlation ID of the causing event.
	// Traces are keyed by correlation ID, so this — not ParentEventID —
	// is what links a child trace to its parent.
	ParentCorrelationID string `json:"parent_correlation_id,omitempty"`
}

// Namespace returns the part of the event name before the first colon,
// or the whole name if there is no colon.
func (e *Event) Namespace() string {
	if idx := strings.Index(e.Name, ":"); idx >= 0 {
		return e.Name[:idx]
	}
	return e.Name
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.EventID = id
	}
}

// WithCorrelationID sets the correlation ID shared by a causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithClientID records which client emitted the event.
func WithClientID(id string) Option {
	return func(e *Event) {
		e.ClientID = id
	}
}

// WithContext attaches caller-supplied context metadata.
func WithContext(ctx map[string]any) Option {
	return func(e *Event) {
		e.Context = ctx
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// New creates a new root event. If no correlation ID is supplied the
// event ID doubles as the correlation ID, making this event the root of
// a new causal chain.
func New(name string, data map[string]any, opts ...Option) *Event {
	e := &Event{
		Name:      name,
		Data:      data,
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.EventID
	}
	if e.RootEventID == "" {
		e.RootEventID = e.EventID
	}
	return e
}

// NewFromParent creates an event caused by parent. It inherits the
// parent's root event ID and client ID, records the parent's event ID
// as the causal parent and the parent's correlation ID as the trace
// parent, and increments depth.
func NewFromParent(parent *Event, name string, data map[string]any, opts ...Option) *Event {
	e := New(name, data, opts...)
	e.ParentEventID = parent.EventID
	e.ParentCorrelationID = parent.CorrelationID
	e.RootEventID = parent.RootEventID
	e.Depth = parent.Depth + 1
	if e.ClientID == "" {
		e.ClientID = parent.ClientID
	}
	return e
}

// Handler processes a single event and optionally returns a response.
// A nil response means the handler chose not to respond; the dispatcher
// omits nil responses from aggregation.
type Handler interface {
	Handle(ctx context.Context, evt *Event) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *Event) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) (any, error) {
	return f(ctx, evt)
}

// Error represents an error during event processing.
type Error struct {
	EventName string // event being processed
	Handler   string // handler that failed, if known
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", e.EventName, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.EventName, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
