package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durapensa/ksi-sub004/pkg/ksi/audit"
	ksierrors "github.com/durapensa/ksi-sub004/pkg/ksi/errors"
	"github.com/durapensa/ksi-sub004/pkg/ksi/event"
	"github.com/durapensa/ksi-sub004/pkg/ksi/eventlog"
	"github.com/durapensa/ksi-sub004/pkg/ksi/expr"
	"github.com/durapensa/ksi-sub004/pkg/ksi/observability"
	"github.com/durapensa/ksi-sub004/pkg/ksi/routing"
	"github.com/durapensa/ksi-sub004/pkg/ksi/trace"
)

// Config configures the dispatcher.
type Config struct {
	// MaxDepth bounds routing cascades. An event whose depth exceeds
	// this is rejected before any handler runs. Default: 10.
	MaxDepth int

	// RequestTimeout is the deadline applied when Request is called
	// with a non-positive timeout. Default: 30s.
	RequestTimeout time.Duration

	// Logger for dispatch diagnostics.
	Logger *slog.Logger

	// Metrics records dispatch counters. Default: NoopMetrics.
	Metrics observability.MetricsRecorder

	// Spans manages dispatch trace spans. Default: NoopSpanManager.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxDepth:       10,
	RequestTimeout: 30 * time.Second,
}

// registration is one named handler bound to an event name.
type registration struct {
	name    string
	handler event.Handler
}

// Dispatcher routes emitted events to handlers and through the live
// routing rules. Handlers for an event run sequentially in registration
// order; routed cascades recurse through the dispatcher with the parent
// event's lineage.
type Dispatcher struct {
	cfg    Config
	tracer *trace.Tracer
	log    *eventlog.Log
	bridge *routing.Bridge
	trail  *audit.Trail

	mu       sync.RWMutex
	handlers map[string][]registration

	pendingMu sync.Mutex
	pending   map[string]chan any

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// NewDispatcher creates a dispatcher wired to the correlation tracer,
// the event log, the transformer bridge, and the audit trail. Any of
// tracer, log, bridge, or trail may be nil to disable that concern.
func NewDispatcher(cfg Config, tracer *trace.Tracer, log *eventlog.Log, bridge *routing.Bridge, trail *audit.Trail) *Dispatcher {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig.MaxDepth
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Dispatcher{
		cfg:      cfg,
		tracer:   tracer,
		log:      log,
		bridge:   bridge,
		trail:    trail,
		handlers: make(map[string][]registration),
		pending:  make(map[string]chan any),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		spans:    cfg.Spans,
	}
}

// RegisterHandler binds a named handler to an event name. Multiple
// handlers may bind the same event; they run in registration order.
// Re-registering the same handler name for an event replaces it in
// place.
func (d *Dispatcher) RegisterHandler(eventName, handlerName string, h event.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventName]
	for i, r := range regs {
		if r.name == handlerName {
			regs[i].handler = h
			return
		}
	}
	d.handlers[eventName] = append(regs, registration{name: handlerName, handler: h})
	d.logger.Debug("handler registered", "event_name", eventName, "handler", handlerName)
}

// UnregisterHandler removes a named handler from an event name. It
// reports whether the handler was registered.
func (d *Dispatcher) UnregisterHandler(eventName, handlerName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventName]
	for i, r := range regs {
		if r.name == handlerName {
			d.handlers[eventName] = append(regs[:i], regs[i+1:]...)
			if len(d.handlers[eventName]) == 0 {
				delete(d.handlers, eventName)
			}
			return true
		}
	}
	return false
}

// Handlers returns the handler names registered for an event name, in
// registration order.
func (d *Dispatcher) Handlers(eventName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	regs := d.handlers[eventName]
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.name
	}
	return out
}

// Emit creates and dispatches a new root event. See EmitEvent for the
// response contract.
func (d *Dispatcher) Emit(ctx context.Context, name string, data map[string]any, opts ...event.Option) (any, error) {
	return d.EmitEvent(ctx, event.New(name, data, opts...))
}

// EmitEvent dispatches an already-constructed event.
//
// The aggregated response is nil when no handler responded, the single
// value when exactly one responded, and a []any in delivery order when
// several did. Responses from routed cascades are aggregated alongside
// direct handler responses.
//
// Handler failures are contained: every handler runs regardless of
// earlier failures, and the first failure is returned alongside the
// responses that did arrive.
func (d *Dispatcher) EmitEvent(ctx context.Context, evt *event.Event) (any, error) {
	if evt.Depth > d.cfg.MaxDepth {
		err := &event.Error{
			EventName: evt.Name,
			Message:   fmt.Sprintf("routing depth %d exceeds limit %d", evt.Depth, d.cfg.MaxDepth),
		}
		d.logger.Warn("event rejected",
			"event_name", evt.Name,
			"correlation_id", evt.CorrelationID,
			"depth", evt.Depth,
		)
		return nil, err
	}

	elapsed := observability.TimedOperation()
	ctx, span := d.spans.StartDispatchSpan(ctx, evt.Name, evt.CorrelationID)

	if d.tracer != nil {
		d.tracer.Start(evt.Name, evt.Data, evt.CorrelationID, evt.ParentCorrelationID)
	}
	d.record(evt)

	responses, firstErr := d.invokeHandlers(ctx, evt)

	routed, routeErr := d.applyRoutes(ctx, evt)
	responses = append(responses, routed...)
	if firstErr == nil {
		firstErr = routeErr
	}

	response := aggregate(responses)

	if d.tracer != nil {
		errMsg := ""
		if firstErr != nil {
			errMsg = firstErr.Error()
		}
		d.tracer.Complete(evt.CorrelationID, map[string]any{"count": len(responses)}, errMsg)
	}

	d.spans.EndSpanWithError(span, firstErr)
	durationMs := elapsed()
	d.metrics.RecordDispatch(ctx, evt.Name, time.Duration(durationMs)*time.Millisecond, len(responses))
	observability.LogDispatch(d.logger, evt.Name, evt.CorrelationID, len(responses), durationMs)

	if response != nil {
		d.resolve(evt.CorrelationID, response)
	}
	return response, firstErr
}

// record appends the event's projection to the event log.
func (d *Dispatcher) record(evt *event.Event) {
	if d.log == nil {
		return
	}
	sessionID := ""
	if v, ok := evt.Context["session_id"].(string); ok {
		sessionID = v
	}
	d.log.Append(eventlog.Entry{
		Timestamp:     evt.Timestamp,
		EventName:     evt.Name,
		Data:          evt.Data,
		ClientID:      evt.ClientID,
		SessionID:     sessionID,
		CorrelationID: evt.CorrelationID,
		EventID:       evt.EventID,
	})
}

// invokeHandlers runs the exact-name handlers sequentially, collecting
// non-nil responses. A panicking handler is contained the same way as
// one returning an error.
func (d *Dispatcher) invokeHandlers(ctx context.Context, evt *event.Event) ([]any, error) {
	d.mu.RLock()
	regs := make([]registration, len(d.handlers[evt.Name]))
	copy(regs, d.handlers[evt.Name])
	d.mu.RUnlock()

	var responses []any
	var firstErr error
	for _, reg := range regs {
		resp, err := d.invokeOne(ctx, reg, evt)
		if err != nil {
			d.metrics.RecordHandlerError(ctx, evt.Name)
			observability.LogHandlerError(d.logger, evt.Name, reg.name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses, firstErr
}

// invokeOne runs a single handler with panic containment.
func (d *Dispatcher) invokeOne(ctx context.Context, reg registration, evt *event.Event) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &event.Error{
				EventName: evt.Name,
				Handler:   reg.name,
				Message:   fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	hctx, span := d.spans.StartHandlerSpan(ctx, reg.name)
	resp, err = reg.handler.Handle(hctx, evt)
	d.spans.EndSpanWithError(span, err)
	if err != nil {
		err = &event.Error{
			EventName: evt.Name,
			Handler:   reg.name,
			Message:   "handler failed",
			Err:       err,
		}
	}
	return resp, err
}

// applyRoutes cascades the event through the live routing mappings.
// Each matching mapping whose guard condition passes produces a child
// event targeted at the mapping's target; the child's responses join
// the parent's aggregation. Cascade failures are contained per mapping.
func (d *Dispatcher) applyRoutes(ctx context.Context, evt *event.Event) ([]any, error) {
	if d.bridge == nil {
		return nil, nil
	}

	var responses []any
	var firstErr error
	for _, m := range d.bridge.Match(evt.Name) {
		if m.Condition != "" {
			ok, err := expr.Eval(m.Condition, evt.Data)
			if err != nil {
				d.audit(evt.Name, m.RuleID, m.Target, false, fmt.Sprintf("condition error: %v", err))
				d.logger.Warn("routing condition failed",
					"rule_id", m.RuleID,
					"condition", m.Condition,
					"error", err,
				)
				continue
			}
			if !ok {
				d.audit(evt.Name, m.RuleID, m.Target, false, "condition false")
				continue
			}
		}

		d.audit(evt.Name, m.RuleID, m.Target, true, "")
		d.metrics.RecordRouteApplied(ctx, m.RuleID)
		observability.LogRouteApplied(d.logger, evt.Name, m.RuleID, m.Target)

		child := event.NewFromParent(evt, m.Target, m.Apply(evt.Data),
			event.WithContext(evt.Context),
		)
		resp, err := d.EmitEvent(ctx, child)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses, firstErr
}

func (d *Dispatcher) audit(eventName, ruleID, target string, applied bool, reason string) {
	if d.trail != nil {
		d.trail.RoutingDecision(eventName, ruleID, target, applied, reason)
	}
}

// aggregate collapses the response slice: nil for none, the value for
// one, the slice for several.
func aggregate(responses []any) any {
	switch len(responses) {
	case 0:
		return nil
	case 1:
		return responses[0]
	default:
		return responses
	}
}

// Request emits an event and waits for its aggregated response. A fresh
// correlation ID keys the pending future; the dispatch that carries it
// resolves the future with the first non-nil aggregated response.
// Returns a RequestTimeoutError if no response arrives within timeout;
// a non-positive timeout falls back to Config.RequestTimeout.
func (d *Dispatcher) Request(ctx context.Context, name string, data map[string]any, timeout time.Duration, opts ...event.Option) (any, error) {
	if timeout <= 0 {
		timeout = d.cfg.RequestTimeout
	}

	correlationID := uuid.New().String()
	future := make(chan any, 1)

	d.pendingMu.Lock()
	d.pending[correlationID] = future
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, correlationID)
		d.pendingMu.Unlock()
	}()

	opts = append(opts, event.WithCorrelationID(correlationID))
	go func() {
		if _, err := d.Emit(ctx, name, data, opts...); err != nil {
			d.logger.Debug("request emit failed",
				"event_name", name,
				"correlation_id", correlationID,
				"error", err,
			)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-future:
		return resp, nil
	case <-timer.C:
		return nil, &ksierrors.RequestTimeoutError{EventName: name, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve delivers a response to the pending future for a correlation
// ID, if one exists. Only the first response wins; later responses for
// the same ID are dropped.
func (d *Dispatcher) resolve(correlationID string, response any) {
	d.pendingMu.Lock()
	future, ok := d.pending[correlationID]
	d.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case future <- response:
	default:
	}
}
