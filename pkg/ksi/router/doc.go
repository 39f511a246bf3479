// Package router implements the event dispatcher at the center of the
// routing substrate.
//
// The Dispatcher delivers each emitted event to its registered handlers
// in registration order, applies the live routing rules from the
// transformer bridge to cascade derived events, and aggregates handler
// responses back to the emitter. Handler failures are contained: one
// failing handler never prevents delivery to the rest.
//
// Request layers request/response on top of emit using correlation IDs:
// a fresh correlation ID keys a pending future, and the first non-nil
// aggregated response for that ID resolves it.
//
// Example:
//
//	d := router.NewDispatcher(router.Config{}, tracer, log, bridge, trail)
//	d.RegisterHandler("agent:spawn", "spawner", event.HandlerFunc(spawn))
//
//	resp, err := d.Emit(ctx, "agent:spawn", map[string]any{"profile": "worker"})
package router
