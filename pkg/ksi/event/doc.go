// Package event defines the event envelope and handler contract shared
// by the dispatcher, the event log, and the routing layer.
//
// # Event Names
//
// Event names use "namespace:action" form ("agent:spawn",
// "completion:result"). Handlers register for an exact name; routing
// rules may use a trailing "*" wildcard in their source pattern.
//
// # Correlation
//
// Every event carries a correlation ID linking it to its causal chain:
//
//	root := event.New("agent:spawn", data)
//	// root.CorrelationID == root.EventID
//
//	child := event.NewFromParent(root, "completion:request", data)
//	// child.ParentEventID == root.EventID
//	// child.RootEventID == root.EventID
//	// child.Depth == root.Depth + 1
//
// The trace package reconstructs causal trees from these links.
package event
