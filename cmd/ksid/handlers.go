package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/durapensa/ksi-sub004/pkg/ksi/audit"
	"github.com/durapensa/ksi-sub004/pkg/ksi/config"
	"github.com/durapensa/ksi-sub004/pkg/ksi/event"
	"github.com/durapensa/ksi-sub004/pkg/ksi/eventlog"
	"github.com/durapensa/ksi-sub004/pkg/ksi/router"
	"github.com/durapensa/ksi-sub004/pkg/ksi/routing"
	"github.com/durapensa/ksi-sub004/pkg/ksi/trace"
)

// registerBuiltins wires the operator surface: every query contract and
// the rule CRUD contract are reachable through the dispatch contract
// itself.
func registerBuiltins(d *router.Dispatcher, log *eventlog.Log, trail *audit.Trail, tracer *trace.Tracer, rules *routing.Store) {
	start := time.Now()

	d.RegisterHandler("monitor:query", "eventlog", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			opts := eventlog.QueryOptions{
				Patterns:    data.StringSlice("patterns", nil),
				ClientID:    data.String("client_id", ""),
				Since:       parseTime(data, "since"),
				Until:       parseTime(data, "until"),
				Limit:       data.Int("limit", 100),
				OldestFirst: data.Bool("oldest_first", false),
			}
			entries := log.Query(opts)
			return map[string]any{
				"entries": entries,
				"count":   len(entries),
			}, nil
		}))

	d.RegisterHandler("monitor:subscribe", "eventlog", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			id := data.String("subscriber_id", "")
			if id == "" {
				return nil, fmt.Errorf("subscriber_id required")
			}
			path := data.String("path", "")
			if path == "" {
				return nil, fmt.Errorf("path required")
			}
			sink, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open sink: %w", err)
			}
			log.Subscribe(id, data.StringSlice("patterns", nil), sink)
			return map[string]any{"subscriber_id": id}, nil
		}))

	d.RegisterHandler("monitor:unsubscribe", "eventlog", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			id := data.String("subscriber_id", "")
			if id == "" {
				return nil, fmt.Errorf("subscriber_id required")
			}
			log.Unsubscribe(id)
			return map[string]any{"subscriber_id": id}, nil
		}))

	d.RegisterHandler("audit:query", "audit", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			filter := audit.Filter{
				Type:   audit.EntryType(data.String("type", "")),
				Actor:  data.String("actor", ""),
				RuleID: data.String("rule_id", ""),
				Since:  parseTime(data, "since"),
			}
			entries := trail.Query(filter, data.Int("limit", 100))
			return map[string]any{
				"entries": entries,
				"count":   len(entries),
				"metrics": trail.Metrics(),
			}, nil
		}))

	d.RegisterHandler("trace:chain", "tracer", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			id := data.String("correlation_id", "")
			if id == "" {
				return nil, fmt.Errorf("correlation_id required")
			}
			chain := tracer.Chain(id)
			if len(chain) == 0 {
				return nil, fmt.Errorf("unknown correlation_id %s", id)
			}
			return map[string]any{"chain": chain}, nil
		}))

	d.RegisterHandler("trace:tree", "tracer", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			id := data.String("correlation_id", "")
			if id == "" {
				return nil, fmt.Errorf("correlation_id required")
			}
			tree := tracer.Tree(id)
			if tree == nil {
				return nil, fmt.Errorf("unknown correlation_id %s", id)
			}
			return map[string]any{"tree": tree}, nil
		}))

	d.RegisterHandler("router:create_rule", "rules", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			rule, err := ruleFromData(evt.Data)
			if err != nil {
				return nil, err
			}
			return ruleResult(rules.Create(rule, actorFor(evt)))
		}))

	d.RegisterHandler("router:modify_rule", "rules", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			rule, err := ruleFromData(evt.Data)
			if err != nil {
				return nil, err
			}
			if rule.RuleID == "" {
				return nil, fmt.Errorf("rule_id required")
			}
			return ruleResult(rules.Modify(rule.RuleID, rule, actorFor(evt)))
		}))

	d.RegisterHandler("router:delete_rule", "rules", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			id := config.New(evt.Data).String("rule_id", "")
			if id == "" {
				return nil, fmt.Errorf("rule_id required")
			}
			return ruleResult(rules.Delete(id, actorFor(evt)))
		}))

	d.RegisterHandler("router:get_rule", "rules", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			id := config.New(evt.Data).String("rule_id", "")
			if id == "" {
				return nil, fmt.Errorf("rule_id required")
			}
			rule, ok := rules.Get(id)
			if !ok {
				return nil, fmt.Errorf("rule %s not found", id)
			}
			return map[string]any{"rule": rule}, nil
		}))

	d.RegisterHandler("router:list_rules", "rules", event.HandlerFunc(
		func(_ context.Context, evt *event.Event) (any, error) {
			data := config.New(evt.Data)
			list := rules.List(routing.ListOptions{
				SourcePattern: data.String("source_pattern", ""),
				Target:        data.String("target", ""),
			})
			return map[string]any{
				"rules": list,
				"count": len(list),
			}, nil
		}))

	d.RegisterHandler("system:health", "daemon", event.HandlerFunc(
		func(_ context.Context, _ *event.Event) (any, error) {
			return map[string]any{
				"status":       "healthy",
				"uptime_s":     time.Since(start).Seconds(),
				"eventlog":     log.Stats(),
				"traces":       tracer.Len(),
				"audit":        trail.Metrics(),
				"active_rules": len(rules.List(routing.ListOptions{})),
			}, nil
		}))
}

// ruleFromData decodes a routing rule from an event payload.
func ruleFromData(payload map[string]any) (*routing.Rule, error) {
	data := config.New(payload)
	rule := &routing.Rule{
		RuleID:        data.String("rule_id", ""),
		SourcePattern: data.String("source_pattern", ""),
		Target:        data.String("target", ""),
		Condition:     data.String("condition", ""),
		Priority:      data.Int("priority", 0),
		TTLSeconds:    data.Int("ttl_seconds", 0),
	}
	if raw, ok := payload["mapping"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mapping must be an object")
		}
		rule.Mapping = make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("mapping value for %s must be a string", k)
			}
			rule.Mapping[k] = s
		}
	}
	if m, ok := payload["metadata"].(map[string]any); ok {
		rule.Metadata = m
	}
	return rule, nil
}

// ruleResult turns a failed store result into a handler error so the
// dispatcher surfaces it.
func ruleResult(result routing.Result) (any, error) {
	if result.Status != "success" {
		return nil, fmt.Errorf("%s", result.Error)
	}
	return result, nil
}

func actorFor(evt *event.Event) string {
	if evt.ClientID != "" {
		return evt.ClientID
	}
	return "operator"
}

// parseTime reads a timestamp field as RFC3339 or unix seconds. Zero
// time means "no bound".
func parseTime(data config.Config, key string) time.Time {
	if s := data.String(key, ""); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	if sec := data.Float(key, 0); sec > 0 {
		return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9))
	}
	return time.Time{}
}
