package main

import (
	"context"
	"testing"

	"github.com/durapensa/ksi-sub004/pkg/ksi/audit"
	"github.com/durapensa/ksi-sub004/pkg/ksi/event"
	"github.com/durapensa/ksi-sub004/pkg/ksi/eventlog"
	"github.com/durapensa/ksi-sub004/pkg/ksi/router"
	"github.com/durapensa/ksi-sub004/pkg/ksi/routing"
	"github.com/durapensa/ksi-sub004/pkg/ksi/trace"
)

func newDaemon() (*router.Dispatcher, *routing.Store) {
	tracer := trace.NewTracer()
	log := eventlog.NewLog(eventlog.Config{Capacity: 100}, nil)
	trail := audit.NewTrail(audit.Config{}, nil)
	bridge := routing.NewBridge()
	rules := routing.NewStore(routing.StoreConfig{}, bridge, trail)
	d := router.NewDispatcher(router.Config{}, tracer, log, bridge, trail)
	registerBuiltins(d, log, trail, tracer, rules)
	return d, rules
}

func TestRuleCRUDBuiltins(t *testing.T) {
	d, rules := newDaemon()
	ctx := context.Background()

	resp, err := d.Emit(ctx, "router:create_rule", map[string]any{
		"rule_id":        "r1",
		"source_pattern": "agent:*",
		"target":         "alerts:notify",
		"mapping":        map[string]any{"agent": "agent_id"},
		"priority":       100,
	}, event.WithClientID("op"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	result, ok := resp.(routing.Result)
	if !ok || result.Status != "success" {
		t.Fatalf("unexpected create response: %v", resp)
	}

	rule, ok := rules.Get("r1")
	if !ok {
		t.Fatal("expected rule installed in the store")
	}
	if rule.Mapping["agent"] != "agent_id" {
		t.Errorf("expected mapping decoded, got %v", rule.Mapping)
	}

	if _, err := d.Emit(ctx, "router:modify_rule", map[string]any{
		"rule_id":        "r1",
		"source_pattern": "agent:*",
		"target":         "alerts:page",
		"priority":       50,
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if rule, _ := rules.Get("r1"); rule.Target != "alerts:page" {
		t.Errorf("expected modified target, got %s", rule.Target)
	}

	resp, err = d.Emit(ctx, "router:get_rule", map[string]any{"rule_id": "r1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := resp.(map[string]any)["rule"].(*routing.Rule); got.RuleID != "r1" {
		t.Errorf("expected r1, got %s", got.RuleID)
	}

	resp, err = d.Emit(ctx, "router:list_rules", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if count := resp.(map[string]any)["count"]; count != 1 {
		t.Errorf("expected 1 rule listed, got %v", count)
	}

	if _, err := d.Emit(ctx, "router:delete_rule", map[string]any{"rule_id": "r1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := rules.Get("r1"); ok {
		t.Error("expected rule removed from the store")
	}
	if _, err := d.Emit(ctx, "router:delete_rule", map[string]any{"rule_id": "r1"}); err == nil {
		t.Error("expected delete of a missing rule to fail")
	}
}

func TestRuleBuiltinRejections(t *testing.T) {
	d, _ := newDaemon()
	ctx := context.Background()

	// Validation failures surface as handler errors.
	if _, err := d.Emit(ctx, "router:create_rule", map[string]any{
		"source_pattern": "agent:*",
	}); err == nil {
		t.Error("expected missing target to be rejected")
	}

	if _, err := d.Emit(ctx, "router:create_rule", map[string]any{
		"source_pattern": "agent:*",
		"target":         "alerts:notify",
		"mapping":        map[string]any{"agent": 1},
	}); err == nil {
		t.Error("expected non-string mapping value to be rejected")
	}

	if _, err := d.Emit(ctx, "router:modify_rule", map[string]any{
		"source_pattern": "agent:*",
		"target":         "alerts:notify",
	}); err == nil {
		t.Error("expected modify without rule_id to be rejected")
	}
}
