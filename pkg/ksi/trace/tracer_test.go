package trace_test

import (
	"testing"
	"time"

	"github.com/durapensa/ksi-sub004/pkg/ksi/trace"
)

func TestTracerStartComplete(t *testing.T) {
	tr := trace.NewTracer()

	id := tr.Start("agent:spawn", map[string]any{"profile": "worker"}, "corr-1", "")
	if id != "corr-1" {
		t.Fatalf("expected corr-1, got %s", id)
	}

	got, ok := tr.Get("corr-1")
	if !ok {
		t.Fatal("expected trace to exist")
	}
	if got.EventName != "agent:spawn" {
		t.Errorf("expected agent:spawn, got %s", got.EventName)
	}
	if got.CompletedAt != nil {
		t.Error("expected trace to be open")
	}

	if !tr.Complete("corr-1", map[string]any{"count": 1}, "") {
		t.Fatal("expected Complete to succeed")
	}
	got, _ = tr.Get("corr-1")
	if got.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
}

func TestTracerGeneratesID(t *testing.T) {
	tr := trace.NewTracer()
	id := tr.Start("agent:spawn", nil, "", "")
	if id == "" {
		t.Fatal("expected generated correlation ID")
	}
	if _, ok := tr.Get(id); !ok {
		t.Error("expected trace under generated ID")
	}
}

func TestTracerCompleteUnknown(t *testing.T) {
	tr := trace.NewTracer()
	if tr.Complete("missing", nil, "") {
		t.Error("expected Complete on unknown ID to be a no-op")
	}
}

func TestTracerChain(t *testing.T) {
	tr := trace.NewTracer()
	tr.Start("agent:spawn", nil, "root", "")
	tr.Start("agent:ready", nil, "mid", "root")
	tr.Start("agent:done", nil, "leaf", "mid")

	chain := tr.Chain("leaf")
	if len(chain) != 3 {
		t.Fatalf("expected chain of 3, got %d", len(chain))
	}
	want := []string{"root", "mid", "leaf"}
	for i, id := range want {
		if chain[i].CorrelationID != id {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].CorrelationID, id)
		}
	}

	if got := tr.Chain("missing"); len(got) != 0 {
		t.Errorf("expected empty chain for unknown ID, got %d", len(got))
	}
}

func TestTracerUnknownParentRoots(t *testing.T) {
	tr := trace.NewTracer()
	tr.Start("agent:ready", nil, "orphan", "never-existed")

	got, ok := tr.Get("orphan")
	if !ok {
		t.Fatal("expected trace to exist")
	}
	if got.ParentID != "" {
		t.Errorf("expected orphan to be recorded as root, got parent %s", got.ParentID)
	}
}

func TestTracerTree(t *testing.T) {
	tr := trace.NewTracer()
	tr.Start("agent:spawn", nil, "root", "")
	tr.Start("agent:ready", nil, "a", "root")
	tr.Start("agent:failed", nil, "b", "root")
	tr.Start("agent:done", nil, "a1", "a")

	tree := tr.Tree("root")
	if tree == nil {
		t.Fatal("expected tree")
	}
	if len(tree.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(tree.Children))
	}
	var a *trace.Node
	for _, c := range tree.Children {
		if c.Trace.CorrelationID == "a" {
			a = c
		}
	}
	if a == nil || len(a.Children) != 1 || a.Children[0].Trace.CorrelationID != "a1" {
		t.Error("expected a -> a1 subtree")
	}

	if tr.Tree("missing") != nil {
		t.Error("expected nil tree for unknown ID")
	}
}

func TestTracerSanitizesData(t *testing.T) {
	tr := trace.NewTracer()
	tr.Start("agent:spawn", map[string]any{"api_key": "abc"}, "corr", "")

	got, _ := tr.Get("corr")
	if got.Data["api_key"] != "[REDACTED]" {
		t.Errorf("expected redacted payload, got %v", got.Data["api_key"])
	}
}

func TestTracerCleanup(t *testing.T) {
	tr := trace.NewTracer()
	tr.Start("agent:spawn", nil, "old", "")

	time.Sleep(10 * time.Millisecond)
	removed := tr.Cleanup(time.Nanosecond)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty tracer, got %d", tr.Len())
	}

	tr.Start("agent:spawn", nil, "fresh", "")
	if removed := tr.Cleanup(time.Hour); removed != 0 {
		t.Errorf("expected fresh trace to survive, removed %d", removed)
	}
}
