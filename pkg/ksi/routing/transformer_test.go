package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi-sub004/pkg/ksi/routing"
)

func TestMappingApplyPassthrough(t *testing.T) {
	m := &routing.Mapping{}
	in := map[string]any{"a": 1, "b": "x"}

	out := m.Apply(in)
	assert.Equal(t, in, out)

	// A copy, not the same map.
	out["c"] = true
	assert.NotContains(t, in, "c")
}

func TestMappingApplyFieldMap(t *testing.T) {
	m := &routing.Mapping{
		FieldMap: map[string]string{
			"agent":  "agent_id",
			"reason": "error",
		},
	}

	out := m.Apply(map[string]any{
		"agent_id": "researcher-1",
		"error":    "timeout",
		"ignored":  42,
	})

	assert.Equal(t, map[string]any{
		"agent":  "researcher-1",
		"reason": "timeout",
	}, out)
}

func TestBridgeInstallRemove(t *testing.T) {
	b := routing.NewBridge()

	mappingID := b.Install(&routing.Rule{
		RuleID:        "r1",
		SourcePattern: "agent:*",
		Target:        "monitor:log",
	})
	assert.NotEmpty(t, mappingID)

	active := b.ActiveMappings()
	require.Len(t, active, 1)
	assert.Equal(t, mappingID, active["r1"])

	assert.True(t, b.Remove("r1"))
	assert.Empty(t, b.ActiveMappings())
	assert.False(t, b.Remove("r1"))
}

func TestBridgeUpdateReplacesMapping(t *testing.T) {
	b := routing.NewBridge()

	first := b.Install(&routing.Rule{RuleID: "r1", SourcePattern: "agent:*", Target: "a"})
	existed := b.Update("r1", &routing.Rule{RuleID: "r1", SourcePattern: "agent:*", Target: "b"})
	assert.True(t, existed)

	active := b.ActiveMappings()
	require.Len(t, active, 1)
	assert.NotEqual(t, first, active["r1"], "replacement gets a new mapping identity")

	matched := b.Match("agent:spawn")
	require.Len(t, matched, 1)
	assert.Equal(t, "b", matched[0].Target)
}

func TestBridgeMatchOrdering(t *testing.T) {
	b := routing.NewBridge()
	b.Install(&routing.Rule{RuleID: "low", SourcePattern: "agent:*", Target: "t1", Priority: 10})
	b.Install(&routing.Rule{RuleID: "high", SourcePattern: "agent:*", Target: "t2", Priority: 500})
	b.Install(&routing.Rule{RuleID: "other", SourcePattern: "monitor:*", Target: "t3", Priority: 900})

	matched := b.Match("agent:spawn")
	require.Len(t, matched, 2)
	assert.Equal(t, "high", matched[0].RuleID)
	assert.Equal(t, "low", matched[1].RuleID)

	assert.Empty(t, b.Match("checkpoint:save"))
}

func TestBridgeMatchTieBreak(t *testing.T) {
	b := routing.NewBridge()
	b.Install(&routing.Rule{RuleID: "bbb", SourcePattern: "agent:*", Target: "t1", Priority: 100})
	b.Install(&routing.Rule{RuleID: "aaa", SourcePattern: "agent:*", Target: "t2", Priority: 100})

	matched := b.Match("agent:spawn")
	require.Len(t, matched, 2)
	assert.Equal(t, "aaa", matched[0].RuleID)
	assert.Equal(t, "bbb", matched[1].RuleID)
}
