package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Mapping is the live, dispatch-time artifact produced by installing a
// validated rule. Its identity is generated at install time and is
// distinct from the rule ID, so removal targets the exact installed
// instance even when several rules share a source pattern.
type Mapping struct {
	MappingID     string
	RuleID        string
	SourcePattern string
	Target        string
	Condition     string
	// FieldMap maps output field -> input field. Nil means full
	// passthrough: every input field is copied unchanged.
	FieldMap map[string]string
	Priority  int
}

// Apply produces the target event's payload from the source payload.
func (m *Mapping) Apply(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	if m.FieldMap == nil {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for to, from := range m.FieldMap {
		if v, ok := data[from]; ok {
			out[to] = v
		}
	}
	return out
}

// Bridge tracks the live mappings derived from the rule store's active
// rules. It holds a derived, non-owning view keyed by rule ID; the rule
// store remains the source of truth.
type Bridge struct {
	mu     sync.RWMutex
	byRule map[string]*Mapping
	logger *slog.Logger
}

// NewBridge creates an empty transformer bridge.
func NewBridge() *Bridge {
	return &Bridge{
		byRule: make(map[string]*Mapping),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the bridge.
func (b *Bridge) WithLogger(logger *slog.Logger) *Bridge {
	b.logger = logger
	return b
}

// Install materializes a rule into a live mapping and returns the
// generated mapping identity. Installing over an existing mapping for
// the same rule replaces it.
func (b *Bridge) Install(rule *Rule) string {
	m := &Mapping{
		MappingID:     fmt.Sprintf("map-%s", uuid.New().String()[:8]),
		RuleID:        rule.RuleID,
		SourcePattern: rule.SourcePattern,
		Target:        rule.Target,
		Condition:     rule.Condition,
		Priority:      rule.Priority,
	}
	if rule.Mapping != nil {
		m.FieldMap = make(map[string]string, len(rule.Mapping))
		for k, v := range rule.Mapping {
			m.FieldMap[k] = v
		}
	}

	b.mu.Lock()
	b.byRule[rule.RuleID] = m
	b.mu.Unlock()

	b.logger.Debug("mapping installed",
		"rule_id", rule.RuleID,
		"mapping_id", m.MappingID,
		"source_pattern", rule.SourcePattern,
		"target", rule.Target,
	)
	return m.MappingID
}

// Remove uninstalls the mapping for a rule ID. It reports whether a
// mapping was present.
func (b *Bridge) Remove(ruleID string) bool {
	b.mu.Lock()
	m, ok := b.byRule[ruleID]
	delete(b.byRule, ruleID)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("mapping removed", "rule_id", ruleID, "mapping_id", m.MappingID)
	}
	return ok
}

// Update replaces a rule's mapping, implemented as remove-then-install.
// It reports whether the rule had a mapping to replace.
func (b *Bridge) Update(ruleID string, rule *Rule) bool {
	existed := b.Remove(ruleID)
	b.Install(rule)
	return existed
}

// ActiveMappings returns the current ruleID -> mappingID view.
func (b *Bridge) ActiveMappings() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.byRule))
	for ruleID, m := range b.byRule {
		out[ruleID] = m.MappingID
	}
	return out
}

// Match returns the live mappings whose source pattern matches the
// event name, ordered by priority (highest first; rule ID breaks ties
// for determinism). Guard conditions are not evaluated here; the
// dispatcher evaluates them against the event payload.
func (b *Bridge) Match(eventName string) []*Mapping {
	b.mu.RLock()
	var matched []*Mapping
	for _, m := range b.byRule {
		if MatchesPattern(m.SourcePattern, eventName) {
			matched = append(matched, m)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].RuleID < matched[j].RuleID
	})
	return matched
}
