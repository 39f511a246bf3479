// Package routing implements the dynamic routing-rule engine: rule
// validation with conflict and cycle detection, the authoritative rule
// store with TTL expiry, and the transformer bridge that materializes
// validated rules into live dispatch-time mappings.
package routing

import (
	"strings"
	"time"
)

// Rule is a declarative routing rule: events matching SourcePattern are
// re-emitted as Target, optionally guarded by Condition and reshaped by
// Mapping. Rules are installed live, without restarting the daemon.
type Rule struct {
	RuleID        string            `json:"rule_id"`
	SourcePattern string            `json:"source_pattern"`
	Target        string            `json:"target"`
	Condition     string            `json:"condition,omitempty"`
	Mapping       map[string]string `json:"mapping,omitempty"`
	Priority      int               `json:"priority"`
	TTLSeconds    int               `json:"ttl_seconds,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Expired reports whether the rule's TTL has elapsed at now. Rules
// without a TTL never expire.
func (r *Rule) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.After(r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// clone returns a copy with its own mapping and metadata maps.
func (r *Rule) clone() *Rule {
	cp := *r
	if r.Mapping != nil {
		cp.Mapping = make(map[string]string, len(r.Mapping))
		for k, v := range r.Mapping {
			cp.Mapping[k] = v
		}
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// MatchesPattern reports whether an event name matches a source
// pattern. Patterns are exact names or a prefix with a trailing "*":
// "agent:*" matches "agent:spawn" and the bare namespace "agent".
func MatchesPattern(pattern, name string) bool {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		return pattern == name
	}
	if strings.HasPrefix(name, prefix) {
		return true
	}
	// "agent:*" also covers the namespace name itself.
	if bare, ok := strings.CutSuffix(prefix, ":"); ok {
		return name == bare
	}
	return false
}

// patternsOverlap reports whether two source patterns can match a
// common event name. This is the original prefix heuristic: one
// wildcard-stripped prefix is a prefix of the other, or they are equal.
// It can over- and under-report for patterns beyond a single trailing
// wildcard; it feeds warnings, not correctness decisions.
func patternsOverlap(a, b string) bool {
	pa := strings.TrimSuffix(a, "*")
	pb := strings.TrimSuffix(b, "*")
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

// ConflictType classifies a detected rule conflict.
type ConflictType string

// Conflict types.
const (
	ConflictExactMatch ConflictType = "exact_match"
	ConflictRedundant  ConflictType = "redundant_routing"
)

// Severity ranks a conflict.
type Severity string

// Severities.
const (
	SeverityHigh Severity = "high"
	SeverityLow  Severity = "low"
)

// Conflict describes a non-fatal clash between a candidate rule and an
// active rule. Exact-match conflicts are promoted to rejection by the
// store; all others are returned as warnings.
type Conflict struct {
	Type          ConflictType `json:"type"`
	Severity      Severity     `json:"severity"`
	Message       string       `json:"message"`
	RelatedRuleID string       `json:"related_rule_id"`
}

// Suggestion is a non-binding improvement hint for a rule.
type Suggestion struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the outcome of a rule CRUD call.
type Result struct {
	Status   string     `json:"status"` // "success" or "error"
	RuleID   string     `json:"rule_id,omitempty"`
	Warnings []Conflict `json:"warnings,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func success(ruleID string, warnings []Conflict) Result {
	return Result{Status: "success", RuleID: ruleID, Warnings: warnings}
}

func failure(ruleID string, err error) Result {
	return Result{Status: "error", RuleID: ruleID, Error: err.Error()}
}
