package routing

import (
	"fmt"
	"regexp"
	"strings"

	ksierrors "github.com/durapensa/ksi-sub004/pkg/ksi/errors"
	"github.com/durapensa/ksi-sub004/pkg/ksi/expr"
)

// Priority bounds for routing rules.
const (
	MinPriority = 0
	MaxPriority = 10000
)

var patternChars = regexp.MustCompile(`^[A-Za-z0-9:_*]+$`)

// Validator performs syntax validation, conflict detection, and cycle
// detection for routing rules. It is stateless; the rule store passes
// in the relevant active rule set per call.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a candidate rule's syntax. It returns a
// ValidationError naming the offending field, or nil.
func (v *Validator) Validate(rule *Rule) error {
	if rule == nil {
		return &ksierrors.ValidationError{Message: "rule is required"}
	}
	if rule.SourcePattern == "" {
		return &ksierrors.ValidationError{Field: "source_pattern", Message: "required"}
	}
	if !patternChars.MatchString(rule.SourcePattern) {
		return &ksierrors.ValidationError{
			Field:   "source_pattern",
			Message: fmt.Sprintf("invalid characters in %q", rule.SourcePattern),
		}
	}
	if strings.Contains(rule.SourcePattern, "::") {
		return &ksierrors.ValidationError{
			Field:   "source_pattern",
			Message: "double colon is not allowed",
		}
	}
	if idx := strings.Index(rule.SourcePattern, "*"); idx >= 0 && idx != len(rule.SourcePattern)-1 {
		return &ksierrors.ValidationError{
			Field:   "source_pattern",
			Message: "wildcard is only allowed as a trailing character",
		}
	}
	if strings.Count(rule.SourcePattern, "*") > 1 {
		return &ksierrors.ValidationError{
			Field:   "source_pattern",
			Message: "at most one wildcard is allowed",
		}
	}

	if rule.Target == "" {
		return &ksierrors.ValidationError{Field: "target", Message: "required"}
	}

	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		return &ksierrors.ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("must be within [%d, %d], got %d", MinPriority, MaxPriority, rule.Priority),
		}
	}

	if rule.TTLSeconds < 0 {
		return &ksierrors.ValidationError{
			Field:   "ttl_seconds",
			Message: "must be a positive integer when present",
		}
	}

	if rule.Condition != "" {
		if strings.TrimSpace(rule.Condition) == "" {
			return &ksierrors.ValidationError{
				Field:   "condition",
				Message: "must be a non-empty expression when present",
			}
		}
		if tok := expr.ForbiddenToken(rule.Condition); tok != "" {
			return &ksierrors.ValidationError{
				Field:   "condition",
				Message: fmt.Sprintf("forbidden token %q", tok),
			}
		}
	}

	return nil
}

// DetectConflicts compares a candidate against the active rules and
// returns all clashes. Conflicts are non-fatal here; the store decides
// which types block installation.
func (v *Validator) DetectConflicts(candidate *Rule, existing []*Rule) []Conflict {
	var conflicts []Conflict
	for _, other := range existing {
		if other.RuleID == candidate.RuleID {
			continue
		}

		if other.SourcePattern == candidate.SourcePattern && other.Priority == candidate.Priority {
			conflicts = append(conflicts, Conflict{
				Type:     ConflictExactMatch,
				Severity: SeverityHigh,
				Message: fmt.Sprintf("rule %s already routes %q at priority %d",
					other.RuleID, other.SourcePattern, other.Priority),
				RelatedRuleID: other.RuleID,
			})
			continue
		}

		if other.Target == candidate.Target && patternsOverlap(candidate.SourcePattern, other.SourcePattern) {
			conflicts = append(conflicts, Conflict{
				Type:     ConflictRedundant,
				Severity: SeverityLow,
				Message: fmt.Sprintf("rule %s routes overlapping pattern %q to the same target %q",
					other.RuleID, other.SourcePattern, other.Target),
				RelatedRuleID: other.RuleID,
			})
		}
	}
	return conflicts
}

// DetectCycle checks whether installing the candidate would make the
// routing graph cyclic. The walk starts at the candidate's target and
// follows every rule whose source pattern matches the current node
// name; revisiting a node on the current path is a cycle. The returned
// error carries the full cyclic path for diagnostics.
func (v *Validator) DetectCycle(candidate *Rule, existing []*Rule) *ksierrors.CircularRoutingError {
	rules := make([]*Rule, 0, len(existing)+1)
	for _, r := range existing {
		if r.RuleID != candidate.RuleID {
			rules = append(rules, r)
		}
	}
	rules = append(rules, candidate)

	visited := make(map[string]bool)
	if cycle := walkForCycle(candidate.Target, rules, []string{}, visited); cycle != nil {
		return &ksierrors.CircularRoutingError{RuleID: candidate.RuleID, Path: cycle}
	}
	return nil
}

// walkForCycle DFS-walks the routing graph from node. path holds the
// nodes on the current walk; visited prunes nodes already proven
// cycle-free so wildcard fan-out stays bounded.
func walkForCycle(node string, rules []*Rule, path []string, visited map[string]bool) []string {
	for i, seen := range path {
		if seen == node {
			cycle := append([]string{}, path[i:]...)
			return append(cycle, node)
		}
	}
	if visited[node] {
		return nil
	}

	path = append(path, node)
	for _, r := range rules {
		if !MatchesPattern(r.SourcePattern, node) {
			continue
		}
		if cycle := walkForCycle(r.Target, rules, path, visited); cycle != nil {
			return cycle
		}
	}
	visited[node] = true
	return nil
}

// SuggestImprovements returns non-binding hints for a valid rule.
func (v *Validator) SuggestImprovements(rule *Rule, existing []*Rule) []Suggestion {
	var suggestions []Suggestion

	if strings.HasSuffix(rule.SourcePattern, "*") && rule.Condition == "" {
		suggestions = append(suggestions, Suggestion{
			Type:    "add_condition",
			Message: "wildcard pattern with no condition routes every event in the namespace; consider a guard condition",
		})
	}

	if rule.TTLSeconds == 0 {
		if _, temporary := rule.Metadata["experiment"]; temporary {
			suggestions = append(suggestions, Suggestion{
				Type:    "add_ttl",
				Message: "experimental rule has no TTL; consider ttl_seconds so it cannot outlive the experiment",
			})
		}
	}

	samePattern := 0
	for _, other := range existing {
		if other.RuleID != rule.RuleID && other.SourcePattern == rule.SourcePattern {
			samePattern++
		}
	}
	if samePattern >= 3 {
		suggestions = append(suggestions, Suggestion{
			Type: "consolidate",
			Message: fmt.Sprintf("%d other rules share pattern %q; consider consolidating with conditions",
				samePattern, rule.SourcePattern),
		})
	}

	return suggestions
}
