package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durapensa/ksi-sub004/pkg/ksi/audit"
)

// StoreConfig configures the rule store.
type StoreConfig struct {
	// SweepInterval is the TTL sweep cadence. Default: 1s, so
	// sub-second TTLs expire promptly.
	SweepInterval time.Duration

	// Logger for rule lifecycle diagnostics.
	Logger *slog.Logger
}

// DefaultStoreConfig provides reasonable defaults.
var DefaultStoreConfig = StoreConfig{
	SweepInterval: time.Second,
}

// ListOptions filters List. Zero values mean "no filter".
type ListOptions struct {
	SourcePattern string
	Target        string
}

// Store owns the authoritative set of active routing rules. Every
// mutation is validated, checked for conflicts and cycles, installed
// into the transformer bridge, and audited — as one non-interleaved
// operation under the store's lock.
type Store struct {
	cfg       StoreConfig
	validator *Validator
	bridge    *Bridge
	trail     *audit.Trail

	mu    sync.Mutex
	rules map[string]*Rule

	logger *slog.Logger
}

// NewStore creates a rule store wired to a transformer bridge and an
// audit trail.
func NewStore(cfg StoreConfig, bridge *Bridge, trail *audit.Trail) *Store {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultStoreConfig.SweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		validator: NewValidator(),
		bridge:    bridge,
		trail:     trail,
		rules:     make(map[string]*Rule),
		logger:    cfg.Logger,
	}
}

// Validator exposes the store's validator, for advisory calls like
// SuggestImprovements.
func (s *Store) Validator() *Validator {
	return s.validator
}

// Create validates and installs a new rule. Syntax errors and cycles
// reject the call; exact-match conflicts are promoted to rejection;
// other conflicts come back as warnings on a successful result. Every
// outcome is audited.
func (s *Store) Create(rule *Rule, actor string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule = rule.clone()
	if rule.RuleID == "" {
		rule.RuleID = fmt.Sprintf("rule-%s", uuid.New().String()[:8])
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	if _, exists := s.rules[rule.RuleID]; exists {
		err := fmt.Errorf("rule %s already exists", rule.RuleID)
		s.trail.RuleChange("create", rule.RuleID, nil, actor, false, err.Error())
		return failure(rule.RuleID, err)
	}

	result := s.admit(rule, actor, "create")
	if result.Status != "success" {
		return result
	}

	s.rules[rule.RuleID] = rule
	s.bridge.Install(rule)
	s.trail.RuleChange("create", rule.RuleID, rule.clone(), actor, true, "")
	s.logger.Info("routing rule created",
		"rule_id", rule.RuleID,
		"source_pattern", rule.SourcePattern,
		"target", rule.Target,
	)
	return result
}

// Modify replaces an existing rule, validate-then-swap: the old rule
// stays live until the replacement has passed every check.
func (s *Store) Modify(ruleID string, rule *Rule, actor string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.rules[ruleID]
	if !exists {
		err := fmt.Errorf("rule %s not found", ruleID)
		s.trail.RuleChange("modify", ruleID, nil, actor, false, err.Error())
		return failure(ruleID, err)
	}

	rule = rule.clone()
	rule.RuleID = ruleID
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = old.CreatedAt
	}

	result := s.admit(rule, actor, "modify")
	if result.Status != "success" {
		return result
	}

	s.rules[ruleID] = rule
	s.bridge.Update(ruleID, rule)
	s.trail.RuleChange("modify", ruleID, rule.clone(), actor, true, "")
	s.logger.Info("routing rule modified", "rule_id", ruleID)
	return result
}

// admit runs validation, cycle detection, and conflict detection for a
// candidate. Caller holds s.mu.
func (s *Store) admit(rule *Rule, actor, action string) Result {
	if err := s.validator.Validate(rule); err != nil {
		s.trail.Validation(rule.RuleID, false, err.Error())
		s.trail.RuleChange(action, rule.RuleID, nil, actor, false, err.Error())
		return failure(rule.RuleID, err)
	}

	others := s.activeExcept(rule.RuleID)

	if cycErr := s.validator.DetectCycle(rule, others); cycErr != nil {
		s.trail.Validation(rule.RuleID, false, cycErr.Error())
		s.trail.RuleChange(action, rule.RuleID, nil, actor, false, cycErr.Error())
		return failure(rule.RuleID, cycErr)
	}

	conflicts := s.validator.DetectConflicts(rule, others)
	for _, c := range conflicts {
		if c.Type == ConflictExactMatch {
			// An exact (pattern, priority) duplicate is effectively
			// invalid: the two rules would be indistinguishable at
			// dispatch time.
			s.trail.Validation(rule.RuleID, false, c.Message)
			s.trail.RuleChange(action, rule.RuleID, nil, actor, false, c.Message)
			result := failure(rule.RuleID, fmt.Errorf("exact match conflict: %s", c.Message))
			result.Warnings = conflicts
			return result
		}
	}

	s.trail.Validation(rule.RuleID, true, "")
	return success(rule.RuleID, conflicts)
}

// Delete removes a rule and its live mapping.
func (s *Store) Delete(ruleID, actor string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		err := fmt.Errorf("rule %s not found", ruleID)
		s.trail.RuleChange("delete", ruleID, nil, actor, false, err.Error())
		return failure(ruleID, err)
	}

	delete(s.rules, ruleID)
	s.bridge.Remove(ruleID)
	s.trail.RuleChange("delete", ruleID, rule.clone(), actor, true, "")
	s.logger.Info("routing rule deleted", "rule_id", ruleID)
	return success(ruleID, nil)
}

// Get returns a copy of a rule.
func (s *Store) Get(ruleID string) (*Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[ruleID]
	if !ok {
		return nil, false
	}
	return rule.clone(), true
}

// List returns copies of the active rules matching opts, ordered by
// priority (highest first) then rule ID.
func (s *Store) List(opts ListOptions) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Rule
	for _, r := range s.rules {
		if opts.SourcePattern != "" && r.SourcePattern != opts.SourcePattern {
			continue
		}
		if opts.Target != "" && r.Target != opts.Target {
			continue
		}
		out = append(out, r.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// activeExcept returns the active rules other than ruleID. Caller
// holds s.mu.
func (s *Store) activeExcept(ruleID string) []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for id, r := range s.rules {
		if id != ruleID {
			out = append(out, r)
		}
	}
	return out
}

// Sweep deletes every expired rule, auditing each as a ttl_expiration,
// and returns how many were removed. The sweep owns TTL deletion;
// nothing else deletes rules implicitly.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rule := range s.rules {
		if !rule.Expired(now) {
			continue
		}
		delete(s.rules, id)
		s.bridge.Remove(id)
		s.trail.TTLExpiration(id, rule.clone())
		s.logger.Info("routing rule expired",
			"rule_id", id,
			"ttl_seconds", rule.TTLSeconds,
		)
		removed++
	}
	return removed
}

// Run sweeps expired rules until ctx is done. It blocks; run it in its
// own goroutine.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
