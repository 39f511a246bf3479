// Package audit keeps an append-only record of rule lifecycle events,
// routing decisions, validation outcomes, and permission checks.
//
// The in-memory trail is bounded (oldest entries evicted) and is
// snapshotted periodically to SQLite so the history survives restarts.
// Aggregate metrics counters are monotonic for the process lifetime.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntryType classifies an audit entry.
type EntryType string

// Entry types.
const (
	TypeRuleChange      EntryType = "rule_change"
	TypeRoutingDecision EntryType = "routing_decision"
	TypeValidation      EntryType = "validation"
	TypePermissionCheck EntryType = "permission_check"
	TypeTTLExpiration   EntryType = "ttl_expiration"
	TypeSystemEvent     EntryType = "system_event"
)

// Entry is one append-only audit record. Payload holds the
// type-specific fields (action, rule_id, actor, ...).
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EntryType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Success   bool           `json:"success"`
}

// Filter narrows a Query call. Zero values mean "no filter".
type Filter struct {
	Type    EntryType
	Actor   string
	RuleID  string
	Since   time.Time
	Success *bool
}

// Config configures the audit trail.
type Config struct {
	// MaxEntries bounds the in-memory trail. Default: 10000.
	MaxEntries int

	// SnapshotInterval is how often unsaved entries are persisted.
	// Default: 1m.
	SnapshotInterval time.Duration

	// Logger for snapshot diagnostics.
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxEntries:       10000,
	SnapshotInterval: time.Minute,
}

// Trail is the audit trail. Construct with NewTrail; call Run to enable
// periodic snapshotting when a store is attached.
type Trail struct {
	cfg   Config
	store *Store // nil = in-memory only

	mu      sync.RWMutex
	entries []Entry
	seqBase int64 // sequence number of entries[0]
	saved   int64 // sequence number up to which entries are persisted
	metrics map[string]int64

	logger *slog.Logger
}

// NewTrail creates an audit trail with an optional snapshot store.
func NewTrail(cfg Config, store *Store) *Trail {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig.MaxEntries
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultConfig.SnapshotInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Trail{
		cfg:     cfg,
		store:   store,
		metrics: make(map[string]int64),
		logger:  cfg.Logger,
	}
}

// append records an entry, evicting the oldest when the bound is hit.
// Evicted-but-unsaved entries are lost to the snapshot; the metrics
// counters are never evicted.
func (t *Trail) append(entryType EntryType, payload map[string]any, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, Entry{
		Timestamp: time.Now(),
		Type:      entryType,
		Payload:   payload,
		Success:   success,
	})
	if len(t.entries) > t.cfg.MaxEntries {
		evict := len(t.entries) - t.cfg.MaxEntries
		t.entries = append([]Entry(nil), t.entries[evict:]...)
		t.seqBase += int64(evict)
		if t.saved < t.seqBase {
			t.saved = t.seqBase
		}
	}

	t.metrics["total"]++
	t.metrics[string(entryType)]++
	if !success {
		t.metrics["failures"]++
	}
}

// RuleChange records a create/modify/delete attempt, successful or not.
func (t *Trail) RuleChange(action, ruleID string, rule any, actor string, success bool, detail string) {
	payload := map[string]any{
		"action":  action,
		"rule_id": ruleID,
		"actor":   actor,
	}
	if rule != nil {
		payload["rule"] = rule
	}
	if detail != "" {
		payload["detail"] = detail
	}
	t.append(TypeRuleChange, payload, success)
}

// RoutingDecision records one dispatch-time application of a live
// mapping.
func (t *Trail) RoutingDecision(eventName, ruleID, target string, applied bool, reason string) {
	payload := map[string]any{
		"event_name": eventName,
		"rule_id":    ruleID,
		"target":     target,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	t.append(TypeRoutingDecision, payload, applied)
}

// Validation records a validation outcome for a candidate rule.
func (t *Trail) Validation(ruleID string, ok bool, message string) {
	payload := map[string]any{"rule_id": ruleID}
	if message != "" {
		payload["message"] = message
	}
	t.append(TypeValidation, payload, ok)
}

// PermissionCheck records an authorization decision.
func (t *Trail) PermissionCheck(actor, action string, allowed bool) {
	t.append(TypePermissionCheck, map[string]any{
		"actor":  actor,
		"action": action,
	}, allowed)
}

// TTLExpiration records the automatic deletion of an expired rule.
func (t *Trail) TTLExpiration(ruleID string, rule any) {
	payload := map[string]any{"rule_id": ruleID}
	if rule != nil {
		payload["rule"] = rule
	}
	t.append(TypeTTLExpiration, payload, true)
}

// SystemEvent records a daemon lifecycle event (startup, shutdown,
// component failures).
func (t *Trail) SystemEvent(name string, details map[string]any) {
	payload := map[string]any{"name": name}
	for k, v := range details {
		payload[k] = v
	}
	t.append(TypeSystemEvent, payload, true)
}

// Query returns matching entries, newest first. A limit <= 0 defaults
// to 100.
func (t *Trail) Query(filter Filter, limit int) []Entry {
	if limit <= 0 {
		limit = 100
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	for i := len(t.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := t.entries[i]
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesFilter(e Entry, f Filter) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.Actor != "" {
		if actor, _ := e.Payload["actor"].(string); actor != f.Actor {
			return false
		}
	}
	if f.RuleID != "" {
		if ruleID, _ := e.Payload["rule_id"].(string); ruleID != f.RuleID {
			return false
		}
	}
	return true
}

// Metrics returns a copy of the monotonic counters: "total",
// "failures", and one counter per entry type.
func (t *Trail) Metrics() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.metrics))
	for k, v := range t.metrics {
		out[k] = v
	}
	return out
}

// Len returns the number of in-memory entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot persists entries recorded since the last snapshot. With no
// store attached it is a no-op.
func (t *Trail) Snapshot() error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	from := t.saved - t.seqBase
	if from < 0 {
		from = 0
	}
	pending := append([]Entry(nil), t.entries[from:]...)
	end := t.seqBase + int64(len(t.entries))
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := t.store.SaveBatch(pending); err != nil {
		t.logger.Warn("audit snapshot failed", "entries", len(pending), "error", err)
		return err
	}

	t.mu.Lock()
	if end > t.saved {
		t.saved = end
	}
	t.mu.Unlock()

	t.logger.Debug("audit snapshot", "entries", len(pending))
	return nil
}

// Run snapshots periodically until ctx is done, then takes one final
// snapshot. It blocks; run it in its own goroutine.
func (t *Trail) Run(ctx context.Context) {
	if t.store == nil {
		return
	}

	ticker := time.NewTicker(t.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.Snapshot()
			return
		case <-ticker.C:
			_ = t.Snapshot()
		}
	}
}
