// Package eventlog provides the daemon's pull/push event log: a bounded
// in-memory ring buffer for queries, an asynchronous batched write-behind
// path to SQLite, and real-time subscriber fan-out.
//
// Durability is best-effort: if the write queue overflows, the entry
// stays visible in the ring buffer but the durable write is dropped and
// counted. Append never blocks the caller.
package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ksierrors "github.com/durapensa/ksi-sub004/pkg/ksi/errors"
)

// Entry is the logged projection of an emitted event. Entries are
// immutable once created.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventName     string         `json:"event_name"`
	Data          map[string]any `json:"data,omitempty"`
	ClientID      string         `json:"client_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
}

// DropRecorder counts entries dropped from the ring buffer or the
// durable-write queue. The observability package's MetricsRecorder
// satisfies it.
type DropRecorder interface {
	RecordLogDrop(ctx context.Context, reason string)
}

// Config configures the event log.
type Config struct {
	// Capacity is the ring buffer size. Default: 10000.
	Capacity int

	// QueueSize bounds the durable-write queue. Default: 10000.
	QueueSize int

	// FlushInterval is how often the background writer flushes a
	// partial batch. Default: 1s.
	FlushInterval time.Duration

	// MaxBatch is the largest batch handed to the store. Default: 500.
	MaxBatch int

	// Retention is how long durable entries are kept. Default: 168h.
	Retention time.Duration

	// RetentionSweep is the cadence of the durable retention sweep.
	// Default: 1h.
	RetentionSweep time.Duration

	// Retry configures durable batch-write retries.
	Retry ksierrors.RetryConfig

	// Metrics counts ring evictions and queue drops. Optional; nil
	// disables drop metrics.
	Metrics DropRecorder

	// Logger for writer and subscriber diagnostics.
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Capacity:       10000,
	QueueSize:      10000,
	FlushInterval:  time.Second,
	MaxBatch:       500,
	Retention:      168 * time.Hour,
	RetentionSweep: time.Hour,
	Retry:          ksierrors.DefaultRetry,
}

// Stats describes the in-memory state of the log.
type Stats struct {
	Total        int64     `json:"total"`
	Dropped      int64     `json:"dropped"`
	QueueDropped int64     `json:"queue_dropped"`
	Size         int       `json:"size"`
	Oldest       time.Time `json:"oldest,omitzero"`
	Newest       time.Time `json:"newest,omitzero"`
}

// QueryOptions filters a Query call. Zero values mean "no filter".
type QueryOptions struct {
	Patterns    []string // glob patterns against EventName
	ClientID    string
	Since       time.Time
	Until       time.Time
	Limit       int  // 0 = unlimited
	OldestFirst bool // default newest first
}

// subscriber is one real-time consumer of matching entries.
type subscriber struct {
	id       string
	patterns []string
	sink     io.Writer
	mu       sync.Mutex // serializes writes to sink
	active   atomic.Bool
}

// Log is the event log. Construct with NewLog, then call Run to start
// the background writer and retention sweep.
type Log struct {
	cfg   Config
	store *Store // nil = in-memory only

	mu      sync.RWMutex
	ring    []Entry
	start   int
	size    int
	total   int64
	dropped int64

	queue        chan Entry
	queueDropped int64 // guarded by mu

	subMu sync.RWMutex
	subs  map[string]*subscriber

	metrics DropRecorder // nil = disabled
	logger  *slog.Logger
}

// NewLog creates an event log backed by an optional durable store. If
// store is non-nil, the last retention window of durable entries is
// loaded back into the ring buffer for continuity across restarts.
func NewLog(cfg Config, store *Store) *Log {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig.MaxBatch
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.RetentionSweep <= 0 {
		cfg.RetentionSweep = DefaultConfig.RetentionSweep
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Log{
		cfg:     cfg,
		store:   store,
		ring:    make([]Entry, cfg.Capacity),
		queue:   make(chan Entry, cfg.QueueSize),
		subs:    make(map[string]*subscriber),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}

	if store != nil {
		entries, err := store.LoadRecent(cfg.Retention, cfg.Capacity)
		if err != nil {
			l.logger.Warn("event log backfill failed", "error", err)
		} else {
			for _, e := range entries {
				l.push(e)
			}
			if len(entries) > 0 {
				l.logger.Info("event log backfilled", "entries", len(entries))
			}
		}
	}

	return l
}

// Append records an entry. It never blocks: the ring buffer evicts its
// oldest entry when full, and the durable write is dropped (and
// counted) when the queue is full. Matching subscribers are notified
// fire-and-forget.
func (l *Log) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.push(e)
	if l.store != nil {
		select {
		case l.queue <- e:
		default:
			l.queueDropped++
			if l.metrics != nil {
				l.metrics.RecordLogDrop(context.Background(), "queue")
			}
		}
	}
	l.mu.Unlock()

	l.notify(e)
}

// push adds an entry to the ring buffer. Caller holds l.mu except
// during single-threaded construction.
func (l *Log) push(e Entry) {
	if l.size == len(l.ring) {
		l.start = (l.start + 1) % len(l.ring)
		l.dropped++
		if l.metrics != nil {
			l.metrics.RecordLogDrop(context.Background(), "ring")
		}
	} else {
		l.size++
	}
	l.ring[(l.start+l.size-1)%len(l.ring)] = e
	l.total++
}

// Query returns entries from the ring buffer matching the filter,
// sorted by timestamp (newest first unless OldestFirst is set).
func (l *Log) Query(opts QueryOptions) []Entry {
	l.mu.RLock()
	matched := make([]Entry, 0, l.size)
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.start+i)%len(l.ring)]
		if !matches(e, opts) {
			continue
		}
		matched = append(matched, e)
	}
	l.mu.RUnlock()

	// Sort by timestamp, not insertion order, masking any residual
	// reordering from concurrent appends.
	sort.SliceStable(matched, func(i, j int) bool {
		if opts.OldestFirst {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched
}

func matches(e Entry, opts QueryOptions) bool {
	if opts.ClientID != "" && e.ClientID != opts.ClientID {
		return false
	}
	if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
		return false
	}
	if len(opts.Patterns) == 0 {
		return true
	}
	return matchAny(opts.Patterns, e.EventName)
}

// matchAny reports whether name matches any of the glob patterns.
// A malformed pattern falls back to literal comparison.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Stats returns counters and bounds for the in-memory log.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Total:        l.total,
		Dropped:      l.dropped,
		QueueDropped: l.queueDropped,
		Size:         l.size,
	}
	if l.size > 0 {
		s.Oldest = l.ring[l.start].Timestamp
		s.Newest = l.ring[(l.start+l.size-1)%len(l.ring)].Timestamp
	}
	return s
}

// Subscribe registers a real-time consumer. Each matching entry is
// pushed to sink as one JSON object terminated by a newline. A failed
// write deactivates and removes the subscriber; other subscribers and
// the append path are unaffected. A sink that implements io.Closer is
// closed when the subscriber is removed.
func (l *Log) Subscribe(subscriberID string, patterns []string, sink io.Writer) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	sub := &subscriber{
		id:       subscriberID,
		patterns: patterns,
		sink:     sink,
	}
	sub.active.Store(true)
	l.subs[subscriberID] = sub
}

// Unsubscribe removes a subscriber and closes its sink if the sink
// implements io.Closer. Removing an unknown ID is a no-op.
func (l *Log) Unsubscribe(subscriberID string) {
	l.subMu.Lock()
	sub, ok := l.subs[subscriberID]
	delete(l.subs, subscriberID)
	l.subMu.Unlock()
	if !ok {
		return
	}

	sub.active.Store(false)
	if c, ok := sub.sink.(io.Closer); ok {
		// Serialize with any in-flight delivery.
		sub.mu.Lock()
		err := c.Close()
		sub.mu.Unlock()
		if err != nil {
			l.logger.Warn("subscriber sink close failed",
				"subscriber_id", subscriberID, "error", err)
		}
	}
}

// Subscribers returns the IDs of active subscribers.
func (l *Log) Subscribers() []string {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	ids := make([]string, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	return ids
}

// notify delivers an entry to each matching subscriber as an
// independent, non-blocking operation.
func (l *Log) notify(e Entry) {
	l.subMu.RLock()
	var targets []*subscriber
	for _, sub := range l.subs {
		if sub.active.Load() && matchAny(sub.patterns, e.EventName) {
			targets = append(targets, sub)
		}
	}
	l.subMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("subscriber payload marshal failed",
			"event_name", e.EventName, "error", err)
		return
	}
	payload = append(payload, '\n')

	for _, sub := range targets {
		go l.deliver(sub, payload)
	}
}

func (l *Log) deliver(sub *subscriber, payload []byte) {
	sub.mu.Lock()
	_, err := sub.sink.Write(payload)
	sub.mu.Unlock()

	if err != nil {
		sub.active.Store(false)
		l.Unsubscribe(sub.id)
		l.logger.Warn("subscriber removed after delivery failure",
			"subscriber_id", sub.id, "error", err)
	}
}

// Run drains the durable-write queue in time-boxed batches and sweeps
// expired durable entries until ctx is done, then performs one final
// flush. It blocks; run it in its own goroutine. With no durable store
// it returns immediately.
func (l *Log) Run(ctx context.Context) {
	if l.store == nil {
		return
	}

	flush := time.NewTicker(l.cfg.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(l.cfg.RetentionSweep)
	defer sweep.Stop()

	var batch []Entry
	for {
		select {
		case <-ctx.Done():
			// Final flush: drain whatever is still queued.
			for {
				batch = append(batch, l.drain(l.cfg.MaxBatch)...)
				if len(batch) == 0 {
					return
				}
				if batch = l.flush(context.Background(), batch); len(batch) > 0 {
					return // store unreachable, give up
				}
			}

		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= l.cfg.MaxBatch {
				batch = l.flush(ctx, batch)
			}

		case <-flush.C:
			batch = append(batch, l.drain(l.cfg.MaxBatch-len(batch))...)
			batch = l.flush(ctx, batch)

		case <-sweep.C:
			cutoff := time.Now().Add(-l.cfg.Retention)
			if n, err := l.store.DeleteBefore(cutoff); err != nil {
				l.logger.Warn("retention sweep failed", "error", err)
			} else if n > 0 {
				l.logger.Debug("retention sweep", "deleted", n)
			}
		}
	}
}

// drain takes up to max queued entries without blocking.
func (l *Log) drain(max int) []Entry {
	var out []Entry
	for len(out) < max {
		select {
		case e := <-l.queue:
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

// flush writes a batch with retry. On persistent failure the batch is
// kept and retried on the next interval.
func (l *Log) flush(ctx context.Context, batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}

	result := ksierrors.WithRetryContext(ctx, l.cfg.Retry, func(context.Context) (struct{}, error) {
		return struct{}{}, l.store.InsertBatch(batch)
	})
	if result.Err != nil {
		l.logger.Warn("durable batch write failed, will retry",
			"batch_size", len(batch),
			"attempts", result.Attempts,
			"error", result.Err,
		)
		return batch
	}
	return batch[:0]
}
