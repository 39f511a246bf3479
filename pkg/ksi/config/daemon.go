package config

import (
	"time"
)

// Daemon holds the substrate's own settings with defaults applied.
// Section names in the config file: daemon, eventlog, routing, audit,
// trace.
type Daemon struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DataDir holds the sqlite databases.
	DataDir string

	// MaxDepth bounds routing cascades.
	MaxDepth int

	// RequestTimeout is the default request/response deadline.
	RequestTimeout time.Duration

	// EventLogCapacity is the in-memory ring size.
	EventLogCapacity int

	// EventLogQueueSize bounds the durable-write queue.
	EventLogQueueSize int

	// EventLogFlushInterval paces the background batch writer.
	EventLogFlushInterval time.Duration

	// EventLogMaxBatch is the largest durable write batch.
	EventLogMaxBatch int

	// EventLogRetention is how long durable entries are kept.
	EventLogRetention time.Duration

	// RoutingSweepInterval is the TTL sweep cadence.
	RoutingSweepInterval time.Duration

	// AuditMaxEntries bounds the in-memory audit trail.
	AuditMaxEntries int

	// AuditSnapshotInterval paces durable audit snapshots.
	AuditSnapshotInterval time.Duration

	// TraceMaxAge is how long completed traces are retained.
	TraceMaxAge time.Duration

	// TraceCleanupInterval paces the trace cleanup sweep.
	TraceCleanupInterval time.Duration
}

// DefaultDaemon provides reasonable defaults.
var DefaultDaemon = Daemon{
	LogLevel:              "info",
	DataDir:               "var",
	MaxDepth:              10,
	RequestTimeout:        30 * time.Second,
	EventLogCapacity:      10000,
	EventLogQueueSize:     10000,
	EventLogFlushInterval: time.Second,
	EventLogMaxBatch:      500,
	EventLogRetention:     168 * time.Hour,
	RoutingSweepInterval:  time.Second,
	AuditMaxEntries:       10000,
	AuditSnapshotInterval: time.Minute,
	TraceMaxAge:           time.Hour,
	TraceCleanupInterval:  5 * time.Minute,
}

// DaemonFromConfig extracts daemon settings from cfg, falling back to
// DefaultDaemon per field.
func DaemonFromConfig(cfg Config) Daemon {
	def := DefaultDaemon

	daemon := cfg.Section("daemon")
	eventlog := cfg.Section("eventlog")
	routing := cfg.Section("routing")
	audit := cfg.Section("audit")
	trace := cfg.Section("trace")

	return Daemon{
		LogLevel:              daemon.String("log_level", def.LogLevel),
		DataDir:               daemon.String("data_dir", def.DataDir),
		MaxDepth:              daemon.Int("max_depth", def.MaxDepth),
		RequestTimeout:        daemon.Duration("request_timeout", def.RequestTimeout),
		EventLogCapacity:      eventlog.Int("capacity", def.EventLogCapacity),
		EventLogQueueSize:     eventlog.Int("queue_size", def.EventLogQueueSize),
		EventLogFlushInterval: eventlog.Duration("flush_interval", def.EventLogFlushInterval),
		EventLogMaxBatch:      eventlog.Int("max_batch", def.EventLogMaxBatch),
		EventLogRetention:     eventlog.Duration("retention", def.EventLogRetention),
		RoutingSweepInterval:  routing.Duration("sweep_interval", def.RoutingSweepInterval),
		AuditMaxEntries:       audit.Int("max_entries", def.AuditMaxEntries),
		AuditSnapshotInterval: audit.Duration("snapshot_interval", def.AuditSnapshotInterval),
		TraceMaxAge:           trace.Duration("max_age", def.TraceMaxAge),
		TraceCleanupInterval:  trace.Duration("cleanup_interval", def.TraceCleanupInterval),
	}
}
