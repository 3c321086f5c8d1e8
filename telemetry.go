package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/rs/xid"
)

// LogRecord is a structured observability record, per §7: "Every state
// transition worth diagnosing emits a structured log entry
// {level, timestamp, message}". ID lets WebSocket subscribers deduplicate
// records delivered across a reconnect.
type LogRecord struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag"`
	Message   string    `json:"message"`
}

// Telemetry is the process-wide structured logger and bounded ring buffer
// backing the control plane's WebSocket log feed (§6, §7). It wraps
// github.com/charmbracelet/log for human-readable console output and
// additionally retains the last logRingSize records for replay to newly
// connected WebSocket clients.
type Telemetry struct {
	logger *charmlog.Logger

	mu    sync.Mutex
	ring  []LogRecord
	head  int
	count int
	subs  map[chan LogRecord]struct{}
}

// NewTelemetry constructs a Telemetry sink of the given ring capacity.
func NewTelemetry(capacity int) *Telemetry {
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	return &Telemetry{
		logger: logger,
		ring:   make([]LogRecord, capacity),
		subs:   make(map[chan LogRecord]struct{}),
	}
}

func (t *Telemetry) record(level, tag, msg string) {
	rec := LogRecord{
		ID:        xid.New().String(),
		Level:     level,
		Timestamp: time.Now(),
		Tag:       tag,
		Message:   msg,
	}

	t.mu.Lock()
	t.ring[t.head] = rec
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	for ch := range t.subs {
		select {
		case ch <- rec:
		default: // slow subscriber; drop rather than block the logging path
		}
	}
	t.mu.Unlock()

	switch level {
	case "debug":
		t.logger.Debug(msg, "tag", tag)
	case "warn":
		t.logger.Warn(msg, "tag", tag)
	case "error":
		t.logger.Error(msg, "tag", tag)
	default:
		t.logger.Info(msg, "tag", tag)
	}
}

func (t *Telemetry) Debugf(tag, format string, args ...interface{}) {
	t.record("debug", tag, fmt.Sprintf(format, args...))
}

func (t *Telemetry) Infof(tag, format string, args ...interface{}) {
	t.record("info", tag, fmt.Sprintf(format, args...))
}

func (t *Telemetry) Warnf(tag, format string, args ...interface{}) {
	t.record("warn", tag, fmt.Sprintf(format, args...))
}

func (t *Telemetry) Errorf(tag, format string, args ...interface{}) {
	t.record("error", tag, fmt.Sprintf(format, args...))
}

// Snapshot returns up to the last N retained records, oldest first.
func (t *Telemetry) Snapshot() []LogRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]LogRecord, t.count)
	for i := 0; i < t.count; i++ {
		idx := (t.head - t.count + i + len(t.ring)) % len(t.ring)
		out[i] = t.ring[idx]
	}
	return out
}

// Subscribe registers ch to receive every future LogRecord. The returned
// func unsubscribes; callers must call it to avoid leaking the channel
// registration.
func (t *Telemetry) Subscribe(ch chan LogRecord) (cancel func()) {
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}
}
