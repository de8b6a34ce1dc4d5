// Package audit records job lifecycle transitions as an append-only JSONL
// trail, optionally fanned out to a message broker.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-steward/internal/shared"
)

type Event string

const (
	EventEnqueued  Event = "ENQUEUED"
	EventClaimed   Event = "CLAIMED"
	EventSucceeded Event = "SUCCEEDED"
	EventFailed    Event = "FAILED"
	EventCanceled  Event = "CANCELED"
)

// Record is one audit line. Retryable and NextRunAt are only set on FAILED.
type Record struct {
	Timestamp time.Time  `json:"timestamp"`
	Event     Event      `json:"event"`
	JobID     string     `json:"job_id"`
	JobType   string     `json:"job_type"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Retryable *bool      `json:"retryable,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
}

// Sink receives encoded audit lines.
type Sink interface {
	Write(ctx context.Context, line []byte) error
	Close() error
}

// Log writes every record to all sinks. A failing sink is logged and does not
// block the others.
type Log struct {
	mu     sync.Mutex
	sinks  []Sink
	logger *slog.Logger
}

func New(logger *slog.Logger, sinks ...Sink) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{sinks: sinks, logger: logger.With("component", "audit")}
}

// Open creates a Log backed by <home>/logs/audit.jsonl plus any extra sinks.
func Open(homeDir string, logger *slog.Logger, extra ...Sink) (*Log, error) {
	file, err := OpenFile(filepath.Join(homeDir, "logs", "audit.jsonl"))
	if err != nil {
		return nil, err
	}
	return New(logger, append([]Sink{file}, extra...)...), nil
}

func (l *Log) Record(ctx context.Context, rec Record) {
	if l == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = shared.Now(ctx)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.TraceID == "" {
		if tid := shared.TraceID(ctx); tid != "-" {
			rec.TraceID = tid
		}
	}
	rec.Error = shared.Redact(rec.Error)

	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("audit encode failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, line); err != nil {
			l.logger.Warn("audit sink write failed", "event", rec.Event, "job_id", rec.JobID, "error", err)
		}
	}
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, sink := range l.sinks {
		errs = append(errs, sink.Close())
	}
	l.sinks = nil
	return errors.Join(errs...)
}

// FileSink appends lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Write(_ context.Context, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit file closed")
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	_, err := s.file.Write(buf)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
