package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/metrics"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/shared"
)

const (
	DefaultWorkerCount      = 1
	DefaultPollInterval     = 1000 * time.Millisecond
	DefaultLeaseTTL         = 30 * time.Second
	DefaultMaxClaimsPerTick = 1
)

// Store is the subset of *persistence.Store the worker pool needs.
type Store interface {
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*persistence.Job, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) (persistence.FailResult, error)
}

type Config struct {
	WorkerCount      int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxClaimsPerTick int
	Logger           *slog.Logger
	Audit            *audit.Log
	Tracer           trace.Tracer
	Clock            func() time.Time
}

type Status struct {
	WorkerIDs  []string `json:"worker_ids"`
	ActiveJobs int32    `json:"active_jobs"`
	LastError  string   `json:"last_error,omitempty"`
}

type Engine struct {
	store    Store
	registry *Registry
	config   Config
	logger   *slog.Logger
	audit    *audit.Log
	tracer   trace.Tracer
	clock    func() time.Time

	workerIDs []string
	once      sync.Once
	wg        sync.WaitGroup

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(store Store, registry *Registry, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxClaimsPerTick <= 0 {
		cfg.MaxClaimsPerTick = DefaultMaxClaimsPerTick
	}
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ids := make([]string, cfg.WorkerCount)
	for i := range ids {
		ids[i] = NewWorkerID()
	}
	return &Engine{
		store:     store,
		registry:  registry,
		config:    cfg,
		logger:    logger.With("component", "engine"),
		audit:     cfg.Audit,
		tracer:    tracer,
		clock:     clock,
		workerIDs: ids,
	}
}

// NewWorkerID returns "<hostname>-<pid>-<8 hex chars>".
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Run starts the workers and blocks until ctx is canceled and every
// in-flight handler has returned.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.once.Do(func() {
		started = true
		for _, id := range e.workerIDs {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx, id)
			}()
		}
		e.logger.Info("worker pool started",
			"workers", len(e.workerIDs),
			"lease_ttl", e.config.LeaseTTL,
			"poll_interval", e.config.PollInterval,
			"max_claims_per_tick", e.config.MaxClaimsPerTick,
			"job_types", e.registry.Types(),
		)
	})
	if !started {
		return errors.New("engine already running")
	}
	<-ctx.Done()
	e.wg.Wait()
	e.logger.Info("worker pool stopped")
	return nil
}

func (e *Engine) Status() Status {
	st := Status{
		WorkerIDs:  append([]string(nil), e.workerIDs...),
		ActiveJobs: e.activeJobs.Load(),
	}
	if msg := e.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (e *Engine) worker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := e.RunPass(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			e.setLastError(err)
			e.logger.Error("worker pass failed", "worker_id", workerID, "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.PollInterval):
		}
	}
}

// RunPass performs up to MaxClaimsPerTick claim-and-handle cycles for
// workerID and reports how many jobs it claimed.
func (e *Engine) RunPass(ctx context.Context, workerID string) (int, error) {
	claimed := 0
	for claimed < e.config.MaxClaimsPerTick {
		if ctx.Err() != nil {
			return claimed, nil
		}
		now := e.clock()
		job, err := e.store.ClaimNext(ctx, workerID, e.config.LeaseTTL, now)
		if err != nil {
			return claimed, fmt.Errorf("claim next: %w", err)
		}
		if job == nil {
			return claimed, nil
		}
		claimed++
		e.handle(ctx, workerID, *job, now)
	}
	return claimed, nil
}

func (e *Engine) handle(parent context.Context, workerID string, job persistence.Job, claimedAt time.Time) {
	e.activeJobs.Add(1)
	defer e.activeJobs.Add(-1)

	// Shutdown does not interrupt a running handler; the lease deadline does.
	ctx := context.WithoutCancel(parent)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithWorkerID(ctx, workerID)
	ctx = shared.WithJobID(ctx, job.ID)

	ctx, span := otel.StartSpan(ctx, e.tracer, "job.handle",
		otel.AttrJobID.String(job.ID),
		otel.AttrJobType.String(job.Type),
		otel.AttrAttempt.Int(job.Attempts),
		otel.AttrWorkerID.String(workerID),
	)
	logger := e.logger.With("job_id", job.ID, "job_type", job.Type, "worker_id", workerID, "trace_id", shared.TraceID(ctx))

	metrics.JobsClaimed.WithLabelValues(job.Type).Inc()
	e.audit.Record(shared.WithNow(ctx, claimedAt), audit.Record{
		Event:    audit.EventClaimed,
		JobID:    job.ID,
		JobType:  job.Type,
		WorkerID: workerID,
		Attempt:  job.Attempts,
	})
	logger.Info("job claimed", "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "lease_expires_at", job.LeaseExpiresAt)

	err := e.invoke(ctx, job, claimedAt)
	otel.EndSpan(span, err)

	doneCtx := shared.WithNow(ctx, e.clock())
	if err == nil {
		if cErr := e.store.Complete(doneCtx, job.ID, workerID); cErr != nil {
			e.recordStoreError(logger, job, "complete", cErr)
			return
		}
		metrics.JobOutcomes.WithLabelValues(job.Type, "succeeded").Inc()
		e.audit.Record(doneCtx, audit.Record{Event: audit.EventSucceeded, JobID: job.ID, JobType: job.Type, WorkerID: workerID, Attempt: job.Attempts})
		logger.Info("job succeeded", "attempt", job.Attempts)
		return
	}

	retryable := !IsPermanent(err)
	res, fErr := e.store.Fail(doneCtx, job.ID, workerID, err.Error(), retryable)
	if fErr != nil {
		e.recordStoreError(logger, job, "fail", fErr)
		return
	}
	e.setLastError(err)
	rec := audit.Record{
		Event:     audit.EventFailed,
		JobID:     job.ID,
		JobType:   job.Type,
		WorkerID:  workerID,
		Attempt:   job.Attempts,
		Retryable: &retryable,
		Error:     err.Error(),
	}
	outcome := "failed_final"
	if !res.Final {
		outcome = "failed_retryable"
		next := res.NextRunAfter
		rec.NextRunAt = &next
	}
	metrics.JobOutcomes.WithLabelValues(job.Type, outcome).Inc()
	e.audit.Record(doneCtx, rec)
	logger.Warn("job failed",
		"attempt", job.Attempts,
		"retryable", retryable,
		"final", res.Final,
		"next_run_at", res.NextRunAfter,
		"error", err,
	)
}

// invoke runs the handler under a deadline equal to the lease expiry and
// converts panics into retryable errors.
func (e *Engine) invoke(ctx context.Context, job persistence.Job, claimedAt time.Time) (err error) {
	h, ok := e.registry.Lookup(job.Type)
	if !ok {
		return Permanent(errNoHandler)
	}

	deadline := job.LeaseExpiresAt
	if deadline.IsZero() {
		deadline = claimedAt.Add(e.config.LeaseTTL)
	}
	// The lease is measured on the engine clock; the context deadline is
	// wall-clock, so carry over only the remaining duration.
	hctx, cancel := context.WithTimeout(ctx, deadline.Sub(claimedAt))
	defer cancel()
	hctx = shared.WithNow(hctx, claimedAt)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	start := time.Now()
	err = h(hctx, job)
	metrics.HandlerDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && !IsPermanent(err) {
		err = fmt.Errorf("handler exceeded lease deadline: %w", err)
	}
	return err
}

func (e *Engine) recordStoreError(logger *slog.Logger, job persistence.Job, op string, err error) {
	if errors.Is(err, persistence.ErrLeaseLost) {
		metrics.JobOutcomes.WithLabelValues(job.Type, "lease_lost").Inc()
		logger.Warn("lease lost before "+op+"; result discarded", "attempt", job.Attempts)
		return
	}
	e.setLastError(err)
	logger.Error(op+" failed", "error", err)
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
