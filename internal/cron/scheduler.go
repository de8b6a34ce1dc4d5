// Package cron enqueues one periodic job per time bucket. The bucket is baked
// into the job's schedule key, so restarts and overlapping schedulers inside
// the same bucket collapse onto a single job.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/metrics"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/shared"
)

const (
	DefaultJobType  = "TICK"
	DefaultInterval = 60 * time.Second

	bucketLayout = "2006-01-02T15:04:05.000Z"
)

// Enqueuer is satisfied by *persistence.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, p persistence.EnqueueParams) (persistence.EnqueueResult, error)
}

type Config struct {
	Store   Enqueuer
	Audit   *audit.Log
	Logger  *slog.Logger
	Enabled bool
	// Interval between ticks; rounded to whole seconds, minimum 1s.
	Interval time.Duration
	JobType  string
	Chain    string
	Clock    func() time.Time
}

type Scheduler struct {
	store    Enqueuer
	audit    *audit.Log
	logger   *slog.Logger
	enabled  bool
	interval time.Duration
	jobType  string
	chain    string
	clock    func() time.Time
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	// Every truncates to whole seconds and never goes below one.
	interval = cronlib.Every(interval).Delay
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobType := cfg.JobType
	if jobType == "" {
		jobType = DefaultJobType
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:    cfg.Store,
		audit:    cfg.Audit,
		logger:   logger.With("component", "scheduler"),
		enabled:  cfg.Enabled,
		interval: interval,
		jobType:  jobType,
		chain:    cfg.Chain,
		clock:    clock,
	}
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run ticks until ctx is canceled. A disabled scheduler returns immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}
	s.logger.Info("scheduler started", "interval", s.interval, "job_type", s.jobType, "chain", s.chain)
	defer s.logger.Info("scheduler stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := s.Tick(ctx, s.clock()); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		timer.Reset(s.interval)
	}
}

// Tick enqueues the job for the bucket containing now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (persistence.EnqueueResult, error) {
	bucket := BucketStart(now, s.interval)
	key := ScheduleKey(s.jobType, s.chain, bucket)
	payload, err := json.Marshal(map[string]string{
		"chain":  s.chain,
		"bucket": bucket.Format(bucketLayout),
	})
	if err != nil {
		return persistence.EnqueueResult{}, fmt.Errorf("encode tick payload: %w", err)
	}

	ctx = shared.WithNow(ctx, now)
	res, err := s.store.Enqueue(ctx, persistence.EnqueueParams{
		Type:        s.jobType,
		Payload:     payload,
		RunAfter:    now,
		ScheduleKey: key,
	})
	if err != nil {
		return res, fmt.Errorf("enqueue %s: %w", key, err)
	}

	outcome := "created"
	if res.Duplicate {
		outcome = "duplicate"
	}
	metrics.JobsEnqueued.WithLabelValues(s.jobType, outcome).Inc()
	s.logger.Info("scheduled job",
		"job_id", res.JobID,
		"schedule_key", key,
		"duplicate", res.Duplicate,
	)
	if !res.Duplicate {
		s.audit.Record(ctx, audit.Record{Event: audit.EventEnqueued, JobID: res.JobID, JobType: s.jobType})
	}
	return res, nil
}

// BucketStart floors now to a multiple of interval since the Unix epoch.
func BucketStart(now time.Time, interval time.Duration) time.Time {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return now.UTC()
	}
	t := now.UnixMilli()
	return time.UnixMilli(t - mod(t, ms)).UTC()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// ScheduleKey renders "<type>:<chain>:<bucket>" with a millisecond UTC bucket.
func ScheduleKey(jobType, chain string, bucket time.Time) string {
	return fmt.Sprintf("%s:%s:%s", jobType, chain, bucket.UTC().Format(bucketLayout))
}
