package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/go-steward/internal/persistence"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_jobs_enqueued_total",
		Help: "Enqueue calls by job type and outcome (created or duplicate)",
	}, []string{"job_type", "outcome"})

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_jobs_claimed_total",
		Help: "Jobs leased to a worker",
	}, []string{"job_type"})

	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_job_outcomes_total",
		Help: "Finished handler runs by outcome",
	}, []string{"job_type", "outcome"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_handler_duration_seconds",
		Help:    "Time spent inside job handlers",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"job_type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steward_jobs",
		Help: "Jobs currently stored, by state",
	}, []string{"state"})

	GuardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_guard_decisions_total",
		Help: "Spend guard preflight results by outcome and rule",
	}, []string{"outcome", "rule"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_confirmations_total",
		Help: "Prepared transaction lifecycle events",
	}, []string{"event"})
)

var allStates = []persistence.JobState{
	persistence.JobQueued, persistence.JobRunning, persistence.JobSucceeded,
	persistence.JobFailedRetryable, persistence.JobFailedFinal, persistence.JobCanceled,
}

// StateCounter is satisfied by *persistence.Store.
type StateCounter interface {
	CountByState(ctx context.Context) (map[persistence.JobState]int, error)
}

// ObserveQueue refreshes QueueDepth every interval until ctx is done.
func ObserveQueue(ctx context.Context, store StateCounter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		counts, err := store.CountByState(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("queue depth refresh failed", "error", err)
		case err == nil:
			for _, state := range allStates {
				QueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve exposes /metrics on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
