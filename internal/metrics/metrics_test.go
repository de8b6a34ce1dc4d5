package metrics

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/basket/go-steward/internal/persistence"
)

type fakeCounter struct {
	counts map[persistence.JobState]int
	err    error
}

func (f fakeCounter) CountByState(context.Context) (map[persistence.JobState]int, error) {
	return f.counts, f.err
}

func TestObserveQueueSetsGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ObserveQueue(ctx, fakeCounter{counts: map[persistence.JobState]int{persistence.JobQueued: 3}}, time.Hour, slog.Default())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(QueueDepth.WithLabelValues("QUEUED")) != 3 {
		if time.Now().After(deadline) {
			t.Fatal("gauge not updated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("RUNNING")); got != 0 {
		t.Fatalf("expected RUNNING=0, got %v", got)
	}
	cancel()
	<-done
}

func TestObserveQueueToleratesErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ObserveQueue(ctx, fakeCounter{err: errors.New("db closed")}, time.Millisecond, slog.Default())
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(GuardDecisions.WithLabelValues("rejected", "per_tx_cap"))
	GuardDecisions.WithLabelValues("rejected", "per_tx_cap").Inc()
	if got := testutil.ToFloat64(GuardDecisions.WithLabelValues("rejected", "per_tx_cap")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}
