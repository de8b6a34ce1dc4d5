package shared

import (
	"context"
	"testing"
	"time"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestWorkerAndJobID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if WorkerID(ctx) != "" || JobID(ctx) != "" {
		t.Fatalf("expected empty defaults")
	}
	ctx = WithJobID(WithWorkerID(ctx, "w-1"), "job-1")
	if WorkerID(ctx) != "w-1" {
		t.Fatalf("expected w-1, got %q", WorkerID(ctx))
	}
	if JobID(ctx) != "job-1" {
		t.Fatalf("expected job-1, got %q", JobID(ctx))
	}
}

func TestNow_PinnedClock(t *testing.T) {
	pinned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := WithNow(context.Background(), pinned)
	if !Now(ctx).Equal(pinned) {
		t.Fatalf("expected pinned time, got %v", Now(ctx))
	}
	if Now(context.Background()).IsZero() {
		t.Fatalf("expected wall clock fallback")
	}
}
