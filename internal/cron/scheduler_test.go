package cron_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-steward/internal/cron"
	"github.com/basket/go-steward/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "steward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduleKeyFormat(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 42, 123_000_000, time.UTC)
	bucket := cron.BucketStart(now, time.Minute)
	if got, want := cron.ScheduleKey("TICK", "base", bucket), "TICK:base:2024-01-01T00:00:00.000Z"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestBucketStart(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 7, 31, 0, time.UTC)
	cases := []struct {
		interval time.Duration
		want     time.Time
	}{
		{time.Minute, time.Date(2024, 3, 5, 10, 7, 0, 0, time.UTC)},
		{5 * time.Minute, time.Date(2024, 3, 5, 10, 5, 0, 0, time.UTC)},
		{time.Hour, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := cron.BucketStart(now, tc.interval); !got.Equal(tc.want) {
			t.Fatalf("BucketStart(%s) = %s, want %s", tc.interval, got, tc.want)
		}
	}
	// Non-UTC inputs land in the same bucket.
	local := now.In(time.FixedZone("X", 3*3600))
	if got := cron.BucketStart(local, time.Minute); !got.Equal(cases[0].want) {
		t.Fatalf("zone changed bucket: %s", got)
	}
}

func TestSchedulerTick_DuplicateWithinBucket(t *testing.T) {
	store := openTestStore(t)
	s := cron.NewScheduler(cron.Config{Store: store, Enabled: true, Interval: time.Minute, Chain: "base"})
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	first, err := s.Tick(ctx, base)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first tick must create a job")
	}

	// Simulated restart later in the same bucket.
	restarted := cron.NewScheduler(cron.Config{Store: store, Enabled: true, Interval: time.Minute, Chain: "base"})
	dup, err := restarted.Tick(ctx, base.Add(40*time.Second))
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !dup.Duplicate || dup.JobID != first.JobID {
		t.Fatalf("expected duplicate of %s, got %+v", first.JobID, dup)
	}

	next, err := s.Tick(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("next bucket tick: %v", err)
	}
	if next.Duplicate {
		t.Fatal("next bucket must create a new job")
	}

	job, err := store.GetJob(ctx, first.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Type != "TICK" || job.ScheduleKey != "TICK:base:2024-01-01T00:00:00.000Z" || job.Priority != 0 {
		t.Fatalf("unexpected job %+v", job)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["chain"] != "base" || payload["bucket"] != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestScheduler_DisabledReturnsImmediately(t *testing.T) {
	store := openTestStore(t)
	s := cron.NewScheduler(cron.Config{Store: store, Interval: time.Second})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disabled scheduler did not return")
	}
	jobs, err := store.ListJobs(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("disabled scheduler enqueued %d jobs", len(jobs))
	}
}

func TestScheduler_RunEnqueuesUntilCanceled(t *testing.T) {
	store := openTestStore(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := cron.NewScheduler(cron.Config{
		Store:    store,
		Enabled:  true,
		Interval: time.Second,
		Chain:    "base",
		Clock:    func() time.Time { return clock },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool {
		jobs, err := store.ListJobs(context.Background(), persistence.JobQueued, 10)
		return err == nil && len(jobs) == 1
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	// A frozen clock keeps every tick in one bucket.
	jobs, _ := store.ListJobs(context.Background(), "", 10)
	if len(jobs) != 1 {
		t.Fatalf("expected one job for a single bucket, got %d", len(jobs))
	}
}

func TestNewScheduler_NormalisesInterval(t *testing.T) {
	if got := cron.NewScheduler(cron.Config{Interval: 200 * time.Millisecond}).Interval(); got != time.Second {
		t.Fatalf("expected 1s minimum, got %s", got)
	}
	if got := cron.NewScheduler(cron.Config{Interval: 1500 * time.Millisecond}).Interval(); got != time.Second {
		t.Fatalf("expected truncation to 1s, got %s", got)
	}
	if got := cron.NewScheduler(cron.Config{}).Interval(); got != cron.DefaultInterval {
		t.Fatalf("expected default interval, got %s", got)
	}
}
