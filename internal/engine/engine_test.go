package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/engine"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/shared"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func openAudit(t *testing.T) (*audit.Log, string) {
	t.Helper()
	home := t.TempDir()
	log, err := audit.Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log, filepath.Join(home, "logs", "audit.jsonl")
}

func auditEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("audit line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func enqueue(t *testing.T, store *persistence.Store, p persistence.EnqueueParams) string {
	t.Helper()
	res, err := store.Enqueue(shared.WithNow(context.Background(), t0), p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res.JobID
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func mustRegister(t *testing.T, reg *engine.Registry, jobType string, h engine.Handler) {
	t.Helper()
	if err := reg.Register(jobType, h); err != nil {
		t.Fatalf("register %s: %v", jobType, err)
	}
}

func getJob(t *testing.T, store *persistence.Store, id string) *persistence.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestRunPass_SuccessCompletesAndAudits(t *testing.T) {
	store := openStoreForEngineTest(t)
	log, auditPath := openAudit(t)
	reg := engine.NewRegistry()

	var (
		gotNow      time.Time
		gotWorker   string
		gotDeadline time.Time
	)
	mustRegister(t, reg, "TICK", func(ctx context.Context, job persistence.Job) error {
		gotNow = shared.Now(ctx)
		gotWorker = shared.WorkerID(ctx)
		gotDeadline, _ = ctx.Deadline()
		return nil
	})
	id := enqueue(t, store, persistence.EnqueueParams{Type: "TICK"})

	eng := engine.New(store, reg, engine.Config{Audit: log, LeaseTTL: time.Minute, Clock: fixedClock(t0)})
	start := time.Now()
	n, err := eng.RunPass(context.Background(), "worker-a")
	if err != nil || n != 1 {
		t.Fatalf("run pass: n=%d err=%v", n, err)
	}
	if got := getJob(t, store, id); got.State != persistence.JobSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.State)
	}
	if !gotNow.Equal(t0) || gotWorker != "worker-a" {
		t.Fatalf("handler context: now=%s worker=%q", gotNow, gotWorker)
	}
	if gotDeadline.Before(start.Add(59*time.Second)) || gotDeadline.After(time.Now().Add(time.Minute)) {
		t.Fatalf("handler deadline %s is not the lease ttl", gotDeadline)
	}

	events := auditEvents(t, auditPath)
	if len(events) != 2 || events[0]["event"] != "CLAIMED" || events[1]["event"] != "SUCCEEDED" {
		t.Fatalf("unexpected audit trail %v", events)
	}
	if events[0]["job_id"] != id || events[0]["worker_id"] != "worker-a" || events[0]["job_type"] != "TICK" {
		t.Fatalf("unexpected claim record %v", events[0])
	}
}

func TestRunPass_ErrorIsRetried(t *testing.T) {
	store := openStoreForEngineTest(t)
	log, auditPath := openAudit(t)
	reg := engine.NewRegistry()
	mustRegister(t, reg, "TICK", func(context.Context, persistence.Job) error {
		return errors.New("rpc unavailable")
	})
	id := enqueue(t, store, persistence.EnqueueParams{Type: "TICK"})

	eng := engine.New(store, reg, engine.Config{Audit: log, Clock: fixedClock(t0)})
	if _, err := eng.RunPass(context.Background(), "w"); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	job := getJob(t, store, id)
	if job.State != persistence.JobQueued || !job.RunAfter.Equal(t0.Add(5*time.Second)) || job.LastError != "rpc unavailable" {
		t.Fatalf("unexpected job after retryable failure: %+v", job)
	}

	events := auditEvents(t, auditPath)
	failed := events[len(events)-1]
	if failed["event"] != "FAILED" || failed["retryable"] != true || failed["next_run_at"] != "2024-01-01T00:00:05Z" {
		t.Fatalf("unexpected failure record %v", failed)
	}
}

func TestRunPass_PermanentAndMissingHandlerAreFinal(t *testing.T) {
	store := openStoreForEngineTest(t)
	log, auditPath := openAudit(t)
	reg := engine.NewRegistry()
	mustRegister(t, reg, "BAD", func(context.Context, persistence.Job) error {
		return engine.Permanent(errors.New("invalid intent"))
	})
	bad := enqueue(t, store, persistence.EnqueueParams{Type: "BAD", Priority: 1})
	unknown := enqueue(t, store, persistence.EnqueueParams{Type: "UNKNOWN"})

	eng := engine.New(store, reg, engine.Config{Audit: log, MaxClaimsPerTick: 5, Clock: fixedClock(t0)})
	n, err := eng.RunPass(context.Background(), "w")
	if err != nil || n != 2 {
		t.Fatalf("run pass: n=%d err=%v", n, err)
	}
	if job := getJob(t, store, bad); job.State != persistence.JobFailedFinal || job.Attempts != 1 {
		t.Fatalf("permanent error must be final on first attempt: %+v", job)
	}
	job := getJob(t, store, unknown)
	if job.State != persistence.JobFailedFinal || job.LastError != "no handler registered" {
		t.Fatalf("unexpected unknown-type job %+v", job)
	}
	for _, ev := range auditEvents(t, auditPath) {
		if ev["event"] == "FAILED" {
			if ev["retryable"] != false {
				t.Fatalf("final failure audited as retryable: %v", ev)
			}
			if _, ok := ev["next_run_at"]; ok {
				t.Fatalf("final failure must not carry next_run_at: %v", ev)
			}
		}
	}
}

func TestRunPass_PanicIsRetryable(t *testing.T) {
	store := openStoreForEngineTest(t)
	reg := engine.NewRegistry()
	mustRegister(t, reg, "TICK", func(context.Context, persistence.Job) error {
		panic("nil map")
	})
	id := enqueue(t, store, persistence.EnqueueParams{Type: "TICK"})

	eng := engine.New(store, reg, engine.Config{Clock: fixedClock(t0)})
	if _, err := eng.RunPass(context.Background(), "w"); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	job := getJob(t, store, id)
	if job.State != persistence.JobQueued || !strings.Contains(job.LastError, "handler panic: nil map") {
		t.Fatalf("unexpected job after panic %+v", job)
	}
}

func TestRunPass_RespectsMaxClaimsPerTick(t *testing.T) {
	store := openStoreForEngineTest(t)
	reg := engine.NewRegistry()
	mustRegister(t, reg, "TICK", func(context.Context, persistence.Job) error { return nil })
	for i := 0; i < 5; i++ {
		enqueue(t, store, persistence.EnqueueParams{Type: "TICK"})
	}
	eng := engine.New(store, reg, engine.Config{MaxClaimsPerTick: 2, Clock: fixedClock(t0)})
	if n, err := eng.RunPass(context.Background(), "w"); err != nil || n != 2 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	if n, _ := eng.RunPass(context.Background(), "w"); n != 2 {
		t.Fatalf("second pass: n=%d", n)
	}
	if n, _ := eng.RunPass(context.Background(), "w"); n != 1 {
		t.Fatalf("third pass: n=%d", n)
	}
	if n, _ := eng.RunPass(context.Background(), "w"); n != 0 {
		t.Fatalf("idle pass: n=%d", n)
	}
}

func TestWithSchema_RejectsInvalidPayload(t *testing.T) {
	store := openStoreForEngineTest(t)
	reg := engine.NewRegistry()
	var calls atomic.Int32
	h, err := engine.WithSchema([]byte(`{
		"type": "object",
		"required": ["chain"],
		"properties": {"chain": {"type": "string"}}
	}`), func(context.Context, persistence.Job) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("with schema: %v", err)
	}
	mustRegister(t, reg, "TICK", h)

	good := enqueue(t, store, persistence.EnqueueParams{Type: "TICK", Payload: json.RawMessage(`{"chain":"base"}`), Priority: 1})
	bad := enqueue(t, store, persistence.EnqueueParams{Type: "TICK", Payload: json.RawMessage(`{"chain":7}`)})

	eng := engine.New(store, reg, engine.Config{MaxClaimsPerTick: 2, Clock: fixedClock(t0)})
	if _, err := eng.RunPass(context.Background(), "w"); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if got := getJob(t, store, good).State; got != persistence.JobSucceeded {
		t.Fatalf("valid payload: expected SUCCEEDED, got %s", got)
	}
	job := getJob(t, store, bad)
	if job.State != persistence.JobFailedFinal || !strings.Contains(job.LastError, "schema validation failed") {
		t.Fatalf("invalid payload: unexpected job %+v", job)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler must only see valid payloads, calls=%d", calls.Load())
	}

	if _, err := engine.WithSchema([]byte(`{"type": 12}`), h); err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
}

func TestRun_WorkersDrainQueueAndStop(t *testing.T) {
	store := openStoreForEngineTest(t)
	reg := engine.NewRegistry()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	mustRegister(t, reg, "TICK", func(_ context.Context, job persistence.Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	const total = 12
	for i := 0; i < total; i++ {
		enqueue(t, store, persistence.EnqueueParams{Type: "TICK"})
	}

	eng := engine.New(store, reg, engine.Config{WorkerCount: 3, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		jobs, err := store.ListJobs(context.Background(), persistence.JobSucceeded, 100)
		if err == nil && len(jobs) == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %d/%d succeeded", len(jobs), total)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s handled %d times", id, n)
		}
	}
	if st := eng.Status(); len(st.WorkerIDs) != 3 || st.ActiveJobs != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := eng.Run(context.Background()); err == nil {
		t.Fatal("second Run must fail")
	}
}

func TestRegistry(t *testing.T) {
	reg := engine.NewRegistry()
	noop := func(context.Context, persistence.Job) error { return nil }
	if err := reg.Register("TICK", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("TICK", noop); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := reg.Register("", noop); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := reg.Register("X", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if _, ok := reg.Lookup("TICK"); !ok {
		t.Fatal("lookup failed")
	}
	if got := reg.Types(); len(got) != 1 || got[0] != "TICK" {
		t.Fatalf("types = %v", got)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	p := engine.Permanent(base)
	if !engine.IsPermanent(p) || !errors.Is(p, base) {
		t.Fatal("permanent wrapper must be detectable and unwrap")
	}
	if engine.IsPermanent(base) {
		t.Fatal("plain error must not be permanent")
	}
	if engine.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	wrapped := errors.Join(errors.New("ctx"), p)
	if !engine.IsPermanent(wrapped) {
		t.Fatal("wrapped permanent error must stay permanent")
	}
}

func TestNewWorkerIDFormat(t *testing.T) {
	id := engine.NewWorkerID()
	if !regexp.MustCompile(`^.+-\d+-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected worker id %q", id)
	}
	if id == engine.NewWorkerID() {
		t.Fatal("worker ids must be unique")
	}
}
