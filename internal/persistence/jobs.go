package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-steward/internal/shared"
)

const (
	DefaultMaxAttempts = 5

	backoffBase = 5 * time.Second
	backoffMax  = 300 * time.Second

	reasonLeaseExpiredFinal = "lease expired on final attempt"
)

type JobState string

const (
	JobQueued          JobState = "QUEUED"
	JobRunning         JobState = "RUNNING"
	JobSucceeded       JobState = "SUCCEEDED"
	JobFailedRetryable JobState = "FAILED_RETRYABLE"
	JobFailedFinal     JobState = "FAILED_FINAL"
	JobCanceled        JobState = "CANCELED"
)

// ParseJobState accepts a state name in any case.
func ParseJobState(s string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case JobQueued, JobRunning, JobSucceeded, JobFailedRetryable, JobFailedFinal, JobCanceled:
		return state, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailedFinal || s == JobCanceled
}

var allowedTransitions = map[JobState][]JobState{
	JobQueued:          {JobRunning, JobCanceled},
	JobRunning:         {JobSucceeded, JobFailedRetryable, JobFailedFinal},
	JobFailedRetryable: {JobQueued},
}

func canTransition(from, to JobState) bool {
	return slices.Contains(allowedTransitions[from], to)
}

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastError   string          `json:"last_error,omitempty"`
	ScheduleKey string          `json:"schedule_key,omitempty"`

	// Set only on jobs returned by ClaimNext.
	LeaseHolder    string    `json:"lease_holder,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
}

type JobEvent struct {
	EventID   int64     `json:"event_id"`
	JobID     string    `json:"job_id"`
	EventType string    `json:"event_type"`
	TraceID   string    `json:"trace_id"`
	StateFrom JobState  `json:"state_from,omitempty"`
	StateTo   JobState  `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// EnqueueParams describes a new job. Zero values take the queue defaults:
// run immediately, priority 0, DefaultMaxAttempts attempts, no schedule key.
type EnqueueParams struct {
	Type        string
	Payload     json.RawMessage
	RunAfter    time.Time
	Priority    int
	MaxAttempts int
	ScheduleKey string
}

type EnqueueResult struct {
	JobID     string
	Duplicate bool
}

// FailResult reports what Fail decided. NextRunAfter is zero when Final.
type FailResult struct {
	Final        bool
	NextRunAfter time.Time
}

// Backoff returns the retry delay after the given number of attempts:
// 5s, 15s, 45s, ... capped at 300s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 3
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

// Enqueue inserts a QUEUED job. A schedule key that already exists, in any
// state, makes this a no-op reported as duplicate with the existing id.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if strings.TrimSpace(p.Type) == "" {
		return EnqueueResult{}, errors.New("enqueue: job type is required")
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return EnqueueResult{}, errors.New("enqueue: payload is not valid JSON")
	}
	if p.MaxAttempts < 0 {
		return EnqueueResult{}, fmt.Errorf("enqueue: max_attempts must be positive, got %d", p.MaxAttempts)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := shared.Now(ctx)
	runAfter := p.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	scheduleKey := sql.NullString{String: p.ScheduleKey, Valid: p.ScheduleKey != ""}

	var result EnqueueResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id := uuid.NewString()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, type, payload, state, priority, attempts, max_attempts,
				run_after_ms, created_at_ms, updated_at_ms, schedule_key)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT(schedule_key) DO NOTHING;
		`, id, p.Type, string(payload), JobQueued, p.Priority, maxAttempts,
			toMillis(runAfter), toMillis(now), toMillis(now), scheduleKey)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert job rows affected: %w", err)
		}
		if affected == 0 {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE schedule_key = ?;`, p.ScheduleKey).Scan(&existing); err != nil {
				return fmt.Errorf("select duplicate job: %w", err)
			}
			result = EnqueueResult{JobID: existing, Duplicate: true}
			return nil
		}
		if err := appendJobEventTx(ctx, tx, id, "", JobQueued, "job.enqueued", now, map[string]any{
			"type":         p.Type,
			"schedule_key": p.ScheduleKey,
		}); err != nil {
			return err
		}
		result = EnqueueResult{JobID: id}
		return nil
	})
	return result, err
}

// ClaimNext leases the best eligible job to workerID, or returns nil when
// nothing is runnable. Eligible means QUEUED and due, or RUNNING with no live
// lease (abandoned by a crashed worker) and attempts left. Abandoned jobs that
// already used their final attempt are moved to FAILED_FINAL here.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("claim: worker id is required")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("claim: lease ttl must be positive, got %s", leaseTTL)
	}
	nowMs := toMillis(now)

	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE expires_at_ms <= ?;`, nowMs); err != nil {
			return fmt.Errorf("purge expired leases: %w", err)
		}
		if err := finalizeAbandonedTx(ctx, tx, now); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE ((state = ? AND run_after_ms <= ?) OR (state = ? AND attempts < max_attempts))
				AND id NOT IN (SELECT job_id FROM leases)
			ORDER BY priority DESC, run_after_ms ASC, created_at_ms ASC, id ASC
			LIMIT 1;
		`, JobQueued, nowMs, JobRunning)
		var job Job
		if err := scanJob(row.Scan, &job); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable job: %w", err)
		}

		expiresAt := now.Add(leaseTTL).UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leases (job_id, holder, expires_at_ms) VALUES (?, ?, ?);
		`, job.ID, workerID, toMillis(expiresAt)); err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at_ms = ?
			WHERE id = ? AND state = ?;
		`, JobRunning, nowMs, job.ID, job.State)
		if err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark job running rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("mark job running: expected 1 row, got %d", n)
		}
		from := job.State
		eventType := "job.claimed"
		if from == JobRunning {
			eventType = "job.reclaimed"
		}
		if err := appendJobEventTx(ctx, tx, job.ID, from, JobRunning, eventType, now, map[string]any{
			"worker_id": workerID,
			"attempt":   job.Attempts + 1,
		}); err != nil {
			return err
		}
		job.State = JobRunning
		job.Attempts++
		job.UpdatedAt = fromMillis(nowMs)
		job.LeaseHolder = workerID
		job.LeaseExpiresAt = expiresAt
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func finalizeAbandonedTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE state = ? AND attempts >= max_attempts
			AND id NOT IN (SELECT job_id FROM leases);
	`, JobRunning)
	if err != nil {
		return fmt.Errorf("select abandoned jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan abandoned job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close abandoned rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate abandoned jobs: %w", err)
	}
	for _, id := range ids {
		if _, err := transitionJobTx(ctx, tx, id, JobRunning, JobFailedFinal, "job.abandoned", now,
			reasonLeaseExpiredFinal, nil); err != nil {
			return err
		}
	}
	return nil
}

// checkLeaseTx returns ErrLeaseLost if the lease row on jobID names a holder
// other than workerID, live or expired. A missing lease is not a conflict.
func checkLeaseTx(ctx context.Context, tx *sql.Tx, jobID, workerID string) error {
	var holder string
	err := tx.QueryRowContext(ctx, `SELECT holder FROM leases WHERE job_id = ?;`, jobID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select lease: %w", err)
	}
	if holder != workerID {
		return ErrLeaseLost
	}
	return nil
}

func releaseLeaseTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE job_id = ?;`, jobID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Complete marks a RUNNING job SUCCEEDED and releases its lease.
func (s *Store) Complete(ctx context.Context, jobID, workerID string) error {
	now := shared.Now(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkLeaseTx(ctx, tx, jobID, workerID); err != nil {
			return err
		}
		ok, err := transitionJobTx(ctx, tx, jobID, JobRunning, JobSucceeded, "job.succeeded", now, "", map[string]any{
			"worker_id": workerID,
		})
		if err != nil {
			return err
		}
		if !ok {
			if exists, err := jobExistsTx(ctx, tx, jobID); err != nil {
				return err
			} else if !exists {
				if err := releaseLeaseTx(ctx, tx, jobID); err != nil {
					return err
				}
				return ErrNotFound
			}
			return ErrLeaseLost
		}
		return releaseLeaseTx(ctx, tx, jobID)
	})
}

// Fail records a handler failure. The job becomes FAILED_FINAL when
// retryable is false or its attempts are exhausted; otherwise it passes
// through FAILED_RETRYABLE back to QUEUED with run_after = now + Backoff.
// The lease is released in every case, including a missing job row, which
// is reported as final.
func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) (FailResult, error) {
	now := shared.Now(ctx)
	var result FailResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = FailResult{}
		if err := checkLeaseTx(ctx, tx, jobID, workerID); err != nil {
			return err
		}
		var state JobState
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx, `SELECT state, attempts, max_attempts FROM jobs WHERE id = ?;`, jobID).
			Scan(&state, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			result.Final = true
			return releaseLeaseTx(ctx, tx, jobID)
		}
		if err != nil {
			return fmt.Errorf("select job for failure: %w", err)
		}
		if state != JobRunning {
			return ErrLeaseLost
		}

		payload := map[string]any{"worker_id": workerID, "attempt": attempts, "retryable": retryable}
		if !retryable || attempts >= maxAttempts {
			if _, err := transitionJobTx(ctx, tx, jobID, JobRunning, JobFailedFinal, "job.failed_final", now, errMsg, payload); err != nil {
				return err
			}
			result.Final = true
			return releaseLeaseTx(ctx, tx, jobID)
		}

		next := now.Add(Backoff(attempts)).UTC()
		if _, err := transitionJobTx(ctx, tx, jobID, JobRunning, JobFailedRetryable, "job.failed_retryable", now, errMsg, payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET run_after_ms = ? WHERE id = ?;`, toMillis(next), jobID); err != nil {
			return fmt.Errorf("set retry run_after: %w", err)
		}
		if _, err := transitionJobTx(ctx, tx, jobID, JobFailedRetryable, JobQueued, "job.requeued", now, errMsg, map[string]any{
			"next_run_after": next.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
		result.NextRunAfter = next
		return releaseLeaseTx(ctx, tx, jobID)
	})
	return result, err
}

// Cancel moves a QUEUED job to CANCELED. It reports false when the job is in
// any other state.
func (s *Store) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := shared.Now(ctx)
	var canceled bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := jobExistsTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		canceled, err = transitionJobTx(ctx, tx, jobID, JobQueued, JobCanceled, "job.canceled", now, "", map[string]any{
			"reason": "operator",
		})
		if err != nil {
			return err
		}
		if canceled {
			return releaseLeaseTx(ctx, tx, jobID)
		}
		return nil
	})
	return canceled, err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	var job Job
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first. An empty state lists every state.
func (s *Store) ListJobs(ctx context.Context, state JobState, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountByState is used for the queue depth gauge.
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, event_type, trace_id, COALESCE(state_from, ''), state_to, payload_json, created_at_ms
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		var createdMs int64
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.EventType, &ev.TraceID, &ev.StateFrom, &ev.StateTo, &ev.Payload, &createdMs); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.CreatedAt = fromMillis(createdMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const jobColumns = `id, type, payload, state, priority, attempts, max_attempts,
	run_after_ms, created_at_ms, updated_at_ms, COALESCE(last_error, ''), COALESCE(schedule_key, '')`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var payload string
	var runAfterMs, createdMs, updatedMs int64
	if err := scanFn(&job.ID, &job.Type, &payload, &job.State, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&runAfterMs, &createdMs, &updatedMs, &job.LastError, &job.ScheduleKey); err != nil {
		return err
	}
	job.Payload = json.RawMessage(payload)
	job.RunAfter = fromMillis(runAfterMs)
	job.CreatedAt = fromMillis(createdMs)
	job.UpdatedAt = fromMillis(updatedMs)
	return nil
}

func jobExistsTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?;`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select job: %w", err)
	}
	return true, nil
}

// transitionJobTx moves jobID from -> to if it is currently in from, and
// records the event. It reports false without error when the job is missing
// or in another state. A non-empty errMsg is stored as last_error.
func transitionJobTx(ctx context.Context, tx *sql.Tx, jobID string, from, to JobState, eventType string, now time.Time, errMsg string, payload map[string]any) (bool, error) {
	if !canTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
			last_error = CASE WHEN ? <> '' THEN ? ELSE last_error END,
			updated_at_ms = ?
		WHERE id = ? AND state = ?;
	`, to, errMsg, errMsg, toMillis(now), jobID, from)
	if err != nil {
		return false, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if errMsg != "" {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["error"] = errMsg
	}
	if err := appendJobEventTx(ctx, tx, jobID, from, to, eventType, now, payload); err != nil {
		return false, err
	}
	return true, nil
}

func appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, from, to JobState, eventType string, now time.Time, payload map[string]any) error {
	body := "{}"
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode job event payload: %w", err)
		}
		body = string(raw)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event_type, trace_id, state_from, state_to, payload_json, created_at_ms)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, jobID, eventType, shared.TraceID(ctx), string(from), string(to), body, toMillis(now))
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}
