package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/confirm"
	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/policy"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

type command func(ctx context.Context, args []string, out io.Writer) int

var commands = map[string]command{
	"enqueue": runEnqueueCommand,
	"jobs":    runJobsCommand,
	"events":  runEventsCommand,
	"cancel":  runCancelCommand,
	"ledger":  runLedgerCommand,
	"confirm": runConfirmCommand,
}

// withStore loads config, opens the store and runs fn. Setup errors exit 1.
func withStore(ctx context.Context, fn func(ctx context.Context, cfg config.Config, store *persistence.Store) int) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	return fn(shared.WithNow(ctx, time.Now().UTC()), cfg, store)
}

// withAudit is withStore plus the audit trail, for commands that change job state.
func withAudit(ctx context.Context, fn func(ctx context.Context, cfg config.Config, store *persistence.Store, auditLog *audit.Log) int) int {
	return withStore(ctx, func(ctx context.Context, cfg config.Config, store *persistence.Store) int {
		auditLog, err := openAudit(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open audit: %v\n", err)
			return 1
		}
		defer auditLog.Close()
		return fn(ctx, cfg, store, auditLog)
	})
}

type enqueueArgs struct {
	params persistence.EnqueueParams
}

func parseEnqueueArgs(args []string) (enqueueArgs, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobType := fs.String("type", "", "job type (required)")
	payload := fs.String("payload", "{}", "JSON payload")
	key := fs.String("key", "", "schedule key; a duplicate key is a no-op")
	priority := fs.Int("priority", 0, "priority, higher runs first")
	maxAttempts := fs.Int("max-attempts", 0, "attempt budget (default from config)")
	delay := fs.Duration("delay", 0, "run no earlier than now+delay")
	if err := fs.Parse(args); err != nil {
		return enqueueArgs{}, err
	}
	if fs.NArg() > 0 {
		return enqueueArgs{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if *jobType == "" {
		return enqueueArgs{}, errors.New("-type is required")
	}
	if !json.Valid([]byte(*payload)) {
		return enqueueArgs{}, errors.New("-payload must be valid JSON")
	}
	if *maxAttempts < 0 || *delay < 0 {
		return enqueueArgs{}, errors.New("-max-attempts and -delay must be non-negative")
	}
	p := persistence.EnqueueParams{
		Type:        *jobType,
		Payload:     json.RawMessage(*payload),
		Priority:    *priority,
		MaxAttempts: *maxAttempts,
		ScheduleKey: *key,
	}
	if *delay > 0 {
		p.RunAfter = time.Now().UTC().Add(*delay)
	}
	return enqueueArgs{params: p}, nil
}

func runEnqueueCommand(ctx context.Context, args []string, out io.Writer) int {
	parsed, err := parseEnqueueArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: steward enqueue -type T [-payload JSON] [-key K] [-priority N]: %v\n", err)
		return 2
	}
	return withAudit(ctx, func(ctx context.Context, cfg config.Config, store *persistence.Store, auditLog *audit.Log) int {
		p := parsed.params
		if p.MaxAttempts == 0 {
			p.MaxAttempts = cfg.Worker.MaxAttempts
		}
		res, err := store.Enqueue(ctx, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			return 1
		}
		if res.Duplicate {
			fmt.Fprintf(out, "duplicate %s\n", res.JobID)
			return 0
		}
		auditLog.Record(ctx, audit.Record{Event: audit.EventEnqueued, JobID: res.JobID, JobType: p.Type})
		fmt.Fprintf(out, "enqueued %s\n", res.JobID)
		return 0
	})
}

func parseJobsArgs(args []string) (persistence.JobState, int, error) {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	stateFlag := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return "", 0, err
	}
	if fs.NArg() > 0 {
		return "", 0, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	var state persistence.JobState
	if *stateFlag != "" {
		s, err := persistence.ParseJobState(*stateFlag)
		if err != nil {
			return "", 0, err
		}
		state = s
	}
	if *limit <= 0 {
		return "", 0, errors.New("-limit must be positive")
	}
	return state, *limit, nil
}

func runJobsCommand(ctx context.Context, args []string, out io.Writer) int {
	state, limit, err := parseJobsArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: steward jobs [-state S] [-limit N]: %v\n", err)
		return 2
	}
	return withStore(ctx, func(ctx context.Context, _ config.Config, store *persistence.Store) int {
		jobs, err := store.ListJobs(ctx, state, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
			return 1
		}
		writeJobs(out, jobs)
		return 0
	})
}

func writeJobs(out io.Writer, jobs []persistence.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tPRIO\tATTEMPTS\tRUN AFTER\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.State, j.Priority, j.Attempts, j.MaxAttempts,
			j.RunAfter.Format(time.RFC3339), truncate(j.LastError, 60))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func singleArg(name string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: steward %s <id>", name)
	}
	return args[0], nil
}

func runEventsCommand(ctx context.Context, args []string, out io.Writer) int {
	id, err := singleArg("events", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return withStore(ctx, func(ctx context.Context, _ config.Config, store *persistence.Store) int {
		if _, err := store.GetJob(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "job %s: %v\n", id, err)
			return 1
		}
		events, err := store.ListJobEvents(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list events: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tEVENT\tFROM\tTO\tPAYLOAD")
		for _, ev := range events {
			from := string(ev.StateFrom)
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.CreatedAt.Format(time.RFC3339Nano), ev.EventType, from, ev.StateTo, ev.Payload)
		}
		_ = tw.Flush()
		return 0
	})
}

func runCancelCommand(ctx context.Context, args []string, out io.Writer) int {
	id, err := singleArg("cancel", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return withAudit(ctx, func(ctx context.Context, _ config.Config, store *persistence.Store, auditLog *audit.Log) int {
		ok, err := store.Cancel(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cancel %s: %v\n", id, err)
			return 1
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "job %s is not QUEUED; left unchanged\n", id)
			return 1
		}
		rec := audit.Record{Event: audit.EventCanceled, JobID: id}
		if job, err := store.GetJob(ctx, id); err == nil {
			rec.JobType = job.Type
		}
		auditLog.Record(ctx, rec)
		fmt.Fprintf(out, "canceled %s\n", id)
		return 0
	})
}

func runLedgerCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: steward ledger")
		return 2
	}
	return withStore(ctx, func(ctx context.Context, cfg config.Config, store *persistence.Store) int {
		rules, err := policy.Compile(cfg.Guard)
		if err != nil {
			fmt.Fprintf(os.Stderr, "compile policy: %v\n", err)
			return 1
		}
		var ledger guard.Ledger = store
		if cfg.LedgerFile != "" {
			if ledger, err = guard.NewFileLedger(cfg.LedgerFile); err != nil {
				fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
				return 1
			}
		}
		g, err := guard.New(guard.Config{Policy: policy.Static{R: rules}, Ledger: ledger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "guard: %v\n", err)
			return 1
		}
		rec, err := g.Today(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read ledger: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	})
}

func runConfirmCommand(ctx context.Context, args []string, out io.Writer) int {
	token, err := singleArg("confirm", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: steward confirm <token>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.Confirm.RedisAddr == "" {
		fmt.Fprintln(os.Stderr, "confirm needs a shared broker; set confirm.redis_addr or STEWARD_REDIS_ADDR")
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	broker, err := newBroker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		return 1
	}
	defer broker.Close()

	p, err := confirm.Confirm(shared.WithNow(ctx, time.Now().UTC()), broker, confirm.LogSigner{Logger: logger}, token)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		fmt.Fprintf(os.Stderr, "token %s is unknown or expired\n", token)
		return 1
	case errors.Is(err, confirm.ErrAlreadyUsed):
		fmt.Fprintf(os.Stderr, "token %s was already confirmed\n", token)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "confirm: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "confirmed %s\n  digest:  %s\n  preview: %s\n", p.Token, p.Digest, p.Preview)
	return 0
}
