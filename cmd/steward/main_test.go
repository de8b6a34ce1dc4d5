package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/persistence"
)

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"steward daemon", "steward enqueue -type T", "steward confirm <token>", "STEWARD_HOME"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage missing %q:\n%s", want, out)
		}
	}
	for name := range commands {
		if !strings.Contains(out, "steward "+name) {
			t.Fatalf("usage does not document %q", name)
		}
	}
}

func TestParseEnqueueArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "type only", args: []string{"-type", "TICK"}},
		{name: "all flags", args: []string{"-type", "TICK", "-payload", `{"chain":"base"}`, "-key", "k1", "-priority", "3", "-max-attempts", "2", "-delay", "1m"}},
		{name: "missing type", args: []string{"-payload", "{}"}, wantErr: true},
		{name: "bad payload", args: []string{"-type", "TICK", "-payload", "{"}, wantErr: true},
		{name: "negative attempts", args: []string{"-type", "TICK", "-max-attempts", "-1"}, wantErr: true},
		{name: "stray arg", args: []string{"-type", "TICK", "extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEnqueueArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.params.Type != "TICK" {
				t.Fatalf("type = %q", got.params.Type)
			}
		})
	}
}

func TestParseJobsArgs(t *testing.T) {
	state, limit, err := parseJobsArgs([]string{"-state", "queued", "-limit", "5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if state != persistence.JobQueued || limit != 5 {
		t.Fatalf("got %s %d", state, limit)
	}
	if _, _, err := parseJobsArgs([]string{"-state", "bogus"}); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if _, _, err := parseJobsArgs([]string{"-limit", "0"}); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

var jobIDPattern = regexp.MustCompile(`^(enqueued|duplicate) (\S+)\n$`)

func enqueue(t *testing.T, args ...string) (string, string) {
	t.Helper()
	var out bytes.Buffer
	if code := runEnqueueCommand(context.Background(), args, &out); code != 0 {
		t.Fatalf("enqueue exit %d", code)
	}
	m := jobIDPattern.FindStringSubmatch(out.String())
	if m == nil {
		t.Fatalf("unexpected enqueue output %q", out.String())
	}
	return m[1], m[2]
}

func TestQueueCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEWARD_HOME", home)
	ctx := context.Background()

	verb, id := enqueue(t, "-type", "NOOP", "-key", "NOOP:once")
	if verb != "enqueued" {
		t.Fatalf("verb = %s", verb)
	}
	verb, dup := enqueue(t, "-type", "NOOP", "-key", "NOOP:once")
	if verb != "duplicate" || dup != id {
		t.Fatalf("duplicate enqueue returned %s %s, want duplicate %s", verb, dup, id)
	}

	var out bytes.Buffer
	if code := runJobsCommand(ctx, []string{"-state", "QUEUED"}, &out); code != 0 {
		t.Fatalf("jobs exit %d", code)
	}
	if !strings.Contains(out.String(), id) || !strings.Contains(out.String(), "0/5") {
		t.Fatalf("jobs output missing job: %s", out.String())
	}

	out.Reset()
	if code := runCancelCommand(ctx, []string{id}, &out); code != 0 {
		t.Fatalf("cancel exit %d", code)
	}
	if code := runCancelCommand(ctx, []string{id}, &out); code != 1 {
		t.Fatalf("second cancel should fail, got %d", code)
	}

	out.Reset()
	if code := runEventsCommand(ctx, []string{id}, &out); code != 0 {
		t.Fatalf("events exit %d", code)
	}
	if !strings.Contains(out.String(), "job.canceled") {
		t.Fatalf("events missing cancel: %s", out.String())
	}
	if code := runEventsCommand(ctx, []string{"missing"}, &out); code != 1 {
		t.Fatalf("events for unknown job should fail, got %d", code)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	var got []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var rec audit.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode audit line %q: %v", line, err)
		}
		if rec.JobID != id || rec.JobType != "NOOP" {
			t.Fatalf("unexpected audit record %+v", rec)
		}
		got = append(got, string(rec.Event))
	}
	if strings.Join(got, ",") != "ENQUEUED,CANCELED" {
		t.Fatalf("audit events = %v, want [ENQUEUED CANCELED]", got)
	}
}

func TestArgumentErrors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	cases := map[string]int{
		"events":  runEventsCommand(ctx, nil, &out),
		"cancel":  runCancelCommand(ctx, []string{"a", "b"}, &out),
		"ledger":  runLedgerCommand(ctx, []string{"x"}, &out),
		"confirm": runConfirmCommand(ctx, nil, &out),
		"doctor":  runDoctorCommand(ctx, []string{"-verbose"}, &out),
	}
	for name, code := range cases {
		if code != 2 {
			t.Errorf("%s: exit %d, want 2", name, code)
		}
	}
}

func TestLedgerCommand(t *testing.T) {
	t.Setenv("STEWARD_HOME", t.TempDir())
	var out bytes.Buffer
	if code := runLedgerCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("ledger exit %d", code)
	}
	var rec struct {
		DayKey string `json:"day_key"`
		Native string `json:"native_spent"`
	}
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if rec.DayKey == "" || rec.Native != "0" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestConfirmRequiresRedis(t *testing.T) {
	t.Setenv("STEWARD_HOME", t.TempDir())
	t.Setenv("STEWARD_REDIS_ADDR", "")
	var out bytes.Buffer
	if code := runConfirmCommand(context.Background(), []string{"tok"}, &out); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
}

func TestDoctorCommand_JSON(t *testing.T) {
	t.Setenv("STEWARD_HOME", t.TempDir())
	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"--json"}, &out)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, out.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 {
		t.Fatalf("no results")
	}
}
