// Package doctor runs the environment checks behind `steward doctor`.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/policy"
	"github.com/basket/go-steward/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

const dialTimeout = 5 * time.Second

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPolicy,
		checkDatabase,
		checkLedger,
		checkPermissions,
		checkRedis,
		checkAMQP,
		checkSimulator,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; running on defaults", Detail: cfg.Fingerprint()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Guard Policy", Status: StatusSkip, Message: "Config missing"}
	}
	r, err := policy.Compile(cfg.Guard)
	if err != nil {
		return CheckResult{Name: "Guard Policy", Status: StatusFail, Message: err.Error()}
	}
	switch {
	case !r.AutonomyEnabled:
		return CheckResult{Name: "Guard Policy", Status: StatusPass, Message: "Autonomy disabled; every spend is rejected", Detail: r.Version}
	case r.RequireSimulation && cfg.SimulatorRPCURL == "":
		return CheckResult{
			Name:    "Guard Policy",
			Status:  StatusWarn,
			Message: "Simulation required but no simulator_rpc_url set; every spend is rejected",
			Detail:  r.Version,
		}
	case !r.ChainAllowed(cfg.Chain):
		return CheckResult{Name: "Guard Policy", Status: StatusWarn, Message: fmt.Sprintf("Chain %q not in allowed_chains", cfg.Chain), Detail: r.Version}
	}
	return CheckResult{Name: "Guard Policy", Status: StatusPass, Message: "Autonomy enabled", Detail: r.Version}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByState(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var parts []string
	for _, st := range []persistence.JobState{persistence.JobQueued, persistence.JobRunning, persistence.JobFailedFinal} {
		parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: strings.Join(parts, " ")}
}

func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Spend Ledger", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.LedgerFile == "" {
		return CheckResult{Name: "Spend Ledger", Status: StatusPass, Message: "Stored in the SQLite database"}
	}
	l, err := guard.NewFileLedger(cfg.LedgerFile)
	if err != nil {
		return CheckResult{Name: "Spend Ledger", Status: StatusFail, Message: err.Error()}
	}
	var loc *time.Location
	if r, err := policy.Compile(cfg.Guard); err == nil {
		loc = r.Location
	}
	day := persistence.DayKey(shared.Now(ctx), loc)
	rec, err := l.ReadSpend(ctx, day)
	if err != nil {
		return CheckResult{Name: "Spend Ledger", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	return CheckResult{Name: "Spend Ledger", Status: StatusPass, Message: fmt.Sprintf("File ledger readable (%s)", cfg.LedgerFile), Detail: "native_spent=" + rec.Native.String()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Confirm.RedisAddr == "" {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Not configured; confirmations stay in process memory"}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Confirm.RedisAddr, Password: cfg.Confirm.RedisPassword, DB: cfg.Confirm.RedisDB})
	defer client.Close()
	pctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pctx).Err(); err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: fmt.Sprintf("Ping %s failed: %v", cfg.Confirm.RedisAddr, err)}
	}
	return CheckResult{Name: "Redis", Status: StatusPass, Message: fmt.Sprintf("Ping %s ok (%dms)", cfg.Confirm.RedisAddr, time.Since(start).Milliseconds())}
}

func checkAMQP(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Audit.AMQPURL == "" {
		return CheckResult{Name: "AMQP", Status: StatusSkip, Message: "Not configured; audit stays file-only"}
	}
	conn, err := amqp.DialConfig(cfg.Audit.AMQPURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return CheckResult{Name: "AMQP", Status: StatusWarn, Message: fmt.Sprintf("Dial failed: %s", shared.Redact(err.Error()))}
	}
	_ = conn.Close()
	return CheckResult{Name: "AMQP", Status: StatusPass, Message: "Broker reachable"}
}

func checkSimulator(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.SimulatorRPCURL == "" {
		return CheckResult{Name: "Simulator", Status: StatusSkip, Message: "No simulator_rpc_url configured"}
	}
	pctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	sim, err := guard.DialSimulator(pctx, cfg.SimulatorRPCURL)
	if err != nil {
		return CheckResult{Name: "Simulator", Status: StatusFail, Message: err.Error()}
	}
	defer sim.Close()
	id, err := sim.ChainID(pctx)
	if err != nil {
		return CheckResult{Name: "Simulator", Status: StatusFail, Message: fmt.Sprintf("eth_chainId failed: %v", err)}
	}
	return CheckResult{Name: "Simulator", Status: StatusPass, Message: fmt.Sprintf("RPC reachable (chain id %s)", id)}
}
