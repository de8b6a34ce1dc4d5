package doctor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/policy"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		DBPath:  filepath.Join(home, "steward.db"),
		Chain:   "base",
		Guard:   policy.Default(),
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("nil config must fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestRun_LocalDefaults(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if got := find(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("missing config.yaml should warn, got %s", got)
	}
	if got := find(t, d, "Database").Status; got != StatusPass {
		t.Fatalf("database = %s", got)
	}
	if got := find(t, d, "Redis").Status; got != StatusSkip {
		t.Fatalf("redis = %s", got)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %s", d.System.Version)
	}
}

func TestCheckPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Guard = policy.SpendPolicy{AutonomyEnabled: true, AllowedChains: []string{"base"}}
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("required simulation without rpc should warn, got %+v", r)
	}
	cfg.SimulatorRPCURL = "http://127.0.0.1:8545"
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	cfg.Chain = "mainnet"
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("chain outside allowlist should warn, got %+v", r)
	}
	cfg.Guard.MaxTxValue = "x"
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("invalid policy should fail, got %+v", r)
	}
}

func TestCheckLedger_File(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerFile = filepath.Join(cfg.HomeDir, "ledger.json")
	if r := checkLedger(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS before the file exists, got %+v", r)
	}
	if err := os.WriteFile(cfg.LedgerFile, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	if r := checkLedger(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("corrupt ledger should fail, got %+v", r)
	}
}

func TestCheckSimulator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x2105"})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.SimulatorRPCURL = srv.URL
	r := checkSimulator(context.Background(), cfg)
	if r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if r.Message != "RPC reachable (chain id 8453)" {
		t.Fatalf("message = %q", r.Message)
	}
}

func TestCheckRedis_Unreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Confirm.RedisAddr = "127.0.0.1:1"
	if r := checkRedis(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}
