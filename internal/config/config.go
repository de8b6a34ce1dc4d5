package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-steward/internal/decision"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/policy"
)

type SchedulerConfig struct {
	Enabled        bool `yaml:"enabled"`
	TickIntervalMs int  `yaml:"tick_interval_ms"`
}

type WorkerConfig struct {
	Count            int `yaml:"count"`
	LeaseTTLMs       int `yaml:"lease_ttl_ms"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	MaxClaimsPerTick int `yaml:"max_claims_per_tick"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// StrategyConfig drives the placeholder strategy. Balances stand in for a
// portfolio feed.
type StrategyConfig struct {
	BaseAsset    string            `yaml:"base_asset"`
	QuoteAsset   string            `yaml:"quote_asset"`
	FundingAsset string            `yaml:"funding_asset"`
	Threshold    string            `yaml:"threshold"`
	SpendAmount  string            `yaml:"spend_amount"`
	SlippageBps  int               `yaml:"slippage_bps"`
	Balances     map[string]string `yaml:"balances"`
}

type ConfirmConfig struct {
	TTLSeconds    int    `yaml:"ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type AuditConfig struct {
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

type Config struct {
	HomeDir         string             `yaml:"-"`
	LogLevel        string             `yaml:"log_level"`
	DBPath          string             `yaml:"db_path"`
	LedgerFile      string             `yaml:"ledger_file"`
	Chain           string             `yaml:"chain"`
	SimulatorRPCURL string             `yaml:"simulator_rpc_url"`
	MetricsAddr     string             `yaml:"metrics_addr"`
	Scheduler       SchedulerConfig    `yaml:"scheduler"`
	Worker          WorkerConfig       `yaml:"worker"`
	Guard           policy.SpendPolicy `yaml:"guard"`
	Strategy        StrategyConfig     `yaml:"strategy"`
	Confirm         ConfirmConfig      `yaml:"confirm"`
	Audit           AuditConfig        `yaml:"audit"`
	Tracing         otel.Config        `yaml:"tracing"`
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Worker.LeaseTTLMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

func (c Config) ConfirmTTL() time.Duration {
	return time.Duration(c.Confirm.TTLSeconds) * time.Second
}

// Pipeline builds the decision pipeline for the configured chain.
func (c Config) Pipeline() decision.Pipeline {
	return decision.Pipeline{
		Strategy: decision.PlaceholderStrategy{
			BaseAsset:   c.Strategy.BaseAsset,
			QuoteAsset:  c.Strategy.QuoteAsset,
			Threshold:   c.Strategy.Threshold,
			SpendAmount: c.Strategy.SpendAmount,
			SlippageBps: c.Strategy.SlippageBps,
		},
		Risk:   decision.RiskConfig{SupportedChain: c.Chain},
		Policy: decision.PolicyConfig{FundingAsset: c.Strategy.FundingAsset},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape runtime
// behaviour. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "chain=%s|sched=%t/%d|workers=%d|lease=%d|poll=%d|claims=%d|attempts=%d|log=%s|ledger=%s|sim=%t|redis=%t|amqp=%t",
		c.Chain, c.Scheduler.Enabled, c.Scheduler.TickIntervalMs,
		c.Worker.Count, c.Worker.LeaseTTLMs, c.Worker.PollIntervalMs, c.Worker.MaxClaimsPerTick, c.Worker.MaxAttempts,
		c.LogLevel, c.LedgerFile, c.SimulatorRPCURL != "", c.Confirm.RedisAddr != "", c.Audit.AMQPURL != "")
	if r, err := policy.Compile(c.Guard); err == nil {
		fmt.Fprintf(h, "|policy=%s", r.Version)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Chain:    "base",
		Scheduler: SchedulerConfig{
			Enabled:        false,
			TickIntervalMs: 60_000,
		},
		Worker: WorkerConfig{
			Count:            1,
			LeaseTTLMs:       30_000,
			PollIntervalMs:   1_000,
			MaxClaimsPerTick: 1,
			MaxAttempts:      persistence.DefaultMaxAttempts,
		},
		Guard: policy.Default(),
		Strategy: StrategyConfig{
			BaseAsset:    "USDC",
			QuoteAsset:   "WETH",
			FundingAsset: "USDC",
			Threshold:    decision.DefaultThreshold,
			SpendAmount:  decision.DefaultSpendAmount,
			SlippageBps:  decision.DefaultSlippageBps,
		},
		Confirm: ConfirmConfig{TTLSeconds: 180},
		Tracing: otel.Config{Exporter: "none", ServiceName: "steward", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("STEWARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward")
}

// LoadDotEnv loads .env from the working directory. Variables already set
// in the environment win; a missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies STEWARD_* overrides and
// validates the result. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create steward home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	cfg.Chain = strings.ToLower(strings.TrimSpace(cfg.Chain))
	if cfg.Chain == "" {
		cfg.Chain = d.Chain
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "steward.db")
	}
	switch {
	case cfg.Scheduler.TickIntervalMs <= 0:
		cfg.Scheduler.TickIntervalMs = d.Scheduler.TickIntervalMs
	case cfg.Scheduler.TickIntervalMs < 1000:
		cfg.Scheduler.TickIntervalMs = 1000
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = d.Worker.Count
	}
	if cfg.Worker.LeaseTTLMs <= 0 {
		cfg.Worker.LeaseTTLMs = d.Worker.LeaseTTLMs
	}
	if cfg.Worker.PollIntervalMs <= 0 {
		cfg.Worker.PollIntervalMs = d.Worker.PollIntervalMs
	}
	if cfg.Worker.MaxClaimsPerTick <= 0 {
		cfg.Worker.MaxClaimsPerTick = d.Worker.MaxClaimsPerTick
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = d.Worker.MaxAttempts
	}
	if cfg.Confirm.TTLSeconds <= 0 {
		cfg.Confirm.TTLSeconds = d.Confirm.TTLSeconds
	}
	if cfg.Strategy.FundingAsset == "" {
		cfg.Strategy.FundingAsset = cfg.Strategy.BaseAsset
	}
}

func validate(cfg Config) error {
	if _, err := policy.Compile(cfg.Guard); err != nil {
		return fmt.Errorf("guard policy: %w", err)
	}
	if cfg.Strategy.BaseAsset == "" || cfg.Strategy.QuoteAsset == "" {
		return errors.New("strategy: base_asset and quote_asset are required")
	}
	if cfg.Strategy.SlippageBps < 0 {
		return fmt.Errorf("strategy: slippage_bps %d is negative", cfg.Strategy.SlippageBps)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	return nil
}

type envError struct {
	key string
	err error
}

func (e *envError) Error() string { return fmt.Sprintf("env %s: %v", e.key, e.err) }

func (e *envError) Unwrap() error { return e.err }

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			*dst = strings.TrimSpace(raw)
		}
	}
	list := func(key string, dst *[]string) {
		if raw, ok := os.LookupEnv(key); ok {
			*dst = splitList(raw)
		}
	}
	integer := func(key string, dst *int) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				errs = append(errs, &envError{key, err})
				return
			}
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			v, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				errs = append(errs, &envError{key, err})
				return
			}
			*dst = v
		}
	}
	optBool := func(key string, dst **bool) {
		var v bool
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			boolean(key, &v)
			*dst = &v
		}
	}

	g := &cfg.Guard
	boolean("STEWARD_AUTONOMY_ENABLED", &g.AutonomyEnabled)
	list("STEWARD_ALLOWED_CHAINS", &g.AllowedChains)
	str("STEWARD_MAX_TX_VALUE", &g.MaxTxValue)
	str("STEWARD_MAX_DAILY_VALUE", &g.MaxDailyValue)
	list("STEWARD_ALLOWED_DESTINATIONS", &g.AllowedDestinations)
	list("STEWARD_BLOCKED_DESTINATIONS", &g.BlockedDestinations)
	optBool("STEWARD_BLOCK_APPROVALS", &g.BlockApprovals)
	str("STEWARD_ASSET_ADDRESS", &g.Asset.Address)
	str("STEWARD_ASSET_MAX_TRANSFER", &g.Asset.MaxTransfer)
	str("STEWARD_ASSET_MAX_DAILY", &g.Asset.MaxDaily)
	str("STEWARD_ASSET_MAX_APPROVAL", &g.Asset.MaxApproval)
	list("STEWARD_APPROVAL_SPENDERS", &g.Asset.ApprovalSpenders)
	optBool("STEWARD_REQUIRE_SIMULATION", &g.RequireSimulation)
	str("STEWARD_TIMEZONE", &g.Timezone)

	boolean("STEWARD_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	integer("STEWARD_TICK_INTERVAL_MS", &cfg.Scheduler.TickIntervalMs)
	integer("STEWARD_LEASE_TTL_MS", &cfg.Worker.LeaseTTLMs)
	integer("STEWARD_POLL_INTERVAL_MS", &cfg.Worker.PollIntervalMs)
	integer("STEWARD_MAX_CLAIMS_PER_TICK", &cfg.Worker.MaxClaimsPerTick)
	integer("STEWARD_MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
	integer("STEWARD_WORKER_COUNT", &cfg.Worker.Count)

	str("STEWARD_LOG_LEVEL", &cfg.LogLevel)
	str("STEWARD_CHAIN", &cfg.Chain)
	str("STEWARD_DB_PATH", &cfg.DBPath)
	str("STEWARD_LEDGER_FILE", &cfg.LedgerFile)
	str("STEWARD_SIMULATOR_RPC_URL", &cfg.SimulatorRPCURL)
	str("STEWARD_METRICS_ADDR", &cfg.MetricsAddr)
	str("STEWARD_REDIS_ADDR", &cfg.Confirm.RedisAddr)
	str("STEWARD_REDIS_PASSWORD", &cfg.Confirm.RedisPassword)
	str("STEWARD_AMQP_URL", &cfg.Audit.AMQPURL)
	boolean("STEWARD_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("STEWARD_TRACING_EXPORTER", &cfg.Tracing.Exporter)
	str("STEWARD_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
