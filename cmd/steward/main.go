package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/confirm"
	"github.com/basket/go-steward/internal/cron"
	"github.com/basket/go-steward/internal/engine"
	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/metrics"
	otelPkg "github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/policy"
	"github.com/basket/go-steward/internal/telemetry"
	"github.com/basket/go-steward/internal/tick"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownTimeout = 10 * time.Second

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: steward [flags] [command]

DAEMON:
  steward                        Run scheduler and workers in the foreground
  steward daemon                 Same as above

QUEUE:
  steward enqueue -type T [-payload JSON] [-key K] [-priority N] [-max-attempts N]
  steward jobs [-state S] [-limit N]
  steward events <job-id>
  steward cancel <job-id>

SPEND:
  steward ledger                 Show today's spend record
  steward confirm <token>        Consume a prepared transaction and hand it to the signer

DIAGNOSTICS:
  steward doctor [-json]         Run environment checks

ENVIRONMENT VARIABLES:
  STEWARD_HOME                   Data directory (default: ~/.steward)
  STEWARD_LOG_LEVEL              debug, info, warn or error
  STEWARD_AUTONOMY_ENABLED       Kill switch for every spend (default: false)
  STEWARD_REDIS_ADDR             Shared confirmation broker (required by confirm)
`)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fatalStartup(nil, "E_DOTENV_LOAD", err)
	}
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		cmd := strings.ToLower(strings.TrimSpace(args[0]))
		switch cmd {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "daemon":
			if len(args) > 1 {
				fmt.Fprintf(os.Stderr, "usage: steward daemon (unexpected argument %q)\n", args[1])
				os.Exit(2)
			}
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			run, ok := commands[cmd]
			if !ok {
				fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
				printUsage(os.Stderr)
				os.Exit(2)
			}
			os.Exit(run(ctx, args[1:], os.Stdout))
		}
	}

	if err := runDaemon(ctx); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting steward", "version", Version, "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	tracing := cfg.Tracing
	tracing.ServiceVersion = Version
	tracing.Chain = cfg.Chain
	provider, err := otelPkg.Init(ctx, tracing)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()

	auditLog, err := openAudit(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	live, err := policy.NewLivePolicy(cfg.Guard)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	g, closeGuard, err := newGuard(ctx, cfg, store, live, logger, provider)
	if err != nil {
		fatalStartup(logger, "E_GUARD_INIT", err)
	}
	defer closeGuard()
	logger.Info("spend guard ready", "policy_version", live.Version(), "autonomy_enabled", live.Rules().AutonomyEnabled)

	broker, err := newBroker(ctx, cfg)
	if err != nil {
		fatalStartup(logger, "E_BROKER_INIT", err)
	}
	defer broker.Close()

	reg := engine.NewRegistry()
	handler := &tick.Handler{
		Pipeline:  cfg.Pipeline(),
		Portfolio: tick.StaticPortfolio(cfg.Strategy.Balances),
		Guard:     g,
		Broker:    broker,
		Logger:    logger,
	}
	if err := handler.Register(reg, cron.DefaultJobType); err != nil {
		fatalStartup(logger, "E_HANDLER_REGISTER", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go config.ReloadPolicy(watcher.Events(), cfg.HomeDir, live, logger)

	workers := engine.New(store, reg, engine.Config{
		WorkerCount:      cfg.Worker.Count,
		PollInterval:     cfg.PollInterval(),
		LeaseTTL:         cfg.LeaseTTL(),
		MaxClaimsPerTick: cfg.Worker.MaxClaimsPerTick,
		Logger:           logger,
		Audit:            auditLog,
		Tracer:           provider.Tracer,
	})
	scheduler := cron.NewScheduler(cron.Config{
		Store:    schedulerStore{store: store, maxAttempts: cfg.Worker.MaxAttempts},
		Audit:    auditLog,
		Logger:   logger,
		Enabled:  cfg.Scheduler.Enabled,
		Interval: cfg.TickInterval(),
		JobType:  cron.DefaultJobType,
		Chain:    cfg.Chain,
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return workers.Run(gctx) })
	grp.Go(func() error { return scheduler.Run(gctx) })
	grp.Go(func() error {
		metrics.ObserveQueue(gctx, store, 15*time.Second, logger)
		return nil
	})
	if cfg.MetricsAddr != "" {
		grp.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	}

	err = grp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("steward stopped with error", "error", err)
		return err
	}
	logger.Info("steward stopped")
	return nil
}

// schedulerStore applies the configured attempt budget to scheduled jobs.
type schedulerStore struct {
	store       *persistence.Store
	maxAttempts int
}

func (s schedulerStore) Enqueue(ctx context.Context, p persistence.EnqueueParams) (persistence.EnqueueResult, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = s.maxAttempts
	}
	return s.store.Enqueue(ctx, p)
}

func openAudit(cfg config.Config, logger *slog.Logger) (*audit.Log, error) {
	var extra []audit.Sink
	if cfg.Audit.AMQPURL != "" {
		sink, err := audit.NewAMQPSink(audit.AMQPConfig{URL: cfg.Audit.AMQPURL, Exchange: cfg.Audit.AMQPExchange})
		if err != nil {
			return nil, err
		}
		extra = append(extra, sink)
	}
	return audit.Open(cfg.HomeDir, logger, extra...)
}

// newGuard builds the spend guard over the configured ledger and simulator.
// The returned func releases the simulator connection.
func newGuard(ctx context.Context, cfg config.Config, store *persistence.Store, src guard.PolicySource, logger *slog.Logger, provider *otelPkg.Provider) (*guard.Guard, func(), error) {
	var ledger guard.Ledger = store
	if cfg.LedgerFile != "" {
		fl, err := guard.NewFileLedger(cfg.LedgerFile)
		if err != nil {
			return nil, nil, err
		}
		ledger = fl
	}

	gc := guard.Config{Policy: src, Ledger: ledger, Logger: logger}
	if provider != nil {
		gc.Tracer = provider.Tracer
	}
	closeFn := func() {}
	if cfg.SimulatorRPCURL != "" {
		sim, err := guard.DialSimulator(ctx, cfg.SimulatorRPCURL)
		if err != nil {
			return nil, nil, err
		}
		gc.Simulator = sim
		closeFn = sim.Close
	}
	g, err := guard.New(gc)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return g, closeFn, nil
}

// newBroker returns the Redis broker when one is configured, otherwise an
// in-process broker.
func newBroker(ctx context.Context, cfg config.Config) (confirm.Broker, error) {
	if cfg.Confirm.RedisAddr == "" {
		return confirm.NewMemoryBroker(cfg.ConfirmTTL()), nil
	}
	return confirm.NewRedisBroker(ctx, confirm.RedisConfig{
		Address:  cfg.Confirm.RedisAddr,
		Password: cfg.Confirm.RedisPassword,
		DB:       cfg.Confirm.RedisDB,
		TTL:      cfg.ConfirmTTL(),
	})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
