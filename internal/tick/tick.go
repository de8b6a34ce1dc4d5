// Package tick handles the periodic TICK job: it runs the decision pipeline
// for the scheduled chain and routes any resulting plan through the spend
// guard and the confirmation broker.
package tick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/basket/go-steward/internal/confirm"
	"github.com/basket/go-steward/internal/decision"
	"github.com/basket/go-steward/internal/engine"
	"github.com/basket/go-steward/internal/guard"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/shared"
)

// PayloadSchema is the JSON schema enforced on TICK payloads.
const PayloadSchema = `{
	"type": "object",
	"required": ["chain", "bucket"],
	"properties": {
		"chain": {"type": "string", "minLength": 1},
		"bucket": {"type": "string", "minLength": 1}
	}
}`

type Payload struct {
	Chain  string `json:"chain"`
	Bucket string `json:"bucket"`
}

type MarketSource interface {
	Snapshot(ctx context.Context, chain string) (decision.Snapshot, error)
}

type PortfolioSource interface {
	Portfolio(ctx context.Context, chain string) (decision.Portfolio, error)
}

// StaticPortfolio reports fixed balances for every chain.
type StaticPortfolio map[string]string

func (p StaticPortfolio) Portfolio(context.Context, string) (decision.Portfolio, error) {
	return decision.Portfolio{Balances: maps.Clone(map[string]string(p))}, nil
}

// TxBuilder turns an execution action into an unsigned transaction.
type TxBuilder interface {
	Build(ctx context.Context, action decision.Action) (guard.TxIntent, error)
}

type TxBuilderFunc func(ctx context.Context, action decision.Action) (guard.TxIntent, error)

func (f TxBuilderFunc) Build(ctx context.Context, action decision.Action) (guard.TxIntent, error) {
	return f(ctx, action)
}

type Preflighter interface {
	Preflight(ctx context.Context, tx guard.TxIntent) (*guard.Approval, error)
}

// Handler wires the pipeline to its collaborators. Market may be nil, in
// which case the snapshot carries only the chain and the job's clock.
// Without a Builder plans are logged and nothing is sent to the guard.
type Handler struct {
	Pipeline  decision.Pipeline
	Market    MarketSource
	Portfolio PortfolioSource
	Builder   TxBuilder
	Guard     Preflighter
	Broker    confirm.Broker
	Logger    *slog.Logger
}

// Outcome summarises one run; Handle logs it.
type Outcome struct {
	Intents   int
	Approved  int
	Plans     int
	Rejected  int
	Confirmed []confirm.Ticket
}

// Register installs the schema-checked handler under jobType.
func (h *Handler) Register(reg *engine.Registry, jobType string) error {
	wrapped, err := engine.WithSchema([]byte(PayloadSchema), h.Handle)
	if err != nil {
		return err
	}
	return reg.Register(jobType, wrapped)
}

func (h *Handler) Handle(ctx context.Context, job persistence.Job) error {
	_, err := h.Run(ctx, job)
	return err
}

// Run executes one tick and reports what it did.
func (h *Handler) Run(ctx context.Context, job persistence.Job) (Outcome, error) {
	logger := h.logger().With("job_id", job.ID, "trace_id", shared.TraceID(ctx))
	var out Outcome

	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return out, engine.Permanent(fmt.Errorf("decode tick payload: %w", err))
	}
	chain := strings.TrimSpace(p.Chain)
	if chain == "" {
		return out, engine.Permanent(errors.New("tick payload has no chain"))
	}

	snap := decision.Snapshot{Chain: chain, ObservedAt: shared.Now(ctx)}
	if h.Market != nil {
		var err error
		if snap, err = h.Market.Snapshot(ctx, chain); err != nil {
			return out, fmt.Errorf("market snapshot: %w", err)
		}
	}
	var portfolio decision.Portfolio
	if h.Portfolio != nil {
		var err error
		if portfolio, err = h.Portfolio.Portfolio(ctx, chain); err != nil {
			return out, fmt.Errorf("portfolio: %w", err)
		}
	}

	res, err := h.Pipeline.Run(ctx, snap, portfolio)
	if err != nil {
		return out, fmt.Errorf("decision pipeline: %w", err)
	}
	out.Intents = len(res.Intents)
	out.Plans = len(res.Plans)
	for _, d := range res.Decisions {
		if d.Approved {
			out.Approved++
			continue
		}
		logger.Info("intent rejected by risk rules", "intent_id", d.IntentID, "reasons", d.Reasons)
	}

	for _, plan := range res.Plans {
		for _, action := range plan.Actions {
			ticket, rejected, err := h.execute(ctx, logger, plan, action)
			if err != nil {
				return out, err
			}
			if rejected {
				out.Rejected++
			}
			if ticket != nil {
				out.Confirmed = append(out.Confirmed, *ticket)
			}
		}
	}
	logger.Info("tick complete",
		"chain", chain,
		"bucket", p.Bucket,
		"intents", out.Intents,
		"approved", out.Approved,
		"plans", out.Plans,
		"guard_rejections", out.Rejected,
		"awaiting_confirmation", len(out.Confirmed),
	)
	return out, nil
}

// execute sends one action through the guard. A guard rejection is terminal
// for the action but not for the job.
func (h *Handler) execute(ctx context.Context, logger *slog.Logger, plan decision.Plan, action decision.Action) (*confirm.Ticket, bool, error) {
	logger = logger.With("intent_id", action.IntentID, "policy_version", plan.PolicyVersion)
	if h.Builder == nil {
		logger.Info("execution plan ready; no transaction builder configured",
			"from_asset", action.FromAsset,
			"to_asset", action.ToAsset,
			"amount_in", action.AmountIn,
			"slippage_bps", action.SlippageBps,
		)
		return nil, false, nil
	}
	if h.Guard == nil {
		return nil, false, engine.Permanent(errors.New("transaction builder configured without a spend guard"))
	}

	tx, err := h.Builder.Build(ctx, action)
	if err != nil {
		return nil, false, fmt.Errorf("build transaction for %s: %w", action.IntentID, err)
	}
	appr, err := h.Guard.Preflight(ctx, tx)
	if errors.Is(err, guard.ErrRejected) {
		logger.Warn("action rejected by spend guard", "rule", guard.RuleOf(err), "error", err)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("preflight %s: %w", action.IntentID, err)
	}
	if h.Broker == nil {
		logger.Warn("action approved but no confirmation broker configured; dropping", "day_key", appr.DayKey)
		return nil, false, nil
	}
	ticket, err := h.Broker.Prepare(ctx, tx, preview(action, plan))
	if err != nil {
		return nil, false, fmt.Errorf("prepare confirmation for %s: %w", action.IntentID, err)
	}
	logger.Info("action awaiting operator confirmation",
		"token", ticket.Token,
		"digest", ticket.Digest,
		"expires_at", ticket.ExpiresAt,
	)
	return &ticket, false, nil
}

func preview(a decision.Action, plan decision.Plan) string {
	return fmt.Sprintf("swap %s %s for %s on %s (min out %s, slippage %d bps, deadline %s, policy %s)",
		a.AmountIn, a.FromAsset, a.ToAsset, a.Chain, orDash(a.MinAmountOut), a.SlippageBps, a.Deadline, plan.PolicyVersion)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "tick")
	}
	return h.Logger.With("component", "tick")
}
