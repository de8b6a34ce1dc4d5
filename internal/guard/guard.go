// Package guard gates outgoing transactions against the spend policy and
// records approved spend in the daily ledger.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/metrics"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/policy"
	"github.com/basket/go-steward/internal/shared"
)

// TxIntent is an unsigned transaction proposal. An empty To is a contract
// creation. Value is in the chain's smallest native unit.
type TxIntent struct {
	Chain string        `json:"chain"`
	From  string        `json:"from"`
	To    string        `json:"to,omitempty"`
	Value *big.Int      `json:"value,omitempty"`
	Data  hexutil.Bytes `json:"data,omitempty"`
}

func (tx TxIntent) value() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}

// PolicySource supplies the active rules; *policy.LivePolicy and
// policy.Static implement it.
type PolicySource interface {
	Rules() *policy.Rules
}

type Config struct {
	Policy    PolicySource
	Ledger    Ledger
	Simulator Simulator
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type Guard struct {
	policy PolicySource
	ledger Ledger
	sim    Simulator
	logger *slog.Logger
	tracer trace.Tracer
}

// Approval describes a transaction that passed preflight and whose spend
// was committed.
type Approval struct {
	DayKey        string
	PolicyVersion string
	Native        *big.Int
	Call          *Call
	Spent         *persistence.SpendRecord
}

func New(cfg Config) (*Guard, error) {
	if cfg.Policy == nil {
		return nil, errors.New("guard: policy is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("guard: ledger is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		policy: cfg.Policy,
		ledger: cfg.Ledger,
		sim:    cfg.Simulator,
		logger: logger.With("component", "guard"),
		tracer: cfg.Tracer,
	}, nil
}

// Preflight runs every gate in order and, when all pass, commits the spend
// to today's record. A rejection returns a *RejectionError and leaves the
// ledger untouched.
func (g *Guard) Preflight(ctx context.Context, tx TxIntent) (appr *Approval, err error) {
	ctx, span := otel.StartSpan(ctx, g.tracer, "guard.preflight", otel.AttrChain.String(tx.Chain))
	rules := g.policy.Rules()
	defer func() { g.observe(ctx, span, tx, rules, err) }()

	if rules == nil {
		return nil, reject(RuleKillSwitch, "no policy loaded")
	}
	if !rules.AutonomyEnabled {
		return nil, reject(RuleKillSwitch, "autonomy disabled")
	}
	if !rules.ChainAllowed(tx.Chain) {
		return nil, reject(RuleChainAllowlist, "chain %q not in allowed set", tx.Chain)
	}

	to, err := checkAddresses(rules, tx)
	if err != nil {
		return nil, err
	}
	value := tx.value()
	if value.Sign() < 0 {
		return nil, reject(RuleValue, "negative value %s", value)
	}
	if to != nil {
		if rules.Blocked(*to) {
			return nil, reject(RuleDestination, "destination %s is blocklisted", to.Hex())
		}
		if !rules.DestinationAllowed(*to) {
			return nil, reject(RuleDestination, "destination %s not in allowlist", to.Hex())
		}
	}
	if value.Cmp(rules.MaxTxValue) > 0 {
		return nil, reject(RuleMaxTxValue, "value %s exceeds per-transaction cap %s", value, rules.MaxTxValue)
	}

	var call *Call
	if to != nil && len(tx.Data) > 0 {
		call, err = DecodeCall(*to, tx.Data)
		switch {
		case errors.Is(err, errUnknownSelector):
			call = nil
		case err != nil:
			return nil, &RejectionError{Rule: RuleCalldata, Reason: "malformed ERC-20 calldata", Err: err}
		default:
			if err := checkCall(rules, call); err != nil {
				return nil, err
			}
		}
	}

	if rules.RequireSimulation {
		if g.sim == nil {
			return nil, reject(RuleSimulation, "simulation required but no simulator configured")
		}
		if err := g.sim.Simulate(ctx, tx); err != nil {
			return nil, &RejectionError{Rule: RuleSimulation, Reason: "simulation failed: " + err.Error(), Err: err}
		}
	}

	dayKey := persistence.DayKey(shared.Now(ctx), rules.Location)
	var spent *persistence.SpendRecord
	err = g.ledger.UpdateSpend(ctx, dayKey, func(rec *persistence.SpendRecord) error {
		if err := checkDaily(rules, rec, value, call); err != nil {
			return err
		}
		rec.AddNative(value)
		if call != nil && call.IsTransfer() {
			rec.AddAsset(call.Token.Hex(), call.Amount)
		}
		spent = rec.Clone()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("commit spend: %w", err)
	}
	return &Approval{
		DayKey:        dayKey,
		PolicyVersion: rules.Version,
		Native:        new(big.Int).Set(value),
		Call:          call,
		Spent:         spent,
	}, nil
}

// Today returns the spend record for the current day under the active
// policy's timezone.
func (g *Guard) Today(ctx context.Context) (*persistence.SpendRecord, error) {
	loc := rulesLocation(g.policy.Rules())
	return g.ledger.ReadSpend(ctx, persistence.DayKey(shared.Now(ctx), loc))
}

func rulesLocation(r *policy.Rules) *time.Location {
	if r == nil {
		return nil
	}
	return r.Location
}

func checkAddresses(rules *policy.Rules, tx TxIntent) (*common.Address, error) {
	if !common.IsHexAddress(tx.From) {
		return nil, reject(RuleAddress, "malformed sender %q", tx.From)
	}
	if strings.TrimSpace(tx.To) == "" {
		if rules.HasDestinationAllowlist() {
			return nil, reject(RuleAddress, "contract creation not permitted with a destination allowlist")
		}
		return nil, nil
	}
	if !common.IsHexAddress(tx.To) {
		return nil, reject(RuleAddress, "malformed recipient %q", tx.To)
	}
	to := common.HexToAddress(tx.To)
	return &to, nil
}

func checkCall(rules *policy.Rules, call *Call) error {
	if rules.Blocked(call.Counterparty) {
		return reject(RuleDestination, "%s counterparty %s is blocklisted", call.Method, call.Counterparty.Hex())
	}
	switch {
	case call.IsApproval():
		if !rules.BlockApprovals {
			return nil
		}
		if !rules.IsAsset(call.Token) {
			return reject(RuleApproval, "%s of %s not permitted; only the configured asset may be approved", call.Method, call.Token.Hex())
		}
		if !rules.Asset.SpenderAllowed(call.Counterparty) {
			return reject(RuleApproval, "spender %s not allowlisted", call.Counterparty.Hex())
		}
		if rules.Asset.MaxApproval == nil {
			return reject(RuleApproval, "no approval limit configured")
		}
		if call.Amount.Cmp(rules.Asset.MaxApproval) > 0 {
			return reject(RuleApproval, "approval %s exceeds limit %s", call.Amount, rules.Asset.MaxApproval)
		}
	case call.IsTransfer():
		if !rules.IsAsset(call.Token) {
			return nil
		}
		if rules.Asset.MaxTransfer == nil {
			return reject(RuleAssetMaxTransfer, "no per-transaction cap configured for %s", call.Token.Hex())
		}
		if call.Amount.Cmp(rules.Asset.MaxTransfer) > 0 {
			return reject(RuleAssetMaxTransfer, "transfer %s exceeds per-transaction asset cap %s", call.Amount, rules.Asset.MaxTransfer)
		}
	}
	return nil
}

func checkDaily(rules *policy.Rules, rec *persistence.SpendRecord, value *big.Int, call *Call) error {
	native := new(big.Int).Add(rec.Native, value)
	if native.Cmp(rules.MaxDailyValue) > 0 {
		return reject(RuleMaxDailyValue, "daily native spend %s would exceed cap %s", native, rules.MaxDailyValue)
	}
	if call == nil || !call.IsTransfer() || !rules.IsAsset(call.Token) {
		return nil
	}
	if rules.Asset.MaxDaily == nil {
		return reject(RuleAssetMaxDaily, "no daily cap configured for %s", call.Token.Hex())
	}
	total := rec.AssetSpent(call.Token.Hex())
	total.Add(total, call.Amount)
	if total.Cmp(rules.Asset.MaxDaily) > 0 {
		return reject(RuleAssetMaxDaily, "daily asset spend %s would exceed cap %s", total, rules.Asset.MaxDaily)
	}
	return nil
}

func (g *Guard) observe(ctx context.Context, span trace.Span, tx TxIntent, rules *policy.Rules, err error) {
	version := ""
	if rules != nil {
		version = rules.Version
	}
	logger := g.logger.With("trace_id", shared.TraceID(ctx), "chain", tx.Chain, "to", tx.To, "value", tx.value().String(), "policy_version", version)
	var rej *RejectionError
	switch {
	case err == nil:
		metrics.GuardDecisions.WithLabelValues("approved", "none").Inc()
		logger.Info("preflight approved")
	case errors.As(err, &rej):
		span.SetAttributes(otel.AttrRule.String(rej.Rule))
		metrics.GuardDecisions.WithLabelValues("rejected", rej.Rule).Inc()
		logger.Warn("preflight rejected", "rule", rej.Rule, "reason", rej.Reason)
	default:
		metrics.GuardDecisions.WithLabelValues("error", "none").Inc()
		logger.Error("preflight failed", "error", err)
	}
	otel.EndSpan(span, err)
}
