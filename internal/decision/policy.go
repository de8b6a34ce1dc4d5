package decision

import (
	"fmt"
	"hash/fnv"
	"time"
)

const (
	DefaultActionDeadline   = 120 * time.Second
	DefaultMaxExecutionCost = "0.01"
)

type PolicyConfig struct {
	FundingAsset     string
	Deadline         time.Duration
	MaxExecutionCost string
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.Deadline <= 0 {
		c.Deadline = DefaultActionDeadline
	}
	if c.MaxExecutionCost == "" {
		c.MaxExecutionCost = DefaultMaxExecutionCost
	}
	return c
}

// Version identifies the plan policy; it changes whenever any bound does.
func (c PolicyConfig) Version() string {
	c = c.withDefaults()
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%s", c.FundingAsset, c.Deadline.Milliseconds(), c.MaxExecutionCost)
	return fmt.Sprintf("plan-v1-%x", h.Sum64())
}

// BuildPlans keeps approved swap intents that spend the funding asset and
// groups them into a single plan. Anything else is dropped without comment.
func BuildPlans(cfg PolicyConfig, intents []Intent, decisions []Decision) []Plan {
	cfg = cfg.withDefaults()
	approved := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if d.Approved {
			approved[d.IntentID] = true
		}
	}

	var actions []Action
	for _, in := range intents {
		if !approved[in.ID] || in.Type != IntentSwapExactIn || in.FromAsset != cfg.FundingAsset {
			continue
		}
		slippage := DefaultSlippageBps
		if in.SlippageBps != nil {
			slippage = *in.SlippageBps
		}
		actions = append(actions, Action{
			IntentID:         in.ID,
			Chain:            in.Chain,
			FromAsset:        in.FromAsset,
			ToAsset:          in.ToAsset,
			AmountIn:         in.AmountIn,
			MinAmountOut:     in.MinAmountOut,
			SlippageBps:      slippage,
			Deadline:         cfg.Deadline,
			MaxExecutionCost: cfg.MaxExecutionCost,
		})
	}
	if len(actions) == 0 {
		return nil
	}
	return []Plan{{PolicyVersion: cfg.Version(), Actions: actions}}
}
