// Package decision turns a market snapshot and portfolio into execution
// plans: strategy intents, deterministic risk decisions, then a policy filter.
// Nothing here performs I/O; every function is safe for concurrent use.
package decision

import "time"

type IntentType string

const (
	IntentNoop        IntentType = "noop"
	IntentSwapExactIn IntentType = "swap_exact_in"
)

// Snapshot is the market view a strategy decides on. Prices are decimal
// strings keyed by asset symbol.
type Snapshot struct {
	Chain      string            `json:"chain"`
	ObservedAt time.Time         `json:"observed_at"`
	Prices     map[string]string `json:"prices,omitempty"`
}

// Portfolio holds decimal-string balances keyed by asset symbol.
type Portfolio struct {
	Balances map[string]string `json:"balances"`
}

// Intent is a strategy's desired action. It never carries signable data.
type Intent struct {
	ID           string     `json:"id"`
	Type         IntentType `json:"type"`
	Chain        string     `json:"chain"`
	FromAsset    string     `json:"from_asset,omitempty"`
	ToAsset      string     `json:"to_asset,omitempty"`
	AmountIn     string     `json:"amount_in,omitempty"`
	MinAmountOut string     `json:"min_amount_out,omitempty"`
	SlippageBps  *int       `json:"slippage_bps,omitempty"`
	Rationale    string     `json:"rationale"`
	Confidence   float64    `json:"confidence"`
}

// Decision is the risk verdict for one intent. Reasons is ["OK"] when
// approved, otherwise the violated rules.
type Decision struct {
	IntentID string   `json:"intent_id"`
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
}

type Action struct {
	IntentID         string        `json:"intent_id"`
	Chain            string        `json:"chain"`
	FromAsset        string        `json:"from_asset"`
	ToAsset          string        `json:"to_asset"`
	AmountIn         string        `json:"amount_in"`
	MinAmountOut     string        `json:"min_amount_out,omitempty"`
	SlippageBps      int           `json:"slippage_bps"`
	Deadline         time.Duration `json:"deadline"`
	MaxExecutionCost string        `json:"max_execution_cost"`
}

type Plan struct {
	PolicyVersion string   `json:"policy_version"`
	Actions       []Action `json:"actions"`
}
