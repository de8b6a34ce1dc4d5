package decision

import (
	"context"
	"fmt"
)

// Strategy proposes intents. Implementations must be deterministic for a
// given snapshot and portfolio.
type Strategy interface {
	Propose(ctx context.Context, snap Snapshot, portfolio Portfolio) ([]Intent, error)
}

const (
	DefaultThreshold   = "5"
	DefaultSpendAmount = "1"
	DefaultSlippageBps = 50
)

// PlaceholderStrategy holds when the base asset balance is under Threshold
// and otherwise swaps SpendAmount of it into QuoteAsset.
type PlaceholderStrategy struct {
	BaseAsset   string
	QuoteAsset  string
	Threshold   string
	SpendAmount string
	SlippageBps int
}

func (s PlaceholderStrategy) Propose(_ context.Context, snap Snapshot, portfolio Portfolio) ([]Intent, error) {
	thresholdStr := orDefault(s.Threshold, DefaultThreshold)
	threshold, err := parseDecimal(thresholdStr)
	if err != nil {
		return nil, fmt.Errorf("placeholder threshold: %w", err)
	}
	balanceStr := portfolio.Balances[s.BaseAsset]
	if balanceStr == "" {
		balanceStr = "0"
	}
	balance, err := parseDecimal(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", s.BaseAsset, err)
	}

	if balance.Cmp(threshold) < 0 {
		return []Intent{{
			ID:         intentID(snap, IntentNoop, 0),
			Type:       IntentNoop,
			Chain:      snap.Chain,
			Rationale:  fmt.Sprintf("%s balance %s below threshold %s", s.BaseAsset, balanceStr, thresholdStr),
			Confidence: 1,
		}}, nil
	}

	slippage := s.SlippageBps
	if slippage == 0 {
		slippage = DefaultSlippageBps
	}
	return []Intent{{
		ID:          intentID(snap, IntentSwapExactIn, 0),
		Type:        IntentSwapExactIn,
		Chain:       snap.Chain,
		FromAsset:   s.BaseAsset,
		ToAsset:     s.QuoteAsset,
		AmountIn:    orDefault(s.SpendAmount, DefaultSpendAmount),
		SlippageBps: &slippage,
		Rationale:   fmt.Sprintf("%s balance %s at or above threshold", s.BaseAsset, balanceStr),
		Confidence:  0.5,
	}}, nil
}

func intentID(snap Snapshot, t IntentType, i int) string {
	return fmt.Sprintf("%s-%s-%d-%d", snap.Chain, t, snap.ObservedAt.UnixMilli(), i)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
