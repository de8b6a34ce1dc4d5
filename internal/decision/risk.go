package decision

import "fmt"

const (
	maxSlippageBps = 100
	reasonOK       = "OK"
)

type RiskConfig struct {
	SupportedChain string
}

// Evaluate returns one decision per intent, in order.
func Evaluate(cfg RiskConfig, intents []Intent) []Decision {
	out := make([]Decision, 0, len(intents))
	for _, in := range intents {
		reasons := violations(cfg, in)
		d := Decision{IntentID: in.ID, Approved: len(reasons) == 0, Reasons: reasons}
		if d.Approved {
			d.Reasons = []string{reasonOK}
		}
		out = append(out, d)
	}
	return out
}

func violations(cfg RiskConfig, in Intent) []string {
	var reasons []string
	if in.Chain != cfg.SupportedChain {
		reasons = append(reasons, fmt.Sprintf("unsupported chain %q (only %q)", in.Chain, cfg.SupportedChain))
	}
	if in.SlippageBps != nil {
		if bps := *in.SlippageBps; bps <= 0 || bps > maxSlippageBps {
			reasons = append(reasons, fmt.Sprintf("slippage %d bps outside (0, %d] bps ceiling", bps, maxSlippageBps))
		}
	}
	for _, f := range []struct{ name, value string }{
		{"amount_in", in.AmountIn},
		{"min_amount_out", in.MinAmountOut},
	} {
		if f.value == "" {
			continue
		}
		r, err := parseDecimal(f.value)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", f.name, err))
			continue
		}
		if r.Sign() <= 0 {
			reasons = append(reasons, fmt.Sprintf("%s must be greater than zero", f.name))
		}
	}
	if in.Type == IntentSwapExactIn && in.AmountIn == "" {
		reasons = append(reasons, "amount_in is required for swap_exact_in")
	}
	return reasons
}
