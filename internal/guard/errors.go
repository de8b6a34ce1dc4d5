package guard

import (
	"errors"
	"fmt"
)

// ErrRejected matches every *RejectionError via errors.Is.
var ErrRejected = errors.New("spend guard rejected transaction")

const (
	RuleKillSwitch       = "kill_switch"
	RuleChainAllowlist   = "chain_allowlist"
	RuleAddress          = "address"
	RuleValue            = "value"
	RuleDestination      = "destination"
	RuleMaxTxValue       = "max_tx_value"
	RuleCalldata         = "calldata"
	RuleApproval         = "approval"
	RuleAssetMaxTransfer = "asset_max_transfer"
	RuleSimulation       = "simulation"
	RuleMaxDailyValue    = "max_daily_value"
	RuleAssetMaxDaily    = "asset_max_daily"
)

// RejectionError is a terminal policy verdict. It names the rule that
// rejected the transaction and is never retried.
type RejectionError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by %s: %s", e.Rule, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(rule, format string, args ...any) *RejectionError {
	return &RejectionError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// RuleOf returns the rule name of a rejection, or "" for other errors.
func RuleOf(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Rule
	}
	return ""
}
