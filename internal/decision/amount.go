package decision

import (
	"fmt"
	"math/big"
	"regexp"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// parseDecimal accepts plain non-negative decimal strings such as "1", "0.5"
// or "1000.000001". Signs, exponents and "a/b" ratios are rejected.
func parseDecimal(s string) (*big.Rat, error) {
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("%q is not a non-negative decimal", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%q is not a non-negative decimal", s)
	}
	return r, nil
}
