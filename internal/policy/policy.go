// Package policy holds the spend-guard policy: the serializable form read
// from config.yaml and the compiled rules the guard evaluates.
package policy

import (
	"fmt"
	"hash/fnv"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AssetPolicy configures the single ERC-20 asset the guard is allowed to
// approve and caps per transaction and per day.
type AssetPolicy struct {
	Address          string   `yaml:"address"`
	MaxTransfer      string   `yaml:"max_transfer"`
	MaxDaily         string   `yaml:"max_daily"`
	MaxApproval      string   `yaml:"max_approval"`
	ApprovalSpenders []string `yaml:"approval_spenders"`
}

// SpendPolicy is the serializable policy data. Amounts are decimal integers
// in the smallest unit.
type SpendPolicy struct {
	AutonomyEnabled     bool        `yaml:"autonomy_enabled"`
	AllowedChains       []string    `yaml:"allowed_chains"`
	MaxTxValue          string      `yaml:"max_tx_value"`
	MaxDailyValue       string      `yaml:"max_daily_value"`
	AllowedDestinations []string    `yaml:"allowed_destinations"`
	BlockedDestinations []string    `yaml:"blocked_destinations"`
	BlockApprovals      *bool       `yaml:"block_approvals,omitempty"`
	RequireSimulation   *bool       `yaml:"require_simulation,omitempty"`
	Asset               AssetPolicy `yaml:"asset"`
	Timezone            string      `yaml:"timezone"`
}

// Default is fail-closed: autonomy off, no chains, zero caps.
func Default() SpendPolicy {
	return SpendPolicy{
		MaxTxValue:    "0",
		MaxDailyValue: "0",
		Timezone:      "UTC",
	}
}

// Rules is a validated, immutable SpendPolicy.
type Rules struct {
	AutonomyEnabled     bool
	AllowedChains       map[string]struct{}
	MaxTxValue          *big.Int
	MaxDailyValue       *big.Int
	AllowedDestinations map[common.Address]struct{}
	BlockedDestinations map[common.Address]struct{}
	BlockApprovals      bool
	RequireSimulation   bool
	Asset               *AssetRules
	Location            *time.Location
	Version             string
}

type AssetRules struct {
	Address     common.Address
	MaxTransfer *big.Int // empty in config compiles to zero
	MaxDaily    *big.Int // empty in config compiles to zero
	MaxApproval *big.Int // nil means approvals of this asset are refused
	Spenders    map[common.Address]struct{}
}

func (r *Rules) ChainAllowed(chain string) bool {
	_, ok := r.AllowedChains[normalizeChain(chain)]
	return ok
}

func (r *Rules) Blocked(addr common.Address) bool {
	_, ok := r.BlockedDestinations[addr]
	return ok
}

// DestinationAllowed reports whether addr passes the allowlist. An empty
// allowlist admits every destination.
func (r *Rules) DestinationAllowed(addr common.Address) bool {
	if len(r.AllowedDestinations) == 0 {
		return true
	}
	_, ok := r.AllowedDestinations[addr]
	return ok
}

func (r *Rules) HasDestinationAllowlist() bool { return len(r.AllowedDestinations) > 0 }

// IsAsset reports whether token is the configured asset.
func (r *Rules) IsAsset(token common.Address) bool {
	return r.Asset != nil && r.Asset.Address == token
}

func (a *AssetRules) SpenderAllowed(spender common.Address) bool {
	_, ok := a.Spenders[spender]
	return ok
}

// Compile validates p and converts it into Rules.
func Compile(p SpendPolicy) (*Rules, error) {
	r := &Rules{
		AutonomyEnabled:   p.AutonomyEnabled,
		AllowedChains:     map[string]struct{}{},
		BlockApprovals:    boolOr(p.BlockApprovals, true),
		RequireSimulation: boolOr(p.RequireSimulation, true),
	}
	for _, c := range p.AllowedChains {
		c = normalizeChain(c)
		if c == "" {
			continue
		}
		r.AllowedChains[c] = struct{}{}
	}

	var err error
	if r.MaxTxValue, err = parseCap("max_tx_value", p.MaxTxValue, true); err != nil {
		return nil, err
	}
	if r.MaxDailyValue, err = parseCap("max_daily_value", p.MaxDailyValue, true); err != nil {
		return nil, err
	}
	if r.AllowedDestinations, err = parseAddressSet("allowed_destinations", p.AllowedDestinations); err != nil {
		return nil, err
	}
	if r.BlockedDestinations, err = parseAddressSet("blocked_destinations", p.BlockedDestinations); err != nil {
		return nil, err
	}
	for addr := range r.AllowedDestinations {
		if r.Blocked(addr) {
			return nil, fmt.Errorf("destination %s is both allowed and blocked", addr.Hex())
		}
	}

	if r.Asset, err = compileAsset(p.Asset); err != nil {
		return nil, err
	}

	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if r.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	r.Version = versionFor(p, r)
	return r, nil
}

func compileAsset(a AssetPolicy) (*AssetRules, error) {
	addr := strings.TrimSpace(a.Address)
	if addr == "" {
		if a.MaxTransfer != "" || a.MaxDaily != "" || a.MaxApproval != "" || len(a.ApprovalSpenders) > 0 {
			return nil, fmt.Errorf("asset caps configured without asset.address")
		}
		return nil, nil
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("asset.address: invalid address %q", addr)
	}
	out := &AssetRules{Address: common.HexToAddress(addr)}
	var err error
	if out.MaxTransfer, err = parseCap("asset.max_transfer", a.MaxTransfer, true); err != nil {
		return nil, err
	}
	if out.MaxDaily, err = parseCap("asset.max_daily", a.MaxDaily, true); err != nil {
		return nil, err
	}
	if out.MaxApproval, err = parseCap("asset.max_approval", a.MaxApproval, false); err != nil {
		return nil, err
	}
	if out.Spenders, err = parseAddressSet("asset.approval_spenders", a.ApprovalSpenders); err != nil {
		return nil, err
	}
	return out, nil
}

// parseCap reads a non-negative integer. An empty value is zero when
// required and nil (no cap) otherwise.
func parseCap(field, s string, required bool) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return new(big.Int), nil
		}
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: %q is not a non-negative integer", field, s)
	}
	return n, nil
}

func parseAddressSet(field string, in []string) (map[common.Address]struct{}, error) {
	out := make(map[common.Address]struct{}, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%s: invalid address %q", field, raw)
		}
		out[common.HexToAddress(raw)] = struct{}{}
	}
	return out, nil
}

func normalizeChain(c string) string { return strings.ToLower(strings.TrimSpace(c)) }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func versionFor(p SpendPolicy, r *Rules) string {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s + "|")) }
	write(strconv.FormatBool(r.AutonomyEnabled))
	write(strings.Join(sortedKeys(r.AllowedChains), ","))
	write(r.MaxTxValue.String())
	write(r.MaxDailyValue.String())
	write(strings.Join(sortedAddrs(r.AllowedDestinations), ","))
	write(strings.Join(sortedAddrs(r.BlockedDestinations), ","))
	write(strconv.FormatBool(r.BlockApprovals))
	write(strconv.FormatBool(r.RequireSimulation))
	if r.Asset != nil {
		write(strings.ToLower(r.Asset.Address.Hex()))
		write(strings.TrimSpace(p.Asset.MaxTransfer))
		write(strings.TrimSpace(p.Asset.MaxDaily))
		write(strings.TrimSpace(p.Asset.MaxApproval))
		write(strings.Join(sortedAddrs(r.Asset.Spenders), ","))
	}
	write(r.Location.String())
	return "spend-" + strconv.FormatUint(h.Sum64(), 16)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedAddrs(m map[common.Address]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, strings.ToLower(k.Hex()))
	}
	slices.Sort(out)
	return out
}

// LivePolicy holds the active Rules and swaps them on reload.
type LivePolicy struct {
	mu    sync.RWMutex
	rules *Rules
}

func NewLivePolicy(initial SpendPolicy) (*LivePolicy, error) {
	r, err := Compile(initial)
	if err != nil {
		return nil, err
	}
	return &LivePolicy{rules: r}, nil
}

// Rules returns the active compiled rules. Callers must not mutate them.
func (lp *LivePolicy) Rules() *Rules {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.rules
}

func (lp *LivePolicy) Version() string { return lp.Rules().Version }

// Reload replaces the active rules only when p compiles. On error the
// previous rules remain active.
func (lp *LivePolicy) Reload(p SpendPolicy) (changed bool, err error) {
	r, err := Compile(p)
	if err != nil {
		return false, err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	changed = lp.rules == nil || lp.rules.Version != r.Version
	lp.rules = r
	return changed, nil
}

// Static wraps fixed Rules for callers that never reload.
type Static struct{ R *Rules }

func (s Static) Rules() *Rules { return s.R }
