package policy_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-steward/internal/policy"
)

const (
	usdc    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	router  = "0x2626664c2603336E57B271c5C0b26F421741e481"
	blocked = "0x000000000000000000000000000000000000dEaD"
)

func TestDefaultIsFailClosed(t *testing.T) {
	r, err := policy.Compile(policy.Default())
	if err != nil {
		t.Fatalf("compile default: %v", err)
	}
	if r.AutonomyEnabled {
		t.Fatalf("default policy must disable autonomy")
	}
	if r.ChainAllowed("base") {
		t.Fatalf("default policy must allow no chains")
	}
	if r.MaxTxValue.Sign() != 0 || r.MaxDailyValue.Sign() != 0 {
		t.Fatalf("default caps must be zero, got %s/%s", r.MaxTxValue, r.MaxDailyValue)
	}
	if !r.BlockApprovals || !r.RequireSimulation {
		t.Fatalf("approvals must be blocked and simulation required by default")
	}
	if r.Asset != nil {
		t.Fatalf("no asset configured by default")
	}
}

func TestCompileFromYAML(t *testing.T) {
	doc := `
autonomy_enabled: true
allowed_chains: [Base, " mainnet "]
max_tx_value: "100"
max_daily_value: "1000"
blocked_destinations: ["` + blocked + `"]
block_approvals: true
asset:
  address: "` + usdc + `"
  max_transfer: "50"
  max_approval: "500"
  approval_spenders: ["` + router + `"]
timezone: America/New_York
`
	var p policy.SpendPolicy
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r, err := policy.Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !r.ChainAllowed("base") || !r.ChainAllowed("MAINNET") || r.ChainAllowed("optimism") {
		t.Fatalf("chain allowlist not normalised: %v", r.AllowedChains)
	}
	if r.MaxTxValue.String() != "100" || r.MaxDailyValue.String() != "1000" {
		t.Fatalf("unexpected caps %s/%s", r.MaxTxValue, r.MaxDailyValue)
	}
	if !r.Blocked(common.HexToAddress(blocked)) {
		t.Fatalf("expected blocklisted destination")
	}
	if !r.DestinationAllowed(common.HexToAddress(router)) || r.HasDestinationAllowlist() {
		t.Fatalf("empty allowlist must admit everything")
	}
	if !r.IsAsset(common.HexToAddress(usdc)) {
		t.Fatalf("expected configured asset")
	}
	if r.Asset.MaxTransfer.String() != "50" || r.Asset.MaxDaily.Sign() != 0 || r.Asset.MaxApproval.String() != "500" {
		t.Fatalf("unexpected asset caps %+v", r.Asset)
	}
	if !r.Asset.SpenderAllowed(common.HexToAddress(router)) {
		t.Fatalf("expected allowlisted spender")
	}
	if r.Location.String() != "America/New_York" {
		t.Fatalf("location = %s", r.Location)
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	cases := map[string]policy.SpendPolicy{
		"negative cap":        {MaxTxValue: "-1"},
		"decimal cap":         {MaxDailyValue: "1.5"},
		"bad destination":     {AllowedDestinations: []string{"0x1234"}},
		"bad asset":           {Asset: policy.AssetPolicy{Address: "usdc"}},
		"caps without asset":  {Asset: policy.AssetPolicy{MaxTransfer: "10"}},
		"bad spender":         {Asset: policy.AssetPolicy{Address: usdc, ApprovalSpenders: []string{"nope"}}},
		"unknown timezone":    {Timezone: "Mars/Olympus"},
		"allowed and blocked": {AllowedDestinations: []string{router}, BlockedDestinations: []string{router}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := policy.Compile(p); err == nil {
				t.Fatalf("expected compile error")
			}
		})
	}
}

func TestVersionIsStable(t *testing.T) {
	a := policy.SpendPolicy{AllowedChains: []string{"base", "mainnet"}, MaxTxValue: "10", BlockedDestinations: []string{blocked, router}}
	b := policy.SpendPolicy{AllowedChains: []string{"MAINNET", "base"}, MaxTxValue: "10", BlockedDestinations: []string{router, blocked}}
	ra, err := policy.Compile(a)
	if err != nil {
		t.Fatalf("compile a: %v", err)
	}
	rb, err := policy.Compile(b)
	if err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if ra.Version != rb.Version {
		t.Fatalf("equivalent policies must share a version: %s vs %s", ra.Version, rb.Version)
	}
	b.MaxTxValue = "11"
	rc, err := policy.Compile(b)
	if err != nil {
		t.Fatalf("compile c: %v", err)
	}
	if rc.Version == ra.Version {
		t.Fatalf("changed cap must change version")
	}
}

func TestLivePolicyInvalidReloadRetainsPrevious(t *testing.T) {
	live, err := policy.NewLivePolicy(policy.SpendPolicy{AutonomyEnabled: true, AllowedChains: []string{"base"}, MaxTxValue: "100"})
	if err != nil {
		t.Fatalf("new live policy: %v", err)
	}
	before := live.Version()

	if _, err := live.Reload(policy.SpendPolicy{MaxTxValue: "abc"}); err == nil {
		t.Fatalf("expected invalid reload to fail")
	}
	if live.Version() != before || !live.Rules().ChainAllowed("base") {
		t.Fatalf("invalid reload must keep previous rules")
	}

	changed, err := live.Reload(policy.SpendPolicy{AutonomyEnabled: true, AllowedChains: []string{"base"}, MaxTxValue: "100"})
	if err != nil || changed {
		t.Fatalf("identical reload: changed=%v err=%v", changed, err)
	}
	changed, err = live.Reload(policy.SpendPolicy{AllowedChains: []string{"base"}, MaxTxValue: "100"})
	if err != nil || !changed {
		t.Fatalf("kill switch reload: changed=%v err=%v", changed, err)
	}
	if live.Rules().AutonomyEnabled {
		t.Fatalf("expected autonomy disabled after reload")
	}
}
