package graph

import (
	"math"
	"testing"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

func TestCPMMQuoteMatchesInvariant(t *testing.T) {
	t.Parallel()
	sol, usdc := key("aa"), key("bb")
	st := types.PoolState{
		Kind: types.VenueCPMM, TokenA: sol, TokenB: usdc,
		ReserveA: 10_000, ReserveB: 1_000_000, FeeBps: 30,
	}

	q, ok := cpmmQuoter{}.Quote(st, sol, 100)
	if !ok {
		t.Fatal("quote failed")
	}
	// x*y=k with 30 bps fee on input: out = 99.7*1e6/(10000+99.7).
	wantF := 99.7 * 1_000_000 / (10_000 + 99.7)
	want := uint64(wantF)
	if q.AmountOut < want-1 || q.AmountOut > want+1 {
		t.Errorf("AmountOut = %d, want %d", q.AmountOut, want)
	}
	if q.SlippageBps == 0 {
		t.Error("nonzero trade against finite depth must report slippage")
	}
}

func TestCPMMQuoteRejects(t *testing.T) {
	t.Parallel()
	sol, usdc, bogus := key("aa"), key("bb"), key("cc")
	st := types.PoolState{
		Kind: types.VenueCPMM, TokenA: sol, TokenB: usdc,
		ReserveA: 10_000, ReserveB: 1_000_000, FeeBps: 30,
	}
	cases := []struct {
		name  string
		pool  types.PoolState
		token types.Pubkey
		in    uint64
	}{
		{"wrong token", st, bogus, 100},
		{"zero input", st, sol, 0},
		{"empty side", types.PoolState{Kind: types.VenueCPMM, TokenA: sol, TokenB: usdc, ReserveB: 1000}, sol, 100},
	}
	for _, tc := range cases {
		if _, ok := (cpmmQuoter{}).Quote(tc.pool, tc.token, tc.in); ok {
			t.Errorf("%s: quote should fail", tc.name)
		}
	}
}

func TestCPMMApplySwapMovesPrice(t *testing.T) {
	t.Parallel()
	sol, usdc := key("aa"), key("bb")
	st := types.PoolState{
		Kind: types.VenueCPMM, TokenA: sol, TokenB: usdc,
		ReserveA: 10_000, ReserveB: 1_000_000, FeeBps: 0,
	}
	q, _ := cpmmQuoter{}.Quote(st, sol, 1000)
	after := cpmmQuoter{}.ApplySwap(st, sol, 1000, q.AmountOut)
	if after.ReserveA != 11_000 {
		t.Errorf("ReserveA = %d, want 11000", after.ReserveA)
	}
	before, _ := SpotPrice(st)
	now, _ := SpotPrice(after)
	if now >= before {
		t.Errorf("buying TokenB must lower its supply price: %v -> %v", before, now)
	}
}

func clmmState(liquidity, sqrtX64 uint64, lower, upper int32, feeBps uint16) types.PoolState {
	return types.PoolState{
		Kind: types.VenueCLMM, TokenA: key("aa"), TokenB: key("bb"),
		Liquidity: liquidity, SqrtPriceX64: sqrtX64,
		TickLower: lower, TickUpper: upper, FeeBps: feeBps,
	}
}

func TestCLMMQuoteInRange(t *testing.T) {
	t.Parallel()
	// sqrtP = 0.5 -> price 0.25 -> tick ~= -13863.
	st := clmmState(1_000_000_000, uint64(q64*0.5), -20000, -10000, 0)

	q, ok := clmmQuoter{}.Quote(st, key("aa"), 10_000)
	if !ok {
		t.Fatal("in-range quote failed")
	}
	// Roughly price*in, reduced by slippage.
	if q.AmountOut == 0 || q.AmountOut > 2500 {
		t.Errorf("AmountOut = %d, want (0, 2500] at price 0.25", q.AmountOut)
	}
}

func TestCLMMQuoteRefusesTickExit(t *testing.T) {
	t.Parallel()
	// Tight range around tick -13863: a large swap would exit it.
	st := clmmState(1_000_000, uint64(q64*0.5), -13870, -13860, 0)
	if _, ok := (clmmQuoter{}).Quote(st, key("aa"), 50_000_000); ok {
		t.Error("swap exiting the active range must be refused")
	}
}

func TestSpotPrice(t *testing.T) {
	t.Parallel()
	cp := types.PoolState{Kind: types.VenueCPMM, ReserveA: 10_000, ReserveB: 1_000_000}
	p, ok := SpotPrice(cp)
	if !ok || p != 100 {
		t.Errorf("cpmm spot = %v ok=%v, want 100", p, ok)
	}

	cl := clmmState(1, uint64(q64*0.5), -100000, 100000, 0)
	p, ok = SpotPrice(cl)
	if !ok || math.Abs(p-0.25) > 1e-9 {
		t.Errorf("clmm spot = %v ok=%v, want 0.25", p, ok)
	}

	if _, ok := SpotPrice(types.PoolState{Kind: types.VenueOrderbook}); ok {
		t.Error("orderbook pools are not spot-priceable here")
	}
}
