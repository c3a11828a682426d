package detector

import (
	"testing"

	"github.com/stanmart1/mev-sub005/internal/graph"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

func sandwichGraph() *graph.Graph {
	g := graph.New()
	g.Apply(poolEvent("10", "ray", key("aa"), key("bb"), 10_000, 1_000_000, 0))
	return g
}

func victimSwap() types.PendingSwapEvent {
	// 500 SOL in, worth $50k at $100; spot output ~47.6k USDC, floor 45k
	// leaves ~5% of tolerance to squeeze.
	return types.PendingSwapEvent{
		Signature:    "sig-victim",
		Pool:         key("10"),
		Kind:         types.VenueCPMM,
		VenueID:      "ray",
		TokenIn:      key("aa"),
		TokenOut:     key("bb"),
		AmountIn:     500,
		MinAmountOut: 45_000,
		Slot:         100,
	}
}

func sandwichPrices() fakePrices {
	return fakePrices{key("aa"): 100, key("bb"): 1}
}

func newTestSandwich(ethical bool) (*Sandwich, *Queue) {
	cfg := testDetectorConfig()
	cfg.EthicalMode = ethical
	q := NewQueue("sandwich", 64)
	d := NewSandwich(cfg, sandwichGraph(), sandwichPrices(), fakeCompetition{c: 0.2}, q, key("aa"), testLogger())
	return d, q
}

func TestDetectEmitsSandwich(t *testing.T) {
	t.Parallel()
	d, q := newTestSandwich(false)

	opp, err := d.Detect(victimSwap())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if opp.Kind != types.OppSandwich || opp.Sandwich == nil {
		t.Fatalf("unexpected opportunity: %+v", opp)
	}
	if opp.Sandwich.FrontSize == 0 || opp.Sandwich.BackSize == 0 {
		t.Errorf("sizing = front %d back %d, want both > 0",
			opp.Sandwich.FrontSize, opp.Sandwich.BackSize)
	}
	if opp.Sandwich.VictimSlippageBps == 0 {
		t.Error("victim slippage tolerance not derived")
	}
	if opp.GrossProfitLamports <= 0 {
		t.Errorf("gross profit = %d, want > 0", opp.GrossProfitLamports)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

// The sizing search must leave the victim at or above their declared
// minimum output after the front-run executes.
func TestDetectRespectsVictimFloor(t *testing.T) {
	t.Parallel()
	d, _ := newTestSandwich(false)
	ev := victimSwap()

	opp, err := d.Detect(ev)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	g := sandwichGraph()
	st, _ := g.Snapshot(ev.Pool)
	quoter := graph.ForKind(st.Kind)

	fq, ok := quoter.Quote(st, ev.TokenIn, opp.Sandwich.FrontSize)
	if !ok {
		t.Fatal("front quote failed")
	}
	afterFront := quoter.ApplySwap(st, ev.TokenIn, opp.Sandwich.FrontSize, fq.AmountOut)
	vq, ok := quoter.Quote(afterFront, ev.TokenIn, ev.AmountIn)
	if !ok {
		t.Fatal("victim quote failed")
	}
	if vq.AmountOut < ev.MinAmountOut {
		t.Errorf("victim receives %d after front-run, floor is %d",
			vq.AmountOut, ev.MinAmountOut)
	}
}

func TestDetectSkipsUnknownSlippage(t *testing.T) {
	t.Parallel()
	d, q := newTestSandwich(false)
	ev := victimSwap()
	ev.MinAmountOut = 0

	if _, err := d.Detect(ev); err == nil {
		t.Fatal("unknown victim slippage must be skipped")
	}
	if q.Len() != 0 {
		t.Error("skip still emitted")
	}
}

func TestDetectSkipsSmallVictim(t *testing.T) {
	t.Parallel()
	d, q := newTestSandwich(false)
	ev := victimSwap()
	ev.AmountIn = 10 // $1000, below the $10k floor
	ev.MinAmountOut = 900

	if _, err := d.Detect(ev); err == nil {
		t.Fatal("below-floor victim must be skipped")
	}
	if q.Len() != 0 {
		t.Error("skip still emitted")
	}
}

func TestDetectEthicalModeBlocks(t *testing.T) {
	t.Parallel()
	d, q := newTestSandwich(true)

	_, err := d.Detect(victimSwap())
	if err == nil {
		t.Fatal("ethical mode must refuse")
	}
	if types.KindOf(err) != types.KindPolicyBlocked {
		t.Errorf("kind = %q, want policy_blocked", types.KindOf(err))
	}
	if q.Len() != 0 {
		t.Error("ethical mode emitted an opportunity")
	}
}
