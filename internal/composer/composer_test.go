package composer

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func key(s string) types.Pubkey {
	k, err := types.PubkeyFromString(s)
	if err != nil {
		panic(err)
	}
	return k
}

func testComposerConfig() config.ComposerConfig {
	return config.ComposerConfig{
		MaxBundleTxs:      5,
		MaxBundleCompute:  7_000_000,
		SafetyMarginBps:   1000,
		MaxComposeRetries: 3,
		ComposeTimeoutMS:  0, // tests drive their own contexts
	}
}

func testSubmissionConfig() config.SubmissionConfig {
	return config.SubmissionConfig{
		TipAccount: "c0",
		MinTip:     100,
		MaxTip:     1_000_000,
	}
}

// okSimulator approves every bundle.
type okSimulator struct{ calls int }

func (s *okSimulator) SimulateBundle(ctx context.Context, txs [][]byte) (*types.SimulationResult, error) {
	s.calls++
	return &types.SimulationResult{Success: true, FailedIndex: -1}, nil
}

// failIndexSimulator fails a fixed transaction index a given number of
// times, then approves.
type failIndexSimulator struct {
	index    int
	failures int
	calls    int
}

func (s *failIndexSimulator) SimulateBundle(ctx context.Context, txs [][]byte) (*types.SimulationResult, error) {
	s.calls++
	if s.failures != 0 {
		s.failures--
		return &types.SimulationResult{Success: false, FailedIndex: s.index}, nil
	}
	return &types.SimulationResult{Success: true, FailedIndex: -1}, nil
}

func newTestComposer(t *testing.T, strategy types.Strategy, sim Simulator) *Composer {
	t.Helper()
	signer, err := NewTipSigner("", "c0")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return New(testComposerConfig(), testSubmissionConfig(), strategy, sim, signer, testLogger())
}

// arbCandidate builds an arbitrage opportunity over the given pool with an
// honest-looking estimate spread.
func arbCandidate(pool string, profit int64) types.Opportunity {
	return types.Opportunity{
		ID:                   uuid.New(),
		Kind:                 types.OppArbitrage,
		DetectedAt:           types.MonoNow(),
		GrossProfitLamports:  profit,
		EstimatedGasLamports: 1_000,
		EstimatedTipLamports: profit / 10,
		RiskScore:            2,
		Confidence:           0.8,
		Arbitrage: &types.ArbitrageOpportunity{
			Path: []types.PathHop{
				{Pool: key(pool), VenueID: "ray"},
				{Pool: key(pool + "ff"), VenueID: "orc"},
			},
		},
	}
}

func TestComposeEmptyInput(t *testing.T) {
	t.Parallel()
	c := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	_, err := c.Compose(context.Background(), nil)
	if types.KindOf(err) != types.KindCompositionAbandoned {
		t.Fatalf("kind = %q, want composition_abandoned", types.KindOf(err))
	}
	if types.ReasonOf(err) != types.ReasonEmptyInput {
		t.Errorf("reason = %q, want EmptyInput", types.ReasonOf(err))
	}
}

func TestComposeSingleOpportunity(t *testing.T) {
	t.Parallel()
	sim := &okSimulator{}
	c := newTestComposer(t, types.StrategyBalanced, sim)

	b, err := c.Compose(context.Background(), []types.Opportunity{arbCandidate("10", 100_000)})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(b.Txs) != 2 {
		t.Fatalf("txs = %d, want opportunity + tip", len(b.Txs))
	}
	tip := b.Txs[len(b.Txs)-1]
	if tip.OpportunityID != uuid.Nil {
		t.Error("tip tx must carry the zero opportunity ID")
	}
	if len(tip.Accounts) != 1 || tip.Accounts[0].Key != key("c0") {
		t.Errorf("tip tx accounts = %+v, want the tip account", tip.Accounts)
	}
	if b.TipLamports < 100 || b.TipLamports > 1_000_000 {
		t.Errorf("tip = %d outside clamp", b.TipLamports)
	}
	if sim.calls != 1 {
		t.Errorf("simulator calls = %d, want 1", sim.calls)
	}
}

func TestComposeCardinalityCap(t *testing.T) {
	t.Parallel()
	c := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	var candidates []types.Opportunity
	for i, profit := range []int64{60_000, 40_000, 90_000, 30_000, 70_000, 50_000} {
		candidates = append(candidates, arbCandidate("1"+string(rune('0'+i)), profit))
	}

	b, err := c.Compose(context.Background(), candidates)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	// Five tx cap: four opportunities plus the tip.
	if len(b.Txs) != 5 {
		t.Fatalf("txs = %d, want 5", len(b.Txs))
	}
	// The four most profitable candidates made it, best first.
	wantProfits := []int64{90_000, 70_000, 60_000, 50_000}
	for i, want := range wantProfits {
		id := b.Txs[i].OpportunityID
		var got int64
		for _, o := range candidates {
			if o.ID == id {
				got = o.GrossProfitLamports
			}
		}
		if got != want {
			t.Errorf("tx %d backs profit %d, want %d", i, got, want)
		}
	}
}

func TestComposeDropsFailingOpportunity(t *testing.T) {
	t.Parallel()
	sim := &failIndexSimulator{index: 0, failures: 1}
	c := newTestComposer(t, types.StrategyBalanced, sim)

	best := arbCandidate("10", 100_000)
	second := arbCandidate("20", 50_000)

	b, err := c.Compose(context.Background(), []types.Opportunity{best, second})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if sim.calls != 2 {
		t.Fatalf("simulator calls = %d, want 2 (fail then pass)", sim.calls)
	}
	// The failing leader was dropped; the survivor leads the retry.
	if len(b.Txs) != 2 {
		t.Fatalf("txs = %d, want survivor + tip", len(b.Txs))
	}
	if b.Txs[0].OpportunityID != second.ID {
		t.Error("surviving bundle should carry the second opportunity")
	}
}

func TestComposeRetriesExceeded(t *testing.T) {
	t.Parallel()
	sim := &failIndexSimulator{index: 0, failures: 1 << 30}
	c := newTestComposer(t, types.StrategyBalanced, sim)

	var candidates []types.Opportunity
	for i := 0; i < 6; i++ {
		candidates = append(candidates, arbCandidate("1"+string(rune('0'+i)), int64(10_000*(i+1))))
	}

	_, err := c.Compose(context.Background(), candidates)
	if types.KindOf(err) != types.KindCompositionAbandoned {
		t.Fatalf("kind = %q, want composition_abandoned", types.KindOf(err))
	}
	if types.ReasonOf(err) != types.ReasonRetriesExceeded {
		t.Errorf("reason = %q, want RetriesExceeded", types.ReasonOf(err))
	}
	if sim.calls != 3 {
		t.Errorf("simulator calls = %d, want MaxComposeRetries", sim.calls)
	}
}

func TestComposeExhaustedPoolAbandons(t *testing.T) {
	t.Parallel()
	// Two candidates, simulator always fails the leader: both get dropped
	// before the retry budget runs out.
	sim := &failIndexSimulator{index: 0, failures: 1 << 30}
	c := newTestComposer(t, types.StrategyBalanced, sim)

	_, err := c.Compose(context.Background(), []types.Opportunity{
		arbCandidate("10", 100_000),
		arbCandidate("20", 50_000),
	})
	if types.KindOf(err) != types.KindCompositionAbandoned {
		t.Fatalf("kind = %q, want composition_abandoned", types.KindOf(err))
	}
	if types.ReasonOf(err) != types.ReasonEmptyInput {
		t.Errorf("reason = %q, want EmptyInput after pool exhaustion", types.ReasonOf(err))
	}
}

func TestComposeDeterministic(t *testing.T) {
	t.Parallel()
	candidates := []types.Opportunity{
		arbCandidate("10", 60_000),
		arbCandidate("20", 90_000),
		arbCandidate("30", 30_000),
	}
	reversed := []types.Opportunity{candidates[2], candidates[1], candidates[0]}

	c1 := newTestComposer(t, types.StrategyBalanced, &okSimulator{})
	c2 := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	b1, err := c1.Compose(context.Background(), candidates)
	if err != nil {
		t.Fatalf("compose 1: %v", err)
	}
	b2, err := c2.Compose(context.Background(), reversed)
	if err != nil {
		t.Fatalf("compose 2: %v", err)
	}
	if len(b1.Txs) != len(b2.Txs) {
		t.Fatalf("tx counts differ: %d vs %d", len(b1.Txs), len(b2.Txs))
	}
	for i := range b1.Txs {
		if b1.Txs[i].OpportunityID != b2.Txs[i].OpportunityID {
			t.Fatalf("tx %d order depends on input order", i)
		}
	}
}

func TestComposeConflictOrdering(t *testing.T) {
	t.Parallel()
	c := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	// Both opportunities write the same pool; the higher profit must
	// execute first.
	low := arbCandidate("10", 40_000)
	high := arbCandidate("10", 80_000)

	b, err := c.Compose(context.Background(), []types.Opportunity{low, high})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if b.Txs[0].OpportunityID != high.ID {
		t.Error("conflicting pair must execute higher profit first")
	}
	if b.Txs[1].OpportunityID != low.ID {
		t.Error("lower-profit conflicting opportunity should follow")
	}
}

// Writer precedence on a conflict follows gross profit even when net
// ranking (which drives selection) disagrees.
func TestComposeConflictOrderingUsesGrossProfit(t *testing.T) {
	t.Parallel()
	c := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	// Heavily tipped: gross 100k but net 39k.
	highGross := arbCandidate("10", 100_000)
	highGross.EstimatedTipLamports = 60_000

	// Lightly tipped: gross 80k, net 78k, ranked first by selection.
	lowGross := arbCandidate("10", 80_000)
	lowGross.EstimatedTipLamports = 1_000

	b, err := c.Compose(context.Background(), []types.Opportunity{lowGross, highGross})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if b.Txs[0].OpportunityID != highGross.ID {
		t.Error("conflicting pair must execute higher gross profit first")
	}
	if b.Txs[1].OpportunityID != lowGross.ID {
		t.Error("lower gross profit should follow despite better net")
	}
}

func TestComposeStrategyFilters(t *testing.T) {
	t.Parallel()
	risky := arbCandidate("10", 100_000)
	risky.RiskScore = 8

	safe := arbCandidate("20", 50_000)
	safe.RiskScore = 1
	safe.Confidence = 0.9

	cases := []struct {
		name     string
		strategy types.Strategy
		wantOpps int
	}{
		{"maximize keeps both", types.StrategyMaximizeProfit, 2},
		{"balanced drops risk above 7", types.StrategyBalanced, 1},
		{"minimize drops risk above 4", types.StrategyMinimizeRisk, 1},
	}
	for _, tc := range cases {
		c := newTestComposer(t, tc.strategy, &okSimulator{})
		b, err := c.Compose(context.Background(), []types.Opportunity{risky, safe})
		if err != nil {
			t.Fatalf("%s: compose: %v", tc.name, err)
		}
		if got := len(b.Txs) - 1; got != tc.wantOpps {
			t.Errorf("%s: opportunities = %d, want %d", tc.name, got, tc.wantOpps)
		}
	}
}

func TestComposeDeadline(t *testing.T) {
	t.Parallel()
	c := newTestComposer(t, types.StrategyBalanced, &okSimulator{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Compose(ctx, []types.Opportunity{arbCandidate("10", 100_000)})
	if types.KindOf(err) != types.KindTimeout {
		t.Errorf("kind = %q, want timeout", types.KindOf(err))
	}
}
