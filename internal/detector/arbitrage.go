// arbitrage.go implements the cross-venue arbitrage pathfinder.
//
// On each pool update the detector enumerates candidate cycles through the
// market graph starting from every affected watchlist token, sizes the
// input by bisection on the marginal-profit sign, and emits an Opportunity
// for every cycle that clears the profit floor, the per-hop slippage bound,
// and the competition check.
package detector

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/assess"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/graph"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Arbitrage detects profitable cycles through the market graph. Watchlist
// tokens are expected to be the native mint or 1:1 wrappers of it, so
// output-minus-input in the start token is directly a lamport amount.
type Arbitrage struct {
	cfg    config.DetectorConfig
	graph  *graph.Graph
	comp   CompetitionEstimator
	out    *Queue
	watch  map[types.Pubkey]bool
	logger *slog.Logger
}

// NewArbitrage creates the arbitrage detector.
func NewArbitrage(cfg config.DetectorConfig, g *graph.Graph, comp CompetitionEstimator, out *Queue, logger *slog.Logger) *Arbitrage {
	watch := make(map[types.Pubkey]bool, len(cfg.Watchlist))
	for _, s := range cfg.Watchlist {
		if k, err := types.PubkeyFromString(s); err == nil {
			watch[k] = true
		}
	}
	return &Arbitrage{
		cfg:    cfg,
		graph:  g,
		comp:   comp,
		out:    out,
		watch:  watch,
		logger: logger.With("component", "arb_detector"),
	}
}

// Run consumes pool-state events until ctx is cancelled.
func (d *Arbitrage) Run(ctx context.Context, events <-chan types.PoolStateEvent) {
	d.logger.Info("arbitrage detector started",
		"watchlist", len(d.watch),
		"max_hops", d.cfg.MaxHops,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.onPoolUpdate(ev)
		}
	}
}

// onPoolUpdate scans cycles from every watchlist token the updated pool
// trades.
func (d *Arbitrage) onPoolUpdate(ev types.PoolStateEvent) {
	for _, start := range []types.Pubkey{ev.State.TokenA, ev.State.TokenB} {
		if d.watch[start] {
			d.Scan(start)
		}
	}
}

// candidate is an evaluated cycle before deduplication.
type candidate struct {
	path     graph.Path
	input    uint64
	output   uint64
	profit   int64
	worstBps uint16
}

// Scan enumerates and evaluates cycles from one start token, emitting the
// survivors.
func (d *Arbitrage) Scan(start types.Pubkey) {
	best := make(map[string]candidate) // canonical pool-set key -> best cycle

	d.graph.FindCycles(start, d.cfg.MaxHops, func(p graph.Path) bool {
		c, ok := d.evaluate(p)
		if !ok {
			return true
		}
		key := poolSetKey(p)
		if prev, seen := best[key]; !seen || better(c, prev) {
			best[key] = c
		}
		return true
	})

	for _, c := range best {
		comp := d.competitionFor(c.path)
		expectedTip := int64(assess.TipFraction(comp) * float64(c.profit))
		if comp*float64(expectedTip) >= float64(c.profit) {
			continue // the auction would eat the edge
		}

		opp := types.Opportunity{
			ID:         uuid.New(),
			Kind:       types.OppArbitrage,
			DetectedAt: types.MonoNow(),
			Arbitrage: &types.ArbitrageOpportunity{
				StartToken:     start,
				Path:           c.path,
				InputAmount:    c.input,
				ExpectedOutput: c.output,
				WorstSlipBps:   c.worstBps,
			},
			GrossProfitLamports:  c.profit,
			EstimatedTipLamports: expectedTip,
			Confidence:           clamp01(1 - comp),
		}
		opp.EstimatedGasLamports = assess.GasEstimate(opp)
		opp.RiskScore = assess.RiskScore(opp)

		d.out.Push(opp)
		d.logger.Debug("arbitrage opportunity",
			"profit", c.profit,
			"hops", len(c.path),
			"input", c.input,
			"competition", comp,
		)
	}
}

// evaluate sizes the cycle input by bisection and checks the acceptance
// conditions: profit floor and per-hop slippage bound.
func (d *Arbitrage) evaluate(p graph.Path) (candidate, bool) {
	maxIn := d.depthBound(p)
	if maxIn < 2 {
		return candidate{}, false
	}

	input := d.bisectInput(p, maxIn)
	if input == 0 {
		return candidate{}, false
	}
	output, worst, ok := d.simulateCycle(p, input)
	if !ok {
		return candidate{}, false
	}
	if worst > uint16(d.cfg.MaxSlippageBps) {
		return candidate{}, false
	}
	profit := int64(output) - int64(input)
	if profit <= d.cfg.MinProfitLamports {
		return candidate{}, false
	}
	return candidate{path: p, input: input, output: output, profit: profit, worstBps: worst}, true
}

// depthBound caps the swept input at a quarter of the first pool's inbound
// depth so the sweep never quotes absurd sizes.
func (d *Arbitrage) depthBound(p graph.Path) uint64 {
	st, ok := d.graph.Snapshot(p[0].Pool)
	if !ok {
		return 0
	}
	switch st.Kind {
	case types.VenueCPMM:
		if p[0].TokenIn == st.TokenA {
			return st.ReserveA / 4
		}
		return st.ReserveB / 4
	case types.VenueCLMM:
		return st.Liquidity / 8
	default:
		return 0
	}
}

// bisectInput finds the input size that maximizes output-minus-input by
// bisecting on the sign of the marginal profit. Cycle profit is concave in
// the input for AMM hops, so the zero crossing of the derivative is the
// optimum.
func (d *Arbitrage) bisectInput(p graph.Path, maxIn uint64) uint64 {
	net := func(in uint64) int64 {
		out, _, ok := d.simulateCycle(p, in)
		if !ok {
			return -1 << 62
		}
		return int64(out) - int64(in)
	}

	lo, hi := uint64(1), maxIn
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		step := mid / 1000
		if step == 0 {
			step = 1
		}
		if net(mid+step) > net(mid) {
			lo = mid // still climbing
		} else {
			hi = mid
		}
	}
	if net(lo) <= 0 {
		return 0
	}
	return lo
}

// simulateCycle runs the AMM math end-to-end over current pool snapshots.
func (d *Arbitrage) simulateCycle(p graph.Path, input uint64) (output uint64, worstBps uint16, ok bool) {
	amount := input
	for _, hop := range p {
		st, found := d.graph.Snapshot(hop.Pool)
		if !found {
			return 0, 0, false
		}
		q := graph.ForKind(st.Kind)
		if q == nil {
			return 0, 0, false
		}
		quote, qok := q.Quote(st, hop.TokenIn, amount)
		if !qok {
			return 0, 0, false
		}
		if quote.SlippageBps > worstBps {
			worstBps = quote.SlippageBps
		}
		amount = quote.AmountOut
	}
	return amount, worstBps, true
}

// competitionFor takes the hottest venue on the path as the competition
// estimate.
func (d *Arbitrage) competitionFor(p graph.Path) float64 {
	var comp float64
	for _, hop := range p {
		if c := d.comp.Competition(hop.VenueID); c > comp {
			comp = c
		}
	}
	return comp
}

// poolSetKey canonicalizes a cycle to its unordered pool set, so a cycle
// and its trivial reversal collapse to one key.
func poolSetKey(p graph.Path) string {
	pools := make([]string, len(p))
	for i, hop := range p {
		pools[i] = hop.Pool.String()
	}
	sort.Strings(pools)
	return strings.Join(pools, "|")
}

// better orders candidates by profit desc, then fewer hops, then
// lexicographic venue-id order. Deterministic by construction.
func better(a, b candidate) bool {
	if a.profit != b.profit {
		return a.profit > b.profit
	}
	if len(a.path) != len(b.path) {
		return len(a.path) < len(b.path)
	}
	return venueKey(a.path) < venueKey(b.path)
}

func venueKey(p graph.Path) string {
	ids := make([]string, len(p))
	for i, hop := range p {
		ids[i] = hop.VenueID
	}
	return strings.Join(ids, "|")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
