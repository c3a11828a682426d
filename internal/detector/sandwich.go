// sandwich.go implements the mempool sandwich detector.
//
// For each pending victim swap above the value floor, the detector sizes the
// largest front-run that still leaves the victim at or above their declared
// minimum output, simulates front, victim, and back legs against the current
// pool snapshot, and emits the pair as one opportunity. Ethical mode blocks
// emission entirely and counts the suppression.
package detector

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/assess"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/graph"
	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Sandwich detects sandwichable pending swaps in the mempool stream.
type Sandwich struct {
	cfg    config.DetectorConfig
	graph  *graph.Graph
	prices PriceSource
	comp   CompetitionEstimator
	out    *Queue
	native types.Pubkey
	logger *slog.Logger
}

// NewSandwich creates the sandwich detector.
func NewSandwich(cfg config.DetectorConfig, g *graph.Graph, prices PriceSource, comp CompetitionEstimator, out *Queue, native types.Pubkey, logger *slog.Logger) *Sandwich {
	return &Sandwich{
		cfg:    cfg,
		graph:  g,
		prices: prices,
		comp:   comp,
		out:    out,
		native: native,
		logger: logger.With("component", "sandwich_detector"),
	}
}

// Run consumes pending-swap events until ctx is cancelled.
func (d *Sandwich) Run(ctx context.Context, events <-chan types.PendingSwapEvent) {
	d.logger.Info("sandwich detector started",
		"ethical_mode", d.cfg.EthicalMode,
		"min_target_usd", d.cfg.MinTargetValueUSD,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if _, err := d.Detect(ev); err != nil {
				if types.KindOf(err) == types.KindPolicyBlocked {
					continue // counted inside Detect
				}
				d.logger.Debug("pending swap skipped",
					"signature", ev.Signature, "reason", err.Error())
			}
		}
	}
}

// Detect evaluates one pending swap. In ethical mode every candidate that
// would otherwise qualify returns a policy-blocked error and increments the
// suppression counter without emitting.
func (d *Sandwich) Detect(ev types.PendingSwapEvent) (*types.Opportunity, error) {
	const op = "sandwich.detect"

	// An unknown victim slippage floor means the sizing constraint cannot
	// be honored; skip rather than guess.
	if ev.MinAmountOut == 0 {
		return nil, types.ER(types.KindDecodeError, op, "victim slippage unknown")
	}

	inPrice, ok := d.prices.PriceUSD(ev.TokenIn)
	if !ok {
		return nil, types.ER(types.KindDecodeError, op, "victim input token unpriced")
	}
	if float64(ev.AmountIn)*inPrice < d.cfg.MinTargetValueUSD {
		return nil, types.ER(types.KindDecodeError, op, "victim swap below value floor")
	}

	st, found := d.graph.Snapshot(ev.Pool)
	if !found {
		return nil, types.ER(types.KindStateConflict, op, "pool not tracked")
	}
	q := graph.ForKind(st.Kind)
	if q == nil {
		return nil, types.ER(types.KindDecodeError, op, "venue not quotable")
	}

	front, back, profit, ok := d.size(q, st, ev)
	if !ok || profit <= d.cfg.MinProfitLamports {
		return nil, types.ER(types.KindDecodeError, op, "no profitable sizing")
	}

	if d.cfg.EthicalMode {
		metrics.PolicyBlockedSandwich.Inc()
		d.logger.Info("sandwich suppressed by policy",
			"signature", ev.Signature, "would_profit", profit)
		return nil, types.ER(types.KindPolicyBlocked, op, "ethical mode enabled")
	}

	comp := d.comp.Competition(ev.VenueID)
	victimSlip := victimSlippageBps(q, st, ev)

	opp := types.Opportunity{
		ID:         uuid.New(),
		Kind:       types.OppSandwich,
		DetectedAt: types.MonoNow(),
		Sandwich: &types.SandwichOpportunity{
			TargetSignature:   ev.Signature,
			Pool:              ev.Pool,
			FrontSize:         front,
			BackSize:          back,
			VictimSlippageBps: victimSlip,
		},
		GrossProfitLamports:  profit,
		EstimatedTipLamports: int64(assess.TipFraction(comp) * float64(profit)),
		Confidence:           clamp01(1-comp) * 0.8, // victim can always reprice or drop
	}
	opp.EstimatedGasLamports = assess.GasEstimate(opp)
	opp.RiskScore = assess.RiskScore(opp)

	d.out.Push(opp)
	d.logger.Debug("sandwich opportunity",
		"signature", ev.Signature, "front", front, "back", back, "profit", profit)
	return &opp, nil
}

// size binary-searches the largest front-run that keeps the victim's output
// at or above MinAmountOut, then prices the round trip. Profit is
// denominated in the victim's input token and converted to lamports.
func (d *Sandwich) size(q graph.Quoter, st types.PoolState, ev types.PendingSwapEvent) (front, back uint64, profit int64, ok bool) {
	// Round trip in victim input token units for a given front size.
	trip := func(f uint64) (backOut uint64, feasible bool) {
		fq, fok := q.Quote(st, ev.TokenIn, f)
		if !fok {
			return 0, false
		}
		afterFront := q.ApplySwap(st, ev.TokenIn, f, fq.AmountOut)

		vq, vok := q.Quote(afterFront, ev.TokenIn, ev.AmountIn)
		if !vok || vq.AmountOut < ev.MinAmountOut {
			return 0, false
		}
		afterVictim := q.ApplySwap(afterFront, ev.TokenIn, ev.AmountIn, vq.AmountOut)

		bq, bok := q.Quote(afterVictim, ev.TokenOut, fq.AmountOut)
		if !bok {
			return 0, false
		}
		return bq.AmountOut, true
	}

	lo, hi := uint64(0), ev.AmountIn*4
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if _, feasible := trip(mid); feasible {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, 0, 0, false
	}

	backOut, feasible := trip(lo)
	if !feasible || backOut <= lo {
		return 0, 0, 0, false
	}

	fq, _ := q.Quote(st, ev.TokenIn, lo)
	profitIn := int64(backOut - lo)

	inPrice, ok1 := d.prices.PriceUSD(ev.TokenIn)
	nativePrice, ok2 := d.prices.PriceUSD(d.native)
	if !ok1 || !ok2 || nativePrice <= 0 {
		return 0, 0, 0, false
	}
	return lo, fq.AmountOut, int64(float64(profitIn) * inPrice / nativePrice), true
}

// victimSlippageBps derives the victim's declared slippage tolerance from
// their minimum output against the current spot quote.
func victimSlippageBps(q graph.Quoter, st types.PoolState, ev types.PendingSwapEvent) uint16 {
	vq, ok := q.Quote(st, ev.TokenIn, ev.AmountIn)
	if !ok || vq.AmountOut == 0 || ev.MinAmountOut >= vq.AmountOut {
		return 0
	}
	slip := (float64(vq.AmountOut) - float64(ev.MinAmountOut)) / float64(vq.AmountOut) * 10000
	if slip > 65535 {
		slip = 65535
	}
	return uint16(slip)
}
