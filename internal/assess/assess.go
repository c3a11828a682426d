// Package assess holds the pure scoring functions shared by the detectors
// and the composer: gas estimation, risk scoring, and the tip fraction
// curve. Everything here is a function of its arguments; no state, no I/O.
package assess

import (
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Compute-unit point estimates per transaction kind, measured from venue
// program executions. The composer pads these by the configured safety
// margin before attaching compute budgets.
const (
	ComputePerSwapHop     = 80_000
	ComputePerLiquidation = 220_000
	ComputePerSandwichLeg = 90_000
	ComputeTipTx          = 5_000

	lamportsPerComputeUnit = 0.0025 // prioritization-fee baseline
	baseFeeLamports        = 5_000  // flat per-transaction signature fee
)

// ComputeEstimate returns the compute-unit point estimate for one
// opportunity's transactions.
func ComputeEstimate(o types.Opportunity) uint64 {
	switch o.Kind {
	case types.OppArbitrage:
		if o.Arbitrage == nil {
			return 0
		}
		return uint64(len(o.Arbitrage.Path)) * ComputePerSwapHop
	case types.OppLiquidation:
		return ComputePerLiquidation
	case types.OppSandwich:
		return 2 * ComputePerSandwichLeg
	}
	return 0
}

// GasEstimate returns the lamport cost of executing one opportunity:
// signature fees plus prioritization fees over the compute estimate.
func GasEstimate(o types.Opportunity) int64 {
	txs := int64(1)
	if o.Kind == types.OppSandwich {
		txs = 2 // front and back legs
	}
	return txs*baseFeeLamports + int64(float64(ComputeEstimate(o))*lamportsPerComputeUnit)
}

// RiskScore grades an opportunity from 0 (benign) to 10 (adversarial).
// Arbitrage risk grows with hop count; liquidations carry oracle risk;
// sandwiches always carry an adversarial-interaction boost.
func RiskScore(o types.Opportunity) float64 {
	var score float64
	switch o.Kind {
	case types.OppArbitrage:
		if o.Arbitrage != nil {
			score = 1 + 0.8*float64(len(o.Arbitrage.Path)-2)
			score += float64(o.Arbitrage.WorstSlipBps) / 200
		}
	case types.OppLiquidation:
		score = 2
		if o.Liquidation != nil && o.Liquidation.HealthFactor > 0.98 {
			score += 2 // near the boundary, the oracle can flip it back
		}
	case types.OppSandwich:
		score = 6 // adversarial by construction
	}
	if score > 10 {
		score = 10
	}
	return score
}

// TipFraction maps a competition estimate in [0,1] to the fraction of gross
// profit bid as tip. Piecewise linear through (0, 0.05), (0.5, 0.12),
// (1, 0.25): quiet opportunities keep most of the profit, contested ones
// bid up.
func TipFraction(competition float64) float64 {
	switch {
	case competition <= 0:
		return 0.05
	case competition < 0.5:
		return 0.05 + (0.12-0.05)*(competition/0.5)
	case competition < 1:
		return 0.12 + (0.25-0.12)*((competition-0.5)/0.5)
	default:
		return 0.25
	}
}

// ClampTip bounds a raw tip to the configured [minTip, maxTip] window.
func ClampTip(tip, minTip, maxTip int64) int64 {
	if tip < minTip {
		return minTip
	}
	if tip > maxTip {
		return maxTip
	}
	return tip
}
