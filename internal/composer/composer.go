// Package composer turns detected opportunities into ordered, simulated,
// tip-carrying bundles.
//
// Composition is deterministic: the same candidate set with the same
// strategy always yields the same bundle. Candidates are filtered by the
// active strategy, packed greedily by net expected profit under the
// transaction-count and compute caps, ordered by account-conflict
// dependencies, and simulated before release. A simulation failure drops
// the failing opportunity and recomposes; the retry budget and the compose
// deadline both bound the loop.
package composer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/assess"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

const tipComputeUnits = assess.ComputeTipTx

// Simulator is the narrow chain-simulation dependency. Implemented by the
// RPC client; tests substitute fakes.
type Simulator interface {
	SimulateBundle(ctx context.Context, txs [][]byte) (*types.SimulationResult, error)
}

// Composer assembles bundles from detector output.
type Composer struct {
	cfg      config.ComposerConfig
	strategy types.Strategy
	sub      config.SubmissionConfig
	sim      Simulator
	signer   *TipSigner
	logger   *slog.Logger
}

// New creates a composer.
func New(cfg config.ComposerConfig, sub config.SubmissionConfig, strategy types.Strategy, sim Simulator, signer *TipSigner, logger *slog.Logger) *Composer {
	return &Composer{
		cfg:      cfg,
		strategy: strategy,
		sub:      sub,
		sim:      sim,
		signer:   signer,
		logger:   logger.With("component", "composer"),
	}
}

// Compose builds one bundle from the candidate set. Returns a
// composition-abandoned error when no viable bundle exists, and a timeout
// error when the compose deadline expires mid-loop.
func (c *Composer) Compose(ctx context.Context, candidates []types.Opportunity) (*types.Bundle, error) {
	const op = "composer.compose"

	if c.cfg.ComposeTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ComposeTimeout())
		defer cancel()
	}

	pool := c.filter(candidates)
	if len(pool) == 0 {
		return nil, types.ER(types.KindCompositionAbandoned, op, types.ReasonEmptyInput)
	}

	for attempt := 0; attempt < c.cfg.MaxComposeRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, types.E(types.KindTimeout, op, ctx.Err())
		}

		selected := c.pack(pool)
		if len(selected) == 0 {
			return nil, types.ER(types.KindCompositionAbandoned, op, types.ReasonEmptyInput)
		}
		ordered := c.order(selected)

		bundle, err := c.build(ordered)
		if err != nil {
			return nil, err
		}

		res, err := c.simulate(ctx, bundle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.E(types.KindTimeout, op, ctx.Err())
			}
			return nil, err
		}
		if res.Success {
			c.logger.Info("bundle composed",
				"bundle_id", bundle.ID,
				"txs", len(bundle.Txs),
				"expected_profit", bundle.ExpectedProfitLamports,
				"tip", bundle.TipLamports,
				"attempt", attempt+1,
			)
			return bundle, nil
		}

		// Drop the opportunity behind the failing transaction and retry.
		// A failing tip transaction cannot be recovered by recomposition.
		if res.FailedIndex < 0 || res.FailedIndex >= len(ordered) {
			return nil, types.ER(types.KindSimulationFailed, op, "tip transaction rejected")
		}
		failed := ordered[res.FailedIndex].ID
		pool = withoutOpportunity(pool, failed)
		c.logger.Warn("simulation failed, dropping opportunity",
			"opportunity_id", failed,
			"failed_index", res.FailedIndex,
			"err", res.Err,
		)
		if len(pool) == 0 {
			return nil, types.ER(types.KindCompositionAbandoned, op, types.ReasonEmptyInput)
		}
	}
	return nil, types.ER(types.KindCompositionAbandoned, op, types.ReasonRetriesExceeded)
}

// filter applies the active strategy's candidate gate. Every strategy
// rejects opportunities whose honest net expectation is not positive.
func (c *Composer) filter(candidates []types.Opportunity) []types.Opportunity {
	out := make([]types.Opportunity, 0, len(candidates))
	for _, o := range candidates {
		if o.NetExpectedProfit() <= 0 {
			continue
		}
		switch c.strategy {
		case types.StrategyMaximizeProfit:
			// Profit is the only gate.
		case types.StrategyBalanced:
			if o.RiskScore > 7 {
				continue
			}
		case types.StrategyMinimizeRisk:
			if o.RiskScore > 4 || o.Confidence < 0.6 {
				continue
			}
		}
		out = append(out, o)
	}
	return out
}

// pack greedily selects candidates by net expected profit under the
// transaction-count and compute caps, reserving one slot and the tip budget
// for the tip transaction. Ties break on detection time, then ID, so
// packing is deterministic.
func (c *Composer) pack(pool []types.Opportunity) []types.Opportunity {
	sorted := append([]types.Opportunity(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := sorted[i].NetExpectedProfit(), sorted[j].NetExpectedProfit()
		if pi != pj {
			return pi > pj
		}
		if sorted[i].DetectedAt != sorted[j].DetectedAt {
			return sorted[i].DetectedAt < sorted[j].DetectedAt
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	maxOpps := c.cfg.MaxBundleTxs - 1 // last slot is the tip tx
	budget := c.cfg.MaxBundleCompute - tipComputeUnits

	var selected []types.Opportunity
	var used uint64
	for _, o := range sorted {
		if len(selected) >= maxOpps {
			break
		}
		cu := c.paddedCompute(o)
		if used+cu > budget {
			continue
		}
		selected = append(selected, o)
		used += cu
	}
	return selected
}

// paddedCompute is the point estimate padded by the safety margin.
func (c *Composer) paddedCompute(o types.Opportunity) uint64 {
	est := assess.ComputeEstimate(o)
	return est + est*uint64(c.cfg.SafetyMarginBps)/10000
}

// order arranges the selected opportunities so that account-conflicting
// pairs execute higher gross profit first; selection already ranked on net,
// but writer precedence goes to the transaction moving the most value. The
// conflict edges form a DAG because they always point from higher priority
// to lower; the Kahn walk still carries a cycle fallback that drops the
// lowest-priority participant.
func (c *Composer) order(selected []types.Opportunity) []types.Opportunity {
	n := len(selected)
	if n <= 1 {
		return selected
	}

	writes := make([]map[types.Pubkey]bool, n)
	touches := make([]map[types.Pubkey]bool, n)
	for i, o := range selected {
		writes[i] = make(map[types.Pubkey]bool)
		touches[i] = make(map[types.Pubkey]bool)
		for _, m := range o.Accounts() {
			touches[i][m.Key] = true
			if m.Writable {
				writes[i][m.Key] = true
			}
		}
	}

	priority := func(i, j int) bool {
		pi, pj := selected[i].GrossProfitLamports, selected[j].GrossProfitLamports
		if pi != pj {
			return pi > pj
		}
		return selected[i].ID.String() < selected[j].ID.String()
	}

	// Edge i -> j: i must run before j.
	adj := make([][]int, n)
	indeg := make([]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !conflicts(writes[i], touches[i], writes[j], touches[j]) {
				continue
			}
			hi, lo := i, j
			if priority(j, i) {
				hi, lo = j, i
			}
			adj[hi] = append(adj[hi], lo)
			indeg[lo]++
		}
	}

	remaining := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		remaining[i] = true
	}

	var order []int
	for len(remaining) > 0 {
		ready := -1
		for i := range remaining {
			if indeg[i] != 0 {
				continue
			}
			if ready == -1 || priority(i, ready) {
				ready = i
			}
		}
		if ready == -1 {
			// Cycle: drop the lowest-profit remaining participant.
			worst := -1
			for i := range remaining {
				if worst == -1 || priority(worst, i) {
					worst = i
				}
			}
			delete(remaining, worst)
			for _, to := range adj[worst] {
				if remaining[to] {
					indeg[to]--
				}
			}
			continue
		}
		order = append(order, ready)
		delete(remaining, ready)
		for _, to := range adj[ready] {
			if remaining[to] {
				indeg[to]--
			}
		}
	}

	out := make([]types.Opportunity, 0, len(order))
	for _, i := range order {
		out = append(out, selected[i])
	}
	return out
}

// conflicts reports whether two account sets require ordering: a write on
// either side to an account the other touches.
func conflicts(w1, t1, w2, t2 map[types.Pubkey]bool) bool {
	for k := range w1 {
		if t2[k] {
			return true
		}
	}
	for k := range w2 {
		if t1[k] {
			return true
		}
	}
	return false
}

// build assembles the bundle: one transaction per opportunity in order,
// then the signed tip transaction. The tip is the clamped sum of the
// per-opportunity tip estimates.
func (c *Composer) build(ordered []types.Opportunity) (*types.Bundle, error) {
	var (
		txs        []types.Transaction
		computeSum uint64
		gas        int64
		gross      int64
		tipWanted  int64
		maxRisk    float64
	)
	for _, o := range ordered {
		tx, err := buildOpportunityTx(o, uint32(c.paddedCompute(o)))
		if err != nil {
			return nil, types.E(types.KindDecodeError, "composer.build", err)
		}
		txs = append(txs, tx)
		computeSum += uint64(tx.ComputeUnitLimit)
		gas += o.EstimatedGasLamports
		gross += o.GrossProfitLamports
		tipWanted += o.EstimatedTipLamports
		if o.RiskScore > maxRisk {
			maxRisk = o.RiskScore
		}
	}

	tip := assess.ClampTip(tipWanted, c.sub.MinTip, c.sub.MaxTip)
	tipTx, err := c.signer.BuildTipTx(tip)
	if err != nil {
		return nil, types.E(types.KindDecodeError, "composer.build", err)
	}
	txs = append(txs, tipTx)
	computeSum += tipComputeUnits

	return &types.Bundle{
		ID:                     uuid.New(),
		Txs:                    txs,
		ComputeUnits:           computeSum,
		GasLamports:            gas,
		TipLamports:            tip,
		ExpectedProfitLamports: gross - gas - tip,
		RiskScore:              maxRisk,
		Strategy:               c.strategy,
		ComposedAt:             time.Now(),
	}, nil
}

// simulate runs the bundle through the chain simulator.
func (c *Composer) simulate(ctx context.Context, b *types.Bundle) (*types.SimulationResult, error) {
	wires := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		wires[i] = tx.Wire
	}
	res, err := c.sim.SimulateBundle(ctx, wires)
	if err != nil {
		return nil, types.E(types.KindSimulationFailed, "composer.simulate", err)
	}
	return res, nil
}

// opportunityTx is the serialized body of an opportunity transaction.
type opportunityTx struct {
	OpportunityID string                `json:"opportunity_id"`
	Kind          types.OpportunityKind `json:"kind"`
	Accounts      []types.AccountMeta   `json:"accounts"`
	ComputeLimit  uint32                `json:"compute_limit"`
}

func buildOpportunityTx(o types.Opportunity, computeLimit uint32) (types.Transaction, error) {
	accounts := o.Accounts()
	wire, err := json.Marshal(opportunityTx{
		OpportunityID: o.ID.String(),
		Kind:          o.Kind,
		Accounts:      accounts,
		ComputeLimit:  computeLimit,
	})
	if err != nil {
		return types.Transaction{}, err
	}
	return types.Transaction{
		Accounts:         accounts,
		ComputeUnitLimit: computeLimit,
		OpportunityID:    o.ID,
		Wire:             wire,
	}, nil
}

func withoutOpportunity(pool []types.Opportunity, id uuid.UUID) []types.Opportunity {
	out := pool[:0]
	for _, o := range pool {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}
