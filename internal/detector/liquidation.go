// liquidation.go implements the lending-position scanner.
//
// The scanner maintains an index of open positions keyed by (protocol,
// owner). A position crossing from healthy to liquidatable is emitted
// immediately; positions that stay underwater are re-emitted at most once
// per rescan interval, ranked by seizable value and capped per round.
package detector

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stanmart1/mev-sub005/internal/assess"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

type posKey struct {
	protocol string
	owner    types.Pubkey
}

type posEntry struct {
	position    types.LendingPosition
	lastHealth  decimal.Decimal
	lastEmitted int64 // mono ns, 0 = never
}

// Liquidation watches lending positions and emits liquidation opportunities.
type Liquidation struct {
	cfg    config.DetectorConfig
	prices PriceSource
	out    *Queue
	native types.Pubkey // lamport-denominated mint used to convert USD profit
	logger *slog.Logger

	mu    sync.Mutex
	index map[posKey]*posEntry
}

// NewLiquidation creates the liquidation scanner. native is the mint whose
// smallest unit is the lamport; profits are converted into it.
func NewLiquidation(cfg config.DetectorConfig, prices PriceSource, out *Queue, native types.Pubkey, logger *slog.Logger) *Liquidation {
	return &Liquidation{
		cfg:    cfg,
		prices: prices,
		out:    out,
		native: native,
		logger: logger.With("component", "liq_detector"),
		index:  make(map[posKey]*posEntry),
	}
}

// Run consumes position events and runs periodic rescans until ctx is
// cancelled.
func (d *Liquidation) Run(ctx context.Context, events <-chan types.LendingPositionEvent) {
	d.logger.Info("liquidation scanner started",
		"rescan_interval", d.cfg.RescanInterval(),
		"max_per_round", d.cfg.MaxLiqPerRound,
	)
	ticker := newTicker(d.cfg.RescanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.OnPosition(ev)
		case <-ticker.C:
			d.Rescan()
		}
	}
}

// OnPosition upserts a position and emits immediately when it crosses from
// healthy to liquidatable.
func (d *Liquidation) OnPosition(ev types.LendingPositionEvent) {
	p := ev.Position
	key := posKey{protocol: p.Protocol, owner: p.Owner}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Repaid or closed positions leave the index.
	if p.DebtAmount == 0 || p.Owner.IsZero() {
		delete(d.index, key)
		return
	}

	health, priced := d.health(p)
	entry, seen := d.index[key]
	if !seen {
		entry = &posEntry{}
		d.index[key] = entry
	}
	wasHealthy := !seen || entry.lastHealth.GreaterThanOrEqual(decimal.NewFromInt(1))
	entry.position = p
	if priced {
		entry.lastHealth = health
	}

	if priced && wasHealthy && health.LessThan(decimal.NewFromInt(1)) {
		d.emit(entry, health)
	}
}

// Rescan walks the whole index, ranks still-liquidatable positions by
// seizable debt value, and emits up to MaxLiqPerRound of them. Positions
// emitted within the rescan interval are skipped.
func (d *Liquidation) Rescan() {
	d.mu.Lock()
	defer d.mu.Unlock()

	type ranked struct {
		entry  *posEntry
		health decimal.Decimal
		weight decimal.Decimal // debt value x liquidation bonus
	}
	var due []ranked

	debounce := d.cfg.RescanInterval().Nanoseconds()
	now := types.MonoNow()

	for _, entry := range d.index {
		health, priced := d.health(entry.position)
		if !priced {
			continue
		}
		entry.lastHealth = health
		if health.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			continue
		}
		if entry.lastEmitted != 0 && now-entry.lastEmitted < debounce {
			continue
		}
		debtPrice, ok := d.prices.PriceUSD(entry.position.DebtToken)
		if !ok {
			continue
		}
		weight := decimal.NewFromUint64(entry.position.DebtAmount).
			Mul(decimal.NewFromFloat(debtPrice)).
			Mul(decimal.NewFromInt(int64(entry.position.LiquidationBonusBps)))
		due = append(due, ranked{entry: entry, health: health, weight: weight})
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].weight.Equal(due[j].weight) {
			return due[i].weight.GreaterThan(due[j].weight)
		}
		return due[i].entry.position.Owner.String() < due[j].entry.position.Owner.String()
	})
	if len(due) > d.cfg.MaxLiqPerRound {
		due = due[:d.cfg.MaxLiqPerRound]
	}
	for _, r := range due {
		d.emit(r.entry, r.health)
	}
}

// emit builds and pushes one liquidation opportunity. Caller holds d.mu.
func (d *Liquidation) emit(entry *posEntry, health decimal.Decimal) {
	p := entry.position

	collPrice, ok1 := d.prices.PriceUSD(p.CollateralToken)
	debtPrice, ok2 := d.prices.PriceUSD(p.DebtToken)
	nativePrice, ok3 := d.prices.PriceUSD(d.native)
	if !ok1 || !ok2 || !ok3 || collPrice <= 0 || nativePrice <= 0 {
		return
	}

	// Repay up to the close factor; seize repay value plus the bonus.
	repay := p.DebtAmount * uint64(p.CloseFactorBps) / 10000
	if repay == 0 {
		return
	}
	repayUSD := float64(repay) * debtPrice
	seizeUSD := repayUSD * (1 + float64(p.LiquidationBonusBps)/10000)
	seize := uint64(seizeUSD / collPrice)
	if seize > p.CollateralAmount {
		seize = p.CollateralAmount
		seizeUSD = float64(seize) * collPrice
	}
	grossUSD := seizeUSD - repayUSD
	gross := int64(grossUSD / nativePrice)
	if gross <= d.cfg.MinProfitLamports {
		return
	}

	hf, _ := health.Float64()
	opp := types.Opportunity{
		ID:         uuid.New(),
		Kind:       types.OppLiquidation,
		DetectedAt: types.MonoNow(),
		Liquidation: &types.LiquidationOpportunity{
			Protocol:        p.Protocol,
			Owner:           p.Owner,
			CollateralToken: p.CollateralToken,
			DebtToken:       p.DebtToken,
			RepayAmount:     repay,
			SeizeAmount:     seize,
			HealthFactor:    hf,
		},
		GrossProfitLamports:  gross,
		EstimatedTipLamports: int64(assess.TipFraction(0.5) * float64(gross)),
		Confidence:           0.9, // on-chain state, no victim cooperation needed
	}
	opp.EstimatedGasLamports = assess.GasEstimate(opp)
	opp.RiskScore = assess.RiskScore(opp)

	entry.lastEmitted = opp.DetectedAt
	d.out.Push(opp)
	d.logger.Debug("liquidation opportunity",
		"protocol", p.Protocol,
		"owner", p.Owner.String(),
		"health", hf,
		"profit", gross,
	)
}

// health prices a position's health factor; false when either leg cannot be
// priced.
func (d *Liquidation) health(p types.LendingPosition) (decimal.Decimal, bool) {
	collPrice, ok1 := d.prices.PriceUSD(p.CollateralToken)
	debtPrice, ok2 := d.prices.PriceUSD(p.DebtToken)
	if !ok1 || !ok2 {
		return decimal.Decimal{}, false
	}
	return p.HealthFactor(decimal.NewFromFloat(collPrice), decimal.NewFromFloat(debtPrice)), true
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = time.Second
	}
	return time.NewTicker(d)
}

// Size returns the number of tracked positions.
func (d *Liquidation) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}
