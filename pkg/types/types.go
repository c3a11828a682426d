// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service: venues, pool states,
// lending positions, normalized chain events, opportunities, bundles, and
// submission records. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Pubkey is a 32-byte on-chain address (mint, pool, program, or owner).
type Pubkey [32]byte

// String returns the hex form of the key. Display only.
func (p Pubkey) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether the key is the all-zero address.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

// PubkeyFromString parses a hex-encoded key. Short input is left-padded.
func PubkeyFromString(s string) (Pubkey, error) {
	var p Pubkey
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	copy(p[32-min(len(b), 32):], b)
	return p, nil
}

// VenueKind enumerates the supported venue families. Detector and composer
// code dispatches on this tag rather than on concrete pool types.
type VenueKind string

const (
	VenueCPMM      VenueKind = "AMM_CONSTANT_PRODUCT"
	VenueCLMM      VenueKind = "AMM_CONCENTRATED"
	VenueOrderbook VenueKind = "ORDERBOOK"
	VenueLending   VenueKind = "LENDING_PROTOCOL"
)

// Token describes a tradeable asset.
type Token struct {
	Mint     Pubkey `json:"mint"`
	Decimals uint8  `json:"decimals"` // 0..18
	Symbol   string `json:"symbol"`   // opaque, UI only
}

// PoolState is the authoritative per-pool record held by the market graph.
// For CPMM pools ReserveA/ReserveB are populated; for CLMM pools the
// concentrated-liquidity fields are used instead.
type PoolState struct {
	Address Pubkey    `json:"address"`
	Kind    VenueKind `json:"kind"`
	VenueID string    `json:"venue_id"`

	TokenA Pubkey `json:"token_a"`
	TokenB Pubkey `json:"token_b"`

	ReserveA uint64 `json:"reserve_a"`
	ReserveB uint64 `json:"reserve_b"`
	FeeBps   uint16 `json:"fee_bps"`

	// Concentrated liquidity (CLMM only)
	Liquidity    uint64 `json:"liquidity,omitempty"`
	TickLower    int32  `json:"tick_lower,omitempty"`
	TickUpper    int32  `json:"tick_upper,omitempty"`
	SqrtPriceX64 uint64 `json:"sqrt_price_x64,omitempty"`

	LastUpdateSlot uint64    `json:"last_update_slot"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// LendingPosition is a borrower position on a lending protocol.
type LendingPosition struct {
	Protocol                string `json:"protocol"`
	Owner                   Pubkey `json:"owner"`
	CollateralToken         Pubkey `json:"collateral_token"`
	CollateralAmount        uint64 `json:"collateral_amount"`
	DebtToken               Pubkey `json:"debt_token"`
	DebtAmount              uint64 `json:"debt_amount"`
	LiquidationThresholdBps uint16 `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint16 `json:"liquidation_bonus_bps"`
	CloseFactorBps          uint16 `json:"close_factor_bps"`
	LastUpdateSlot          uint64 `json:"last_update_slot"`
}

// HealthFactor computes the risk-weighted collateral-to-debt ratio:
//
//	health = (collateral × collateralPriceUsd × thresholdBps) / (debt × debtPriceUsd × 10000)
//
// A position is liquidatable iff the result is below 1. Prices are USD per
// whole token; amounts are raw token quantities.
func (p LendingPosition) HealthFactor(collateralPriceUsd, debtPriceUsd decimal.Decimal) decimal.Decimal {
	debtValue := decimal.NewFromUint64(p.DebtAmount).Mul(debtPriceUsd)
	if debtValue.IsZero() {
		// No debt means the position can never be liquidated.
		return decimal.NewFromInt(1 << 20)
	}
	collValue := decimal.NewFromUint64(p.CollateralAmount).Mul(collateralPriceUsd)
	weighted := collValue.Mul(decimal.NewFromInt(int64(p.LiquidationThresholdBps)))
	return weighted.Div(debtValue.Mul(decimal.NewFromInt(10000)))
}

// Liquidatable reports whether the position's health factor is below 1.
func (p LendingPosition) Liquidatable(collateralPriceUsd, debtPriceUsd decimal.Decimal) bool {
	return p.HealthFactor(collateralPriceUsd, debtPriceUsd).LessThan(decimal.NewFromInt(1))
}

// RawNotification is one message from the chain push stream before decoding.
type RawNotification struct {
	ProgramID  Pubkey    `json:"program_id"`
	Account    Pubkey    `json:"account"`
	Slot       uint64    `json:"slot"`
	Data       []byte    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// SequenceGap marks a stream reconnection. Downstream consumers treat it as a
// cache-invalidation hint for accounts they track.
type SequenceGap struct {
	LastGoodSlot      uint64 `json:"last_good_slot"`
	ReconnectedAtSlot uint64 `json:"reconnected_at_slot"`
}

// EventKind tags a normalized Event.
type EventKind string

const (
	EventSwap            EventKind = "swap"
	EventPoolState       EventKind = "pool_state"
	EventLendingPosition EventKind = "lending_position"
	EventBlockReward     EventKind = "block_reward"
	EventPendingSwap     EventKind = "pending_swap"
	EventGap             EventKind = "gap"
)

// Event is the tagged union emitted by the normalizer. Exactly one payload
// pointer is non-nil, matching Kind.
type Event struct {
	Kind EventKind `json:"kind"`
	Slot uint64    `json:"slot"`

	Swap        *SwapEvent            `json:"swap,omitempty"`
	Pool        *PoolStateEvent       `json:"pool,omitempty"`
	Lending     *LendingPositionEvent `json:"lending,omitempty"`
	BlockReward *BlockRewardEvent     `json:"block_reward,omitempty"`
	PendingSwap *PendingSwapEvent     `json:"pending_swap,omitempty"`
	Gap         *SequenceGap          `json:"gap,omitempty"`
}

// SwapEvent is an executed swap observed on chain.
type SwapEvent struct {
	Pool      Pubkey    `json:"pool"`
	Kind      VenueKind `json:"venue_kind"`
	VenueID   string    `json:"venue_id"`
	TokenIn   Pubkey    `json:"token_in"`
	TokenOut  Pubkey    `json:"token_out"`
	AmountIn  uint64    `json:"amount_in"`
	AmountOut uint64    `json:"amount_out"`
	Slot      uint64    `json:"slot"`
}

// PoolStateEvent carries a full refreshed pool state.
type PoolStateEvent struct {
	State PoolState `json:"state"`
	Slot  uint64    `json:"slot"`
}

// LendingPositionEvent carries an upserted lending position.
type LendingPositionEvent struct {
	Position LendingPosition `json:"position"`
	Slot     uint64          `json:"slot"`
}

// BlockRewardEvent reports the reward paid to a slot leader.
type BlockRewardEvent struct {
	Slot           uint64 `json:"slot"`
	RewardLamports uint64 `json:"reward_lamports"`
	Leader         Pubkey `json:"leader"`
}

// PendingSwapEvent is an unconfirmed swap observed in the mempool stream.
// MinAmountOut is the victim's declared slippage floor; zero means unknown.
type PendingSwapEvent struct {
	Signature    string    `json:"signature"`
	Pool         Pubkey    `json:"pool"`
	Kind         VenueKind `json:"venue_kind"`
	VenueID      string    `json:"venue_id"`
	TokenIn      Pubkey    `json:"token_in"`
	TokenOut     Pubkey    `json:"token_out"`
	AmountIn     uint64    `json:"amount_in"`
	MinAmountOut uint64    `json:"min_amount_out"`
	Slot         uint64    `json:"slot"`
}

// OpportunityKind tags an Opportunity.
type OpportunityKind string

const (
	OppArbitrage   OpportunityKind = "arbitrage"
	OppLiquidation OpportunityKind = "liquidation"
	OppSandwich    OpportunityKind = "sandwich"
)

// Opportunity is a detected, not-yet-composed MEV candidate. Estimates must
// be honest: an unprofitable opportunity may be emitted and filtered at
// composition time.
type Opportunity struct {
	ID         uuid.UUID       `json:"id"`
	Kind       OpportunityKind `json:"kind"`
	DetectedAt int64           `json:"detected_at_ns"` // monotonic ns

	GrossProfitLamports  int64   `json:"gross_profit_lamports"`
	EstimatedGasLamports int64   `json:"estimated_gas_lamports"`
	EstimatedTipLamports int64   `json:"estimated_tip_lamports"`
	RiskScore            float64 `json:"risk_score"` // 0..10
	Confidence           float64 `json:"confidence"` // 0..1

	Arbitrage   *ArbitrageOpportunity   `json:"arbitrage,omitempty"`
	Liquidation *LiquidationOpportunity `json:"liquidation,omitempty"`
	Sandwich    *SandwichOpportunity    `json:"sandwich,omitempty"`
}

// NetExpectedProfit is gross profit minus estimated gas and tip.
func (o Opportunity) NetExpectedProfit() int64 {
	return o.GrossProfitLamports - o.EstimatedGasLamports - o.EstimatedTipLamports
}

// Accounts returns the account set the opportunity's transactions touch,
// with writability flags. The composer uses this for conflict ordering.
func (o Opportunity) Accounts() []AccountMeta {
	switch o.Kind {
	case OppArbitrage:
		if o.Arbitrage == nil {
			return nil
		}
		metas := make([]AccountMeta, 0, len(o.Arbitrage.Path))
		for _, hop := range o.Arbitrage.Path {
			metas = append(metas, AccountMeta{Key: hop.Pool, Writable: true})
		}
		return metas
	case OppLiquidation:
		if o.Liquidation == nil {
			return nil
		}
		return []AccountMeta{
			{Key: o.Liquidation.Owner, Writable: true},
			{Key: o.Liquidation.CollateralToken, Writable: false},
			{Key: o.Liquidation.DebtToken, Writable: false},
		}
	case OppSandwich:
		if o.Sandwich == nil {
			return nil
		}
		return []AccountMeta{{Key: o.Sandwich.Pool, Writable: true}}
	}
	return nil
}

// PathHop is one edge of an arbitrage cycle.
type PathHop struct {
	Pool     Pubkey `json:"pool"`
	VenueID  string `json:"venue_id"`
	TokenIn  Pubkey `json:"token_in"`
	TokenOut Pubkey `json:"token_out"`
	FeeBps   uint16 `json:"fee_bps"`
}

// ArbitrageOpportunity is a profitable cycle through the market graph.
type ArbitrageOpportunity struct {
	StartToken     Pubkey    `json:"start_token"`
	Path           []PathHop `json:"path"`
	InputAmount    uint64    `json:"input_amount"`
	ExpectedOutput uint64    `json:"expected_output"`
	WorstSlipBps   uint16    `json:"worst_slip_bps"` // max per-hop slippage at InputAmount
}

// LiquidationOpportunity is a position whose health factor dropped below 1.
type LiquidationOpportunity struct {
	Protocol        string  `json:"protocol"`
	Owner           Pubkey  `json:"owner"`
	CollateralToken Pubkey  `json:"collateral_token"`
	DebtToken       Pubkey  `json:"debt_token"`
	RepayAmount     uint64  `json:"repay_amount"` // debt × closeFactor
	SeizeAmount     uint64  `json:"seize_amount"` // collateral seized incl. bonus
	HealthFactor    float64 `json:"health_factor"`
}

// SandwichOpportunity wraps a pending victim swap with front/back sizing.
type SandwichOpportunity struct {
	TargetSignature   string `json:"target_signature"`
	Pool              Pubkey `json:"pool"`
	FrontSize         uint64 `json:"front_size"`
	BackSize          uint64 `json:"back_size"`
	VictimSlippageBps uint16 `json:"victim_slippage_bps"`
}

// AccountMeta names an account a transaction touches.
type AccountMeta struct {
	Key      Pubkey `json:"key"`
	Writable bool   `json:"writable"`
}

// Transaction is one signed transaction inside a bundle. Wire is the signed
// serialized form; it is base64-encoded at the submission boundary.
type Transaction struct {
	Accounts         []AccountMeta `json:"accounts"`
	ComputeUnitLimit uint32        `json:"compute_unit_limit"`
	OpportunityID    uuid.UUID     `json:"opportunity_id"` // zero UUID for the tip tx
	Wire             []byte        `json:"wire"`
}

// Strategy selects the composer's candidate filter.
type Strategy string

const (
	StrategyMaximizeProfit Strategy = "MAXIMIZE_PROFIT"
	StrategyBalanced       Strategy = "BALANCED"
	StrategyMinimizeRisk   Strategy = "MINIMIZE_RISK"
)

// Bundle is an ordered, atomic group of transactions. The last transaction
// always pays the configured tip account. A bundle in flight is owned
// exclusively by the submission client.
type Bundle struct {
	ID  uuid.UUID     `json:"id"`
	Txs []Transaction `json:"txs"`

	ComputeUnits           uint64   `json:"compute_units"` // aggregate budget
	GasLamports            int64    `json:"gas_lamports"`
	TipLamports            int64    `json:"tip_lamports"`
	ExpectedProfitLamports int64    `json:"expected_profit_lamports"`
	RiskScore              float64  `json:"risk_score"`
	Strategy               Strategy `json:"strategy"`

	ComposedAt time.Time `json:"composed_at"`
}

// BundleState is the lifecycle state of a submitted bundle. Every submitted
// bundle reaches exactly one terminal state; ambiguity is not permitted.
type BundleState string

const (
	StatePending  BundleState = "PENDING"
	StateLanded   BundleState = "LANDED"
	StateFailed   BundleState = "FAILED"
	StateExpired  BundleState = "EXPIRED"
	StateRejected BundleState = "REJECTED"
)

// Terminal reports whether the state is final.
func (s BundleState) Terminal() bool { return s != StatePending && s != "" }

// SubmissionRecord tracks one submitted bundle. Inserted PENDING at submit
// time, advanced exactly once by the status poller, frozen thereafter.
type SubmissionRecord struct {
	BundleID               uuid.UUID   `json:"bundle_id"`
	SubmittedAt            int64       `json:"submitted_at_ns"` // monotonic ns
	State                  BundleState `json:"state"`
	LandedSlot             uint64      `json:"landed_slot,omitempty"`
	LatencyNs              int64       `json:"latency_ns,omitempty"`
	RealizedProfitLamports int64       `json:"realized_profit_lamports,omitempty"`
	FeaturesJSON           string      `json:"features_json,omitempty"`
}

// SimulationResult is the chain's verdict on a candidate bundle.
type SimulationResult struct {
	Success       bool     `json:"success"`
	FailedIndex   int      `json:"failed_index"` // -1 when Success
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed uint64   `json:"units_consumed"`
	Err           string   `json:"err,omitempty"`
}

// HealthSnapshot summarizes chain-client connectivity.
type HealthSnapshot struct {
	Connected      bool      `json:"connected"`
	LastSlot       uint64    `json:"last_slot"`
	ReconnectCount int       `json:"reconnect_count"`
	LastError      string    `json:"last_error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Topic names for the subscription hub. Fixed set, no dynamic creation.
const (
	TopicOppArbitrage    = "opportunities.arbitrage"
	TopicOppLiquidation  = "opportunities.liquidation"
	TopicOppSandwich     = "opportunities.sandwich"
	TopicBundleSubmitted = "bundles.submitted"
	TopicBundleStatus    = "bundles.status"
	TopicPoolUpdates     = "market.pool_updates"
	TopicSystemHealth    = "system.health"
)

// Topics lists every valid hub topic.
func Topics() []string {
	return []string{
		TopicOppArbitrage, TopicOppLiquidation, TopicOppSandwich,
		TopicBundleSubmitted, TopicBundleStatus,
		TopicPoolUpdates, TopicSystemHealth,
	}
}

// Envelope is the wire frame pushed to hub subscribers. Seq is monotonic per
// topic per subscriber.
type Envelope struct {
	Topic   string    `json:"topic"`
	TS      time.Time `json:"ts"`
	Seq     uint64    `json:"seq"`
	Payload any       `json:"payload"`
}

var monoBase = time.Now()

// MonoNow returns nanoseconds on a process-local monotonic clock. Used for
// detectedAt stamps and latency accounting; never compared across processes.
func MonoNow() int64 { return int64(time.Since(monoBase)) }
