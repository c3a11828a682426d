// venue.go defines the per-venue capability set. Detector and composer code
// is written against the Quoter interface rather than concrete pool math,
// so adding a venue family means adding one implementation here.
package graph

import (
	"math"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Quote is the result of pricing a swap against a pool snapshot.
type Quote struct {
	AmountOut   uint64
	SlippageBps uint16 // execution price vs. spot price, in basis points
}

// Quoter is the venue capability set: price a swap, apply it to produce the
// post-swap state, and report the accounts a swap touches.
type Quoter interface {
	// Quote prices amountIn of tokenIn against the pool. ok is false when
	// the pool cannot serve the swap (wrong token, empty side, out of
	// range).
	Quote(st types.PoolState, tokenIn types.Pubkey, amountIn uint64) (Quote, bool)

	// ApplySwap returns the pool state after executing the quoted swap.
	ApplySwap(st types.PoolState, tokenIn types.Pubkey, amountIn, amountOut uint64) types.PoolState

	// Accounts reports the writable account set for a swap on this pool.
	Accounts(st types.PoolState) []types.AccountMeta
}

// ForKind returns the Quoter for a venue family, or nil for venues that do
// not support swap quoting (orderbook depth and lending pools are priced
// elsewhere).
func ForKind(k types.VenueKind) Quoter {
	switch k {
	case types.VenueCPMM:
		return cpmmQuoter{}
	case types.VenueCLMM:
		return clmmQuoter{}
	default:
		return nil
	}
}

// cpmmQuoter implements constant-product math with a basis-point fee on
// input.
type cpmmQuoter struct{}

func (cpmmQuoter) Quote(st types.PoolState, tokenIn types.Pubkey, amountIn uint64) (Quote, bool) {
	var rIn, rOut uint64
	switch tokenIn {
	case st.TokenA:
		rIn, rOut = st.ReserveA, st.ReserveB
	case st.TokenB:
		rIn, rOut = st.ReserveB, st.ReserveA
	default:
		return Quote{}, false
	}
	if rIn == 0 || rOut == 0 || amountIn == 0 {
		return Quote{}, false
	}

	inF := float64(amountIn) * (1 - float64(st.FeeBps)/10000)
	out := inF * float64(rOut) / (float64(rIn) + inF)
	if out < 1 || out >= float64(rOut) {
		return Quote{}, false
	}

	// Slippage: shortfall of the execution price against the spot price.
	spot := float64(amountIn) * float64(rOut) / float64(rIn)
	slip := (spot - out) / spot * 10000
	if slip < 0 {
		slip = 0
	}
	if slip > math.MaxUint16 {
		slip = math.MaxUint16
	}

	return Quote{AmountOut: uint64(out), SlippageBps: uint16(slip)}, true
}

func (cpmmQuoter) ApplySwap(st types.PoolState, tokenIn types.Pubkey, amountIn, amountOut uint64) types.PoolState {
	switch tokenIn {
	case st.TokenA:
		st.ReserveA += amountIn
		if amountOut < st.ReserveB {
			st.ReserveB -= amountOut
		} else {
			st.ReserveB = 0
		}
	case st.TokenB:
		st.ReserveB += amountIn
		if amountOut < st.ReserveA {
			st.ReserveA -= amountOut
		} else {
			st.ReserveA = 0
		}
	}
	return st
}

func (cpmmQuoter) Accounts(st types.PoolState) []types.AccountMeta {
	return []types.AccountMeta{{Key: st.Address, Writable: true}}
}

// clmmQuoter implements concentrated-liquidity math under the constant-
// liquidity-in-range assumption. Swaps that would push the price past the
// position's tick bounds are refused rather than partially filled.
type clmmQuoter struct{}

const q64 = float64(1 << 63 << 1) // 2^64 without overflowing the constant

func (clmmQuoter) Quote(st types.PoolState, tokenIn types.Pubkey, amountIn uint64) (Quote, bool) {
	if st.Liquidity == 0 || amountIn == 0 {
		return Quote{}, false
	}
	L := float64(st.Liquidity)
	sqrtP := float64(st.SqrtPriceX64) / q64
	if sqrtP <= 0 {
		return Quote{}, false
	}

	inF := float64(amountIn) * (1 - float64(st.FeeBps)/10000)

	var out, newSqrtP float64
	switch tokenIn {
	case st.TokenA:
		// token0 in: price moves down
		newSqrtP = L * sqrtP / (L + inF*sqrtP)
		out = L * (sqrtP - newSqrtP)
	case st.TokenB:
		// token1 in: price moves up
		newSqrtP = sqrtP + inF/L
		out = L * (1/sqrtP - 1/newSqrtP)
	default:
		return Quote{}, false
	}
	if out < 1 {
		return Quote{}, false
	}

	// Refuse swaps that exit the active tick range.
	newTick := int32(math.Floor(math.Log(newSqrtP*newSqrtP) / math.Log(1.0001)))
	if newTick < st.TickLower || newTick > st.TickUpper {
		return Quote{}, false
	}

	spotPrice := sqrtP * sqrtP
	var spot float64
	if tokenIn == st.TokenA {
		spot = float64(amountIn) * spotPrice
	} else {
		spot = float64(amountIn) / spotPrice
	}
	slip := (spot - out) / spot * 10000
	if slip < 0 {
		slip = 0
	}
	if slip > math.MaxUint16 {
		slip = math.MaxUint16
	}

	return Quote{AmountOut: uint64(out), SlippageBps: uint16(slip)}, true
}

func (clmmQuoter) ApplySwap(st types.PoolState, tokenIn types.Pubkey, amountIn, amountOut uint64) types.PoolState {
	L := float64(st.Liquidity)
	sqrtP := float64(st.SqrtPriceX64) / q64
	if L == 0 || sqrtP <= 0 {
		return st
	}
	inF := float64(amountIn) * (1 - float64(st.FeeBps)/10000)
	var newSqrtP float64
	if tokenIn == st.TokenA {
		newSqrtP = L * sqrtP / (L + inF*sqrtP)
	} else {
		newSqrtP = sqrtP + inF/L
	}
	st.SqrtPriceX64 = uint64(newSqrtP * q64)
	return st
}

func (clmmQuoter) Accounts(st types.PoolState) []types.AccountMeta {
	return []types.AccountMeta{{Key: st.Address, Writable: true}}
}

// SpotPrice returns the price of TokenA denominated in TokenB for a pool
// snapshot, or false when the pool cannot be priced.
func SpotPrice(st types.PoolState) (float64, bool) {
	switch st.Kind {
	case types.VenueCPMM:
		if st.ReserveA == 0 {
			return 0, false
		}
		return float64(st.ReserveB) / float64(st.ReserveA), true
	case types.VenueCLMM:
		sqrtP := float64(st.SqrtPriceX64) / q64
		if sqrtP <= 0 {
			return 0, false
		}
		return sqrtP * sqrtP, true
	default:
		return 0, false
	}
}
