package detector

import (
	"math"
	"testing"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

func testPosition() types.LendingPosition {
	return types.LendingPosition{
		Protocol:                "solend",
		Owner:                   key("c1"),
		CollateralToken:         key("aa"), // SOL
		CollateralAmount:        100,
		DebtToken:               key("bb"), // USDC
		DebtAmount:              8_200,
		LiquidationThresholdBps: 8_000,
		LiquidationBonusBps:     500,
		CloseFactorBps:          5_000,
	}
}

func testLiqPrices() fakePrices {
	return fakePrices{key("aa"): 95, key("bb"): 1}
}

func newTestLiquidation(prices fakePrices) (*Liquidation, *Queue) {
	q := NewQueue("liquidation", 64)
	d := NewLiquidation(testDetectorConfig(), prices, q, key("aa"), testLogger())
	return d, q
}

func TestOnPositionEmitsOnHealthCross(t *testing.T) {
	t.Parallel()
	d, q := newTestLiquidation(testLiqPrices())

	// 100 SOL at $95 against 8200 USDC, threshold 80%:
	// health = 100*95*0.80 / 8200 = 0.9268 -> liquidatable.
	d.OnPosition(types.LendingPositionEvent{Position: testPosition(), Slot: 10})

	opps := q.Drain()
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	o := opps[0]
	if o.Kind != types.OppLiquidation || o.Liquidation == nil {
		t.Fatalf("unexpected opportunity: %+v", o)
	}
	if math.Abs(o.Liquidation.HealthFactor-0.9268) > 0.001 {
		t.Errorf("health factor = %v, want ~0.9268", o.Liquidation.HealthFactor)
	}
	if o.Liquidation.RepayAmount != 4_100 {
		t.Errorf("repay = %d, want 4100 (half the debt)", o.Liquidation.RepayAmount)
	}
	if o.Liquidation.SeizeAmount == 0 || o.Liquidation.SeizeAmount > 100 {
		t.Errorf("seize = %d, want (0, 100]", o.Liquidation.SeizeAmount)
	}
	if o.GrossProfitLamports <= 0 {
		t.Errorf("gross profit = %d, want > 0", o.GrossProfitLamports)
	}
}

func TestOnPositionHealthyNoEmit(t *testing.T) {
	t.Parallel()
	d, q := newTestLiquidation(fakePrices{key("aa"): 120, key("bb"): 1})

	// At $120 the same position is comfortably healthy.
	d.OnPosition(types.LendingPositionEvent{Position: testPosition(), Slot: 10})
	if n := q.Len(); n != 0 {
		t.Errorf("opportunities = %d for healthy position, want 0", n)
	}
	if d.Size() != 1 {
		t.Errorf("index size = %d, want 1", d.Size())
	}
}

func TestOnPositionEmitsOnceUntilDebounce(t *testing.T) {
	t.Parallel()
	d, q := newTestLiquidation(testLiqPrices())

	ev := types.LendingPositionEvent{Position: testPosition(), Slot: 10}
	d.OnPosition(ev)
	d.OnPosition(ev) // still underwater, no second cross
	if n := len(q.Drain()); n != 1 {
		t.Fatalf("emissions = %d, want 1 (no re-cross)", n)
	}

	// Inside the debounce window the rescan stays quiet.
	d.Rescan()
	if n := q.Len(); n != 0 {
		t.Fatalf("emissions = %d within debounce window, want 0", n)
	}

	// Age the last emission beyond the window; the rescan re-emits.
	d.mu.Lock()
	for _, e := range d.index {
		e.lastEmitted -= 10 * d.cfg.RescanInterval().Nanoseconds()
	}
	d.mu.Unlock()
	d.Rescan()
	if n := q.Len(); n != 1 {
		t.Errorf("emissions = %d after debounce expiry, want 1", n)
	}
}

func TestZeroDebtRemovesPosition(t *testing.T) {
	t.Parallel()
	d, q := newTestLiquidation(testLiqPrices())

	d.OnPosition(types.LendingPositionEvent{Position: testPosition(), Slot: 10})
	q.Drain()

	repaid := testPosition()
	repaid.DebtAmount = 0
	d.OnPosition(types.LendingPositionEvent{Position: repaid, Slot: 11})
	if d.Size() != 0 {
		t.Errorf("index size = %d after repayment, want 0", d.Size())
	}
	d.Rescan()
	if n := q.Len(); n != 0 {
		t.Errorf("repaid position re-emitted")
	}
}

func TestRescanCapsPerRound(t *testing.T) {
	t.Parallel()
	cfg := testDetectorConfig()
	cfg.MaxLiqPerRound = 1
	q := NewQueue("liquidation", 64)
	d := NewLiquidation(cfg, testLiqPrices(), q, key("aa"), testLogger())

	small := testPosition()
	big := testPosition()
	big.Owner = key("c2")
	big.DebtAmount = 16_400
	big.CollateralAmount = 200

	d.OnPosition(types.LendingPositionEvent{Position: small, Slot: 10})
	d.OnPosition(types.LendingPositionEvent{Position: big, Slot: 10})
	q.Drain() // discard the cross emissions

	d.mu.Lock()
	for _, e := range d.index {
		e.lastEmitted -= 10 * cfg.RescanInterval().Nanoseconds()
	}
	d.mu.Unlock()

	d.Rescan()
	opps := q.Drain()
	if len(opps) != 1 {
		t.Fatalf("emissions = %d with cap 1, want 1", len(opps))
	}
	// The bigger seizable value wins the slot.
	if opps[0].Liquidation.Owner != big.Owner {
		t.Errorf("emitted owner = %s, want the larger position", opps[0].Liquidation.Owner)
	}
}
