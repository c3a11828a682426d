package normalize

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func notif(program, account types.Pubkey, slot uint64, data []byte) *types.RawNotification {
	return &types.RawNotification{
		ProgramID:  program,
		Account:    account,
		Slot:       slot,
		Data:       data,
		ReceivedAt: time.Now(),
	}
}

func TestNormalizePoolStateRoundTrip(t *testing.T) {
	t.Parallel()
	n := New(testLogger())

	st := types.PoolState{
		Address:  mustKey("10"),
		Kind:     types.VenueCPMM,
		VenueID:  "ray",
		TokenA:   mustKey("aa"),
		TokenB:   mustKey("bb"),
		ReserveA: 10_000,
		ReserveB: 1_000_000,
		FeeBps:   25,
	}
	ev := n.Normalize(notif(ProgramCPMM, st.Address, 42, EncodePoolState(st)))
	if ev == nil {
		t.Fatal("pool state dropped")
	}
	if ev.Kind != types.EventPoolState || ev.Pool == nil {
		t.Fatalf("kind = %q, pool = %v", ev.Kind, ev.Pool)
	}
	got := ev.Pool.State
	if got.Address != st.Address || got.ReserveA != st.ReserveA || got.VenueID != "ray" {
		t.Errorf("state mangled in round trip: %+v", got)
	}
	if got.LastUpdateSlot != 42 || ev.Slot != 42 {
		t.Errorf("slot not stamped: %d / %d", got.LastUpdateSlot, ev.Slot)
	}
}

func TestNormalizeAllVariants(t *testing.T) {
	t.Parallel()
	n := New(testLogger())

	cases := []struct {
		name    string
		program types.Pubkey
		data    []byte
		kind    types.EventKind
	}{
		{"swap", ProgramCPMM, EncodeSwap(types.SwapEvent{
			Pool: mustKey("10"), VenueID: "ray",
			TokenIn: mustKey("aa"), TokenOut: mustKey("bb"),
			AmountIn: 100, AmountOut: 9900,
		}), types.EventSwap},
		{"position", ProgramLending, EncodeLendingPosition(types.LendingPosition{
			Protocol: "solend", Owner: mustKey("cc"),
			CollateralToken: mustKey("aa"), CollateralAmount: 100,
			DebtToken: mustKey("bb"), DebtAmount: 8200,
			LiquidationThresholdBps: 8000,
		}), types.EventLendingPosition},
		{"block reward", ProgramRewards, EncodeBlockReward(types.BlockRewardEvent{
			RewardLamports: 5_000_000, Leader: mustKey("dd"),
		}), types.EventBlockReward},
		{"pending swap", ProgramMempool, EncodePendingSwap(types.PendingSwapEvent{
			Signature: "sig1", Pool: mustKey("10"), VenueID: "ray",
			TokenIn: mustKey("aa"), TokenOut: mustKey("bb"),
			AmountIn: 1000, MinAmountOut: 95_000,
		}), types.EventPendingSwap},
	}

	for i, tc := range cases {
		account := mustKey("e" + string(rune('0'+i)))
		ev := n.Normalize(notif(tc.program, account, 10, tc.data))
		if ev == nil {
			t.Fatalf("%s: dropped", tc.name)
		}
		if ev.Kind != tc.kind {
			t.Errorf("%s: kind = %q, want %q", tc.name, ev.Kind, tc.kind)
		}
	}
}

func TestNormalizeDropsUnknownProgram(t *testing.T) {
	t.Parallel()
	n := New(testLogger())
	if ev := n.Normalize(notif(mustKey("ff"), mustKey("10"), 1, []byte(`{}`))); ev != nil {
		t.Errorf("unknown program produced event: %+v", ev)
	}
}

func TestNormalizeDropsMalformedPayload(t *testing.T) {
	t.Parallel()
	n := New(testLogger())
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"tag":"nope"}`),
		[]byte(`{"tag":"pool_state"}`), // tag without body
	}
	for _, data := range cases {
		if ev := n.Normalize(notif(ProgramCPMM, mustKey("10"), 1, data)); ev != nil {
			t.Errorf("malformed payload %q produced event", data)
		}
	}
}

func TestNormalizeDropsStaleSlotPerAccount(t *testing.T) {
	t.Parallel()
	n := New(testLogger())
	st := types.PoolState{Address: mustKey("10"), Kind: types.VenueCPMM, VenueID: "ray",
		TokenA: mustKey("aa"), TokenB: mustKey("bb"), ReserveA: 1, ReserveB: 1}
	data := EncodePoolState(st)

	if ev := n.Normalize(notif(ProgramCPMM, st.Address, 100, data)); ev == nil {
		t.Fatal("slot 100 dropped")
	}
	if ev := n.Normalize(notif(ProgramCPMM, st.Address, 99, data)); ev != nil {
		t.Error("slot 99 after 100 must be dropped for the same account")
	}
	// Another account at a lower slot is unaffected.
	st2 := st
	st2.Address = mustKey("11")
	if ev := n.Normalize(notif(ProgramCPMM, st2.Address, 99, EncodePoolState(st2))); ev == nil {
		t.Error("watermark must be per-account")
	}
}

func TestOnGapResetsWatermarks(t *testing.T) {
	t.Parallel()
	n := New(testLogger())
	st := types.PoolState{Address: mustKey("10"), Kind: types.VenueCPMM, VenueID: "ray",
		TokenA: mustKey("aa"), TokenB: mustKey("bb"), ReserveA: 1, ReserveB: 1}
	data := EncodePoolState(st)

	n.Normalize(notif(ProgramCPMM, st.Address, 100, data))
	n.OnGap()
	if ev := n.Normalize(notif(ProgramCPMM, st.Address, 50, data)); ev == nil {
		t.Error("post-gap notification must be accepted regardless of slot")
	}
}
