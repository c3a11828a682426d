// Package normalize translates raw chain notifications into typed domain
// events: SwapEvent, PoolStateEvent, LendingPositionEvent, BlockRewardEvent,
// and PendingSwapEvent.
//
// One decoder is registered per supported venue program ID. Decoders are
// pure functions over the notification payload; unknown programs or
// unparseable payloads are dropped with a counter increment, never an
// error. Events preserve chain ordering per account: a notification whose
// slot is below the last seen slot for the same account is dropped.
package normalize

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Well-known program IDs for the supported venue families. Real deployments
// map these from config; fixtures and tests use them directly.
var (
	ProgramCPMM    = mustKey("01")
	ProgramCLMM    = mustKey("02")
	ProgramLending = mustKey("03")
	ProgramRewards = mustKey("04")
	ProgramMempool = mustKey("05")
)

func mustKey(s string) types.Pubkey {
	p, err := types.PubkeyFromString(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Decoder turns a raw notification payload into a typed event. A nil event
// with a nil error means the payload is recognized but carries nothing
// actionable.
type Decoder func(raw *types.RawNotification) (*types.Event, error)

// Normalizer routes notifications to per-program decoders and enforces
// per-account slot ordering.
type Normalizer struct {
	decoders map[types.Pubkey]Decoder

	mu       sync.Mutex
	lastSlot map[types.Pubkey]uint64 // per-account ordering watermark

	logger *slog.Logger
}

// New creates a normalizer with the default decoder registry.
func New(logger *slog.Logger) *Normalizer {
	n := &Normalizer{
		decoders: make(map[types.Pubkey]Decoder),
		lastSlot: make(map[types.Pubkey]uint64),
		logger:   logger.With("component", "normalizer"),
	}
	n.Register(ProgramCPMM, decodePoolProgram)
	n.Register(ProgramCLMM, decodePoolProgram)
	n.Register(ProgramLending, decodeLendingProgram)
	n.Register(ProgramRewards, decodeRewardsProgram)
	n.Register(ProgramMempool, decodeMempoolProgram)
	return n
}

// Register installs a decoder for a program ID.
func (n *Normalizer) Register(program types.Pubkey, d Decoder) {
	n.decoders[program] = d
}

// Normalize decodes one raw notification. Returns nil when the notification
// is dropped (unknown program, decode failure, or stale slot).
func (n *Normalizer) Normalize(raw *types.RawNotification) *types.Event {
	dec, ok := n.decoders[raw.ProgramID]
	if !ok {
		metrics.DecodeDropped.WithLabelValues(raw.ProgramID.String()).Inc()
		return nil
	}

	n.mu.Lock()
	if last, seen := n.lastSlot[raw.Account]; seen && raw.Slot < last {
		n.mu.Unlock()
		metrics.StateConflicts.Inc()
		return nil
	}
	n.lastSlot[raw.Account] = raw.Slot
	n.mu.Unlock()

	evt, err := dec(raw)
	if err != nil {
		metrics.DecodeDropped.WithLabelValues(raw.ProgramID.String()).Inc()
		n.logger.Debug("decode failed", "program", raw.ProgramID.String(), "error", err)
		return nil
	}
	return evt
}

// OnGap clears the per-account ordering watermarks. Called when the chain
// stream reconnects: the watermark no longer reflects a contiguous view.
func (n *Normalizer) OnGap() {
	n.mu.Lock()
	n.lastSlot = make(map[types.Pubkey]uint64)
	n.mu.Unlock()
}

// Payload layouts. Each program encodes its notifications as a tagged JSON
// record; the tag selects the variant within the program.

type poolPayload struct {
	Tag   string           `json:"tag"` // "pool_state" | "swap"
	State *types.PoolState `json:"state,omitempty"`
	Swap  *types.SwapEvent `json:"swap,omitempty"`
}

func decodePoolProgram(raw *types.RawNotification) (*types.Event, error) {
	var p poolPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, err
	}
	switch p.Tag {
	case "pool_state":
		if p.State == nil {
			return nil, errMissingBody
		}
		st := *p.State
		st.LastUpdateSlot = raw.Slot
		st.LastSeenAt = raw.ReceivedAt
		return &types.Event{
			Kind: types.EventPoolState,
			Slot: raw.Slot,
			Pool: &types.PoolStateEvent{State: st, Slot: raw.Slot},
		}, nil
	case "swap":
		if p.Swap == nil {
			return nil, errMissingBody
		}
		sw := *p.Swap
		sw.Slot = raw.Slot
		return &types.Event{
			Kind: types.EventSwap,
			Slot: raw.Slot,
			Swap: &sw,
		}, nil
	default:
		return nil, errUnknownTag
	}
}

type lendingPayload struct {
	Tag      string                 `json:"tag"` // "position"
	Position *types.LendingPosition `json:"position,omitempty"`
}

func decodeLendingProgram(raw *types.RawNotification) (*types.Event, error) {
	var p lendingPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, err
	}
	if p.Tag != "position" || p.Position == nil {
		return nil, errUnknownTag
	}
	pos := *p.Position
	pos.LastUpdateSlot = raw.Slot
	return &types.Event{
		Kind:    types.EventLendingPosition,
		Slot:    raw.Slot,
		Lending: &types.LendingPositionEvent{Position: pos, Slot: raw.Slot},
	}, nil
}

type rewardsPayload struct {
	Tag    string                  `json:"tag"` // "block_reward"
	Reward *types.BlockRewardEvent `json:"reward,omitempty"`
}

func decodeRewardsProgram(raw *types.RawNotification) (*types.Event, error) {
	var p rewardsPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, err
	}
	if p.Tag != "block_reward" || p.Reward == nil {
		return nil, errUnknownTag
	}
	r := *p.Reward
	r.Slot = raw.Slot
	return &types.Event{
		Kind:        types.EventBlockReward,
		Slot:        raw.Slot,
		BlockReward: &r,
	}, nil
}

type mempoolPayload struct {
	Tag  string                  `json:"tag"` // "pending_swap"
	Swap *types.PendingSwapEvent `json:"swap,omitempty"`
}

func decodeMempoolProgram(raw *types.RawNotification) (*types.Event, error) {
	var p mempoolPayload
	if err := json.Unmarshal(raw.Data, &p); err != nil {
		return nil, err
	}
	if p.Tag != "pending_swap" || p.Swap == nil {
		return nil, errUnknownTag
	}
	sw := *p.Swap
	sw.Slot = raw.Slot
	return &types.Event{
		Kind:        types.EventPendingSwap,
		Slot:        raw.Slot,
		PendingSwap: &sw,
	}, nil
}

// Encoders produce the exact payloads the decoders accept. Fixtures and
// dry-run tooling use these; tests assert decode(encode(e)) == e.

func EncodePoolState(st types.PoolState) []byte {
	b, _ := json.Marshal(poolPayload{Tag: "pool_state", State: &st})
	return b
}

func EncodeSwap(sw types.SwapEvent) []byte {
	b, _ := json.Marshal(poolPayload{Tag: "swap", Swap: &sw})
	return b
}

func EncodeLendingPosition(pos types.LendingPosition) []byte {
	b, _ := json.Marshal(lendingPayload{Tag: "position", Position: &pos})
	return b
}

func EncodeBlockReward(r types.BlockRewardEvent) []byte {
	b, _ := json.Marshal(rewardsPayload{Tag: "block_reward", Reward: &r})
	return b
}

func EncodePendingSwap(sw types.PendingSwapEvent) []byte {
	b, _ := json.Marshal(mempoolPayload{Tag: "pending_swap", Swap: &sw})
	return b
}

var (
	errUnknownTag  = jsonError("unknown payload tag")
	errMissingBody = jsonError("payload body missing")
)

type jsonError string

func (e jsonError) Error() string { return string(e) }
