// Package submit owns the block-engine boundary: bundle submission, status
// polling, terminal-state accounting, and the feedback loop into the
// success-rate model and the outcome ledger.
//
// A bundle in flight is owned exclusively by this package. The record is
// inserted PENDING at submit time and advanced to exactly one terminal
// state by the poller; nothing mutates it afterwards.
package submit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/chain"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Recorder persists terminal submission records. Implemented by the ledger.
type Recorder interface {
	Record(rec types.SubmissionRecord) error
}

// inflight is one pending submission. Mutated only by the poller after
// insertion.
type inflight struct {
	bundle      *types.Bundle
	engineID    string // block engine's identifier for the bundle
	submittedAt int64  // mono ns
	submitSlot  uint64
	features    Features
	predicted   float64 // model's landing probability at submit time
}

// Client submits bundles to the block engine and resolves their outcomes.
type Client struct {
	cfg    config.SubmissionConfig
	http   *resty.Client
	bucket *chain.TokenBucket
	model  *Model
	ledger Recorder
	slotFn func() uint64 // current chain slot, for TTL expiry
	dryRun bool
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[uuid.UUID]*inflight
	reqID    atomic.Int64
	outcomes chan types.SubmissionRecord
}

// NewClient creates the block-engine client. bucket shares the process-wide
// submission rate budget with the chain RPC client. slotFn reports the
// latest observed chain slot.
func NewClient(cfg config.SubmissionConfig, bucket *chain.TokenBucket, model *Model, ledger Recorder, slotFn func() uint64, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BlockEngineURL).
		SetTimeout(cfg.SubmitTimeout()).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		bucket:   bucket,
		model:    model,
		ledger:   ledger,
		slotFn:   slotFn,
		dryRun:   dryRun,
		logger:   logger.With("component", "submitter"),
		pending:  make(map[uuid.UUID]*inflight),
		outcomes: make(chan types.SubmissionRecord, 64),
	}
}

// Outcomes streams terminal submission records for hub publication.
func (c *Client) Outcomes() <-chan types.SubmissionRecord { return c.outcomes }

// InFlight returns the number of unresolved submissions.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit sends one bundle. The in-flight record is inserted before the wire
// call so a crash between send and insert cannot orphan a submission. A
// rejected send resolves the record immediately.
func (c *Client) Submit(ctx context.Context, b *types.Bundle) error {
	const op = "submit.send"

	if err := c.bucket.Wait(ctx); err != nil {
		return err
	}

	entry := &inflight{
		bundle:      b,
		submittedAt: types.MonoNow(),
		submitSlot:  c.slotFn(),
		features:    c.featuresOf(b),
	}
	entry.predicted = c.model.PredictLanding(entry.features)
	c.mu.Lock()
	c.pending[b.ID] = entry
	c.mu.Unlock()

	if c.dryRun {
		entry.engineID = "dry-run-" + b.ID.String()
		metrics.BundlesSubmitted.Inc()
		c.logger.Info("bundle submitted (dry run)",
			"bundle_id", b.ID, "tip", b.TipLamports, "p_land", entry.predicted)
		return nil
	}

	encoded := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		encoded[i] = base64.StdEncoding.EncodeToString(tx.Wire)
	}

	var engineID string
	err := c.call(ctx, "sendBundle", []any{encoded}, &engineID)
	if err != nil {
		c.resolve(b.ID, types.StateRejected, 0)
		return types.E(types.KindSubmissionRejected, op, err)
	}
	entry.engineID = engineID
	metrics.BundlesSubmitted.Inc()
	c.logger.Info("bundle submitted",
		"bundle_id", b.ID, "engine_id", engineID,
		"txs", len(b.Txs), "tip", b.TipLamports, "p_land", entry.predicted)
	return nil
}

// Batch submits several bundles concurrently. Every bundle keeps its own
// outcome: a send failure resolves that bundle REJECTED without touching
// the rest, so a batch-level transport or auth failure fans out as one
// REJECTED record per member. Returns an error only when every submission
// failed.
func (c *Client) Batch(ctx context.Context, bundles []*types.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}

	errs := make([]error, len(bundles))
	var wg sync.WaitGroup
	for i, b := range bundles {
		wg.Add(1)
		go func(i int, b *types.Bundle) {
			defer wg.Done()
			errs[i] = c.Submit(ctx, b)
		}(i, b)
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		c.logger.Warn("batch member rejected", "bundle_id", bundles[i].ID, "err", err)
	}
	if failed == len(bundles) {
		return types.ER(types.KindSubmissionRejected, "submit.batch", "all bundles rejected")
	}
	return nil
}

// Run drives the status poller until ctx is cancelled, then performs one
// final poll so terminal states observed during shutdown still reach the
// ledger.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.pollOnce(context.Background())
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce resolves the current in-flight set: one status batch, then TTL
// expiry against the current slot.
func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	engineIDs := make([]string, 0, len(c.pending))
	for id, entry := range c.pending {
		ids = append(ids, id)
		engineIDs = append(engineIDs, entry.engineID)
	}
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	if c.dryRun {
		// Every dry-run bundle lands at the current slot.
		slot := c.slotFn()
		for _, id := range ids {
			c.resolve(id, types.StateLanded, slot)
		}
		return
	}

	statuses, err := c.getStatuses(ctx, engineIDs)
	if err != nil {
		c.logger.Warn("status poll failed", "err", err, "in_flight", len(ids))
	} else {
		for i, id := range ids {
			st, ok := statuses[engineIDs[i]]
			if !ok {
				continue
			}
			switch st.Status {
			case "landed":
				c.resolve(id, types.StateLanded, st.LandedSlot)
			case "failed":
				c.resolve(id, types.StateFailed, 0)
			case "rejected":
				c.resolve(id, types.StateRejected, 0)
			}
		}
	}

	// TTL expiry runs even when the poll fails, so bundles cannot stay
	// PENDING forever behind an unreachable engine.
	slot := c.slotFn()
	c.mu.Lock()
	var expired []uuid.UUID
	for id, entry := range c.pending {
		if slot > entry.submitSlot && slot-entry.submitSlot > c.cfg.BundleTTLSlots {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()
	for _, id := range expired {
		c.resolve(id, types.StateExpired, 0)
	}
}

// resolve moves one bundle to a terminal state exactly once: removes it
// from the in-flight set, persists the record, feeds the model, and
// publishes the outcome.
func (c *Client) resolve(id uuid.UUID, state types.BundleState, landedSlot uint64) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return // already terminal
	}

	landed := state == types.StateLanded
	var profit int64
	if landed {
		profit = entry.bundle.ExpectedProfitLamports
	}
	// Persist the submit-time prediction next to the features so landed
	// outcomes can be scored against what the model believed.
	featJSON, _ := json.Marshal(struct {
		Features
		PredictedLanding float64 `json:"predicted_landing"`
	}{entry.features, entry.predicted})

	rec := types.SubmissionRecord{
		BundleID:               id,
		SubmittedAt:            entry.submittedAt,
		State:                  state,
		LandedSlot:             landedSlot,
		LatencyNs:              types.MonoNow() - entry.submittedAt,
		RealizedProfitLamports: profit,
		FeaturesJSON:           string(featJSON),
	}
	if c.ledger != nil {
		if err := c.ledger.Record(rec); err != nil {
			c.logger.Error("ledger write failed", "bundle_id", id, "err", err)
		}
	}
	c.model.Record(entry.features, landed)
	metrics.BundleOutcomes.WithLabelValues(string(state)).Inc()

	select {
	case c.outcomes <- rec:
	default:
		// Outcome consumers are advisory; the ledger already has the record.
	}
	c.logger.Info("bundle resolved",
		"bundle_id", id, "state", state,
		"landed_slot", landedSlot, "latency_ms", rec.LatencyNs/1e6)
}

// featuresOf extracts model features from a composed bundle. The dominant
// venue is taken from the first opportunity transaction's first account
// pool; bundles are small so this stays cheap.
func (c *Client) featuresOf(b *types.Bundle) Features {
	var tipRatio float64
	gross := b.ExpectedProfitLamports + b.GasLamports + b.TipLamports
	if gross > 0 {
		tipRatio = float64(b.TipLamports) / float64(gross)
	}
	var venue string
	for _, tx := range b.Txs {
		if tx.OpportunityID != uuid.Nil && len(tx.Accounts) > 0 {
			venue = tx.Accounts[0].Key.String()[:8]
			break
		}
	}
	return Features{
		BundleSize: len(b.Txs),
		TipRatio:   tipRatio,
		VenueID:    venue,
		TimeOfSlot: float64(time.Now().UnixMilli()%400) / 400,
	}
}

type bundleStatus struct {
	BundleID   string `json:"bundle_id"`
	Status     string `json:"status"`
	LandedSlot uint64 `json:"landed_slot,omitempty"`
}

// getStatuses fetches the block engine's view of a batch of bundles.
func (c *Client) getStatuses(ctx context.Context, engineIDs []string) (map[string]bundleStatus, error) {
	var result []bundleStatus
	if err := c.call(ctx, "getBundleStatuses", []any{engineIDs}, &result); err != nil {
		return nil, err
	}
	out := make(map[string]bundleStatus, len(result))
	for _, st := range result {
		out[st.BundleID] = st
	}
	return out, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}
	var result rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("")
	if err != nil {
		return types.E(types.KindChainUnavailable, method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.E(types.KindChainUnavailable, method,
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if result.Error != nil {
		return types.E(types.KindSubmissionRejected, method,
			fmt.Errorf("engine error %d: %s", result.Error.Code, result.Error.Message))
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
