// Package engine is the central orchestrator of the MEV service.
//
// It wires together all subsystems:
//
//  1. The chain stream pushes account notifications; the normalizer turns
//     them into typed events.
//  2. The market graph absorbs pool events; lending and mempool events are
//     routed to their detectors.
//  3. Detectors emit opportunities into bounded queues; the composer packs,
//     orders, and simulates them into bundles.
//  4. The submitter sends bundles to the block engine, polls outcomes, and
//     feeds the success-rate model and the ledger.
//  5. The hub fans opportunities, bundle events, and health out to
//     WebSocket subscribers.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT] -> Stop()
package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/internal/chain"
	"github.com/stanmart1/mev-sub005/internal/composer"
	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/detector"
	"github.com/stanmart1/mev-sub005/internal/graph"
	"github.com/stanmart1/mev-sub005/internal/hub"
	"github.com/stanmart1/mev-sub005/internal/ledger"
	"github.com/stanmart1/mev-sub005/internal/normalize"
	"github.com/stanmart1/mev-sub005/internal/submit"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Core orchestrates the whole pipeline and owns every goroutine's
// lifecycle.
type Core struct {
	cfg    config.Config
	logger *slog.Logger

	stream *chain.Stream
	rpc    *chain.RPC
	norm   *normalize.Normalizer
	graph  *graph.Graph

	arbQueue  *detector.Queue
	liqQueue  *detector.Queue
	sandQueue *detector.Queue
	arb       *detector.Arbitrage
	liq       *detector.Liquidation
	sand      *detector.Sandwich

	comp      *composer.Composer
	model     *submit.Model
	submitter *submit.Client
	ledger    *ledger.Ledger

	hub       *hub.Hub
	hubServer *hub.Server
	pubShards []chan publication

	poolCh chan types.PoolStateEvent
	lendCh chan types.LendingPositionEvent
	pendCh chan types.PendingSwapEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type publication struct {
	topic   string
	payload any
}

// New creates and wires all components.
func New(cfg config.Config, logger *slog.Logger) (*Core, error) {
	stream := chain.NewStream(cfg.Chain, logger)
	rpc := chain.NewRPC(cfg.Chain, logger)
	norm := normalize.New(logger)
	g := graph.New()

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	model := submit.NewModel()
	submitter := submit.NewClient(cfg.Submission, rpc.SubmitBucket(), model, led,
		func() uint64 { return stream.Health().LastSlot }, cfg.DryRun, logger)

	signer, err := composer.NewTipSigner(cfg.Submission.AuthKeypair, cfg.Submission.TipAccount)
	if err != nil {
		led.Close()
		return nil, err
	}
	comp := composer.New(cfg.Composer, cfg.Submission, types.Strategy(cfg.Strategy), rpc, signer, logger)

	var native types.Pubkey
	if len(cfg.Detector.Watchlist) > 0 {
		native, _ = types.PubkeyFromString(cfg.Detector.Watchlist[0])
	}
	var usd types.Pubkey
	if cfg.Detector.USDToken != "" {
		usd, _ = types.PubkeyFromString(cfg.Detector.USDToken)
	}
	prices := &graphPrices{g: g, usd: usd}

	arbQueue := detector.NewQueue("arbitrage", cfg.Detector.QueueSize)
	liqQueue := detector.NewQueue("liquidation", cfg.Detector.QueueSize)
	sandQueue := detector.NewQueue("sandwich", cfg.Detector.QueueSize)

	h := hub.New(cfg.Hub.QueueSize, logger)

	workers := cfg.Engine.HubWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	shards := make([]chan publication, workers)
	for i := range shards {
		shards[i] = make(chan publication, 256)
	}

	c := &Core{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		stream:    stream,
		rpc:       rpc,
		norm:      norm,
		graph:     g,
		arbQueue:  arbQueue,
		liqQueue:  liqQueue,
		sandQueue: sandQueue,
		arb:       detector.NewArbitrage(cfg.Detector, g, model, arbQueue, logger),
		liq:       detector.NewLiquidation(cfg.Detector, prices, liqQueue, native, logger),
		sand:      detector.NewSandwich(cfg.Detector, g, prices, model, sandQueue, native, logger),
		comp:      comp,
		model:     model,
		submitter: submitter,
		ledger:    led,
		hub:       h,
		pubShards: shards,
		poolCh:    make(chan types.PoolStateEvent, 256),
		lendCh:    make(chan types.LendingPositionEvent, 256),
		pendCh:    make(chan types.PendingSwapEvent, 256),
	}
	c.hubServer = hub.NewServer(cfg.Hub, h, stream, led, logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start launches every background goroutine and subscribes the stream to
// the venue, lending, rewards, and mempool programs.
func (c *Core) Start() error {
	c.spawn(func() {
		if err := c.stream.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("chain stream stopped", "err", err)
		}
	})
	c.spawn(func() { c.dispatchEvents() })
	c.spawn(func() { c.arb.Run(c.ctx, c.poolCh) })
	c.spawn(func() { c.liq.Run(c.ctx, c.lendCh) })
	c.spawn(func() { c.sand.Run(c.ctx, c.pendCh) })
	c.spawn(func() { c.composeLoop() })
	c.spawn(func() { c.submitter.Run(c.ctx) })
	c.spawn(func() { c.outcomeLoop() })
	c.spawn(func() { c.evictLoop() })
	c.spawn(func() { c.healthLoop() })

	for _, sh := range c.pubShards {
		c.spawn(func() { c.publishLoop(sh) })
	}

	c.spawn(func() {
		if err := c.hubServer.Start(); err != nil && c.ctx.Err() == nil {
			c.logger.Error("hub server stopped", "err", err)
		}
	})

	if err := c.stream.Subscribe(c.ctx, chain.Filter{
		ProgramIDs: []types.Pubkey{
			normalize.ProgramCPMM, normalize.ProgramCLMM,
			normalize.ProgramLending, normalize.ProgramRewards,
		},
		Commitment: "processed",
	}); err != nil {
		c.logger.Warn("program subscription deferred until connect", "err", err)
	}
	if err := c.stream.Subscribe(c.ctx, chain.Filter{
		ProgramIDs: []types.Pubkey{normalize.ProgramMempool},
		Commitment: "processed",
		Mempool:    true,
	}); err != nil {
		c.logger.Warn("mempool subscription deferred until connect", "err", err)
	}

	c.logger.Info("engine started",
		"strategy", c.cfg.Strategy,
		"dry_run", c.cfg.DryRun,
		"hub_workers", len(c.pubShards),
	)
	return nil
}

// Stop shuts down: cancels all goroutines, waits out the drain grace, and
// closes resources. The submitter performs a final status poll on its way
// out so terminal states seen during shutdown still reach the ledger.
func (c *Core) Stop() {
	c.logger.Info("shutting down...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.Engine.ShutdownGrace()):
		c.logger.Warn("shutdown grace expired, abandoning drain",
			"in_flight", c.submitter.InFlight())
	}

	if err := c.hubServer.Stop(); err != nil {
		c.logger.Error("hub server stop failed", "err", err)
	}
	if err := c.ledger.Close(); err != nil {
		c.logger.Error("ledger close failed", "err", err)
	}
	c.logger.Info("shutdown complete")
}

func (c *Core) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// dispatchEvents is the single consumer of the chain stream. It normalizes
// raw notifications and routes each event to its consumer. Detector
// channels are non-blocking: a saturated detector sheds events rather than
// stalling graph updates.
func (c *Core) dispatchEvents() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.stream.Messages():
			if !ok {
				return
			}
			if msg.Gap != nil {
				c.norm.OnGap()
				c.logger.Warn("sequence gap",
					"last_good_slot", msg.Gap.LastGoodSlot,
					"reconnected_at_slot", msg.Gap.ReconnectedAtSlot)
				c.publish(types.TopicSystemHealth, c.stream.Health())
				continue
			}
			ev := c.norm.Normalize(msg.Raw)
			if ev == nil {
				continue
			}
			c.routeEvent(ev)
		}
	}
}

func (c *Core) routeEvent(ev *types.Event) {
	switch ev.Kind {
	case types.EventPoolState:
		if err := c.graph.Apply(*ev.Pool); err != nil {
			return // stale update, already counted
		}
		c.publish(types.TopicPoolUpdates, ev.Pool.State)
		select {
		case c.poolCh <- *ev.Pool:
		default:
		}
	case types.EventSwap:
		// Executed swaps refresh pool recency through the next pool-state
		// push; nothing to route.
	case types.EventLendingPosition:
		select {
		case c.lendCh <- *ev.Lending:
		default:
		}
	case types.EventPendingSwap:
		select {
		case c.pendCh <- *ev.PendingSwap:
		default:
		}
	case types.EventBlockReward:
		// Informational; surfaces through the health topic if ever needed.
	}
}

// maxBundlesPerRound caps how many bundles one drain round may compose
// before handing the batch to the submitter.
const maxBundlesPerRound = 4

// composeLoop drains the detector queues whenever any of them signals,
// publishes the raw opportunities, composes bundles until the round's
// candidates are spent, and batch-submits the round.
func (c *Core) composeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.arbQueue.Notify():
		case <-c.liqQueue.Notify():
		case <-c.sandQueue.Notify():
		}

		remaining := c.drainQueues()
		if len(remaining) == 0 {
			continue
		}

		var bundles []*types.Bundle
		for len(remaining) > 0 && len(bundles) < maxBundlesPerRound {
			bundle, err := c.comp.Compose(c.ctx, remaining)
			if err != nil {
				if types.KindOf(err) != types.KindCompositionAbandoned {
					c.logger.Warn("composition failed", "err", err)
				}
				break
			}
			bundles = append(bundles, bundle)
			c.publish(types.TopicBundleSubmitted, bundle)
			remaining = withoutComposed(remaining, bundle)
		}
		if len(bundles) == 0 {
			continue
		}
		if err := c.submitter.Batch(c.ctx, bundles); err != nil {
			c.logger.Error("batch submission failed", "bundles", len(bundles), "err", err)
		}
	}
}

// withoutComposed removes the opportunities a bundle carries from the
// round's candidate pool.
func withoutComposed(opps []types.Opportunity, b *types.Bundle) []types.Opportunity {
	used := make(map[uuid.UUID]bool, len(b.Txs))
	for _, tx := range b.Txs {
		if tx.OpportunityID != uuid.Nil {
			used[tx.OpportunityID] = true
		}
	}
	out := opps[:0]
	for _, o := range opps {
		if !used[o.ID] {
			out = append(out, o)
		}
	}
	return out
}

func (c *Core) drainQueues() []types.Opportunity {
	var all []types.Opportunity
	for _, q := range []*detector.Queue{c.arbQueue, c.liqQueue, c.sandQueue} {
		for _, o := range q.Drain() {
			c.publish(topicFor(o.Kind), o)
			all = append(all, o)
		}
	}
	return all
}

func topicFor(kind types.OpportunityKind) string {
	switch kind {
	case types.OppArbitrage:
		return types.TopicOppArbitrage
	case types.OppLiquidation:
		return types.TopicOppLiquidation
	default:
		return types.TopicOppSandwich
	}
}

// outcomeLoop forwards terminal submission records to the hub.
func (c *Core) outcomeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case rec := <-c.submitter.Outcomes():
			c.publish(types.TopicBundleStatus, rec)
		}
	}
}

// evictLoop removes pools the stream has gone quiet on.
func (c *Core) evictLoop() {
	ticker := time.NewTicker(c.cfg.Graph.EvictInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.graph.EvictStale(time.Now().Add(-c.cfg.Graph.PoolTTL())); n > 0 {
				c.logger.Debug("evicted stale pools", "count", n, "remaining", c.graph.Size())
			}
		}
	}
}

// healthLoop publishes a connectivity snapshot on a steady cadence.
func (c *Core) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.publish(types.TopicSystemHealth, c.stream.Health())
		}
	}
}

// publish hands a payload to the hub worker pool without blocking the
// pipeline. A topic always maps to the same shard, and each shard has a
// single consumer, so payloads on one topic reach the hub in publish
// order.
func (c *Core) publish(topic string, payload any) {
	sh := c.pubShards[shardFor(topic, len(c.pubShards))]
	select {
	case sh <- publication{topic: topic, payload: payload}:
	default:
		// Hub saturation never backpressures detection or submission.
	}
}

func (c *Core) publishLoop(sh <-chan publication) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-sh:
			c.hub.Publish(p.topic, p.payload)
		}
	}
}

func shardFor(topic string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(n))
}
