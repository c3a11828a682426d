// Package hub fans normalized events, opportunities, and bundle outcomes
// out to WebSocket subscribers.
//
// Delivery is at-most-once over a fixed topic set. Each subscriber holds an
// independent bounded FIFO per topic with its own sequence counter, so a
// slow consumer falls behind only on the topic it cannot keep up with and
// never stalls its other topics or any other subscriber. A subscriber that
// overflows a topic queue is dropped from that topic: the backlog drains,
// exactly one drop control frame follows it, and delivery resumes only when
// the client re-subscribes.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// DropNotice is the control frame injected into a topic stream after
// frames were shed for a slow subscriber.
type DropNotice struct {
	Type   string `json:"type"` // always "drop"
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}

// Filters narrows what a subscriber receives on opportunity topics.
type Filters struct {
	MinProfit int64    `json:"min_profit,omitempty"`
	Venues    []string `json:"venues,omitempty"`
}

// topicQueue is one subscriber's bounded FIFO for one topic.
type topicQueue struct {
	seq     uint64
	frames  []types.Envelope
	dropped bool // overflowed; nothing delivered until the client re-subscribes
}

// Hub tracks subscribers and routes published payloads to their queues.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]bool
}

// New creates an empty hub. queueSize bounds each subscriber's per-topic
// backlog.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger.With("component", "hub"),
		subs:      make(map[*Subscriber]bool),
	}
}

// Publish routes one payload to every subscriber of the topic. Unknown
// topics are ignored; the topic set is fixed.
func (h *Hub) Publish(topic string, payload any) {
	if !validTopic(topic) {
		return
	}
	now := time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.offer(topic, payload, now)
	}
}

// SubscriberCount reports the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) attach(s *Subscriber) {
	h.mu.Lock()
	h.subs[s] = true
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("subscriber connected", "count", n)
}

func (h *Hub) detach(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info("subscriber disconnected", "count", n)
}

func validTopic(topic string) bool {
	for _, t := range types.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// offer enqueues one payload for this subscriber, applying topic
// subscription, filters, and the overflow policy. Overflow drops the
// subscriber from the topic: the drop notice rides behind whatever is
// already queued, and nothing further is delivered until the client sends
// a fresh subscribe for the topic.
func (s *Subscriber) offer(topic string, payload any, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	q, subscribed := s.topics[topic]
	if !subscribed || q.dropped {
		return
	}
	if !s.filters.match(topic, payload) {
		return
	}

	if len(q.frames) >= s.queueSize {
		q.dropped = true
		q.seq++
		q.frames = append(q.frames, types.Envelope{
			Topic: topic, TS: now, Seq: q.seq,
			Payload: DropNotice{Type: "drop", Topic: topic, Reason: "subscriber_slow"},
		})
		metrics.SubscribersDropped.WithLabelValues(topic).Inc()
		s.wakeWriter()
		return
	}

	q.seq++
	q.frames = append(q.frames, types.Envelope{
		Topic: topic, TS: now, Seq: q.seq, Payload: payload,
	})
	s.wakeWriter()
}

// match applies subscriber filters. Only opportunity payloads are
// filterable; everything else always passes.
func (f Filters) match(topic string, payload any) bool {
	opp, ok := payload.(types.Opportunity)
	if !ok {
		if p, isPtr := payload.(*types.Opportunity); isPtr {
			opp, ok = *p, true
		}
	}
	if !ok {
		return true
	}
	if f.MinProfit > 0 && opp.NetExpectedProfit() < f.MinProfit {
		return false
	}
	if len(f.Venues) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(f.Venues))
	for _, v := range f.Venues {
		allowed[v] = true
	}
	switch {
	case opp.Arbitrage != nil:
		for _, hop := range opp.Arbitrage.Path {
			if allowed[hop.VenueID] {
				return true
			}
		}
		return false
	case opp.Liquidation != nil:
		return allowed[opp.Liquidation.Protocol]
	default:
		return true
	}
}
