// Package detector implements the three opportunity detectors: the
// arbitrage pathfinder, the liquidation scanner, and the sandwich detector.
// Each runs on its own goroutine, consumes normalized events, and emits
// typed Opportunity records into a bounded queue read by the composer.
package detector

import (
	"sync"

	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Queue is the bounded detector-to-composer buffer. When full, the
// lowest-profit pending opportunity is evicted (never the newest arrival
// unless it is itself the least profitable), and a counter increments.
type Queue struct {
	mu       sync.Mutex
	items    []types.Opportunity
	capacity int
	notify   chan struct{}
	detector string
}

// NewQueue creates a bounded queue for one detector.
func NewQueue(detector string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		detector: detector,
	}
}

// Push adds an opportunity, applying the lowest-profit eviction policy on
// overflow.
func (q *Queue) Push(o types.Opportunity) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		minIdx := 0
		for i := 1; i < len(q.items); i++ {
			if q.items[i].NetExpectedProfit() < q.items[minIdx].NetExpectedProfit() {
				minIdx = i
			}
		}
		if o.NetExpectedProfit() <= q.items[minIdx].NetExpectedProfit() {
			// The newcomer is the least valuable; drop it instead.
			q.mu.Unlock()
			metrics.OpportunitiesDropped.WithLabelValues(q.detector).Inc()
			return
		}
		q.items = append(q.items[:minIdx], q.items[minIdx+1:]...)
		metrics.OpportunitiesDropped.WithLabelValues(q.detector).Inc()
	}
	q.items = append(q.items, o)
	q.mu.Unlock()

	metrics.OpportunitiesEmitted.WithLabelValues(q.detector).Inc()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns every pending opportunity.
func (q *Queue) Drain() []types.Opportunity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of pending opportunities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify returns a channel that receives a tick when new work arrives.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// PriceSource supplies USD prices for tokens. Implemented over the market
// graph; an external oracle can be substituted without touching detector
// code.
type PriceSource interface {
	// PriceUSD returns the USD price per whole token, or false if the
	// token cannot be priced.
	PriceUSD(token types.Pubkey) (float64, bool)
}

// CompetitionEstimator reports the estimated searcher competition (0..1)
// for a venue. Implemented by the submission success-rate model.
type CompetitionEstimator interface {
	Competition(venueID string) float64
}
