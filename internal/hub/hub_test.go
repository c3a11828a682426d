package hub

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// bareSubscriber builds a subscriber without a connection or pumps; tests
// drain its queues through nextBatch directly.
func bareSubscriber(h *Hub, topics ...string) *Subscriber {
	s := &Subscriber{
		hub:       h,
		queueSize: h.queueSize,
		logger:    h.logger,
		topics:    make(map[string]*topicQueue),
		wake:      make(chan struct{}, 1),
	}
	s.subscribe(topics, nil)
	h.attach(s)
	return s
}

func arbOpp(profit int64, venue string) types.Opportunity {
	return types.Opportunity{
		Kind:                types.OppArbitrage,
		GrossProfitLamports: profit,
		Arbitrage: &types.ArbitrageOpportunity{
			Path: []types.PathHop{{VenueID: venue}},
		},
	}
}

func TestPublishSequencesPerTopic(t *testing.T) {
	t.Parallel()
	h := New(16, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage, types.TopicSystemHealth)

	for i := 0; i < 3; i++ {
		h.Publish(types.TopicOppArbitrage, arbOpp(int64(100+i), "ray"))
	}
	h.Publish(types.TopicSystemHealth, types.HealthSnapshot{})

	var arbSeqs, healthSeqs []uint64
	for {
		batch := s.nextBatch()
		if len(batch) == 0 {
			break
		}
		for _, env := range batch {
			switch env.Topic {
			case types.TopicOppArbitrage:
				arbSeqs = append(arbSeqs, env.Seq)
			case types.TopicSystemHealth:
				healthSeqs = append(healthSeqs, env.Seq)
			}
		}
	}
	if len(arbSeqs) != 3 || len(healthSeqs) != 1 {
		t.Fatalf("frames = %d arb, %d health; want 3 and 1", len(arbSeqs), len(healthSeqs))
	}
	for i, seq := range arbSeqs {
		if seq != uint64(i+1) {
			t.Errorf("arb seq[%d] = %d, want %d", i, seq, i+1)
		}
	}
	if healthSeqs[0] != 1 {
		t.Errorf("health seq starts at %d, want independent counter at 1", healthSeqs[0])
	}
}

func TestPublishIgnoresUnknownTopicAndUnsubscribed(t *testing.T) {
	t.Parallel()
	h := New(16, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage)

	h.Publish("no.such.topic", arbOpp(100, "ray"))
	h.Publish(types.TopicOppSandwich, arbOpp(100, "ray"))
	if batch := s.nextBatch(); len(batch) != 0 {
		t.Errorf("frames = %d, want 0", len(batch))
	}
}

// Overflow drops the subscriber from the topic: the queued backlog drains,
// exactly one drop notice follows it, and nothing else arrives until the
// client re-subscribes.
func TestOverflowDropsTopicUntilResubscribe(t *testing.T) {
	t.Parallel()
	h := New(2, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage)

	for i := 0; i < 5; i++ {
		h.Publish(types.TopicOppArbitrage, arbOpp(int64(100+i), "ray"))
	}

	// Backlog of two, then the single drop notice tail.
	got := drainTopic(s, types.TopicOppArbitrage)
	if len(got) != 3 {
		t.Fatalf("frames = %d, want backlog + one drop notice", len(got))
	}
	notice, ok := got[2].Payload.(DropNotice)
	if !ok {
		t.Fatalf("last frame = %T, want DropNotice", got[2].Payload)
	}
	if notice.Topic != types.TopicOppArbitrage || notice.Reason != "subscriber_slow" {
		t.Errorf("notice = %+v", notice)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 || got[2].Seq != 3 {
		t.Errorf("seqs = %d, %d, %d; want 1, 2, 3", got[0].Seq, got[1].Seq, got[2].Seq)
	}

	// The dropped topic stays quiet no matter how much is published.
	for i := 0; i < 4; i++ {
		h.Publish(types.TopicOppArbitrage, arbOpp(300, "ray"))
	}
	if got := drainTopic(s, types.TopicOppArbitrage); len(got) != 0 {
		t.Fatalf("received %d frames on dropped topic without re-subscribe", len(got))
	}

	// Re-subscribing reopens delivery; the sequence counter carries on so
	// the client can see how much it missed.
	s.subscribe([]string{types.TopicOppArbitrage}, nil)
	h.Publish(types.TopicOppArbitrage, arbOpp(400, "ray"))
	got = drainTopic(s, types.TopicOppArbitrage)
	if len(got) != 1 {
		t.Fatalf("frames = %d after re-subscribe, want 1", len(got))
	}
	if got[0].Seq != 4 {
		t.Errorf("seq = %d after re-subscribe, want 4", got[0].Seq)
	}
	if _, isNotice := got[0].Payload.(DropNotice); isNotice {
		t.Error("re-subscribe must not emit a second drop notice")
	}
}

// A slow topic must not stall the subscriber's other topics.
func TestOverflowIsPerTopic(t *testing.T) {
	t.Parallel()
	h := New(1, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage, types.TopicSystemHealth)

	h.Publish(types.TopicOppArbitrage, arbOpp(100, "ray"))
	h.Publish(types.TopicOppArbitrage, arbOpp(101, "ray")) // shed
	h.Publish(types.TopicSystemHealth, types.HealthSnapshot{})

	if n := len(drainTopic(s, types.TopicSystemHealth)); n != 1 {
		t.Errorf("health frames = %d, want 1 despite arbitrage overflow", n)
	}
}

func TestNextBatchRoundRobin(t *testing.T) {
	t.Parallel()
	h := New(16, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage, types.TopicOppSandwich)

	h.Publish(types.TopicOppArbitrage, arbOpp(1, "ray"))
	h.Publish(types.TopicOppArbitrage, arbOpp(2, "ray"))
	h.Publish(types.TopicOppSandwich, types.Opportunity{Kind: types.OppSandwich, GrossProfitLamports: 3})

	batch := s.nextBatch()
	if len(batch) != 2 {
		t.Fatalf("batch = %d frames, want one per topic", len(batch))
	}
	if batch[0].Topic != types.TopicOppArbitrage || batch[1].Topic != types.TopicOppSandwich {
		t.Errorf("batch order = %s, %s; want sorted topic order", batch[0].Topic, batch[1].Topic)
	}
	if rest := s.nextBatch(); len(rest) != 1 || rest[0].Topic != types.TopicOppArbitrage {
		t.Errorf("second batch = %+v, want the remaining arbitrage frame", rest)
	}
}

func TestFiltersMinProfitAndVenues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		filters Filters
		payload any
		want    bool
	}{
		{"no filters pass", Filters{}, arbOpp(10, "ray"), true},
		{"below min profit", Filters{MinProfit: 1000}, arbOpp(10, "ray"), false},
		{"above min profit", Filters{MinProfit: 5}, arbOpp(10, "ray"), true},
		{"venue match", Filters{Venues: []string{"ray"}}, arbOpp(10, "ray"), true},
		{"venue miss", Filters{Venues: []string{"orc"}}, arbOpp(10, "ray"), false},
		{
			"liquidation protocol match",
			Filters{Venues: []string{"solend"}},
			types.Opportunity{
				Kind:        types.OppLiquidation,
				Liquidation: &types.LiquidationOpportunity{Protocol: "solend"},
			},
			true,
		},
		{"non-opportunity always passes", Filters{MinProfit: 1 << 40}, types.HealthSnapshot{}, true},
	}
	for _, tc := range cases {
		if got := tc.filters.match(types.TopicOppArbitrage, tc.payload); got != tc.want {
			t.Errorf("%s: match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	h := New(16, testLogger())
	s := bareSubscriber(h, types.TopicOppArbitrage)

	h.Publish(types.TopicOppArbitrage, arbOpp(1, "ray"))
	s.unsubscribe([]string{types.TopicOppArbitrage})
	h.Publish(types.TopicOppArbitrage, arbOpp(2, "ray"))

	if batch := s.nextBatch(); len(batch) != 0 {
		t.Errorf("frames = %d after unsubscribe, want 0", len(batch))
	}
	if h.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1 (still attached)", h.SubscriberCount())
	}
}

func drainTopic(s *Subscriber, topic string) []types.Envelope {
	var out []types.Envelope
	for {
		batch := s.nextBatch()
		if len(batch) == 0 {
			return out
		}
		for _, env := range batch {
			if env.Topic == topic {
				out = append(out, env)
			}
		}
	}
}
