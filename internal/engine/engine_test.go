package engine

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Every topic must map to a stable shard inside range; a topic hopping
// between shards would let two workers reorder its payloads.
func TestShardForStableAndInRange(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 4, 7} {
		for _, topic := range types.Topics() {
			first := shardFor(topic, n)
			if first < 0 || first >= n {
				t.Fatalf("shardFor(%q, %d) = %d out of range", topic, n, first)
			}
			for i := 0; i < 10; i++ {
				if got := shardFor(topic, n); got != first {
					t.Fatalf("shardFor(%q, %d) unstable: %d then %d", topic, n, first, got)
				}
			}
		}
	}
}

func TestShardForSingleWorker(t *testing.T) {
	t.Parallel()
	for _, topic := range types.Topics() {
		if got := shardFor(topic, 1); got != 0 {
			t.Errorf("shardFor(%q, 1) = %d, want 0", topic, got)
		}
	}
}

func TestTopicFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind types.OpportunityKind
		want string
	}{
		{types.OppArbitrage, types.TopicOppArbitrage},
		{types.OppLiquidation, types.TopicOppLiquidation},
		{types.OppSandwich, types.TopicOppSandwich},
	}
	for _, tc := range cases {
		if got := topicFor(tc.kind); got != tc.want {
			t.Errorf("topicFor(%v) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

// A composed bundle's opportunities leave the round's candidate pool; the
// tip transaction's zero UUID must not knock anything out.
func TestWithoutComposedRemovesBundledOpportunities(t *testing.T) {
	t.Parallel()
	a := types.Opportunity{ID: uuid.New(), Kind: types.OppArbitrage}
	b := types.Opportunity{ID: uuid.New(), Kind: types.OppArbitrage}
	c := types.Opportunity{ID: uuid.New(), Kind: types.OppLiquidation}

	bundle := &types.Bundle{
		ID: uuid.New(),
		Txs: []types.Transaction{
			{OpportunityID: a.ID},
			{OpportunityID: c.ID},
			{OpportunityID: uuid.Nil}, // tip
		},
	}

	rest := withoutComposed([]types.Opportunity{a, b, c}, bundle)
	if len(rest) != 1 || rest[0].ID != b.ID {
		t.Fatalf("withoutComposed left %d candidates, want only the uncomposed one", len(rest))
	}
}
