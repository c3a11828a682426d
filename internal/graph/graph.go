// Package graph maintains the authoritative in-process view of pool states
// across venues and answers price and path queries.
//
// Pool records live in sharded maps so a single writer applying events
// serializes per pool but runs in parallel across pools, while readers are
// never blocked for more than one pool's worth of work. The whole record is
// swapped atomically on apply; readers always see an internally consistent
// state. Eviction walks one shard at a time and never removes a pool that
// was updated within the TTL.
package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

const shardCount = 32

// edge is one directed hop: swapping from one token to another through a
// pool.
type edge struct {
	pool    types.Pubkey
	venueID string
	from    types.Pubkey
	to      types.Pubkey
	feeBps  uint16
}

type shard struct {
	mu    sync.RWMutex
	pools map[types.Pubkey]*types.PoolState
}

// Graph is the venue-spanning market graph.
type Graph struct {
	shards [shardCount]shard

	// adjacency: token -> outgoing edges, kept sorted for deterministic
	// path enumeration. pairIndex: (venueID, tokenA, tokenB) -> pool.
	adjMu     sync.RWMutex
	adj       map[types.Pubkey][]edge
	pairIndex map[pairKey]types.Pubkey
}

type pairKey struct {
	venueID string
	a, b    types.Pubkey
}

// New creates an empty market graph.
func New() *Graph {
	g := &Graph{
		adj:       make(map[types.Pubkey][]edge),
		pairIndex: make(map[pairKey]types.Pubkey),
	}
	for i := range g.shards {
		g.shards[i].pools = make(map[types.Pubkey]*types.PoolState)
	}
	return g
}

func (g *Graph) shardFor(addr types.Pubkey) *shard {
	return &g.shards[int(addr[0])%shardCount]
}

// Apply upserts a pool state. Events older than the currently-stored slot
// for the pool are rejected with a StateConflict.
func (g *Graph) Apply(ev types.PoolStateEvent) error {
	st := ev.State
	sh := g.shardFor(st.Address)

	sh.mu.Lock()
	cur, exists := sh.pools[st.Address]
	if exists && ev.Slot < cur.LastUpdateSlot {
		sh.mu.Unlock()
		metrics.StateConflicts.Inc()
		return types.ER(types.KindStateConflict, "graph.apply", "stale slot")
	}
	cp := st // whole-record swap; readers never see partial updates
	sh.pools[st.Address] = &cp
	sh.mu.Unlock()

	if !exists {
		g.indexPool(st)
	}
	return nil
}

func (g *Graph) indexPool(st types.PoolState) {
	g.adjMu.Lock()
	defer g.adjMu.Unlock()

	g.pairIndex[pairKey{st.VenueID, st.TokenA, st.TokenB}] = st.Address
	g.pairIndex[pairKey{st.VenueID, st.TokenB, st.TokenA}] = st.Address

	fwd := edge{pool: st.Address, venueID: st.VenueID, from: st.TokenA, to: st.TokenB, feeBps: st.FeeBps}
	rev := edge{pool: st.Address, venueID: st.VenueID, from: st.TokenB, to: st.TokenA, feeBps: st.FeeBps}
	g.adj[st.TokenA] = insertSorted(g.adj[st.TokenA], fwd)
	g.adj[st.TokenB] = insertSorted(g.adj[st.TokenB], rev)
}

// insertSorted keeps edges ordered by (venueID, pool) so enumeration order,
// and therefore detector tie-breaking, is deterministic.
func insertSorted(edges []edge, e edge) []edge {
	i := sort.Search(len(edges), func(i int) bool {
		if edges[i].venueID != e.venueID {
			return edges[i].venueID > e.venueID
		}
		return edges[i].pool.String() >= e.pool.String()
	})
	if i < len(edges) && edges[i].pool == e.pool && edges[i].to == e.to {
		return edges // already indexed
	}
	edges = append(edges, edge{})
	copy(edges[i+1:], edges[i:])
	edges[i] = e
	return edges
}

// Snapshot returns a copy of the current state for a pool.
func (g *Graph) Snapshot(addr types.Pubkey) (types.PoolState, bool) {
	sh := g.shardFor(addr)
	sh.mu.RLock()
	st, ok := sh.pools[addr]
	sh.mu.RUnlock()
	if !ok {
		return types.PoolState{}, false
	}
	return *st, true
}

// Price returns the constant-time spot price of base denominated in quote
// on the given venue.
func (g *Graph) Price(venueID string, base, quote types.Pubkey) (float64, bool) {
	g.adjMu.RLock()
	addr, ok := g.pairIndex[pairKey{venueID, base, quote}]
	g.adjMu.RUnlock()
	if !ok {
		return 0, false
	}
	st, ok := g.Snapshot(addr)
	if !ok {
		return 0, false
	}
	p, ok := SpotPrice(st)
	if !ok {
		return 0, false
	}
	if base == st.TokenA {
		return p, true
	}
	if p == 0 {
		return 0, false
	}
	return 1 / p, true
}

// Path is an ordered list of hops forming a route through the graph.
type Path []types.PathHop

// FindCycles enumerates simple cycles that start and end at start with at
// most maxHops edges. Enumeration is lazy: visit is called once per cycle
// and returning false stops the walk. No pool repeats within a cycle, and
// intermediate tokens are visited at most once.
func (g *Graph) FindCycles(start types.Pubkey, maxHops int, visit func(Path) bool) {
	if maxHops < 2 {
		return
	}

	// Work on a snapshot of the adjacency so the walk never holds the
	// index lock while quoting.
	g.adjMu.RLock()
	adj := make(map[types.Pubkey][]edge, len(g.adj))
	for k, v := range g.adj {
		adj[k] = v
	}
	g.adjMu.RUnlock()

	usedPools := make(map[types.Pubkey]bool)
	usedTokens := map[types.Pubkey]bool{start: true}
	path := make(Path, 0, maxHops)

	var dfs func(token types.Pubkey) bool
	dfs = func(token types.Pubkey) bool {
		for _, e := range adj[token] {
			if usedPools[e.pool] {
				continue
			}
			hop := types.PathHop{
				Pool: e.pool, VenueID: e.venueID,
				TokenIn: e.from, TokenOut: e.to, FeeBps: e.feeBps,
			}
			if e.to == start {
				if len(path) >= 1 { // cycle closed
					path = append(path, hop)
					ok := visit(append(Path(nil), path...))
					path = path[:len(path)-1]
					if !ok {
						return false
					}
				}
				continue
			}
			if len(path)+1 >= maxHops || usedTokens[e.to] {
				continue
			}
			usedPools[e.pool] = true
			usedTokens[e.to] = true
			path = append(path, hop)
			cont := dfs(e.to)
			path = path[:len(path)-1]
			delete(usedPools, e.pool)
			delete(usedTokens, e.to)
			if !cont {
				return false
			}
		}
		return true
	}
	dfs(start)
}

// PoolsForToken returns the pools that trade the given token, in
// deterministic order.
func (g *Graph) PoolsForToken(token types.Pubkey) []types.Pubkey {
	g.adjMu.RLock()
	defer g.adjMu.RUnlock()
	out := make([]types.Pubkey, 0, len(g.adj[token]))
	for _, e := range g.adj[token] {
		out = append(out, e.pool)
	}
	return out
}

// EvictStale removes pools whose last observation predates the cutoff.
// Returns the number of pools evicted. Holds no lock across more than one
// shard; the adjacency is pruned afterwards.
func (g *Graph) EvictStale(before time.Time) int {
	var evicted []types.PoolState

	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for addr, st := range sh.pools {
			if st.LastSeenAt.Before(before) {
				evicted = append(evicted, *st)
				delete(sh.pools, addr)
			}
		}
		sh.mu.Unlock()
	}

	if len(evicted) > 0 {
		g.adjMu.Lock()
		for _, st := range evicted {
			delete(g.pairIndex, pairKey{st.VenueID, st.TokenA, st.TokenB})
			delete(g.pairIndex, pairKey{st.VenueID, st.TokenB, st.TokenA})
			g.adj[st.TokenA] = removeEdges(g.adj[st.TokenA], st.Address)
			g.adj[st.TokenB] = removeEdges(g.adj[st.TokenB], st.Address)
		}
		g.adjMu.Unlock()
	}
	return len(evicted)
}

func removeEdges(edges []edge, pool types.Pubkey) []edge {
	out := edges[:0]
	for _, e := range edges {
		if e.pool != pool {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of pools currently held.
func (g *Graph) Size() int {
	n := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.RLock()
		n += len(sh.pools)
		sh.mu.RUnlock()
	}
	return n
}
