// prices.go derives USD token prices from the market graph itself. Any
// token that shares a pool with the configured stablecoin is priced off
// that pool's spot; the stablecoin is the unit. An external oracle can
// replace this by implementing detector.PriceSource.
package engine

import (
	"github.com/stanmart1/mev-sub005/internal/graph"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

type graphPrices struct {
	g   *graph.Graph
	usd types.Pubkey
}

func (p *graphPrices) PriceUSD(token types.Pubkey) (float64, bool) {
	if p.usd.IsZero() {
		return 0, false
	}
	if token == p.usd {
		return 1, true
	}
	// First pool pairing the token with the stablecoin wins; pool order is
	// deterministic, so so is the chosen reference.
	for _, addr := range p.g.PoolsForToken(token) {
		st, ok := p.g.Snapshot(addr)
		if !ok {
			continue
		}
		spot, ok := graph.SpotPrice(st)
		if !ok || spot <= 0 {
			continue
		}
		switch {
		case st.TokenA == token && st.TokenB == p.usd:
			return spot, true
		case st.TokenB == token && st.TokenA == p.usd:
			return 1 / spot, true
		}
	}
	return 0, false
}
