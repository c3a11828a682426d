// model.go holds the online success-rate model behind tip sizing and the
// competition estimates the detectors consume.
//
// The model is a logistic regression over a small fixed feature set,
// updated with exponentially-weighted gradient steps as bundle outcomes
// arrive. The tip coefficient is floored at zero so the predicted landing
// probability is monotone non-decreasing in the tip.
package submit

import (
	"math"
	"sync"
)

// Feature indices for the logistic model.
const (
	featBias = iota
	featBundleSize
	featTipRatio
	featVenueLanding
	featTimeOfSlot
	featBuilderRate
	featCount
)

const (
	modelLearnRate = 0.05
	ewmaAlpha      = 0.1
)

// Features describes one submission for prediction and learning.
type Features struct {
	BundleSize int     `json:"bundle_size"`
	TipRatio   float64 `json:"tip_ratio"`    // tip / gross profit
	VenueID    string  `json:"venue_id"`     // dominant venue of the bundle
	TimeOfSlot float64 `json:"time_of_slot"` // 0..1 position within the slot
}

// Model predicts bundle landing probability and venue competition.
type Model struct {
	mu      sync.Mutex
	weights [featCount]float64

	// Per-venue landing-rate EWMAs and the global builder inclusion rate.
	venueLanding map[string]float64
	builderRate  float64
	observations int64
}

// NewModel creates a model with a weakly pessimistic prior.
func NewModel() *Model {
	m := &Model{
		venueLanding: make(map[string]float64),
		builderRate:  0.5,
	}
	m.weights[featBias] = -0.5
	m.weights[featTipRatio] = 1.0
	return m
}

// PredictLanding returns the probability in (0,1) that a bundle with the
// given features lands.
func (m *Model) PredictLanding(f Features) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sigmoid(m.score(f))
}

func (m *Model) score(f Features) float64 {
	x := m.vector(f)
	var s float64
	for i := range x {
		s += m.weights[i] * x[i]
	}
	return s
}

func (m *Model) vector(f Features) [featCount]float64 {
	venue := m.builderRate
	if v, ok := m.venueLanding[f.VenueID]; ok {
		venue = v
	}
	return [featCount]float64{
		featBias:         1,
		featBundleSize:   float64(f.BundleSize) / 5,
		featTipRatio:     f.TipRatio,
		featVenueLanding: venue,
		featTimeOfSlot:   f.TimeOfSlot,
		featBuilderRate:  m.builderRate,
	}
}

// Record feeds one terminal outcome back into the model.
func (m *Model) Record(f Features, landed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	y := 0.0
	if landed {
		y = 1.0
	}

	x := m.vector(f)
	p := sigmoid(scoreOf(m.weights, x))
	grad := y - p
	for i := range m.weights {
		m.weights[i] += modelLearnRate * grad * x[i]
	}
	// Monotone in tip: more tip never predicts worse landing odds.
	if m.weights[featTipRatio] < 0 {
		m.weights[featTipRatio] = 0
	}

	if f.VenueID != "" {
		prev, ok := m.venueLanding[f.VenueID]
		if !ok {
			prev = m.builderRate
		}
		m.venueLanding[f.VenueID] = prev + ewmaAlpha*(y-prev)
	}
	m.builderRate += ewmaAlpha * (y - m.builderRate)
	m.observations++
}

// Competition estimates searcher pressure on a venue as the complement of
// its landing rate: venues where our bundles rarely land are contested.
// Returns 0.5 before any observations.
func (m *Model) Competition(venueID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observations == 0 {
		return 0.5
	}
	landing, ok := m.venueLanding[venueID]
	if !ok {
		landing = m.builderRate
	}
	c := 1 - landing
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Observations returns the number of recorded outcomes.
func (m *Model) Observations() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observations
}

func scoreOf(w, x [featCount]float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * x[i]
	}
	return s
}

func sigmoid(s float64) float64 { return 1 / (1 + math.Exp(-s)) }
