// Package assign decides which of a school's children ride a generated trip.
package assign

import (
	"math"

	"busfleet/internal/model"
)

// DefaultThreshold is the per-axis proximity window in degrees (about 1.1 km of latitude).
const DefaultThreshold = 0.01

// Matcher matches children to a route by absolute lat/lng delta against its stops.
// It is an approximation suitable for short same-city routes, not a geodesic distance.
type Matcher struct {
	Threshold float64
}

func NewMatcher(threshold float64) Matcher {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match returns the children whose pickup lies within the threshold of any stop,
// in input order. Children without a pickup point never match.
func (m Matcher) Match(children []model.Child, stops []model.Stop) []model.Child {
	out := []model.Child{}
	for _, c := range children {
		if c.Pickup == nil {
			continue
		}
		for _, s := range stops {
			if m.near(*c.Pickup, s) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (m Matcher) near(p model.GeoPoint, s model.Stop) bool {
	return math.Abs(p.Lat-s.Lat) <= m.Threshold && math.Abs(p.Lng-s.Lng) <= m.Threshold
}
