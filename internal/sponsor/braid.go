package sponsor

import (
	"math"
	"time"
)

// Braid is the per-deployment aggregation of active pressures into the
// 4-vector fed to physics modulation.
type Braid struct {
	Capacity     float64 `json:"capacity"`
	Throttle     float64 `json:"throttle"`
	Cognition    float64 `json:"cognition"`
	RedeployBias float64 `json:"redeploy_bias"`
}

// Interference records one opposite-sign pair of same-type pressures.
type Interference struct {
	PressureA   string  `json:"pressure_a"`
	PressureB   string  `json:"pressure_b"`
	Type        string  `json:"type"`
	Probability float64 `json:"probability"`
	Reduction   float64 `json:"reduction"`
}

// Compose evaluates every pressure's decay at now, detects pairwise
// opposite-sign interference within each type, applies the reduction factor
// to both members of each pair, and sums per type.
//
// probability = min(1, |a|*|b| / 10000); reduction factor = 1 - probability.
// A pressure caught in several pairs is reduced multiplicatively.
func Compose(pressures []Pressure, now time.Time) (Braid, []Interference) {
	type decayed struct {
		p       Pressure
		current float64
		factor  float64
	}

	byType := make(map[string][]*decayed)
	for _, p := range pressures {
		if !p.ActiveAt(now) {
			continue
		}
		byType[p.Type] = append(byType[p.Type], &decayed{p: p, current: p.CurrentMagnitude(now), factor: 1})
	}

	var interferences []Interference
	for ptype, group := range byType {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.current == 0 || b.current == 0 || (a.current > 0) == (b.current > 0) {
					continue
				}
				prob := math.Min(1, math.Abs(a.current)*math.Abs(b.current)/10000)
				reduction := 1 - prob
				a.factor *= reduction
				b.factor *= reduction
				interferences = append(interferences, Interference{
					PressureA:   a.p.ID,
					PressureB:   b.p.ID,
					Type:        ptype,
					Probability: prob,
					Reduction:   reduction,
				})
			}
		}
	}

	var braid Braid
	for ptype, group := range byType {
		var sum float64
		for _, d := range group {
			sum += d.current * d.factor
		}
		switch ptype {
		case PressureCapacity:
			braid.Capacity = sum
		case PressureThrottle:
			braid.Throttle = sum
		case PressureCognition:
			braid.Cognition = sum
		case PressureRedeployBias:
			braid.RedeployBias = sum
		}
	}
	return braid, interferences
}
