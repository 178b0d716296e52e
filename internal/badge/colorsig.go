package badge

import "math"

// Color-signature matching identifies the *zone* (not the device) from RGB
// pixels sampled in the center region of a frame. Best-match-above-floor:
// every candidate zone is scored and the highest score wins, which tolerates
// ambient lighting better than taking the first zone to clear the floor.
const (
	// Euclidean RGB distance under which a pixel counts as matching.
	colorMatchThreshold = 80.0

	// Minimum fraction of pixels that must match before a zone is considered.
	minMatchRatio = 0.15
)

// RGB is a sampled pixel.
type RGB [3]uint8

// ZoneColors pairs a zone id with its reference palette.
type ZoneColors struct {
	ZoneID string
	Colors []RGB // two or three theme colors
}

// ColorMatch is the winning zone and its score.
type ColorMatch struct {
	ZoneID     string  `json:"zone_id"`
	MatchRatio float64 `json:"match_ratio"`
	Score      float64 `json:"score"`
}

// MatchZoneColor scores every candidate zone against the sampled pixels and
// returns the best zone whose match ratio clears the floor. Score is
// matchRatio * (1 - avgDistance/255).
func MatchZoneColor(samples []RGB, zones []ZoneColors) (*ColorMatch, bool) {
	if len(samples) == 0 {
		return nil, false
	}

	var best *ColorMatch
	for _, zc := range zones {
		if len(zc.Colors) == 0 {
			continue
		}
		matched := 0
		var distSum float64
		for _, px := range samples {
			d := nearestDistance(px, zc.Colors)
			distSum += d
			if d <= colorMatchThreshold {
				matched++
			}
		}
		ratio := float64(matched) / float64(len(samples))
		if ratio < minMatchRatio {
			continue
		}
		avgDist := distSum / float64(len(samples))
		score := ratio * (1 - avgDist/255)
		if best == nil || score > best.Score {
			best = &ColorMatch{ZoneID: zc.ZoneID, MatchRatio: ratio, Score: score}
		}
	}
	return best, best != nil
}

func nearestDistance(px RGB, refs []RGB) float64 {
	bestD := math.MaxFloat64
	for _, ref := range refs {
		dr := float64(px[0]) - float64(ref[0])
		dg := float64(px[1]) - float64(ref[1])
		db := float64(px[2]) - float64(ref[2])
		d := math.Sqrt(dr*dr + dg*dg + db*db)
		if d < bestD {
			bestD = d
		}
	}
	return bestD
}
