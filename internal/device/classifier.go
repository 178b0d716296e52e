package device

import (
	"math"
	"time"
)

// Classification labels a burst of accelerometer samples.
type Classification string

const (
	ClassStationary    Classification = "stationary"
	ClassEnvironmental Classification = "environmental"
	ClassHuman         Classification = "human"
)

// Classifier thresholds, tuned against delta-magnitude series in m/s².
// stationaryFloor catches dead devices; the environmental band catches
// mechanically regular vibration such as an idling vehicle.
const (
	stationaryFloor  = 0.05
	environmentalStd = 0.15
	environmentalMax = 0.30

	minIrregularity  = 0.30
	minHumanMean     = 0.10
	minBearingChange = 30.0 // degrees
)

// AccelSample is one accelerometer reading with an optional compass bearing.
type AccelSample struct {
	X, Y, Z float64
	Bearing float64
	At      time.Time
}

// MovementResult is the classifier verdict plus the statistics behind it.
type MovementResult struct {
	Class          Classification `json:"class"`
	Mean           float64        `json:"mean"`
	StdDev         float64        `json:"std_dev"`
	Irregularity   float64        `json:"irregularity"`
	RotationChange bool           `json:"rotation_change"`
}

// ClassifyMovement runs the three-factor gate over a sample burst. Human
// movement requires irregular magnitude deltas, an observed bearing change,
// and a minimum mean; anything regular or flat is rejected.
func ClassifyMovement(samples []AccelSample) MovementResult {
	if len(samples) < 2 {
		return MovementResult{Class: ClassStationary}
	}

	deltas := make([]float64, 0, len(samples)-1)
	prev := magnitude(samples[0])
	rotation := false
	for i := 1; i < len(samples); i++ {
		mag := magnitude(samples[i])
		deltas = append(deltas, math.Abs(mag-prev))
		prev = mag
		if bearingDelta(samples[i-1].Bearing, samples[i].Bearing) >= minBearingChange {
			rotation = true
		}
	}

	mean, std := meanStd(deltas)
	res := MovementResult{Mean: mean, StdDev: std, RotationChange: rotation}

	switch {
	case mean < stationaryFloor && std < stationaryFloor:
		res.Class = ClassStationary
	case std < environmentalStd && mean < environmentalMax:
		res.Class = ClassEnvironmental
	default:
		if mean > 0 {
			res.Irregularity = std / mean
		}
		if res.Irregularity > minIrregularity && rotation && mean > minHumanMean {
			res.Class = ClassHuman
		} else {
			res.Class = ClassEnvironmental
		}
	}
	return res
}

func magnitude(s AccelSample) float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

func bearingDelta(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var varSum float64
	for _, x := range xs {
		varSum += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}
