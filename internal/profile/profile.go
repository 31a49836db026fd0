package profile

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"proctorguard/internal/features"
	"proctorguard/internal/model"
)

const minDigraphOccurrences = 3

// Build derives a UserProfile from a drained baseline snapshot. It is a pure
// function of its input; BuiltAt is left to the caller.
func Build(snap model.Snapshot) (*model.UserProfile, error) {
	if len(snap.Keystrokes) == 0 {
		return nil, fmt.Errorf("build profile: %w: no keystrokes captured", model.ErrInsufficientData)
	}
	ks := snap.Keystrokes
	p := &model.UserProfile{
		KeystrokeCount:     len(ks),
		MousePositionCount: len(snap.MousePositions),
	}

	holds := features.HoldTimes(ks)
	p.AvgHoldTime = Mean(holds)
	p.StdHoldTime = SampleStd(holds)

	flights := features.PositiveFlightTimes(ks)
	p.AvgFlightTime = Mean(flights)
	p.StdFlightTime = SampleStd(flights)

	if speed, ok := features.TypingSpeed(ks); ok {
		p.TypingSpeed = speed
	}

	digraphs := snap.Digraphs
	if len(digraphs) == 0 {
		digraphs = features.DigraphsFromKeystrokes(ks)
	}
	p.CommonDigraphs = make(map[model.Digraph]model.DigraphStats)
	for dg, times := range features.DigraphFlights(digraphs) {
		if len(times) < minDigraphOccurrences {
			continue
		}
		p.CommonDigraphs[dg] = model.DigraphStats{
			Mean:  Mean(times),
			Std:   PopStd(times),
			Count: len(times),
		}
	}

	p.MouseMovementSpeed = Mean(features.Velocities(snap.MousePositions))

	var pauses []float64
	for _, f := range flights {
		if f > p.AvgFlightTime*2 {
			pauses = append(pauses, f)
		}
	}
	p.TypicalPauseDuration = Mean(pauses)
	return p, nil
}

// Mean returns 0 for an empty sample.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// SampleStd is the n-1 standard deviation, 0 for fewer than two values.
func SampleStd(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return finite(stat.StdDev(x, nil))
}

// PopStd is the population standard deviation, 0 for an empty sample.
func PopStd(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return finite(math.Sqrt(stat.PopVariance(x, nil)))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
