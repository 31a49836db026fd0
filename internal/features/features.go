package features

import (
	"math"

	"proctorguard/internal/model"
)

// Row is one 2-D feature vector.
type Row [2]float64

// KeystrokeMatrix returns (hold_time, flight_time) rows; a missing flight
// time becomes 0.
func KeystrokeMatrix(events []model.KeystrokeEvent) []Row {
	out := make([]Row, len(events))
	for i, ev := range events {
		out[i] = Row{ev.HoldTime, ev.Flight()}
	}
	return out
}

// MouseMatrix returns (time_since_last, velocity_magnitude) rows for every
// position, including the first one of a phase.
func MouseMatrix(positions []model.MousePosition) []Row {
	out := make([]Row, len(positions))
	for i, p := range positions {
		out[i] = Row{p.TimeSinceLast, p.VelocityMagnitude}
	}
	return out
}

func HoldTimes(events []model.KeystrokeEvent) []float64 {
	out := make([]float64, len(events))
	for i, ev := range events {
		out[i] = ev.HoldTime
	}
	return out
}

// FlightTimes returns the flight times that are present.
func FlightTimes(events []model.KeystrokeEvent) []float64 {
	out := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.FlightTime != nil {
			out = append(out, *ev.FlightTime)
		}
	}
	return out
}

// PositiveFlightTimes returns the flight times strictly greater than zero.
func PositiveFlightTimes(events []model.KeystrokeEvent) []float64 {
	out := make([]float64, 0, len(events))
	for _, ev := range events {
		if f := ev.Flight(); f > 0 {
			out = append(out, f)
		}
	}
	return out
}

func Timestamps(events []model.KeystrokeEvent) []float64 {
	out := make([]float64, len(events))
	for i, ev := range events {
		out[i] = ev.Timestamp
	}
	return out
}

func Velocities(positions []model.MousePosition) []float64 {
	out := make([]float64, len(positions))
	for i, p := range positions {
		out[i] = p.VelocityMagnitude
	}
	return out
}

// TypingSpeed returns keystrokes per minute over the capture span. ok is
// false when there are fewer than two events or the span is not positive.
func TypingSpeed(events []model.KeystrokeEvent) (speed float64, ok bool) {
	if len(events) < 2 {
		return 0, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, ev := range events {
		lo = math.Min(lo, ev.Timestamp)
		hi = math.Max(hi, ev.Timestamp)
	}
	span := hi - lo
	if span <= 0 {
		return 0, false
	}
	return float64(len(events)) / span * 60, true
}

// DigraphFlights regroups digraph occurrences into flight-time samples.
func DigraphFlights(digraphs map[model.Digraph][]model.DigraphOccurrence) map[model.Digraph][]float64 {
	out := make(map[model.Digraph][]float64, len(digraphs))
	for dg, occ := range digraphs {
		times := make([]float64, len(occ))
		for i, o := range occ {
			times[i] = o.FlightTime
		}
		out[dg] = times
	}
	return out
}

// DigraphsFromKeystrokes rebuilds digraph occurrences from an ordered
// keystroke sequence, for inputs that did not pass through a capture buffer.
func DigraphsFromKeystrokes(events []model.KeystrokeEvent) map[model.Digraph][]model.DigraphOccurrence {
	out := make(map[model.Digraph][]model.DigraphOccurrence)
	for _, ev := range events {
		if ev.FlightTime == nil || ev.PreviousKey == "" {
			continue
		}
		dg := model.Digraph{From: ev.PreviousKey, To: ev.Key}
		out[dg] = append(out[dg], model.DigraphOccurrence{FlightTime: *ev.FlightTime, Timestamp: ev.Timestamp})
	}
	return out
}
