package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"proctorguard/internal/features"
	"proctorguard/internal/model"
)

const (
	highRatio           = 1.5
	lowRatio            = 0.6
	straightLineCorr    = 0.95
	straightLineMinRows = 5
	straightLineSev     = 8
)

// groupConsecutive splits sorted indices into runs of consecutive values,
// kept in the order they occurred.
func groupConsecutive(indices []int) [][]int {
	var groups [][]int
	for i, idx := range indices {
		if i == 0 || idx != indices[i-1]+1 {
			groups = append(groups, []int{idx})
			continue
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], idx)
	}
	return groups
}

func flaggedIndices(flags []bool) []int {
	out := make([]int, 0, len(flags))
	for i, f := range flags {
		if f {
			out = append(out, i)
		}
	}
	return out
}

func ratio(value, baseline float64) float64 {
	if baseline == 0 {
		return 1
	}
	return value / baseline
}

func inverse(r float64) float64 {
	if r == 0 {
		return 0
	}
	return 1 / r
}

func clampSeverity(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return int(math.Min(v, 10))
}

func classifyKeystrokeGroup(group []int, events []model.KeystrokeEvent, rows []features.Row, profile *model.UserProfile) model.AnomalyDetail {
	var holdSum, flightSum float64
	keys := make([]string, 0, len(group))
	for _, i := range group {
		holdSum += rows[i][0]
		flightSum += rows[i][1]
		keys = append(keys, events[i].Key)
	}
	n := float64(len(group))
	holdRatio := ratio(holdSum/n, profile.AvgHoldTime)
	flightRatio := ratio(flightSum/n, profile.AvgFlightTime)

	detail := model.AnomalyDetail{
		Type:           TypeKeystrokeAnomaly,
		Severity:       clampSeverity(math.Max(math.Abs(holdRatio-1), math.Abs(flightRatio-1)) * 5),
		TimestampStart: model.Float(events[group[0]].Timestamp),
		TimestampEnd:   model.Float(events[group[len(group)-1]].Timestamp),
		AffectedKeys:   keys,
	}
	switch {
	case holdRatio > highRatio:
		detail.Subtype = "long_key_holds"
		detail.Description = fmt.Sprintf("Keys held down %.1fx longer than baseline", holdRatio)
		detail.Comparison = &model.Comparison{Metric: "hold_time", Baseline: profile.AvgHoldTime, Test: holdSum / n, Ratio: holdRatio}
	case holdRatio < lowRatio:
		detail.Subtype = "short_key_holds"
		detail.Description = fmt.Sprintf("Keys released %.1fx faster than baseline", inverse(holdRatio))
		detail.Comparison = &model.Comparison{Metric: "hold_time", Baseline: profile.AvgHoldTime, Test: holdSum / n, Ratio: holdRatio}
	case flightRatio > highRatio:
		detail.Subtype = "slow_transitions"
		detail.Description = fmt.Sprintf("Transitions between keys %.1fx slower than baseline", flightRatio)
		detail.Comparison = &model.Comparison{Metric: "flight_time", Baseline: profile.AvgFlightTime, Test: flightSum / n, Ratio: flightRatio}
	case flightRatio < lowRatio:
		detail.Subtype = "fast_transitions"
		detail.Description = fmt.Sprintf("Transitions between keys %.1fx faster than baseline", inverse(flightRatio))
		detail.Comparison = &model.Comparison{Metric: "flight_time", Baseline: profile.AvgFlightTime, Test: flightSum / n, Ratio: flightRatio}
	default:
		detail.Subtype = "rhythm_disruption"
		detail.Description = "Significant change in typing rhythm"
	}
	return detail
}

func classifyMouseGroup(group []int, positions []model.MousePosition, profile *model.UserProfile) model.AnomalyDetail {
	detail := model.AnomalyDetail{
		Type:           TypeMouseAnomaly,
		TimestampStart: model.Float(positions[group[0]].Timestamp),
		TimestampEnd:   model.Float(positions[group[len(group)-1]].Timestamp),
	}
	if len(group) > straightLineMinRows && isStraightLine(group, positions) {
		detail.Subtype = "unnatural_trajectory"
		detail.Description = "Mouse movements follow unnaturally straight lines"
		detail.Severity = straightLineSev
		return detail
	}

	var velSum float64
	for _, i := range group {
		velSum += positions[i].VelocityMagnitude
	}
	mean := velSum / float64(len(group))
	velocityRatio := ratio(mean, profile.MouseMovementSpeed)
	detail.Severity = clampSeverity(math.Abs(velocityRatio-1) * 5)
	detail.Comparison = &model.Comparison{
		Metric:   "velocity",
		Baseline: profile.MouseMovementSpeed,
		Test:     mean,
		Ratio:    velocityRatio,
	}
	switch {
	case velocityRatio > highRatio:
		detail.Subtype = "fast_movement"
		detail.Description = fmt.Sprintf("Mouse movements %.1fx faster than baseline", velocityRatio)
	case velocityRatio < lowRatio:
		detail.Subtype = "slow_movement"
		detail.Description = fmt.Sprintf("Mouse movements %.1fx slower than baseline", inverse(velocityRatio))
	default:
		detail.Subtype = "irregular_movement"
		detail.Description = "Mouse movement pattern significantly different from baseline"
	}
	return detail
}

// isStraightLine reports whether x or y is almost perfectly linear in the
// event index. A constant coordinate yields NaN and does not count.
func isStraightLine(group []int, positions []model.MousePosition) bool {
	idx := make([]float64, len(group))
	xs := make([]float64, len(group))
	ys := make([]float64, len(group))
	for i, g := range group {
		idx[i] = float64(i)
		xs[i] = positions[g].X
		ys[i] = positions[g].Y
	}
	return strongCorrelation(idx, xs) || strongCorrelation(idx, ys)
}

func strongCorrelation(a, b []float64) bool {
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return false
	}
	return math.Abs(c) > straightLineCorr
}
