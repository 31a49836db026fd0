package engine

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/features"
	"proctorguard/internal/model"
	"proctorguard/internal/outlier"
	"proctorguard/internal/profile"
)

var testKeys = []string{"t", "h", "e", " ", "q", "u", "i", "c", "k"}

func typing(n int, hold, flight, jitter float64, seed uint64, start float64) []model.KeystrokeEvent {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]model.KeystrokeEvent, 0, n)
	ts := start
	for i := 0; i < n; i++ {
		h := max(hold+rng.NormFloat64()*jitter, 0.01)
		ev := model.KeystrokeEvent{Key: testKeys[i%len(testKeys)], HoldTime: h}
		if i > 0 {
			f := flight + rng.NormFloat64()*jitter
			ev.FlightTime = model.Float(f)
			ev.PreviousKey = out[i-1].Key
			ts += f
		}
		ts += h
		ev.Timestamp = ts
		out = append(out, ev)
	}
	return out
}

func shifted(events []model.KeystrokeEvent, by float64) []model.KeystrokeEvent {
	out := make([]model.KeystrokeEvent, len(events))
	copy(out, events)
	for i := range out {
		out[i].Timestamp += by
	}
	return out
}

type baseline struct {
	profile *model.UserProfile
	models  *outlier.Models
}

func trainBaseline(t *testing.T, ks []model.KeystrokeEvent, positions []model.MousePosition) baseline {
	t.Helper()
	snap := model.Snapshot{Keystrokes: ks, MousePositions: positions}
	p, err := profile.Build(snap)
	require.NoError(t, err)
	m, err := outlier.Train(features.KeystrokeMatrix(ks), features.MouseMatrix(positions), 5, outlier.DefaultOptions())
	require.NoError(t, err)
	return baseline{profile: p, models: m}
}

func analyze(t *testing.T, b baseline, snap model.Snapshot, sensitivity int) *model.AnalysisReport {
	t.Helper()
	report, err := NewAnalyzer(nil).Analyze(Input{
		SessionID:   "s1",
		Snapshot:    snap,
		Profile:     b.profile,
		Models:      b.models,
		Sensitivity: sensitivity,
	})
	require.NoError(t, err)
	return report
}

func findAnomaly(report *model.AnalysisReport, typ, subtype string) (model.AnomalyDetail, bool) {
	for _, a := range report.Anomalies {
		if a.Type == typ && (subtype == "" || a.Subtype == subtype) {
			return a, true
		}
	}
	return model.AnomalyDetail{}, false
}

func TestMatchingSessionIsNormal(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	report := analyze(t, b, model.Snapshot{Keystrokes: shifted(base, 600)}, 5)

	assert.Equal(t, model.CategoryNormal, report.Result)
	assert.Less(t, report.SuspicionLevel, 2.0)
	assert.Equal(t, normalConclusion, report.Conclusion)
}

func TestCopyPasteScenario(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	snap := model.Snapshot{
		Keystrokes: shifted(base, 600),
		CopyPaste: []model.CopyPasteEvent{
			{Type: model.ClipboardCopy, Timestamp: 1610},
			{Type: model.ClipboardPaste, Timestamp: 1611},
			{Type: model.ClipboardPaste, Timestamp: 1612},
		},
	}
	report := analyze(t, b, snap, 5)

	detail, ok := findAnomaly(report, TypeCopyPaste, "clipboard_usage")
	require.True(t, ok)
	assert.Equal(t, 9, detail.Severity)
	assert.Equal(t, 3, detail.Count)
	assert.Equal(t, "User used copy/paste 3 times during the test", detail.Description)
	assert.GreaterOrEqual(t, report.SuspicionLevel, 6.0)
	assert.Equal(t, 3.0, report.Metrics["copy_paste_events"])
	assert.Contains(t, report.Conclusion, "Copy and paste operations detected")
}

func TestDoubleSpeedScenario(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0, 1, 1000)
	b := trainBaseline(t, base, nil)

	fast := typing(50, 0.05, 0.075, 0, 2, 2000)
	report := analyze(t, b, model.Snapshot{Keystrokes: fast}, 5)

	detail, ok := findAnomaly(report, TypeTypingSpeed, "abnormal_speed")
	require.True(t, ok)
	assert.Contains(t, detail.Description, "2.0x faster")
	assert.InDelta(t, 0.5, report.Metrics["typing_speed_ratio"], 1e-9)
}

func TestInsufficientTestData(t *testing.T) {
	b := trainBaseline(t, typing(20, 0.1, 0.15, 0.02, 1, 1000), nil)
	report := analyze(t, b, model.Snapshot{}, 5)

	assert.Equal(t, model.CategoryInsufficientData, report.Result)
	assert.Equal(t, insufficientKeystrokesMessage, report.Message)
	assert.Empty(t, report.Anomalies)
}

func TestInvalidSensitivityRejected(t *testing.T) {
	b := trainBaseline(t, typing(20, 0.1, 0.15, 0.02, 1, 1000), nil)
	_, err := NewAnalyzer(nil).Analyze(Input{Profile: b.profile, Models: b.models, Sensitivity: 11})
	assert.ErrorIs(t, err, model.ErrInvalidSensitivity)
}

func TestLongPausesDetected(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	test := shifted(base, 600)
	for _, i := range []int{5, 12, 20, 31, 44} {
		test[i].FlightTime = model.Float(2.0)
	}
	limit := b.profile.AvgFlightTime + 3*b.profile.StdFlightTime
	want := 0
	for _, ev := range test {
		if ev.FlightTime != nil && *ev.FlightTime > limit {
			want++
		}
	}
	require.GreaterOrEqual(t, want, 5)

	report := analyze(t, b, model.Snapshot{Keystrokes: test}, 5)

	detail, ok := findAnomaly(report, TypeTypingPauses, "frequent_pauses")
	require.True(t, ok)
	assert.Equal(t, want, detail.Count)
	assert.Equal(t, min(want, 10), detail.Severity)
	assert.Len(t, detail.Timestamps, 5)
	assert.Equal(t, float64(want), report.Metrics["unusual_pauses"])
}

func TestDigraphTimingDeviation(t *testing.T) {
	base := typing(90, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	test := shifted(base, 600)
	for i := range test {
		if test[i].PreviousKey == "q" && test[i].Key == "u" {
			test[i].FlightTime = model.Float(0.6)
		}
	}
	report := analyze(t, b, model.Snapshot{Keystrokes: test}, 5)

	detail, ok := findAnomaly(report, TypeDigraphPatterns, "inconsistent_patterns")
	require.True(t, ok)
	require.NotEmpty(t, detail.Digraphs)
	assert.Equal(t, "qu", detail.Digraphs[0].Digraph)
	assert.LessOrEqual(t, len(detail.Digraphs), 3)
	assert.Equal(t, min(int(detail.Digraphs[0].ZScore), 10), detail.Severity)
}

func TestEnvironmentNotificationsDoNotRaiseLevel(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	plain := analyze(t, b, model.Snapshot{Keystrokes: shifted(base, 600)}, 5)
	withEnv := analyze(t, b, model.Snapshot{
		Keystrokes:           shifted(base, 600),
		TabSwitches:          []model.TabSwitchEvent{{FromWindow: "Exam", ToWindow: "Chat", Timestamp: 1620}},
		FullscreenViolations: []model.FullscreenViolation{{ViolationType: "exited_fullscreen", Timestamp: 1621}},
	}, 5)

	assert.Equal(t, plain.SuspicionLevel, withEnv.SuspicionLevel)
	_, ok := findAnomaly(withEnv, TypeWindowFocus, "tab_switch")
	assert.True(t, ok)
	fs, ok := findAnomaly(withEnv, TypeFullscreen, "exited_fullscreen")
	assert.True(t, ok)
	assert.Equal(t, 3, fs.Severity)
	assert.Equal(t, 1.0, withEnv.Metrics["tab_switches"])
	assert.Equal(t, 1.0, withEnv.Metrics["fullscreen_violations"])
}

// levelFrom runs a single check on a fresh run and returns what it added.
func levelFrom(t *testing.T, b baseline, snap model.Snapshot, check func(*Analyzer, *run)) (float64, map[string]float64) {
	t.Helper()
	r := &run{
		in:      Input{SessionID: "s1", Snapshot: snap, Profile: b.profile, Models: b.models, Sensitivity: 5},
		factor:  1,
		rows:    features.KeystrokeMatrix(snap.Keystrokes),
		metrics: map[string]float64{},
	}
	check(NewAnalyzer(nil), r)
	return r.level, r.metrics
}

func TestLongHoldsMidTestFlagged(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)

	test := typing(50, 0.1, 0.15, 0, 7, 2000)
	for i := 20; i < 35; i++ {
		test[i].HoldTime = 0.6
	}
	snap := model.Snapshot{Keystrokes: test}
	report := analyze(t, b, snap, 5)

	pct := report.Metrics["keystroke_anomaly_percent"]
	require.Greater(t, pct, keystrokeOutlierPct)

	detail, ok := findAnomaly(report, TypeKeystrokeAnomaly, "long_key_holds")
	require.True(t, ok)
	assert.Equal(t, 10, detail.Severity)
	assert.Len(t, detail.AffectedKeys, 15)
	require.NotNil(t, detail.TimestampStart)
	assert.Equal(t, test[20].Timestamp, *detail.TimestampStart)
	require.NotNil(t, detail.Comparison)
	assert.Equal(t, "hold_time", detail.Comparison.Metric)
	assert.InDelta(t, 0.6, detail.Comparison.Test, 1e-9)

	level, metrics := levelFrom(t, b, snap, (*Analyzer).checkKeystrokeOutliers)
	assert.InDelta(t, pct, metrics["keystroke_anomaly_percent"], 1e-9)
	assert.InDelta(t, math.Min(pct/keystrokeOutlierPct, 3)*2, level, 1e-9)
	assert.GreaterOrEqual(t, report.SuspicionLevel, level)
}

func TestJitteryTypingFlagsRhythm(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.01, 1, 1000)
	b := trainBaseline(t, base, nil)

	snap := model.Snapshot{Keystrokes: typing(50, 0.1, 0.15, 0.05, 3, 2000)}
	report := analyze(t, b, snap, 5)

	ratio := report.Metrics["typing_consistency_ratio"]
	require.Greater(t, ratio, consistencyRatio)

	detail, ok := findAnomaly(report, TypeTypingConsistency, "inconsistent_rhythm")
	require.True(t, ok)
	assert.Equal(t, min(int(ratio*2), 10), detail.Severity)
	require.NotNil(t, detail.Comparison)
	assert.InDelta(t, ratio, detail.Comparison.Ratio, 1e-9)
	assert.InDelta(t, b.profile.StdHoldTime, detail.Comparison.Baseline, 1e-12)

	level, _ := levelFrom(t, b, snap, func(_ *Analyzer, r *run) { r.checkConsistency() })
	assert.InDelta(t, math.Min(ratio/consistencyRatio, 3), level, 1e-9)
}

func TestShortTestsSkipModelAndRhythmChecks(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.01, 1, 1000)
	b := trainBaseline(t, base, nil)

	report := analyze(t, b, model.Snapshot{Keystrokes: typing(10, 0.3, 0.15, 0.08, 3, 2000)}, 5)
	_, ok := report.Metrics["typing_consistency_ratio"]
	assert.False(t, ok)
	_, ok = report.Metrics["keystroke_anomaly_percent"]
	assert.True(t, ok)

	report = analyze(t, b, model.Snapshot{Keystrokes: typing(5, 0.3, 0.15, 0.08, 3, 2000)}, 5)
	_, ok = report.Metrics["keystroke_anomaly_percent"]
	assert.False(t, ok)
}

func mouseTrail(n int, seed uint64, start float64) []model.MousePosition {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]model.MousePosition, 0, n)
	ts := start
	for i := 0; i < n; i++ {
		dt := 0.016 + rng.NormFloat64()*0.002
		ts += dt
		out = append(out, model.MousePosition{
			X:                 400 + rng.NormFloat64()*40,
			Y:                 300 + rng.NormFloat64()*40,
			Timestamp:         ts,
			TimeSinceLast:     dt,
			VelocityMagnitude: 100 + rng.NormFloat64()*10,
		})
	}
	return out
}

func TestStraightFastMouseFlagged(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, mouseTrail(40, 5, 1000))
	require.NotNil(t, b.models.Mouse)

	var moves []model.MousePosition
	for i := 0; i < 30; i++ {
		p := model.MousePosition{X: 400, Y: 300, Timestamp: 2000 + float64(i)*0.016, TimeSinceLast: 0.016, VelocityMagnitude: 100}
		if i >= 10 {
			p.X = 100 + float64(i)*30
			p.Y = 200
			p.VelocityMagnitude = 2000
		}
		moves = append(moves, p)
	}
	snap := model.Snapshot{Keystrokes: shifted(base, 600), MousePositions: moves}
	report := analyze(t, b, snap, 5)

	pct := report.Metrics["mouse_anomaly_percent"]
	require.Greater(t, pct, mouseOutlierPct)

	detail, ok := findAnomaly(report, TypeMouseAnomaly, "unnatural_trajectory")
	require.True(t, ok)
	assert.Equal(t, 8, detail.Severity)
	assert.Equal(t, "Mouse movements follow unnaturally straight lines", detail.Description)
	require.NotNil(t, detail.TimestampStart)
	assert.Equal(t, moves[10].Timestamp, *detail.TimestampStart)

	level, _ := levelFrom(t, b, snap, (*Analyzer).checkMouseOutliers)
	assert.InDelta(t, math.Min(pct/mouseOutlierPct, 3), level, 1e-9)
	assert.Contains(t, report.Conclusion, "Mouse movement patterns show abnormal behaviors.")
}

func TestMouseCheckSkippedWithoutModel(t *testing.T) {
	base := typing(50, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, []model.MousePosition{{}, {TimeSinceLast: 0.1, VelocityMagnitude: 100}})

	report := analyze(t, b, model.Snapshot{
		Keystrokes:     shifted(base, 600),
		MousePositions: []model.MousePosition{{}, {TimeSinceLast: 0.01, VelocityMagnitude: 9000}},
	}, 5)

	_, ok := report.Metrics["mouse_anomaly_percent"]
	assert.False(t, ok)
}

func TestProperty_HigherSensitivityNeverLowersLevel(t *testing.T) {
	base := typing(60, 0.1, 0.15, 0.02, 1, 1000)
	b := trainBaseline(t, base, nil)
	analyzer := NewAnalyzer(nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("level at sensitivity 9 is at least level at 5", prop.ForAll(
		func(scale float64, seed uint64) bool {
			snap := model.Snapshot{Keystrokes: typing(60, 0.1*scale, 0.15*scale, 0.03, seed, 3000)}
			levels := make(map[int]float64, 2)
			for _, s := range []int{5, 9} {
				report, err := analyzer.Analyze(Input{Snapshot: snap, Profile: b.profile, Models: b.models, Sensitivity: s})
				if err != nil {
					return false
				}
				levels[s] = report.SuspicionLevel
			}
			return levels[9] >= levels[5]
		},
		gen.Float64Range(0.5, 3.0),
		gen.UInt64Range(1, 1000),
	))

	properties.TestingRun(t)
}

func TestGroupConsecutive(t *testing.T) {
	groups := groupConsecutive([]int{1, 2, 3, 7, 9, 10})
	assert.Equal(t, [][]int{{1, 2, 3}, {7}, {9, 10}}, groups)
	assert.Empty(t, groupConsecutive(nil))

	// earliest runs are reported first even when a later run is longer
	groups = groupConsecutive([]int{0, 5, 10, 20, 21, 22})
	require.Len(t, groups, 4)
	assert.Equal(t, [][]int{{0}, {5}, {10}}, groups[:topKeystrokeGroups])
}

func TestClassifyKeystrokeGroup(t *testing.T) {
	p := &model.UserProfile{AvgHoldTime: 0.1, AvgFlightTime: 0.15}
	events := []model.KeystrokeEvent{
		{Key: "a", HoldTime: 0.3, Timestamp: 1},
		{Key: "b", HoldTime: 0.3, FlightTime: model.Float(0.15), Timestamp: 2},
	}
	rows := features.KeystrokeMatrix(events)
	d := classifyKeystrokeGroup([]int{0, 1}, events, rows, p)
	assert.Equal(t, "long_key_holds", d.Subtype)
	assert.Equal(t, "Keys held down 3.0x longer than baseline", d.Description)
	assert.Equal(t, 10, d.Severity)
	assert.Equal(t, []string{"a", "b"}, d.AffectedKeys)
	require.NotNil(t, d.TimestampStart)
	assert.Equal(t, 1.0, *d.TimestampStart)

	events[0].HoldTime, events[1].HoldTime = 0.1, 0.1
	events[1].FlightTime = model.Float(0.04)
	rows = features.KeystrokeMatrix(events)
	// the zero-filled first flight counts toward the group mean
	d = classifyKeystrokeGroup([]int{0, 1}, events, rows, p)
	assert.Equal(t, "fast_transitions", d.Subtype)
	assert.True(t, strings.HasPrefix(d.Description, "Transitions between keys"))
}

func TestClassifyMouseGroup(t *testing.T) {
	p := &model.UserProfile{MouseMovementSpeed: 100}
	var line []model.MousePosition
	for i := 0; i < 8; i++ {
		line = append(line, model.MousePosition{X: float64(i * 10), Y: 50, VelocityMagnitude: 100, Timestamp: float64(i)})
	}
	group := []int{0, 1, 2, 3, 4, 5, 6, 7}
	d := classifyMouseGroup(group, line, p)
	assert.Equal(t, "unnatural_trajectory", d.Subtype)
	assert.Equal(t, 8, d.Severity)

	jitter := []model.MousePosition{
		{X: 5, Y: 1, VelocityMagnitude: 400},
		{X: 5, Y: 9, VelocityMagnitude: 400},
		{X: 5, Y: 2, VelocityMagnitude: 400},
	}
	d = classifyMouseGroup([]int{0, 1, 2}, jitter, p)
	assert.Equal(t, "fast_movement", d.Subtype)
	assert.Equal(t, "Mouse movements 4.0x faster than baseline", d.Description)
	assert.Equal(t, 10, d.Severity)
}

func TestConclude(t *testing.T) {
	assert.Equal(t, normalConclusion, Conclude(1.9, []string{TypeCopyPaste}))

	got := Conclude(5, []string{TypeCopyPaste, TypeTypingSpeed, TypeCopyPaste})
	assert.Equal(t, "Typing speed differs notably from baseline patterns. "+
		"Copy and paste operations detected, which may indicate unauthorized content transfer. "+
		"Several behavioral inconsistencies detected that warrant further investigation.", got)

	assert.True(t, strings.HasSuffix(Conclude(8, nil), "suggests potential impersonation or cheating."))
	assert.True(t, strings.HasSuffix(Conclude(2, nil), "may be due to normal variations."))
}
