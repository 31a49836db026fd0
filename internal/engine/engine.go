package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"proctorguard/internal/features"
	"proctorguard/internal/model"
	"proctorguard/internal/outlier"
	"proctorguard/internal/profile"
)

const insufficientKeystrokesMessage = "Not enough keystroke data collected during the test"

const (
	minRowsKeystrokeModel = 5
	minRowsConsistency    = 10
	minRowsSpeed          = 10
	minRowsPauses         = 5
	minDigraphSamples     = 2
	topKeystrokeGroups    = 3
	topMouseGroups        = 2
	topDigraphs           = 3
	pauseTimestamps       = 5
)

// Base thresholds at sensitivity 5; each is divided by sensitivity/5.
const (
	keystrokeOutlierPct = 15.0
	consistencyRatio    = 1.5
	speedRatio          = 1.4
	pauseCount          = 3.0
	digraphZScore       = 2.5
	mouseOutlierPct     = 20.0
)

// Input is everything one analysis needs. Nothing in it is mutated.
type Input struct {
	SessionID   string
	UserID      string
	Snapshot    model.Snapshot
	Profile     *model.UserProfile
	Models      *outlier.Models
	Sensitivity int
}

// Analyzer scores a drained test snapshot against a baseline.
type Analyzer struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAnalyzer(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type run struct {
	in        Input
	factor    float64
	rows      []features.Row
	level     float64
	anomalies []model.AnomalyDetail
	metrics   map[string]float64
}

func (a *Analyzer) Analyze(in Input) (*model.AnalysisReport, error) {
	if err := model.ValidateSensitivity(in.Sensitivity); err != nil {
		return nil, err
	}
	if in.Profile == nil {
		return nil, errors.New("analyze: baseline profile required")
	}
	snap := in.Snapshot
	r := &run{
		in:     in,
		factor: float64(in.Sensitivity) / 5,
		metrics: map[string]float64{
			"copy_paste_events":     float64(len(snap.CopyPaste)),
			"tab_switches":          float64(len(snap.TabSwitches)),
			"fullscreen_violations": float64(len(snap.FullscreenViolations)),
		},
	}
	if len(snap.Keystrokes) == 0 {
		return &model.AnalysisReport{
			SessionID:   in.SessionID,
			UserID:      in.UserID,
			Result:      model.CategoryInsufficientData,
			Message:     insufficientKeystrokesMessage,
			Sensitivity: in.Sensitivity,
			Anomalies:   []model.AnomalyDetail{},
			Metrics:     r.metrics,
			Timestamp:   a.now(),
		}, nil
	}
	r.rows = features.KeystrokeMatrix(snap.Keystrokes)

	r.checkCopyPaste()
	a.checkKeystrokeOutliers(r)
	r.checkConsistency()
	r.checkSpeed()
	r.checkPauses()
	r.checkDigraphs()
	a.checkMouseOutliers(r)
	r.checkEnvironment()

	level := math.Min(r.level, 10)
	types := make([]string, 0, len(r.anomalies))
	for _, d := range r.anomalies {
		types = append(types, d.Type)
	}
	report := &model.AnalysisReport{
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		Result:         model.CategoryFor(level),
		SuspicionLevel: level,
		Conclusion:     Conclude(level, types),
		Sensitivity:    in.Sensitivity,
		Anomalies:      r.anomalies,
		Metrics:        r.metrics,
		Timestamp:      a.now(),
	}
	if report.Anomalies == nil {
		report.Anomalies = []model.AnomalyDetail{}
	}
	if a.logger != nil {
		a.logger.Info("analysis complete",
			"session_id", in.SessionID,
			"suspicion_level", level,
			"result", report.Result,
			"anomalies", len(report.Anomalies),
		)
	}
	return report, nil
}

func (r *run) add(detail model.AnomalyDetail, contribution float64) {
	r.anomalies = append(r.anomalies, detail)
	r.level += contribution
}

func (r *run) checkCopyPaste() {
	events := r.in.Snapshot.CopyPaste
	n := len(events)
	if n == 0 {
		return
	}
	ts := make([]float64, n)
	for i, ev := range events {
		ts[i] = ev.Timestamp
	}
	r.add(model.AnomalyDetail{
		Type:        TypeCopyPaste,
		Subtype:     "clipboard_usage",
		Description: fmt.Sprintf("User used copy/paste %d times during the test", n),
		Severity:    min(n*3, 10),
		Count:       n,
		Timestamps:  ts,
	}, math.Min(float64(n*2), 6))
}

func (a *Analyzer) checkKeystrokeOutliers(r *run) {
	if len(r.rows) <= minRowsKeystrokeModel {
		return
	}
	forest, err := r.in.Models.KeystrokeModel()
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("keystroke outlier check skipped", "session_id", r.in.SessionID, "err", err)
		}
		return
	}
	flagged := flaggedIndices(forest.Predict(r.rows))
	pct := float64(len(flagged)) / float64(len(r.rows)) * 100
	r.metrics["keystroke_anomaly_percent"] = pct

	threshold := keystrokeOutlierPct / r.factor
	if pct <= threshold {
		return
	}
	groups := groupConsecutive(flagged)
	if len(groups) > topKeystrokeGroups {
		groups = groups[:topKeystrokeGroups]
	}
	for _, g := range groups {
		r.anomalies = append(r.anomalies, classifyKeystrokeGroup(g, r.in.Snapshot.Keystrokes, r.rows, r.in.Profile))
	}
	r.level += math.Min(pct/threshold, 3) * 2
}

func (r *run) checkConsistency() {
	if len(r.rows) <= minRowsConsistency {
		return
	}
	baseline := r.in.Profile.StdHoldTime
	test := profile.SampleStd(features.HoldTimes(r.in.Snapshot.Keystrokes))
	ratio := 1.0
	if baseline > 0 {
		ratio = test / baseline
	}
	r.metrics["typing_consistency_ratio"] = ratio

	threshold := consistencyRatio / r.factor
	if ratio <= threshold {
		return
	}
	r.add(model.AnomalyDetail{
		Type:        TypeTypingConsistency,
		Subtype:     "inconsistent_rhythm",
		Description: fmt.Sprintf("Typing rhythm is %.1fx more variable than baseline", ratio),
		Severity:    clampSeverity(ratio * 2),
		Comparison:  &model.Comparison{Metric: "hold_time_std", Baseline: baseline, Test: test, Ratio: ratio},
	}, math.Min(ratio/threshold, 3))
}

func (r *run) checkSpeed() {
	if len(r.rows) <= minRowsSpeed {
		return
	}
	baseline := r.in.Profile.TypingSpeed
	test, _ := features.TypingSpeed(r.in.Snapshot.Keystrokes)
	ratio := 1.0
	if test > 0 && baseline > 0 {
		ratio = baseline / test
	}
	r.metrics["typing_speed_ratio"] = ratio

	threshold := speedRatio / r.factor
	if ratio <= threshold && ratio >= 1/threshold {
		return
	}
	desc := fmt.Sprintf("Typing speed is %.1fx faster than baseline", inverse(ratio))
	if ratio > 1 {
		desc = fmt.Sprintf("Typing speed is %.1fx slower than baseline", ratio)
	}
	dev := math.Abs(ratio - 1)
	r.add(model.AnomalyDetail{
		Type:        TypeTypingSpeed,
		Subtype:     "abnormal_speed",
		Description: desc,
		Severity:    clampSeverity(dev * 5),
		Comparison:  &model.Comparison{Metric: "typing_speed", Baseline: baseline, Test: test, Ratio: ratio},
	}, math.Min(dev*3, 3))
}

func (r *run) checkPauses() {
	if len(r.rows) <= minRowsPauses || r.in.Profile.AvgFlightTime <= 0 {
		return
	}
	limit := r.in.Profile.AvgFlightTime + 3*r.in.Profile.StdFlightTime
	var ts []float64
	for _, ev := range r.in.Snapshot.Keystrokes {
		if ev.FlightTime != nil && *ev.FlightTime > limit {
			ts = append(ts, ev.Timestamp)
		}
	}
	count := len(ts)
	r.metrics["unusual_pauses"] = float64(count)

	threshold := pauseCount / r.factor
	if float64(count) <= threshold {
		return
	}
	if len(ts) > pauseTimestamps {
		ts = ts[:pauseTimestamps]
	}
	r.add(model.AnomalyDetail{
		Type:        TypeTypingPauses,
		Subtype:     "frequent_pauses",
		Description: fmt.Sprintf("Detected %d unusually long pauses during typing", count),
		Severity:    min(count, 10),
		Count:       count,
		Timestamps:  ts,
	}, math.Min(float64(count)/threshold, 3))
}

func (r *run) checkDigraphs() {
	common := r.in.Profile.CommonDigraphs
	if len(common) == 0 {
		return
	}
	digraphs := r.in.Snapshot.Digraphs
	if len(digraphs) == 0 {
		digraphs = features.DigraphsFromKeystrokes(r.in.Snapshot.Keystrokes)
	}
	threshold := digraphZScore / r.factor

	var deviations []model.DigraphDeviation
	for dg, times := range features.DigraphFlights(digraphs) {
		if len(times) < minDigraphSamples {
			continue
		}
		base, ok := common[dg]
		if !ok || base.Std <= 0 {
			continue
		}
		mean := profile.Mean(times)
		z := math.Abs(mean-base.Mean) / base.Std
		if z > threshold {
			deviations = append(deviations, model.DigraphDeviation{
				Digraph:      dg.String(),
				ZScore:       z,
				BaselineMean: base.Mean,
				TestMean:     mean,
			})
		}
	}
	if len(deviations) == 0 {
		return
	}
	sort.Slice(deviations, func(i, j int) bool {
		if deviations[i].ZScore != deviations[j].ZScore {
			return deviations[i].ZScore > deviations[j].ZScore
		}
		return deviations[i].Digraph < deviations[j].Digraph
	})
	total := len(deviations)
	if len(deviations) > topDigraphs {
		deviations = deviations[:topDigraphs]
	}
	topZ := deviations[0].ZScore
	r.add(model.AnomalyDetail{
		Type:        TypeDigraphPatterns,
		Subtype:     "inconsistent_patterns",
		Description: fmt.Sprintf("Detected %d common letter combinations typed with abnormal timing", total),
		Severity:    clampSeverity(topZ),
		Count:       total,
		Digraphs:    deviations,
	}, math.Min(topZ/threshold, 3))
}

func (a *Analyzer) checkMouseOutliers(r *run) {
	positions := r.in.Snapshot.MousePositions
	if len(positions) == 0 {
		return
	}
	forest, err := r.in.Models.MouseModel()
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("mouse outlier check skipped", "session_id", r.in.SessionID, "err", err)
		}
		return
	}
	flagged := flaggedIndices(forest.Predict(features.MouseMatrix(positions)))
	pct := float64(len(flagged)) / float64(len(positions)) * 100
	r.metrics["mouse_anomaly_percent"] = pct

	threshold := mouseOutlierPct / r.factor
	if pct <= threshold {
		return
	}
	groups := groupConsecutive(flagged)
	if len(groups) > topMouseGroups {
		groups = groups[:topMouseGroups]
	}
	for _, g := range groups {
		r.anomalies = append(r.anomalies, classifyMouseGroup(g, positions, r.in.Profile))
	}
	r.level += math.Min(pct/threshold, 3)
}

// checkEnvironment reports window focus and fullscreen notifications. They
// are listed but leave the suspicion level untouched.
func (r *run) checkEnvironment() {
	if n := len(r.in.Snapshot.TabSwitches); n > 0 {
		ts := make([]float64, n)
		for i, ev := range r.in.Snapshot.TabSwitches {
			ts[i] = ev.Timestamp
		}
		r.anomalies = append(r.anomalies, model.AnomalyDetail{
			Type:        TypeWindowFocus,
			Subtype:     "tab_switch",
			Description: fmt.Sprintf("Switched away from the exam window %d times", n),
			Severity:    min(n*2, 10),
			Count:       n,
			Timestamps:  ts,
		})
	}
	if n := len(r.in.Snapshot.FullscreenViolations); n > 0 {
		ts := make([]float64, n)
		for i, ev := range r.in.Snapshot.FullscreenViolations {
			ts[i] = ev.Timestamp
		}
		r.anomalies = append(r.anomalies, model.AnomalyDetail{
			Type:        TypeFullscreen,
			Subtype:     "exited_fullscreen",
			Description: fmt.Sprintf("Exited fullscreen mode %d times", n),
			Severity:    min(n*3, 10),
			Count:       n,
			Timestamps:  ts,
		})
	}
}
