package outlier

import (
	"fmt"

	"proctorguard/internal/features"
	"proctorguard/internal/model"
)

type Options struct {
	Forest       ForestOptions
	MinMouseRows int
	MaxClusters  int
}

func DefaultOptions() Options {
	return Options{
		Forest:       DefaultForestOptions(),
		MinMouseRows: 10,
		MaxClusters:  3,
	}
}

// Models is the frozen set of detectors trained on one baseline.
type Models struct {
	Keystroke     *IsolationForest
	Mouse         *IsolationForest
	Rhythm        *KMeans
	Sensitivity   int
	Contamination float64
}

// Contamination maps sensitivity 1..10 to the expected outlier fraction.
func Contamination(sensitivity int) float64 {
	return 0.1 * float64(11-sensitivity) / 10
}

// Train fits the keystroke forest whenever rows exist and the mouse forest
// only above MinMouseRows. A detector that cannot be fitted is left nil.
func Train(keystrokeRows, mouseRows []features.Row, sensitivity int, opts Options) (*Models, error) {
	if err := model.ValidateSensitivity(sensitivity); err != nil {
		return nil, err
	}
	contamination := Contamination(sensitivity)
	m := &Models{Sensitivity: sensitivity, Contamination: contamination}

	if len(keystrokeRows) > 0 {
		forest, err := FitForest(keystrokeRows, contamination, opts.Forest)
		if err != nil {
			return nil, fmt.Errorf("train keystroke model: %w", err)
		}
		m.Keystroke = forest

		k := ClusterCount(len(keystrokeRows), opts.MaxClusters)
		rhythm, err := FitKMeans(keystrokeRows, k, opts.Forest.Seed)
		if err != nil {
			return nil, fmt.Errorf("train rhythm clusters: %w", err)
		}
		m.Rhythm = rhythm
	}
	if len(mouseRows) > opts.MinMouseRows {
		forest, err := FitForest(mouseRows, contamination, opts.Forest)
		if err != nil {
			return nil, fmt.Errorf("train mouse model: %w", err)
		}
		m.Mouse = forest
	}
	return m, nil
}

func (m *Models) KeystrokeModel() (*IsolationForest, error) {
	if m == nil || m.Keystroke == nil {
		return nil, fmt.Errorf("keystroke: %w", model.ErrModelUntrained)
	}
	return m.Keystroke, nil
}

func (m *Models) MouseModel() (*IsolationForest, error) {
	if m == nil || m.Mouse == nil {
		return nil, fmt.Errorf("mouse: %w", model.ErrModelUntrained)
	}
	return m.Mouse, nil
}

// Status summarises which detectors are available.
func (m *Models) Status() map[string]any {
	out := map[string]any{
		"keystroke_model": m != nil && m.Keystroke != nil,
		"mouse_model":     m != nil && m.Mouse != nil,
		"rhythm_clusters": 0,
	}
	if m == nil {
		return out
	}
	out["contamination"] = m.Contamination
	if m.Rhythm != nil {
		out["rhythm_clusters"] = len(m.Rhythm.Centroids)
	}
	return out
}
