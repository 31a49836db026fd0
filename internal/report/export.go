package report

import (
	"encoding/json"
	"fmt"
	"io"

	"proctorguard/internal/model"
)

// ToMap flattens a report into its JSON shape.
func ToMap(r *model.AnalysisReport) (map[string]any, error) {
	if r == nil {
		return nil, fmt.Errorf("nil report")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func FromMap(m map[string]any) (*model.AnalysisReport, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var r model.AnalysisReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.Anomalies == nil {
		r.Anomalies = []model.AnomalyDetail{}
	}
	return &r, nil
}

func WriteJSON(w io.Writer, r *model.AnalysisReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
