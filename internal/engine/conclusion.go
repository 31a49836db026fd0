package engine

import "strings"

const (
	TypeCopyPaste         = "copy_paste"
	TypeKeystrokeAnomaly  = "keystroke_anomaly"
	TypeTypingConsistency = "typing_consistency"
	TypeTypingSpeed       = "typing_speed"
	TypeTypingPauses      = "typing_pauses"
	TypeDigraphPatterns   = "digraph_patterns"
	TypeMouseAnomaly      = "mouse_anomaly"
	TypeWindowFocus       = "window_focus"
	TypeFullscreen        = "fullscreen"
)

const normalConclusion = "Behavior appears normal and consistent with baseline patterns."

var conclusionFragments = []struct {
	anomalyType string
	text        string
}{
	{TypeKeystrokeAnomaly, "Typing patterns show significant deviations from baseline."},
	{TypeTypingConsistency, "Typing rhythm is unusually inconsistent."},
	{TypeTypingSpeed, "Typing speed differs notably from baseline patterns."},
	{TypeTypingPauses, "Unusual pauses detected during typing that may indicate consultation of external resources."},
	{TypeDigraphPatterns, "Common letter combinations typed with timing significantly different from baseline."},
	{TypeMouseAnomaly, "Mouse movement patterns show abnormal behaviors."},
	{TypeCopyPaste, "Copy and paste operations detected, which may indicate unauthorized content transfer."},
	{TypeWindowFocus, "Focus left the exam window during the test."},
	{TypeFullscreen, "Fullscreen mode was exited during the test."},
}

// Conclude renders the narrative for a suspicion level and the set of
// anomaly types present. Counts and order of the input do not matter.
func Conclude(level float64, anomalyTypes []string) string {
	if level < 2 {
		return normalConclusion
	}
	present := make(map[string]struct{}, len(anomalyTypes))
	for _, t := range anomalyTypes {
		present[t] = struct{}{}
	}
	parts := make([]string, 0, len(conclusionFragments)+1)
	for _, frag := range conclusionFragments {
		if _, ok := present[frag.anomalyType]; ok {
			parts = append(parts, frag.text)
		}
	}
	switch {
	case level >= 7:
		parts = append(parts, "Overall behavior is highly inconsistent with baseline and suggests potential impersonation or cheating.")
	case level >= 4:
		parts = append(parts, "Several behavioral inconsistencies detected that warrant further investigation.")
	default:
		parts = append(parts, "Minor behavioral inconsistencies detected, but may be due to normal variations.")
	}
	return strings.Join(parts, " ")
}
