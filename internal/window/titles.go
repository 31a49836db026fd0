package window

import "strings"

// TitleSet matches window titles that belong to the exam itself, so that
// focus moving onto them is not counted as leaving the exam.
type TitleSet struct {
	patterns []string
}

func NewTitleSet(values []string) *TitleSet {
	set := &TitleSet{}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		p := normalizeTitle(v)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		set.patterns = append(set.patterns, p)
	}
	return set
}

// Match reports whether title contains any configured pattern,
// ignoring case and surrounding whitespace.
func (s *TitleSet) Match(title string) bool {
	if s == nil || len(s.patterns) == 0 {
		return false
	}
	t := normalizeTitle(title)
	if t == "" {
		return false
	}
	for _, p := range s.patterns {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func (s *TitleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

func normalizeTitle(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
