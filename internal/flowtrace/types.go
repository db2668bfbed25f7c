// Package flowtrace derives end-to-end user flows from a diff and runs
// read-only tracing subtasks over them in bounded parallel.
package flowtrace

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Severity orders findings; higher rank wins on dedup collision.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns the numeric ordering of a severity (critical highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// NormalizeSeverity maps free-form severity text into the alphabet,
// defaulting unknown values to low.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Flow is one end-to-end user flow derived from the diff.
type Flow struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EntryPoints []string `json:"entry_points,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	EdgeCases   []string `json:"edge_cases,omitempty"`
}

// Touches reports whether any changed file matches one of the flow's
// entry-point globs. Flows with no entry points are assumed relevant.
func (f *Flow) Touches(changedFiles []string) bool {
	if len(f.EntryPoints) == 0 {
		return true
	}
	for _, pattern := range f.EntryPoints {
		for _, file := range changedFiles {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Finding is one severity-tagged observation from a tracing subtask.
type Finding struct {
	Severity      Severity `json:"severity"`
	Actor         string   `json:"actor,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	FilePath      string   `json:"file_path,omitempty"`
	Line          int      `json:"line,omitempty"`
	CrossBoundary bool     `json:"cross_boundary"`
	EdgeCase      string   `json:"edge_case,omitempty"`
	FlowID        string   `json:"flow_id"`
}

// DedupKey is file path plus the lowercased first 60 chars of the title.
func (f *Finding) DedupKey() string {
	title := strings.ToLower(strings.TrimSpace(f.Title))
	if len(title) > 60 {
		title = title[:60]
	}
	return f.FilePath + "::" + title
}

// Dedup collapses findings with equal keys, retaining the higher severity.
// Input order is preserved for the survivors.
func Dedup(findings []*Finding) []*Finding {
	index := make(map[string]int)
	var out []*Finding
	for _, f := range findings {
		key := f.DedupKey()
		if i, ok := index[key]; ok {
			if f.Severity.Rank() > out[i].Severity.Rank() {
				out[i] = f
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}
