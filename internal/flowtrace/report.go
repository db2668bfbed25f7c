package flowtrace

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/util"
)

// Summary aggregates finding counts for a report.
type Summary struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	CrossBoundary int `json:"cross_boundary"`
}

// HasBlocking reports whether any critical or high finding exists; these
// force another cycle.
func (s Summary) HasBlocking() bool {
	return s.Critical > 0 || s.High > 0
}

// Report is the per-cycle flow-tracing artifact.
type Report struct {
	Cycle       int        `json:"cycle"`
	GeneratedAt time.Time  `json:"generated_at"`
	Flows       []*Flow    `json:"flows"`
	Findings    []*Finding `json:"findings"`
	Summary     Summary    `json:"summary"`
}

// BuildReport assembles the report for a cycle.
func BuildReport(cycle int, flows []*Flow, findings []*Finding) *Report {
	r := &Report{
		Cycle:       cycle,
		GeneratedAt: time.Now().UTC(),
		Flows:       flows,
		Findings:    findings,
	}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			r.Summary.Critical++
		case SeverityHigh:
			r.Summary.High++
		case SeverityMedium:
			r.Summary.Medium++
		case SeverityLow:
			r.Summary.Low++
		}
		if f.CrossBoundary {
			r.Summary.CrossBoundary++
		}
	}
	return r
}

// Save writes the report JSON to path.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal flow report: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// HumanSummary renders a readable per-cycle summary.
func (r *Report) HumanSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Flow tracing, cycle %d: %d flows, %d findings\n",
		r.Cycle, len(r.Flows), len(r.Findings))
	fmt.Fprintf(&b, "  critical=%d high=%d medium=%d low=%d cross-boundary=%d\n",
		r.Summary.Critical, r.Summary.High, r.Summary.Medium, r.Summary.Low,
		r.Summary.CrossBoundary)
	for _, f := range r.Findings {
		loc := f.FilePath
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.FilePath, f.Line)
		}
		fmt.Fprintf(&b, "  [%s] %s", f.Severity, f.Title)
		if loc != "" {
			fmt.Fprintf(&b, " (%s)", loc)
		}
		b.WriteString("\n")
	}
	return b.String()
}
