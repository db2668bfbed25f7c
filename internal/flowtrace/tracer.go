package flowtrace

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
)

// Deriver proposes flows for a diff. The production implementation is an
// agent call whose output DeriveFromJSON parses; tests supply flows
// directly.
type Deriver func(ctx context.Context, diff string, changedFiles []string) ([]*Flow, error)

// TraceFunc runs one read-only tracing subtask for a flow and returns its
// findings.
type TraceFunc func(ctx context.Context, flow *Flow) ([]*Finding, error)

// Tracer runs tracing subtasks with a sliding window: up to maxParallel
// subtasks in flight, a new one started each time one settles, so long
// traces do not starve short ones.
type Tracer struct {
	trace       TraceFunc
	maxFlows    int
	maxParallel int
	logger      *slog.Logger
}

// NewTracer creates a Tracer. maxFlows defaults to 8, maxParallel to 3.
func NewTracer(trace TraceFunc, maxFlows, maxParallel int, logger *slog.Logger) *Tracer {
	if maxFlows <= 0 {
		maxFlows = 8
	}
	if maxParallel <= 0 {
		maxParallel = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{trace: trace, maxFlows: maxFlows, maxParallel: maxParallel, logger: logger}
}

// Trace runs all flows and returns the deduplicated findings. A failed
// subtask drops its flow with a warning rather than failing the cycle;
// tracing is advisory.
func (t *Tracer) Trace(ctx context.Context, flows []*Flow) ([]*Finding, error) {
	if len(flows) > t.maxFlows {
		flows = flows[:t.maxFlows]
	}

	sem := semaphore.NewWeighted(int64(t.maxParallel))
	results := make([][]*Finding, len(flows))

	var wg sync.WaitGroup
	for i, flow := range flows {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, flow *Flow) {
			defer wg.Done()
			defer sem.Release(1)
			findings, err := t.trace(ctx, flow)
			if err != nil {
				t.logger.Warn("flow trace failed", "flow", flow.ID, "error", err)
				return
			}
			for _, f := range findings {
				f.FlowID = flow.ID
				f.Severity = NormalizeSeverity(string(f.Severity))
			}
			results[i] = findings
		}(i, flow)
	}
	wg.Wait()

	var all []*Finding
	for _, fs := range results {
		all = append(all, fs...)
	}
	return Dedup(all), nil
}

// DeriveFromJSON parses agent output describing flows. Expected shape:
//
//	{"flows": [{"id", "name", "description", "entry_points", "actors",
//	            "edge_cases"}]}
//
// Flows that touch none of the changed files are dropped.
func DeriveFromJSON(output string, changedFiles []string, maxFlows int) ([]*Flow, error) {
	doc := gjson.Parse(output)
	flowsVal := doc.Get("flows")
	if !flowsVal.Exists() {
		return nil, fmt.Errorf("no flows array in output")
	}

	var flows []*Flow
	flowsVal.ForEach(func(_, v gjson.Result) bool {
		f := &Flow{
			ID:          Slug(v.Get("id").String()),
			Name:        v.Get("name").String(),
			Description: v.Get("description").String(),
		}
		if f.ID == "" {
			f.ID = Slug(f.Name)
		}
		if f.ID == "" {
			f.ID = "flow-" + uuid.NewString()[:8]
		}
		for _, e := range v.Get("entry_points").Array() {
			f.EntryPoints = append(f.EntryPoints, e.String())
		}
		for _, a := range v.Get("actors").Array() {
			f.Actors = append(f.Actors, a.String())
		}
		for _, e := range v.Get("edge_cases").Array() {
			f.EdgeCases = append(f.EdgeCases, e.String())
		}
		flows = append(flows, f)
		return true
	})

	var kept []*Flow
	for _, f := range flows {
		if f.Touches(changedFiles) {
			kept = append(kept, f)
		}
	}
	if maxFlows > 0 && len(kept) > maxFlows {
		kept = kept[:maxFlows]
	}
	return kept, nil
}

// ParseFindings parses tracing subtask output. Expected shape:
//
//	{"findings": [{"severity", "actor", "title", "description", "file",
//	               "line", "cross_boundary", "edge_case"}]}
func ParseFindings(output string) ([]*Finding, error) {
	doc := gjson.Parse(output)
	val := doc.Get("findings")
	if !val.Exists() {
		return nil, fmt.Errorf("no findings array in output")
	}
	var out []*Finding
	val.ForEach(func(_, v gjson.Result) bool {
		title := v.Get("title").String()
		if title == "" {
			return true
		}
		out = append(out, &Finding{
			Severity:      NormalizeSeverity(v.Get("severity").String()),
			Actor:         v.Get("actor").String(),
			Title:         title,
			Description:   v.Get("description").String(),
			FilePath:      v.Get("file").String(),
			Line:          int(v.Get("line").Int()),
			CrossBoundary: v.Get("cross_boundary").Bool(),
			EdgeCase:      v.Get("edge_case").String(),
		})
		return true
	})
	return out, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug converts free text into a stable flow id.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
