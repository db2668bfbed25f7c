package flowtrace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouches(t *testing.T) {
	tests := []struct {
		name    string
		entry   []string
		changed []string
		want    bool
	}{
		{"exact match", []string{"api/users.go"}, []string{"api/users.go"}, true},
		{"glob match", []string{"api/**"}, []string{"api/v1/users.go"}, true},
		{"no match", []string{"api/**"}, []string{"internal/db/conn.go"}, false},
		{"no entry points means relevant", nil, []string{"anything.go"}, true},
		{"no changed files", []string{"api/**"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{ID: "f", EntryPoints: tt.entry}
			assert.Equal(t, tt.want, f.Touches(tt.changed))
		})
	}
}

func TestDedupKeepsHigherSeverity(t *testing.T) {
	findings := []*Finding{
		{FilePath: "a.go", Title: "Unchecked error", Severity: SeverityLow},
		{FilePath: "b.go", Title: "Leak", Severity: SeverityMedium},
		{FilePath: "a.go", Title: "UNCHECKED ERROR", Severity: SeverityHigh},
		{FilePath: "b.go", Title: "Leak", Severity: SeverityLow},
	}
	out := Dedup(findings)
	require.Len(t, out, 2)
	// Original position is kept, the higher-severity duplicate wins.
	assert.Equal(t, "a.go", out[0].FilePath)
	assert.Equal(t, SeverityHigh, out[0].Severity)
	assert.Equal(t, SeverityMedium, out[1].Severity)
}

func TestDedupKeyTitlePrefix(t *testing.T) {
	long := "a very long finding title that definitely exceeds the sixty character prefix limit"
	a := &Finding{FilePath: "x.go", Title: long + " v1"}
	b := &Finding{FilePath: "x.go", Title: long + " v2"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, NormalizeSeverity(" CRITICAL "))
	assert.Equal(t, SeverityHigh, NormalizeSeverity("high"))
	assert.Equal(t, SeverityMedium, NormalizeSeverity("Medium"))
	assert.Equal(t, SeverityLow, NormalizeSeverity("low"))
	assert.Equal(t, SeverityLow, NormalizeSeverity("urgent"))
	assert.Equal(t, SeverityLow, NormalizeSeverity(""))
}

func TestDeriveFromJSON(t *testing.T) {
	output := `{"flows": [
		{"id": "User Login", "name": "User login", "entry_points": ["api/auth/**"], "actors": ["user"], "edge_cases": ["expired token"]},
		{"name": "Admin Export", "entry_points": ["admin/**"]},
		{"name": "Background Sync"}
	]}`
	flows, err := DeriveFromJSON(output, []string{"api/auth/login.go", "worker/sync.go"}, 8)
	require.NoError(t, err)
	// The admin flow touches nothing changed and is dropped.
	require.Len(t, flows, 2)
	assert.Equal(t, "user-login", flows[0].ID)
	assert.Equal(t, []string{"expired token"}, flows[0].EdgeCases)
	assert.Equal(t, "background-sync", flows[1].ID)
}

func TestDeriveFromJSONCapsFlows(t *testing.T) {
	output := `{"flows": [{"name": "a"}, {"name": "b"}, {"name": "c"}]}`
	flows, err := DeriveFromJSON(output, nil, 2)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestDeriveFromJSONNoFlowsArray(t *testing.T) {
	_, err := DeriveFromJSON(`{"something": "else"}`, nil, 8)
	assert.Error(t, err)
}

func TestParseFindings(t *testing.T) {
	output := `{"findings": [
		{"severity": "HIGH", "actor": "anonymous", "title": "IDOR on export", "description": "d", "file": "api/export.go", "line": 42, "cross_boundary": true},
		{"severity": "low", "description": "no title, dropped"},
		{"severity": "banana", "title": "odd severity"}
	]}`
	findings, err := ParseFindings(output)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, SeverityHigh, findings[0].Severity)
	assert.Equal(t, 42, findings[0].Line)
	assert.True(t, findings[0].CrossBoundary)
	assert.Equal(t, SeverityLow, findings[1].Severity)
}

func TestTracerTagsAndDedups(t *testing.T) {
	trace := func(ctx context.Context, flow *Flow) ([]*Finding, error) {
		return []*Finding{
			{Title: "shared finding", FilePath: "x.go", Severity: "HIGH"},
		}, nil
	}
	tr := NewTracer(trace, 8, 3, nil)
	findings, err := tr.Trace(context.Background(), []*Flow{{ID: "f1"}, {ID: "f2"}})
	require.NoError(t, err)
	// Both flows report the same finding; dedup keeps one.
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityHigh, findings[0].Severity)
	assert.NotEmpty(t, findings[0].FlowID)
}

func TestTracerDropsFailedSubtask(t *testing.T) {
	trace := func(ctx context.Context, flow *Flow) ([]*Finding, error) {
		if flow.ID == "bad" {
			return nil, fmt.Errorf("trace exploded")
		}
		return []*Finding{{Title: "from " + flow.ID, Severity: SeverityLow}}, nil
	}
	tr := NewTracer(trace, 8, 3, nil)
	findings, err := tr.Trace(context.Background(), []*Flow{{ID: "good"}, {ID: "bad"}})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "from good", findings[0].Title)
}

func TestTracerBoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	trace := func(ctx context.Context, flow *Flow) ([]*Finding, error) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		defer inFlight.Add(-1)
		return nil, nil
	}
	flows := make([]*Flow, 12)
	for i := range flows {
		flows[i] = &Flow{ID: fmt.Sprintf("f-%d", i)}
	}
	tr := NewTracer(trace, 12, 3, nil)
	_, err := tr.Trace(context.Background(), flows)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestTracerCapsFlowCount(t *testing.T) {
	var traced atomic.Int32
	trace := func(ctx context.Context, flow *Flow) ([]*Finding, error) {
		traced.Add(1)
		return nil, nil
	}
	flows := make([]*Flow, 10)
	for i := range flows {
		flows[i] = &Flow{ID: fmt.Sprintf("f-%d", i)}
	}
	tr := NewTracer(trace, 4, 2, nil)
	_, err := tr.Trace(context.Background(), flows)
	require.NoError(t, err)
	assert.Equal(t, int32(4), traced.Load())
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "add-jwt-auth", Slug("Add JWT auth!"))
	assert.Equal(t, "a-b-c", Slug("  a  b//c  "))
	assert.Equal(t, "", Slug("!!!"))
}
