package flowtrace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReportSummary(t *testing.T) {
	findings := []*Finding{
		{Title: "a", Severity: SeverityCritical, CrossBoundary: true},
		{Title: "b", Severity: SeverityHigh},
		{Title: "c", Severity: SeverityMedium, CrossBoundary: true},
		{Title: "d", Severity: SeverityLow},
		{Title: "e", Severity: SeverityLow},
	}
	r := BuildReport(3, []*Flow{{ID: "f"}}, findings)
	assert.Equal(t, 3, r.Cycle)
	assert.Equal(t, 1, r.Summary.Critical)
	assert.Equal(t, 1, r.Summary.High)
	assert.Equal(t, 1, r.Summary.Medium)
	assert.Equal(t, 2, r.Summary.Low)
	assert.Equal(t, 2, r.Summary.CrossBoundary)
	assert.True(t, r.Summary.HasBlocking())
	assert.False(t, r.GeneratedAt.IsZero())
}

func TestHasBlocking(t *testing.T) {
	assert.False(t, Summary{Medium: 5, Low: 9}.HasBlocking())
	assert.True(t, Summary{High: 1}.HasBlocking())
	assert.True(t, Summary{Critical: 1}.HasBlocking())
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "flow-report-1.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	r := BuildReport(1, []*Flow{{ID: "login", Name: "Login"}},
		[]*Finding{{Title: "x", Severity: SeverityHigh, FlowID: "login"}})
	require.NoError(t, r.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 1, got.Cycle)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, SeverityHigh, got.Findings[0].Severity)
}

func TestHumanSummary(t *testing.T) {
	r := BuildReport(2, nil, []*Finding{
		{Title: "IDOR on export", Severity: SeverityHigh, FilePath: "api/export.go", Line: 42},
		{Title: "loose check", Severity: SeverityLow},
	})
	s := r.HumanSummary()
	assert.Contains(t, s, "cycle 2")
	assert.Contains(t, s, "[high] IDOR on export (api/export.go:42)")
	assert.Contains(t, s, "[low] loose check")
}
