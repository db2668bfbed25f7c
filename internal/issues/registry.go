// Package issues maintains the deduplicated append-only registry of findings
// carried across cycles. Unresolved entries feed replanning so every finding
// eventually gets a targeted fix task.
package issues

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/util"
)

// Source identifies where a finding came from.
type Source string

const (
	SourceCodexReview       Source = "codex_review"
	SourceFlowTracing       Source = "flow_tracing"
	SourceSemgrep           Source = "semgrep"
	SourceIncrementalReview Source = "incremental_review"
	SourceSentinel          Source = "sentinel"
)

// KnownIssue is one registry entry.
type KnownIssue struct {
	ID             string    `json:"id"`
	Description    string    `json:"description"`
	Severity       string    `json:"severity"`
	Source         Source    `json:"source"`
	FilePath       string    `json:"file_path,omitempty"`
	CycleFound     int       `json:"cycle_found"`
	LastSeenCycle  int       `json:"last_seen_cycle"`
	AddressedCycle *int      `json:"addressed_in_cycle,omitempty"`
	Addressed      bool      `json:"addressed"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// DedupKey is file path plus the lowercased 80-char description prefix.
func (k *KnownIssue) DedupKey() string {
	return dedupKey(k.FilePath, k.Description)
}

func dedupKey(filePath, description string) string {
	desc := strings.ToLower(strings.TrimSpace(description))
	if len(desc) > 80 {
		desc = desc[:80]
	}
	return filePath + "::" + desc
}

// Registry is the per-project known-issues file.
type Registry struct {
	path string
}

// NewRegistry opens the registry at path; the file is created on first add.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Load reads all entries. A missing file is an empty registry.
func (r *Registry) Load() ([]*KnownIssue, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read known issues: %w", err)
	}
	var entries []*KnownIssue
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse known issues: %w", err)
	}
	return entries, nil
}

// Add appends entrants not already present by dedup key. Re-adding a known
// finding refreshes its LastSeenCycle instead of duplicating it, so Add is
// idempotent and the registry tracks which findings still appear in scans.
// Returns the number of entries actually added.
func (r *Registry) Add(entrants []*KnownIssue) (int, error) {
	existing, err := r.Load()
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]*KnownIssue, len(existing))
	for _, e := range existing {
		byKey[e.DedupKey()] = e
	}

	added := 0
	touched := false
	for _, e := range entrants {
		key := e.DedupKey()
		if prev, ok := byKey[key]; ok {
			if e.CycleFound > prev.LastSeenCycle {
				prev.LastSeenCycle = e.CycleFound
				touched = true
			}
			continue
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("issue-%03d", len(existing)+1)
		}
		if e.RecordedAt.IsZero() {
			e.RecordedAt = time.Now().UTC()
		}
		if e.LastSeenCycle < e.CycleFound {
			e.LastSeenCycle = e.CycleFound
		}
		byKey[key] = e
		existing = append(existing, e)
		added++
		touched = true
	}
	if !touched {
		return 0, nil
	}
	return added, r.save(existing)
}

// MarkAddressed flags the given issue ids as addressed in cycle.
func (r *Registry) MarkAddressed(ids []string, cycle int) error {
	entries, err := r.Load()
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	changed := false
	for _, e := range entries {
		if want[e.ID] && !e.Addressed {
			e.Addressed = true
			c := cycle
			e.AddressedCycle = &c
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.save(entries)
}

// Unresolved returns entries not yet addressed.
func (r *Registry) Unresolved() ([]*KnownIssue, error) {
	entries, err := r.Load()
	if err != nil {
		return nil, err
	}
	var out []*KnownIssue
	for _, e := range entries {
		if !e.Addressed {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Registry) save(entries []*KnownIssue) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal known issues: %w", err)
	}
	return util.AtomicWriteFile(r.path, data, 0o644)
}
