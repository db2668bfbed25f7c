package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/tidwall/gjson"
)

// ProposedTask is one task from the planner's breakdown, before ids are
// assigned. Dependencies reference other tasks by subject.
type ProposedTask struct {
	Subject           string
	Description       string
	Type              store.TaskType
	Risk              store.RiskLevel
	DependsOnSubjects []string
	SecurityReqs      []string
	PerfReqs          []string
	Acceptance        []string
}

// Breakdown is the parsed planner output.
type Breakdown struct {
	Summary string
	Tasks   []*ProposedTask
}

var taskBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\"tasks\".*?\\})\\s*```")

// ParseBreakdown extracts the task block from planner output. The block is
// fenced JSON shaped {"summary", "tasks": [...]}; malformed JSON gets one
// repair pass before failing.
func ParseBreakdown(content string) (*Breakdown, error) {
	m := taskBlockPattern.FindStringSubmatch(content)
	if len(m) < 2 {
		return nil, errors.New(errors.CodeNoTaskBlock, "no task block found in planner response")
	}
	raw := m[1]

	doc := gjson.Parse(raw)
	if !doc.Get("tasks").IsArray() {
		repaired, err := jsonrepair.JSONRepair(raw)
		if err != nil {
			return nil, errors.New(errors.CodeNoTaskBlock, "task block is not valid JSON")
		}
		doc = gjson.Parse(repaired)
		if !doc.Get("tasks").IsArray() {
			return nil, errors.New(errors.CodeNoTaskBlock, "task block has no tasks array")
		}
	}

	b := &Breakdown{Summary: doc.Get("summary").String()}
	doc.Get("tasks").ForEach(func(_, v gjson.Result) bool {
		subject := strings.TrimSpace(v.Get("subject").String())
		if subject == "" {
			return true
		}
		t := &ProposedTask{
			Subject:     subject,
			Description: strings.TrimSpace(v.Get("description").String()),
			Type:        normalizeType(v.Get("task_type").String()),
			Risk:        normalizeRisk(v.Get("risk_level").String()),
		}
		for _, d := range v.Get("depends_on_subjects").Array() {
			if s := strings.TrimSpace(d.String()); s != "" {
				t.DependsOnSubjects = append(t.DependsOnSubjects, s)
			}
		}
		for _, s := range v.Get("security_requirements").Array() {
			t.SecurityReqs = append(t.SecurityReqs, s.String())
		}
		for _, s := range v.Get("performance_requirements").Array() {
			t.PerfReqs = append(t.PerfReqs, s.String())
		}
		for _, s := range v.Get("acceptance_criteria").Array() {
			t.Acceptance = append(t.Acceptance, s.String())
		}
		b.Tasks = append(b.Tasks, t)
		return true
	})

	if len(b.Tasks) == 0 {
		return nil, errors.New(errors.CodeNoTaskBlock, "task block contains no tasks")
	}
	if err := validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// validate rejects duplicate subjects and circular dependencies.
func validate(b *Breakdown) error {
	subjects := make(map[string]*ProposedTask, len(b.Tasks))
	for _, t := range b.Tasks {
		if _, dup := subjects[t.Subject]; dup {
			return fmt.Errorf("duplicate task subject %q", t.Subject)
		}
		subjects[t.Subject] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.Tasks))
	var visit func(subject string, path []string) error
	visit = func(subject string, path []string) error {
		switch color[subject] {
		case gray:
			return fmt.Errorf("circular dependency: %s", strings.Join(append(path, subject), " -> "))
		case black:
			return nil
		}
		color[subject] = gray
		t := subjects[subject]
		if t != nil {
			for _, dep := range t.DependsOnSubjects {
				if _, known := subjects[dep]; !known {
					// Unresolved subjects are dropped later with a
					// warning; they cannot form a cycle.
					continue
				}
				if err := visit(dep, append(path, subject)); err != nil {
					return err
				}
			}
		}
		color[subject] = black
		return nil
	}
	for _, t := range b.Tasks {
		if err := visit(t.Subject, nil); err != nil {
			return err
		}
	}
	return nil
}

func normalizeType(s string) store.TaskType {
	switch store.TaskType(strings.ToLower(strings.TrimSpace(s))) {
	case store.TypeBackendAPI:
		return store.TypeBackendAPI
	case store.TypeFrontendUI:
		return store.TypeFrontendUI
	case store.TypeDatabase:
		return store.TypeDatabase
	case store.TypeSecurity:
		return store.TypeSecurity
	case store.TypeTesting:
		return store.TypeTesting
	case store.TypeInfrastructure:
		return store.TypeInfrastructure
	default:
		return store.TypeGeneral
	}
}

func normalizeRisk(s string) store.RiskLevel {
	switch store.RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case store.RiskLow:
		return store.RiskLow
	case store.RiskHigh:
		return store.RiskHigh
	default:
		return store.RiskMedium
	}
}
