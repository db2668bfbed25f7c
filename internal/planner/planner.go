// Package planner turns the feature description into a task breakdown via
// the planning agent and materializes the breakdown as task records.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/swarm-dev/swarm/internal/agent"
	"github.com/swarm-dev/swarm/internal/store"
)

// Request carries everything the planner may see. On the first cycle only
// Feature, QA and ExtraContext are set; replans add the rest.
type Request struct {
	Feature          string
	QA               string
	ExtraContext     string
	PrevPlan         string
	CompletedTasks   []string
	FailedTasks      []string
	ReviewerFeedback string
	UnresolvedIssues []string
	Redirect         string
}

// Planner invokes the planning agent.
type Planner struct {
	caller agent.Caller
	logger *slog.Logger
}

// New creates a Planner.
func New(caller agent.Caller, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{caller: caller, logger: logger}
}

// Plan runs the planning call and parses the breakdown. The raw response is
// returned as the plan text to persist.
func (p *Planner) Plan(ctx context.Context, req Request) (*Breakdown, string, error) {
	response, err := p.caller.Call(ctx, buildPrompt(req))
	if err != nil {
		return nil, "", fmt.Errorf("planning call: %w", err)
	}
	breakdown, err := ParseBreakdown(response)
	if err != nil {
		return nil, response, err
	}
	return breakdown, response, nil
}

// Materialize assigns monotone ids in declaration order, resolves
// depends_on_subjects to ids, and creates task records. Unresolved subjects
// are dropped with a warning. Returns the created tasks.
func (p *Planner) Materialize(s *store.Store, b *Breakdown) ([]*store.Task, error) {
	next, err := s.NextTaskNum()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[t.Subject] = store.TaskID(next + i)
	}

	var created []*store.Task
	for _, t := range b.Tasks {
		var deps []string
		for _, dep := range t.DependsOnSubjects {
			id, ok := ids[dep]
			if !ok {
				p.logger.Warn("dropping unresolved dependency subject",
					"task", t.Subject, "depends_on", dep)
				continue
			}
			deps = append(deps, id)
		}
		task, err := s.CreateTask(store.TaskDef{
			Subject:      t.Subject,
			Description:  t.Description,
			Type:         t.Type,
			Risk:         t.Risk,
			SecurityReqs: t.SecurityReqs,
			PerfReqs:     t.PerfReqs,
			Acceptance:   t.Acceptance,
		}, ids[t.Subject], deps)
		if err != nil {
			return created, fmt.Errorf("create task %s: %w", t.Subject, err)
		}
		created = append(created, task)
	}
	return created, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Break the following feature into independent, parallelizable tasks.\n")
	b.WriteString("Respond with a fenced JSON block: {\"summary\", \"tasks\": [{\"subject\", ")
	b.WriteString("\"description\", \"task_type\", \"risk_level\", \"depends_on_subjects\", ")
	b.WriteString("\"security_requirements\", \"performance_requirements\", \"acceptance_criteria\"}]}.\n")
	b.WriteString("No two concurrent tasks may modify the same file.\n\n")
	fmt.Fprintf(&b, "## Feature\n%s\n", req.Feature)
	if req.QA != "" {
		fmt.Fprintf(&b, "\n## Q&A\n%s\n", req.QA)
	}
	if req.ExtraContext != "" {
		fmt.Fprintf(&b, "\n## Additional context\n%s\n", req.ExtraContext)
	}
	if req.PrevPlan != "" {
		fmt.Fprintf(&b, "\n## Previous plan\n%s\n", req.PrevPlan)
	}
	if len(req.CompletedTasks) > 0 {
		fmt.Fprintf(&b, "\n## Completed tasks\n- %s\n", strings.Join(req.CompletedTasks, "\n- "))
	}
	if len(req.FailedTasks) > 0 {
		fmt.Fprintf(&b, "\n## Failed tasks\n- %s\n", strings.Join(req.FailedTasks, "\n- "))
	}
	if req.ReviewerFeedback != "" {
		fmt.Fprintf(&b, "\n## Reviewer feedback\n%s\n", req.ReviewerFeedback)
	}
	if len(req.UnresolvedIssues) > 0 {
		fmt.Fprintf(&b, "\n## Unresolved known issues\n- %s\n", strings.Join(req.UnresolvedIssues, "\n- "))
	}
	if req.Redirect != "" {
		fmt.Fprintf(&b, "\n## Operator redirect\n%s\n", req.Redirect)
	}
	return b.String()
}
