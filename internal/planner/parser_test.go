package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/store"
)

const validResponse = "Here is the plan.\n\n```json\n" + `{
  "summary": "Build the export feature",
  "tasks": [
    {
      "subject": "Add export endpoint",
      "description": "POST /api/export",
      "task_type": "backend_api",
      "risk_level": "high",
      "security_requirements": ["authz check on owner"],
      "acceptance_criteria": ["returns 202"]
    },
    {
      "subject": "Add export worker",
      "task_type": "infrastructure",
      "risk_level": "low",
      "depends_on_subjects": ["Add export endpoint"]
    }
  ]
}` + "\n```\nDone.\n"

func TestParseBreakdownValid(t *testing.T) {
	b, err := ParseBreakdown(validResponse)
	require.NoError(t, err)
	assert.Equal(t, "Build the export feature", b.Summary)
	require.Len(t, b.Tasks, 2)

	assert.Equal(t, "Add export endpoint", b.Tasks[0].Subject)
	assert.Equal(t, store.TypeBackendAPI, b.Tasks[0].Type)
	assert.Equal(t, store.RiskHigh, b.Tasks[0].Risk)
	assert.Equal(t, []string{"authz check on owner"}, b.Tasks[0].SecurityReqs)

	assert.Equal(t, store.TypeInfrastructure, b.Tasks[1].Type)
	assert.Equal(t, []string{"Add export endpoint"}, b.Tasks[1].DependsOnSubjects)
}

func TestParseBreakdownNoBlock(t *testing.T) {
	_, err := ParseBreakdown("I could not produce a plan, the feature is unclear.")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNoTaskBlock))
}

func TestParseBreakdownRepairsSloppyJSON(t *testing.T) {
	content := "```json\n" + `{"summary": "s", "tasks": [{"subject": "only task",},]}` + "\n```"
	b, err := ParseBreakdown(content)
	require.NoError(t, err)
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, "only task", b.Tasks[0].Subject)
}

func TestParseBreakdownEmptyTasks(t *testing.T) {
	_, err := ParseBreakdown("```json\n{\"summary\": \"s\", \"tasks\": []}\n```")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNoTaskBlock))
}

func TestParseBreakdownDuplicateSubject(t *testing.T) {
	content := "```json\n" + `{"tasks": [{"subject": "same"}, {"subject": "same"}]}` + "\n```"
	_, err := ParseBreakdown(content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseBreakdownCircularDependency(t *testing.T) {
	content := "```json\n" + `{"tasks": [
		{"subject": "a", "depends_on_subjects": ["b"]},
		{"subject": "b", "depends_on_subjects": ["a"]}
	]}` + "\n```"
	_, err := ParseBreakdown(content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestParseBreakdownNormalizesTypeAndRisk(t *testing.T) {
	content := "```json\n" + `{"tasks": [
		{"subject": "a", "task_type": "SECURITY", "risk_level": "HIGH"},
		{"subject": "b", "task_type": "made-up", "risk_level": "made-up"},
		{"subject": "c"}
	]}` + "\n```"
	b, err := ParseBreakdown(content)
	require.NoError(t, err)
	assert.Equal(t, store.TypeSecurity, b.Tasks[0].Type)
	assert.Equal(t, store.RiskHigh, b.Tasks[0].Risk)
	assert.Equal(t, store.TypeGeneral, b.Tasks[1].Type)
	assert.Equal(t, store.RiskMedium, b.Tasks[1].Risk)
	assert.Equal(t, store.TypeGeneral, b.Tasks[2].Type)
	assert.Equal(t, store.RiskMedium, b.Tasks[2].Risk)
}

func TestParseBreakdownSkipsSubjectlessTasks(t *testing.T) {
	content := "```json\n" + `{"tasks": [{"description": "no subject"}, {"subject": "real"}]}` + "\n```"
	b, err := ParseBreakdown(content)
	require.NoError(t, err)
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, "real", b.Tasks[0].Subject)
}

func TestParseBreakdownUnresolvedDepIsNotACycle(t *testing.T) {
	content := "```json\n" + `{"tasks": [{"subject": "a", "depends_on_subjects": ["phantom"]}]}` + "\n```"
	b, err := ParseBreakdown(content)
	require.NoError(t, err)
	assert.Equal(t, []string{"phantom"}, b.Tasks[0].DependsOnSubjects)
}
