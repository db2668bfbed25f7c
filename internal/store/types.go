// Package store persists every swarm entity as an independent record under
// the project's .swarm directory, so concurrent writers can lock at record
// granularity. All writes publish via write-temp-then-rename.
package store

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunInitializing  RunStatus = "initializing"
	RunQuestioning   RunStatus = "questioning"
	RunPlanning      RunStatus = "planning"
	RunExecuting     RunStatus = "executing"
	RunReviewing     RunStatus = "reviewing"
	RunFlowTracing   RunStatus = "flow_tracing"
	RunCheckpointing RunStatus = "checkpointing"
	RunCompleted     RunStatus = "completed"
	RunEscalated     RunStatus = "escalated"
	RunPaused        RunStatus = "paused"
	RunFailed        RunStatus = "failed"
)

// IsTerminal reports whether no further cycles can run without operator
// action. Paused is terminal only until a resume command.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunEscalated, RunPaused:
		return true
	}
	return false
}

// UsageSnapshot is the last budget reading attached to the run state.
type UsageSnapshot struct {
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ReviewerMetrics accumulates reviewer driver outcomes across the run.
type ReviewerMetrics struct {
	PlanReviews        int `json:"plan_reviews"`
	CodeReviews        int `json:"code_reviews"`
	NoVerdicts         int `json:"no_verdicts"`
	PresumedRateLimits int `json:"presumed_rate_limits"`
}

// FlowSummary aggregates flow-tracing findings for a cycle record.
type FlowSummary struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	CrossBoundary int `json:"cross_boundary"`
}

// CycleRecord is one completed plan/execute/review/checkpoint iteration.
type CycleRecord struct {
	Index          int          `json:"index"`
	PlanVersion    int          `json:"plan_version"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksFailed    int          `json:"tasks_failed"`
	PlanApproved   bool         `json:"plan_approved"`
	CodeApproved   bool         `json:"code_approved"`
	PlanRounds     int          `json:"plan_rounds"`
	CodeRounds     int          `json:"code_rounds"`
	DurationSecs   float64      `json:"duration_secs"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	FlowSummary    *FlowSummary `json:"flow_summary,omitempty"`
}

// RunState is the singleton durable state for a project run.
//
// Invariants: CurrentCycle <= MaxCycles; Status == paused iff PausedAt is
// non-nil iff ResumeAfter is non-nil.
type RunState struct {
	Feature         string          `json:"feature"`
	Branch          string          `json:"branch"`
	BaseCommit      string          `json:"base_commit"`
	CurrentCycle    int             `json:"current_cycle"`
	MaxCycles       int             `json:"max_cycles"`
	Concurrency     int             `json:"concurrency"`
	Status          RunStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PausedAt        *time.Time      `json:"paused_at,omitempty"`
	ResumeAfter     *time.Time      `json:"resume_after,omitempty"`
	PauseReason     string          `json:"pause_reason,omitempty"`
	LastUsage       *UsageSnapshot  `json:"last_usage,omitempty"`
	ReviewerMetrics ReviewerMetrics `json:"reviewer_metrics"`
	ActiveSessions  []string        `json:"active_sessions"`
	Cycles          []CycleRecord   `json:"cycles"`
}

// TaskStatus is the task state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskType classifies a unit of work for worker prompt selection.
type TaskType string

const (
	TypeBackendAPI     TaskType = "backend_api"
	TypeFrontendUI     TaskType = "frontend_ui"
	TypeDatabase       TaskType = "database"
	TypeSecurity       TaskType = "security"
	TypeTesting        TaskType = "testing"
	TypeInfrastructure TaskType = "infrastructure"
	TypeGeneral        TaskType = "general"
)

// RiskLevel tags how carefully a task's output should be reviewed.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Task is one unit of work on the shared board.
//
// Invariants: Owner != "" iff Status == in_progress; DependsOn is acyclic;
// Blocks is the derived reverse edge of DependsOn.
type Task struct {
	ID           string     `json:"id"`
	Subject      string     `json:"subject"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Owner        string     `json:"owner,omitempty"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Blocks       []string   `json:"blocks,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Type         TaskType   `json:"task_type"`
	SecurityReqs []string   `json:"security_requirements,omitempty"`
	PerfReqs     []string   `json:"performance_requirements,omitempty"`
	Acceptance   []string   `json:"acceptance_criteria,omitempty"`
	Risk         RiskLevel  `json:"risk_level"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// SessionState is a worker session's lifecycle state.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionWorking  SessionState = "working"
	SessionIdle     SessionState = "idle"
	SessionPausing  SessionState = "pausing"
	SessionPaused   SessionState = "paused"
	SessionDone     SessionState = "done"
	SessionFailed   SessionState = "failed"
)

// SessionStatus is one worker's published status.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	State          SessionState `json:"state"`
	CurrentTask    string       `json:"current_task,omitempty"`
	CompletedTasks []string     `json:"completed_tasks,omitempty"`
	Note           string       `json:"note,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MessageType enumerates coordination message kinds.
type MessageType string

const (
	MsgStatus        MessageType = "status"
	MsgQuestion      MessageType = "question"
	MsgAnswer        MessageType = "answer"
	MsgBroadcast     MessageType = "broadcast"
	MsgWindDown      MessageType = "wind_down"
	MsgTaskCompleted MessageType = "task_completed"
	MsgError         MessageType = "error"
	MsgEscalation    MessageType = "escalation"
)

// Wind-down reasons carried in a wind_down message's metadata.
const (
	WindDownUsageLimit    = "usage_limit"
	WindDownCycleLimit    = "cycle_limit"
	WindDownUserRequested = "user_requested"
)

// Message is an append-only event from a session or the engine. An empty To
// means broadcast.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ContractType enumerates shared interface kinds.
type ContractType string

const (
	ContractAPIEndpoint    ContractType = "api_endpoint"
	ContractTypeDefinition ContractType = "type_definition"
	ContractEventSchema    ContractType = "event_schema"
	ContractDatabaseSchema ContractType = "database_schema"
)

// Contract is one shared interface, unique by ID; last writer wins.
type Contract struct {
	ID           string       `json:"id"`
	Type         ContractType `json:"contract_type"`
	Spec         string       `json:"specification"`
	OwnerTask    string       `json:"owner_task,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// DecisionCategory enumerates architectural decision kinds.
type DecisionCategory string

const (
	DecisionNaming        DecisionCategory = "naming"
	DecisionAuth          DecisionCategory = "auth"
	DecisionDataModel     DecisionCategory = "data_model"
	DecisionErrorHandling DecisionCategory = "error_handling"
	DecisionAPIDesign     DecisionCategory = "api_design"
	DecisionTesting       DecisionCategory = "testing"
	DecisionPerformance   DecisionCategory = "performance"
	DecisionOther         DecisionCategory = "other"
)

// Decision is one recorded architectural choice, append-only.
type Decision struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id,omitempty"`
	SessionID string           `json:"session_id"`
	Category  DecisionCategory `json:"category"`
	Decision  string           `json:"decision"`
	Rationale string           `json:"rationale,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Escalation is the durable record of a request for human guidance.
type Escalation struct {
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Options   []string  `json:"options"`
}
