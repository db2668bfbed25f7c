package engine

// NextAction is the checkpoint outcome for a cycle.
type NextAction string

const (
	ActionContinue NextAction = "continue"
	ActionComplete NextAction = "complete"
	ActionEscalate NextAction = "escalate"
	ActionPause    NextAction = "pause"
)

// Checkpoint reasons, recorded with the decision and reused as wind-down
// and pause reasons where they coincide.
const (
	ReasonUserRequested    = "user_requested"
	ReasonUsageLimit       = "usage_limit"
	ReasonFlowFindings     = "flow_findings"
	ReasonReviewUnapproved = "review_unapproved"
	ReasonAllDone          = "all_done"
	ReasonCycleLimit       = "cycle_limit"
	ReasonWorkRemaining    = "work_remaining"

	// ReasonRateLimited marks a pause forced by the reviewer going
	// unresponsive.
	ReasonRateLimited = "rate_limited"
)

// CheckpointInput is everything the decision table looks at.
type CheckpointInput struct {
	UserPauseRequested bool
	BudgetConstrained  bool // wind-down or critical
	BlockingFindings   bool // any critical or high flow finding
	ReviewRan          bool
	CodeApproved       bool
	Remaining          int // pending + in_progress
	Failed             int
	CurrentCycle       int
	MaxCycles          int
}

// Decide applies the checkpoint decision table; the first matching row wins.
func Decide(in CheckpointInput) (NextAction, string) {
	switch {
	case in.UserPauseRequested:
		return ActionPause, ReasonUserRequested
	case in.BudgetConstrained:
		return ActionPause, ReasonUsageLimit
	case in.BlockingFindings:
		return ActionContinue, ReasonFlowFindings
	case in.ReviewRan && !in.CodeApproved:
		return ActionContinue, ReasonReviewUnapproved
	case in.Remaining == 0 && in.Failed == 0:
		return ActionComplete, ReasonAllDone
	case in.CurrentCycle+1 >= in.MaxCycles:
		return ActionEscalate, ReasonCycleLimit
	case in.Remaining > 0 || in.Failed > 0:
		return ActionContinue, ReasonWorkRemaining
	default:
		return ActionComplete, ReasonAllDone
	}
}
