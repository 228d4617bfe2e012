package task

import (
	"encoding/json"
	"time"
)

// State is the orchestrator's state machine position.
type State string

const (
	StateCreated   State = "CREATED"
	StatePlanning  State = "PLANNING"
	StateActive    State = "ACTIVE"
	StateWaiting   State = "WAITING"
	StateSuspended State = "SUSPENDED"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further cycles may ever run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Runnable reports whether a plain cycle may run in this state.
func (s State) Runnable() bool {
	return s == StateCreated || s == StatePlanning || s == StateActive
}

// Status maps the orchestrator state to the UI-facing status. CREATED has no
// mapping and returns "".
func (s State) Status() Status {
	switch s {
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusError
	case StateSuspended:
		return StatusClarificationPending
	case StatePlanning, StateActive:
		return StatusProcessing
	case StateWaiting:
		return StatusWaiting
	case StatePaused:
		return StatusPaused
	}
	return ""
}

// StepStatus is the status of a dynamic plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
)

// PlanStep is one entry of the append-only dynamic plan.
type PlanStep struct {
	StepID      string          `json:"step_id"`
	Description string          `json:"description"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	SubTaskID   string          `json:"sub_task_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionLogEntry is an immutable record of one applied action.
type ExecutionLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Reasoning string         `json:"agent_reasoning,omitempty"`
}

// ClarificationStatus is pending until the user answers.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationAnswered ClarificationStatus = "answered"
)

// ClarificationRequest is a question put to the user.
type ClarificationRequest struct {
	RequestID   string              `json:"request_id"`
	Question    string              `json:"question"`
	AskedAt     time.Time           `json:"asked_at"`
	Status      ClarificationStatus `json:"status"`
	Response    string              `json:"response,omitempty"`
	RespondedAt *time.Time          `json:"responded_at,omitempty"`
}

// WaitingConfig describes the external event a task is waiting for.
type WaitingConfig struct {
	WaitingFor     string          `json:"waiting_for"`
	StartedAt      time.Time       `json:"started_at"`
	TimeoutAt      time.Time       `json:"timeout_at"`
	MaxRetries     int             `json:"max_retries"`
	CurrentRetries int             `json:"current_retries"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// OrchestratorState is owned exclusively by the orchestrator.
type OrchestratorState struct {
	CurrentState      State                      `json:"current_state"`
	MainGoal          string                     `json:"main_goal"`
	ContextStore      map[string]json.RawMessage `json:"context_store"`
	WaitingConfig     *WaitingConfig             `json:"waiting_config,omitempty"`
	WaitingForSubtask string                     `json:"waiting_for_subtask,omitempty"`

	// LastWait is the most recently cleared waiting config. It feeds the
	// follow-up decision context and retry counting.
	LastWait *WaitingConfig `json:"last_wait,omitempty"`
	// LastResult is the outcome of the previous cycle's action.
	LastResult    json.RawMessage `json:"last_result,omitempty"`
	CycleCount    int             `json:"cycle_count"`
	SpentUSD      float64         `json:"spent_usd"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// State returns the orchestrator state, or "" for tasks without one.
func (t *Task) State() State {
	if t.Orchestrator == nil {
		return ""
	}
	return t.Orchestrator.CurrentState
}

// SetState moves the task to s and keeps the derived fields consistent:
// the UI status follows the orchestrator state, waiting_config only exists
// while WAITING and waiting_for_subtask only while SUSPENDED.
func (t *Task) SetState(s State, now time.Time) {
	o := t.Orchestrator
	if o == nil {
		o = &OrchestratorState{ContextStore: map[string]json.RawMessage{}}
		t.Orchestrator = o
	}
	if s != StateWaiting && o.WaitingConfig != nil {
		o.LastWait = o.WaitingConfig
		o.WaitingConfig = nil
	}
	if s != StateSuspended {
		o.WaitingForSubtask = ""
	}
	o.CurrentState = s

	if s == StateSuspended && o.WaitingForSubtask != "" {
		t.Status = StatusApprovalPending
	} else if st := s.Status(); st != "" {
		t.Status = st
	}
	t.UpdatedAt = now
}

// SuspendForSubtask suspends the task until childID is resolved.
func (t *Task) SuspendForSubtask(childID string, now time.Time) {
	t.Orchestrator.WaitingForSubtask = childID
	t.SetState(StateSuspended, now)
}

// StartWaiting records cfg and moves the task to WAITING. A previous config is
// replaced, never kept alongside.
func (t *Task) StartWaiting(cfg WaitingConfig, now time.Time) {
	t.Orchestrator.WaitingConfig = &cfg
	t.SetState(StateWaiting, now)
}

// Fail moves the task to FAILED with a user-facing reason.
func (t *Task) Fail(reason string, now time.Time) {
	t.SetState(StateFailed, now)
	t.Orchestrator.FailureReason = reason
	t.Error = reason
}

// AppendLog appends one immutable execution log entry.
func (t *Task) AppendLog(now time.Time, action string, details map[string]any, reasoning string) {
	t.ExecutionLog = append(t.ExecutionLog, ExecutionLogEntry{
		Timestamp: now,
		Action:    action,
		Details:   details,
		Reasoning: reasoning,
	})
	t.UpdatedAt = now
}

// RecentLog returns the last k execution log entries.
func (t *Task) RecentLog(k int) []ExecutionLogEntry {
	if k <= 0 || len(t.ExecutionLog) <= k {
		return t.ExecutionLog
	}
	return t.ExecutionLog[len(t.ExecutionLog)-k:]
}

// AppendStep appends a pending step and returns it.
func (t *Task) AppendStep(description string, now time.Time) *PlanStep {
	t.DynamicPlan = append(t.DynamicPlan, PlanStep{
		StepID:      NewID(),
		Description: description,
		Status:      StepPending,
		CreatedAt:   now,
	})
	t.UpdatedAt = now
	return &t.DynamicPlan[len(t.DynamicPlan)-1]
}

// FindStep returns the step with the given id, or nil.
func (t *Task) FindStep(stepID string) *PlanStep {
	if stepID == "" {
		return nil
	}
	for i := range t.DynamicPlan {
		if t.DynamicPlan[i].StepID == stepID {
			return &t.DynamicPlan[i]
		}
	}
	return nil
}

// OldestPendingStep returns the first pending step, or nil.
func (t *Task) OldestPendingStep() *PlanStep {
	for i := range t.DynamicPlan {
		if t.DynamicPlan[i].Status == StepPending {
			return &t.DynamicPlan[i]
		}
	}
	return nil
}

// PendingSteps counts steps not yet completed.
func (t *Task) PendingSteps() int {
	n := 0
	for _, s := range t.DynamicPlan {
		if s.Status == StepPending {
			n++
		}
	}
	return n
}

// LatestStepResult returns the result of the most recently appended step.
func (t *Task) LatestStepResult() json.RawMessage {
	if len(t.DynamicPlan) == 0 {
		return nil
	}
	return t.DynamicPlan[len(t.DynamicPlan)-1].Result
}

// Complete marks the step completed with result.
func (s *PlanStep) Complete(result json.RawMessage, now time.Time) {
	s.Status = StepCompleted
	s.Result = result
	s.CompletedAt = &now
}

// PendingClarification returns the pending request, or nil. When more than one
// is pending the oldest is returned.
func (t *Task) PendingClarification() *ClarificationRequest {
	for i := range t.ClarificationRequests {
		if t.ClarificationRequests[i].Status == ClarificationPending {
			return &t.ClarificationRequests[i]
		}
	}
	return nil
}

// FindClarification returns the request with the given id, or nil.
func (t *Task) FindClarification(requestID string) *ClarificationRequest {
	for i := range t.ClarificationRequests {
		if t.ClarificationRequests[i].RequestID == requestID {
			return &t.ClarificationRequests[i]
		}
	}
	return nil
}

// SetContext writes one context store entry.
func (t *Task) SetContext(key string, value json.RawMessage) {
	if t.Orchestrator.ContextStore == nil {
		t.Orchestrator.ContextStore = map[string]json.RawMessage{}
	}
	t.Orchestrator.ContextStore[key] = value
}
