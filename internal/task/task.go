// Package task defines the persistent Task document shared by the orchestrator,
// the sub-task executor and the swarm aggregator.
//
// A Task is always read and written as a whole document. The orchestrator-owned
// parts (OrchestratorState, DynamicPlan, ExecutionLog, ClarificationRequests)
// only change through the helpers in this package so the state invariants hold
// no matter which trigger performed the write.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType distinguishes simple, swarm and long-form tasks.
type TaskType string

const (
	TypeSingle   TaskType = "single"
	TypeSwarm    TaskType = "swarm"
	TypeLongForm TaskType = "long_form"
)

// Status is the coarse, UI-facing task status.
type Status string

const (
	StatusPending              Status = "pending"
	StatusProcessing           Status = "processing"
	StatusWaiting              Status = "waiting"
	StatusClarificationPending Status = "clarification_pending"
	StatusApprovalPending      Status = "approval_pending"
	StatusPlanned              Status = "planned"
	StatusCompleted            Status = "completed"
	StatusCompletedWithErrors  Status = "completed_with_errors"
	StatusError                Status = "error"
	StatusPaused               Status = "paused"
)

// Terminal reports whether a sub-task in this status will not change again
// without user action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors || s == StatusError
}

// Source values for OriginalContext.Source.
const (
	SourceUser            = "user"
	SourceLongFormSubtask = "long_form_subtask"
	SourceSwarmSubtask    = "swarm_subtask"
)

// PlanItem is one entry of the static plan of a simple task.
type PlanItem struct {
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

// Run is one execution attempt of a task. Runs are append-only.
type Run struct {
	RunID       string          `json:"run_id"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// OriginalContext records where a task came from.
type OriginalContext struct {
	Source       string          `json:"source"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	ParentStepID string          `json:"parent_step_id,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	AutoApprove  bool            `json:"auto_approve"`

	// Swarm item linkage.
	ItemIndex     int             `json:"item_index,omitempty"`
	Item          json.RawMessage `json:"item,omitempty"`
	WorkerPrompt  string          `json:"worker_prompt,omitempty"`
	RequiredTools []string        `json:"required_tools,omitempty"`
}

// Task is the unit of work.
type Task struct {
	TaskID              string   `json:"task_id"`
	OwnerID             string   `json:"owner_id"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	TaskType            TaskType `json:"task_type"`
	Status              Status   `json:"status"`
	AutoApproveSubtasks bool     `json:"auto_approve_subtasks"`

	Plan            []PlanItem       `json:"plan,omitempty"`
	Runs            []Run            `json:"runs,omitempty"`
	OriginalContext *OriginalContext `json:"original_context,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`

	// Long-form only.
	Orchestrator          *OrchestratorState     `json:"orchestrator_state,omitempty"`
	DynamicPlan           []PlanStep             `json:"dynamic_plan,omitempty"`
	ExecutionLog          []ExecutionLogEntry    `json:"execution_log,omitempty"`
	ClarificationRequests []ClarificationRequest `json:"clarification_requests,omitempty"`

	// Swarm only.
	SwarmDetails *SwarmDetails `json:"swarm_details,omitempty"`

	// Version is bumped by the store on every successful write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParentTaskID returns the parent linkage, or "" for top-level tasks.
func (t *Task) ParentTaskID() string {
	if t.OriginalContext == nil {
		return ""
	}
	return t.OriginalContext.ParentTaskID
}

// LastRun returns the most recent run, or nil.
func (t *Task) LastRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.New().String()
}

// NewLongForm creates a long-form task in the CREATED state.
func NewLongForm(ownerID, goal string, autoApprove bool, now time.Time) *Task {
	return &Task{
		TaskID:              NewID(),
		OwnerID:             ownerID,
		Name:                goal,
		Description:         goal,
		TaskType:            TypeLongForm,
		Status:              StatusPending,
		AutoApproveSubtasks: autoApprove,
		OriginalContext:     &OriginalContext{Source: SourceUser},
		Orchestrator: &OrchestratorState{
			CurrentState: StateCreated,
			MainGoal:     goal,
			ContextStore: map[string]json.RawMessage{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSubtask creates a single-type child task for one plan step of parent.
func NewSubtask(parent *Task, stepID, description string, ctx json.RawMessage, now time.Time) *Task {
	return &Task{
		TaskID:      NewID(),
		OwnerID:     parent.OwnerID,
		Name:        description,
		Description: description,
		TaskType:    TypeSingle,
		Status:      StatusPending,
		OriginalContext: &OriginalContext{
			Source:       SourceLongFormSubtask,
			ParentTaskID: parent.TaskID,
			ParentStepID: stepID,
			Context:      ctx,
			AutoApprove:  parent.AutoApproveSubtasks,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
