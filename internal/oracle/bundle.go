package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/overhuman/longform/internal/task"
)

// Bundle is everything the oracle sees for one decision.
type Bundle struct {
	TaskID               string                      `json:"task_id"`
	MainGoal             string                      `json:"main_goal"`
	CurrentState         task.State                  `json:"current_state"`
	DynamicPlan          []task.PlanStep             `json:"dynamic_plan"`
	ContextStore         map[string]json.RawMessage  `json:"context_store"`
	ExecutionLog         []task.ExecutionLogEntry    `json:"execution_log"`
	ClarificationHistory []task.ClarificationRequest `json:"clarification_history"`

	// LastResult is the outcome of the previous cycle's action, such as a
	// sub-task result or a get_context read.
	LastResult json.RawMessage `json:"last_result,omitempty"`

	// FollowUp is set when the cycle resumes after a wait timed out.
	FollowUp *FollowUp `json:"follow_up,omitempty"`
}

// FollowUp is the decision context after a wait.
type FollowUp struct {
	WaitingFor       string          `json:"waiting_for"`
	TimeElapsed      time.Duration   `json:"time_elapsed"`
	PreviousAttempts int             `json:"previous_attempts"`
	MaxRetries       int             `json:"max_retries"`
	Context          json.RawMessage `json:"context,omitempty"`
}

// NewBundle snapshots t with the last k execution log entries.
func NewBundle(t *task.Task, k int) Bundle {
	b := Bundle{
		TaskID:               t.TaskID,
		DynamicPlan:          t.DynamicPlan,
		ExecutionLog:         t.RecentLog(k),
		ClarificationHistory: t.ClarificationRequests,
	}
	if o := t.Orchestrator; o != nil {
		b.MainGoal = o.MainGoal
		b.CurrentState = o.CurrentState
		b.ContextStore = o.ContextStore
		b.LastResult = o.LastResult
	}
	return b
}

// Render serializes the bundle as the user turn of the decision prompt.
func (b Bundle) Render() string {
	var sb strings.Builder
	if f := b.FollowUp; f != nil {
		sb.WriteString("You have been waiting for a response and the timeout has been reached. ")
		sb.WriteString("Decide on the next action: wait longer, send a follow-up through a sub-task, ")
		sb.WriteString("ask the user, or try an alternative path.\n\n")
		fmt.Fprintf(&sb, "- Waiting for: %s\n", f.WaitingFor)
		fmt.Fprintf(&sb, "- Time elapsed: %s\n", f.TimeElapsed.Round(time.Second))
		fmt.Fprintf(&sb, "- Previous attempts: %d of %d\n", f.PreviousAttempts, f.MaxRetries)
		if len(f.Context) > 0 {
			fmt.Fprintf(&sb, "- Wait context: %s\n", f.Context)
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("Determine the SINGLE next action that moves the task toward its main goal ")
		sb.WriteString("and make exactly one tool call.\n\n")
	}

	fmt.Fprintf(&sb, "Task ID: %s\n", b.TaskID)
	fmt.Fprintf(&sb, "Main Goal: %s\n", b.MainGoal)
	fmt.Fprintf(&sb, "Current State: %s\n", b.CurrentState)
	fmt.Fprintf(&sb, "Dynamic Plan: %s\n", compact(b.DynamicPlan, "[]"))
	fmt.Fprintf(&sb, "Context Store: %s\n", compact(b.ContextStore, "{}"))
	fmt.Fprintf(&sb, "Execution History: %s\n", compact(b.ExecutionLog, "[]"))
	fmt.Fprintf(&sb, "Clarification History: %s\n", compact(b.ClarificationHistory, "[]"))
	if len(b.LastResult) > 0 {
		fmt.Fprintf(&sb, "Result Of Previous Action: %s\n", b.LastResult)
	}
	return sb.String()
}

func compact(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}
