// Package oracle is the boundary to the decision-making model.
//
// The oracle receives a Bundle describing the task and answers with exactly
// one Action from a closed set. Decode turns a raw tool call into a typed
// Action; anything it cannot decode is an ErrMalformedAction and is never
// guessed at.
package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind names one of the eight orchestrator actions.
type Kind string

const (
	KindUpdatePlan         Kind = "update_plan"
	KindUpdateContext      Kind = "update_context"
	KindGetContext         Kind = "get_context"
	KindCreateSubtask      Kind = "create_subtask"
	KindWait               Kind = "wait"
	KindAskClarification   Kind = "ask_user_clarification"
	KindMarkStepComplete   Kind = "mark_step_complete"
	KindEvaluateCompletion Kind = "evaluate_completion"
)

// Kinds lists every action in the order they are offered to the model.
var Kinds = []Kind{
	KindUpdatePlan,
	KindUpdateContext,
	KindGetContext,
	KindCreateSubtask,
	KindWait,
	KindAskClarification,
	KindMarkStepComplete,
	KindEvaluateCompletion,
}

var (
	// ErrMalformedAction covers unknown action names and invalid arguments.
	ErrMalformedAction = errors.New("malformed oracle action")
	// ErrUnavailable means the decision call itself failed.
	ErrUnavailable = errors.New("decision oracle unavailable")
)

// DecodeError describes why an action could not be decoded.
type DecodeError struct {
	Action string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("malformed oracle action: %s", e.Reason)
	}
	return fmt.Sprintf("malformed oracle action %q: %s", e.Action, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedAction }

// Action is one decoded oracle decision.
type Action interface {
	Kind() Kind
	// Why returns the model's stated reasoning.
	Why() string
	validate() error
}

// UpdatePlan appends one pending step and optionally rewrites the goal.
type UpdatePlan struct {
	NextStepDescription string `json:"next_step_description"`
	Reasoning           string `json:"reasoning"`
	MainGoalUpdate      string `json:"main_goal_update,omitempty"`
}

// UpdateContext writes one context store entry.
type UpdateContext struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Reasoning string          `json:"reasoning"`
}

// GetContext reads one entry, or the whole store when Key is empty.
type GetContext struct {
	Key       string `json:"key,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// CreateSubtask spawns a child task for a plan step.
type CreateSubtask struct {
	StepID             string          `json:"step_id"`
	SubtaskDescription string          `json:"subtask_description"`
	Context            json.RawMessage `json:"context,omitempty"`
	Reasoning          string          `json:"reasoning"`
}

// Wait suspends the task until an external event or the timeout.
type Wait struct {
	WaitForEvent   string          `json:"wait_for_event"`
	TimeoutMinutes int             `json:"timeout_minutes"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	Reasoning      string          `json:"reasoning"`
}

// DefaultMaxRetries applies when a wait does not name one.
const DefaultMaxRetries = 3

// MaxWaitMinutes bounds a single wait to one year.
const MaxWaitMinutes = 365 * 24 * 60

// Retries returns MaxRetries or the default.
func (a Wait) Retries() int {
	if a.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *a.MaxRetries
}

// AskUserClarification suspends the task until the user answers.
type AskUserClarification struct {
	Question  string `json:"question"`
	Urgency   string `json:"urgency,omitempty"`
	Reasoning string `json:"reasoning"`
}

// MarkStepComplete completes a plan step with a result.
type MarkStepComplete struct {
	StepID    string          `json:"step_id"`
	Result    json.RawMessage `json:"result"`
	Reasoning string          `json:"reasoning"`
}

// EvaluateCompletion asks the completion judge whether the goal is met.
type EvaluateCompletion struct {
	Reasoning string `json:"reasoning"`
}

func (UpdatePlan) Kind() Kind           { return KindUpdatePlan }
func (UpdateContext) Kind() Kind        { return KindUpdateContext }
func (GetContext) Kind() Kind           { return KindGetContext }
func (CreateSubtask) Kind() Kind        { return KindCreateSubtask }
func (Wait) Kind() Kind                 { return KindWait }
func (AskUserClarification) Kind() Kind { return KindAskClarification }
func (MarkStepComplete) Kind() Kind     { return KindMarkStepComplete }
func (EvaluateCompletion) Kind() Kind   { return KindEvaluateCompletion }

func (a UpdatePlan) Why() string           { return a.Reasoning }
func (a UpdateContext) Why() string        { return a.Reasoning }
func (a GetContext) Why() string           { return a.Reasoning }
func (a CreateSubtask) Why() string        { return a.Reasoning }
func (a Wait) Why() string                 { return a.Reasoning }
func (a AskUserClarification) Why() string { return a.Reasoning }
func (a MarkStepComplete) Why() string     { return a.Reasoning }
func (a EvaluateCompletion) Why() string   { return a.Reasoning }

func (a UpdatePlan) validate() error {
	return required("next_step_description", a.NextStepDescription)
}

func (a UpdateContext) validate() error {
	if err := required("key", a.Key); err != nil {
		return err
	}
	if len(a.Value) == 0 {
		return errors.New("missing required argument \"value\"")
	}
	return nil
}

func (GetContext) validate() error { return nil }

func (a CreateSubtask) validate() error {
	if err := required("step_id", a.StepID); err != nil {
		return err
	}
	if err := required("subtask_description", a.SubtaskDescription); err != nil {
		return err
	}
	return objectOrNull("context", a.Context)
}

func (a Wait) validate() error {
	if err := required("wait_for_event", a.WaitForEvent); err != nil {
		return err
	}
	if a.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout_minutes must be positive, got %d", a.TimeoutMinutes)
	}
	if a.TimeoutMinutes > MaxWaitMinutes {
		return fmt.Errorf("timeout_minutes must be at most %d, got %d", MaxWaitMinutes, a.TimeoutMinutes)
	}
	if a.MaxRetries != nil && *a.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", *a.MaxRetries)
	}
	return objectOrNull("context", a.Context)
}

func (a AskUserClarification) validate() error {
	return required("question", a.Question)
}

func (a MarkStepComplete) validate() error {
	return required("step_id", a.StepID)
}

func (EvaluateCompletion) validate() error { return nil }

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("missing required argument %q", name)
	}
	return nil
}

func objectOrNull(name string, raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '{' {
		return nil
	}
	return fmt.Errorf("argument %q must be an object", name)
}

// Decode turns a tool call into a typed Action. Errors are *DecodeError.
func Decode(name string, args json.RawMessage) (Action, error) {
	var a Action
	switch Kind(name) {
	case KindUpdatePlan:
		a = &UpdatePlan{}
	case KindUpdateContext:
		a = &UpdateContext{}
	case KindGetContext:
		a = &GetContext{}
	case KindCreateSubtask:
		a = &CreateSubtask{}
	case KindWait:
		a = &Wait{}
	case KindAskClarification:
		a = &AskUserClarification{}
	case KindMarkStepComplete:
		a = &MarkStepComplete{}
	case KindEvaluateCompletion:
		a = &EvaluateCompletion{}
	default:
		return nil, &DecodeError{Action: name, Reason: "unknown action"}
	}

	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, a); err != nil {
		return nil, &DecodeError{Action: name, Reason: "invalid arguments: " + err.Error()}
	}
	if err := a.validate(); err != nil {
		return nil, &DecodeError{Action: name, Reason: err.Error()}
	}
	return deref(a), nil
}

// deref returns the value form so handlers switch on concrete types.
func deref(a Action) Action {
	switch v := a.(type) {
	case *UpdatePlan:
		return *v
	case *UpdateContext:
		return *v
	case *GetContext:
		return *v
	case *CreateSubtask:
		return *v
	case *Wait:
		return *v
	case *AskUserClarification:
		return *v
	case *MarkStepComplete:
		return *v
	case *EvaluateCompletion:
		return *v
	}
	return a
}
