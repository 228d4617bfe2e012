package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/observability"
)

// Decision is the oracle's answer for one cycle.
type Decision struct {
	Action Action
	// Ignored counts extra tool calls beyond the first.
	Ignored   int
	Text      string
	Model     string
	CostUSD   float64
	LatencyMs int64
}

// Oracle chooses the next action for a task.
type Oracle interface {
	Decide(ctx context.Context, b Bundle) (*Decision, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, b Bundle) (*Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, b Bundle) (*Decision, error) { return f(ctx, b) }

// LLMOracle asks a tool-calling model for exactly one action.
type LLMOracle struct {
	provider     brain.LLMProvider
	model        string
	capabilities []string
	log          *observability.Logger
}

// LLMOption configures an LLMOracle.
type LLMOption func(*LLMOracle)

// WithModel overrides the provider's default model.
func WithModel(model string) LLMOption {
	return func(o *LLMOracle) { o.model = model }
}

// WithCapabilities lists the tools sub-tasks can use, so the model can
// phrase sub-task descriptions for them.
func WithCapabilities(tools []string) LLMOption {
	return func(o *LLMOracle) { o.capabilities = tools }
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) LLMOption {
	return func(o *LLMOracle) { o.log = l.Component("oracle") }
}

// NewLLMOracle creates an oracle backed by provider.
func NewLLMOracle(provider brain.LLMProvider, opts ...LLMOption) *LLMOracle {
	o := &LLMOracle{provider: provider, log: observability.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decide renders b, calls the model with the eight action tools and decodes
// the first tool call.
func (o *LLMOracle) Decide(ctx context.Context, b Bundle) (*Decision, error) {
	resp, err := o.provider.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: SystemPrompt(o.capabilities)},
			{Role: "user", Content: b.Render()},
		},
		Model:       o.model,
		Temperature: 0.2,
		Tools:       ToolDefinitions(),
		ToolChoice:  "required",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	d := &Decision{
		Text:      resp.Content,
		Model:     resp.Model,
		CostUSD:   resp.CostUSD,
		LatencyMs: resp.LatencyMs,
	}
	if len(resp.ToolCalls) == 0 {
		return d, &DecodeError{Reason: "model returned no action"}
	}
	if n := len(resp.ToolCalls); n > 1 {
		d.Ignored = n - 1
		o.log.Warn("model returned several actions, using the first",
			"task_id", b.TaskID, "count", n, "first", resp.ToolCalls[0].Name)
	}

	call := resp.ToolCalls[0]
	a, err := Decode(call.Name, call.Input)
	if err != nil {
		return d, err
	}
	d.Action = a
	return d, nil
}

// SystemPrompt is the orchestrator's standing instruction.
func SystemPrompt(capabilities []string) string {
	var sb strings.Builder
	sb.WriteString(`You are a task orchestrator. You drive a long-running user goal to completion by choosing ONE action per turn.

You cannot call email, calendar, document or messaging tools yourself. Work that needs them goes into a sub-task (create_subtask) executed by a separate agent.

Rules:
- Never invent ids, URLs or values such as thread ids or document ids. Take them from the context store, the execution history or earlier results. If they are missing, fetch them with a sub-task first.
- Store ids and other facts later steps need with update_context.
- Give sub-tasks every detail they need (dates, names, addresses). They cannot read the context store.
- Use wait for external events such as an email reply. Do not use wait for sub-tasks.
- After a sub-task result arrives, mark the step complete and plan the next step.
- Call evaluate_completion only when you believe the goal has been achieved.
- After wait, ask_user_clarification or a sub-task that needs approval the turn ends.
`)
	if len(capabilities) > 0 {
		sb.WriteString("\nSub-tasks can use these tools: ")
		sb.WriteString(strings.Join(capabilities, ", "))
		sb.WriteString(".\n")
	}
	return sb.String()
}

// ToolDefinitions returns the eight action tools with their JSON schemas.
func ToolDefinitions() []brain.Tool {
	return []brain.Tool{
		{
			Name:        string(KindUpdatePlan),
			Description: "Append one new step to the dynamic plan to be executed next. Optionally revise the main goal.",
			InputSchema: schema(map[string]any{
				"next_step_description": str("What the next step must accomplish."),
				"reasoning":             str("Why this is the next step."),
				"main_goal_update":      str("Revised main goal, only when it changed."),
			}, "next_step_description", "reasoning"),
		},
		{
			Name:        string(KindUpdateContext),
			Description: "Store a fact such as a thread id or document id in the task's context store for later steps.",
			InputSchema: schema(map[string]any{
				"key":       str("Context key."),
				"value":     map[string]any{"description": "Any JSON value."},
				"reasoning": str("Why this must be remembered."),
			}, "key", "value", "reasoning"),
		},
		{
			Name:        string(KindGetContext),
			Description: "Read one key from the context store, or the whole store when key is omitted.",
			InputSchema: schema(map[string]any{
				"key":       str("Context key to read."),
				"reasoning": str("Why the value is needed."),
			}),
		},
		{
			Name:        string(KindCreateSubtask),
			Description: "Create and run a sub-task for a plan step. Auto-approved sub-tasks return their result immediately; otherwise the task is suspended for user approval.",
			InputSchema: schema(map[string]any{
				"step_id":             str("The plan step this sub-task carries out."),
				"subtask_description": str("Complete instructions for the sub-task agent."),
				"context":             map[string]any{"type": "object", "description": "Ids and facts the sub-task needs."},
				"reasoning":           str("Why this sub-task is needed."),
			}, "step_id", "subtask_description", "reasoning"),
		},
		{
			Name:        string(KindWait),
			Description: "Wait for an external event such as an email reply. Ends the turn.",
			InputSchema: schema(map[string]any{
				"wait_for_event":  str("Name of the awaited event, e.g. email_reply."),
				"timeout_minutes": map[string]any{"type": "integer", "minimum": 1, "maximum": MaxWaitMinutes},
				"max_retries":     map[string]any{"type": "integer", "minimum": 0},
				"context":         map[string]any{"type": "object"},
				"reasoning":       str("Why waiting is the right move."),
			}, "wait_for_event", "timeout_minutes", "reasoning"),
		},
		{
			Name:        string(KindAskClarification),
			Description: "Ask the user a question when you cannot proceed without their input. Ends the turn.",
			InputSchema: schema(map[string]any{
				"question":  str("The question for the user."),
				"urgency":   map[string]any{"type": "string", "enum": []string{"low", "normal", "high"}},
				"reasoning": str("Why the user must be asked."),
			}, "question", "reasoning"),
		},
		{
			Name:        string(KindMarkStepComplete),
			Description: "Mark a plan step completed and store its result.",
			InputSchema: schema(map[string]any{
				"step_id":   str("Id of the completed step."),
				"result":    map[string]any{"description": "The step's result as JSON."},
				"reasoning": str("Why the step is complete."),
			}, "step_id", "result", "reasoning"),
		},
		{
			Name:        string(KindEvaluateCompletion),
			Description: "Ask an independent judge whether the main goal has been achieved.",
			InputSchema: schema(map[string]any{
				"reasoning": str("Why you believe the goal is achieved."),
			}, "reasoning"),
		},
	}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func schema(props map[string]any, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	data, _ := json.Marshal(s)
	return data
}
