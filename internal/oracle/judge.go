package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/overhuman/longform/internal/brain"
)

// ErrMalformedVerdict means the judge's reply held no usable verdict.
var ErrMalformedVerdict = errors.New("malformed completion verdict")

// CompletionInput is what the judge sees.
type CompletionInput struct {
	MainGoal     string                     `json:"main_goal"`
	ContextStore map[string]json.RawMessage `json:"context_store"`
	RecentResult json.RawMessage            `json:"recent_results"`
	Reasoning    string                     `json:"orchestrator_reasoning,omitempty"`
}

// Verdict is the judge's decision.
type Verdict struct {
	IsComplete bool    `json:"is_complete"`
	Reasoning  string  `json:"reasoning"`
	CostUSD    float64 `json:"-"`
}

// Judge decides whether a goal has been achieved.
type Judge interface {
	Evaluate(ctx context.Context, in CompletionInput) (*Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, in CompletionInput) (*Verdict, error)

// Evaluate calls f.
func (f JudgeFunc) Evaluate(ctx context.Context, in CompletionInput) (*Verdict, error) {
	return f(ctx, in)
}

const judgePrompt = `Evaluate whether the main goal has been achieved based on:
- Original goal: %s
- Current context: %s
- Recent results: %s

Respond with a JSON object and nothing else:
{"is_complete": <boolean>, "reasoning": "<a detailed explanation>"}`

// LLMJudge asks a model for a JSON verdict.
type LLMJudge struct {
	provider brain.LLMProvider
	model    string
}

// NewLLMJudge creates a judge. An empty model uses the provider default.
func NewLLMJudge(provider brain.LLMProvider, model string) *LLMJudge {
	return &LLMJudge{provider: provider, model: model}
}

func (j *LLMJudge) Evaluate(ctx context.Context, in CompletionInput) (*Verdict, error) {
	ctxJSON := compact(in.ContextStore, "{}")
	recent := "{}"
	if len(in.RecentResult) > 0 {
		recent = string(in.RecentResult)
	}
	resp, err := j.provider.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: "You are a completion evaluation AI. Respond with JSON."},
			{Role: "user", Content: fmt.Sprintf(judgePrompt, in.MainGoal, ctxJSON, recent)},
		},
		Model:    j.model,
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: judge: %w", ErrUnavailable, err)
	}

	var raw struct {
		IsComplete *bool  `json:"is_complete"`
		Reasoning  string `json:"reasoning"`
	}
	if err := brain.ExtractJSON(resp.Content, &raw); err != nil {
		return &Verdict{CostUSD: resp.CostUSD}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if raw.IsComplete == nil {
		return &Verdict{CostUSD: resp.CostUSD}, fmt.Errorf("%w: missing is_complete", ErrMalformedVerdict)
	}
	return &Verdict{IsComplete: *raw.IsComplete, Reasoning: raw.Reasoning, CostUSD: resp.CostUSD}, nil
}
