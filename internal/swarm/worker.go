package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/budget"
	"github.com/overhuman/longform/internal/executor"
	"github.com/overhuman/longform/internal/task"
)

// ItemInput is everything one item worker sees.
type ItemInput struct {
	Goal         string
	Item         json.RawMessage
	WorkerPrompt string
	// Tools are the item group's required tools.
	Tools  []string
	TaskID string
}

// ItemWorker processes a single swarm item.
type ItemWorker interface {
	Run(ctx context.Context, in ItemInput) (json.RawMessage, error)
}

// WorkerFunc adapts a function to ItemWorker.
type WorkerFunc func(ctx context.Context, in ItemInput) (json.RawMessage, error)

func (f WorkerFunc) Run(ctx context.Context, in ItemInput) (json.RawMessage, error) { return f(ctx, in) }

// LLMItemWorker runs one bounded model call per item.
type LLMItemWorker struct {
	llm       brain.LLMProvider
	tools     *executor.ToolRegistry
	budget    *budget.Tracker
	model     string
	maxTokens int
}

// NewLLMItemWorker creates a worker. A nil registry offers only the builtin
// tools.
func NewLLMItemWorker(llm brain.LLMProvider, tools *executor.ToolRegistry, model string, b *budget.Tracker) *LLMItemWorker {
	if tools == nil {
		tools = executor.NewToolRegistry(nil)
	}
	return &LLMItemWorker{llm: llm, tools: tools, budget: b, model: model, maxTokens: 1024}
}

const itemPrompt = `%s

Item:
%s

Overall goal: %s
Tools you may use: %s

Work only on this item. Return a single result as plain text or JSON.`

func (w *LLMItemWorker) Run(ctx context.Context, in ItemInput) (json.RawMessage, error) {
	tools := "none"
	if usable := w.tools.Filter(in.Tools); len(usable) > 0 {
		tools = strings.Join(usable, ", ")
	}
	resp, err := w.llm.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: "You are a worker agent processing one item of a larger batch."},
			{Role: "user", Content: fmt.Sprintf(itemPrompt, in.WorkerPrompt, in.Item, in.Goal, tools)},
		},
		Model:     w.model,
		MaxTokens: w.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	w.budget.Record(in.TaskID, resp.CostUSD)
	return brain.AsJSON(resp.Content), nil
}

// Synthesizer turns all item results into the swarm's final result.
type Synthesizer interface {
	Synthesize(ctx context.Context, goal string, results []task.ItemResult) (json.RawMessage, error)
}

// SynthFunc adapts a function to Synthesizer.
type SynthFunc func(ctx context.Context, goal string, results []task.ItemResult) (json.RawMessage, error)

func (f SynthFunc) Synthesize(ctx context.Context, goal string, results []task.ItemResult) (json.RawMessage, error) {
	return f(ctx, goal, results)
}

// LLMSynthesizer asks a model to summarize the item results.
type LLMSynthesizer struct {
	llm   brain.LLMProvider
	model string
}

// NewLLMSynthesizer creates a synthesizer.
func NewLLMSynthesizer(llm brain.LLMProvider, model string) *LLMSynthesizer {
	return &LLMSynthesizer{llm: llm, model: model}
}

const synthPrompt = `The goal was: %s

Each item was processed independently. Results (failed items carry an error):
%s

Write the final result for the user. Mention failed items briefly.`

func (s *LLMSynthesizer) Synthesize(ctx context.Context, goal string, results []task.ItemResult) (json.RawMessage, error) {
	data, _ := json.Marshal(results)
	resp, err := s.llm.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: "You combine the results of parallel workers into one answer."},
			{Role: "user", Content: fmt.Sprintf(synthPrompt, goal, data)},
		},
		Model: s.model,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return brain.AsJSON(resp.Content), nil
}
