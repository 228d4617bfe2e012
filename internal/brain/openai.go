package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// openaiPricing maps model identifier substrings to (input, output) cost per 1M tokens.
var openaiPricing = map[string][2]float64{
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4o":       {2.50, 10.0},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1":      {2.00, 8.00},
}

// pricingOrder lists pricing keys most specific first.
var pricingOrder = []string{"gpt-4.1-mini", "gpt-4.1", "gpt-4o-mini", "gpt-4o"}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openai.ClientConfig, *OpenAIProvider)

// WithOpenAIBaseURL overrides the API base URL, e.g. for an OpenAI-compatible
// gateway. The URL must include the version path ("/v1").
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig, _ *OpenAIProvider) {
		c.BaseURL = strings.TrimRight(url, "/")
	}
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openai.ClientConfig, _ *OpenAIProvider) {
		c.HTTPClient = hc
	}
}

// WithOpenAIDefaultModel sets the default model.
func WithOpenAIDefaultModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, p *OpenAIProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

// OpenAIProvider implements LLMProvider on the OpenAI chat completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	p := &OpenAIProvider{defaultModel: openai.GPT4oMini}
	for _, opt := range opts {
		opt(&cfg, p)
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Models returns the list of supported models.
func (p *OpenAIProvider) Models() []string {
	return []string{openai.GPT4o, openai.GPT4oMini, "gpt-4.1", "gpt-4.1-mini"}
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		creq.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			creq.ToolChoice = req.ToolChoice
		}
	}
	if req.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	result := &LLMResponse{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMs:    latency,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.StopReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	result.CostUSD = openaiCalculateCost(resp.Model, result.InputTokens, result.OutputTokens)
	return result, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func convertTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// openaiCalculateCost computes USD cost based on model and token counts.
// Unknown models are priced as gpt-4o.
func openaiCalculateCost(model string, inputTokens, outputTokens int) float64 {
	pricing := openaiPricing["gpt-4o"]
	for _, key := range pricingOrder {
		if strings.Contains(model, key) {
			pricing = openaiPricing[key]
			break
		}
	}
	inputCost := float64(inputTokens) / 1_000_000 * pricing[0]
	outputCost := float64(outputTokens) / 1_000_000 * pricing[1]
	return inputCost + outputCost
}
