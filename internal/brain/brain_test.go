package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- OpenAI Provider Tests ---

func TestOpenAIProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth")
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		if body["tool_choice"] != "required" {
			t.Errorf("tool_choice = %v", body["tool_choice"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "update_plan", "arguments": "{\"next_step_description\":\"x\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 80, "completion_tokens": 40, "total_tokens": 120}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", WithOpenAIBaseURL(srv.URL+"/v1"))
	resp, err := p.Complete(context.Background(), LLMRequest{
		Messages:   []Message{{Role: "user", Content: "Hi"}},
		Tools:      []Tool{{Name: "update_plan", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: "required",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "update_plan" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Input) != `{"next_step_description":"x"}` {
		t.Errorf("Input = %s", resp.ToolCalls[0].Input)
	}
	if resp.InputTokens != 80 || resp.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CostUSD <= 0 {
		t.Errorf("CostUSD = %f", resp.CostUSD)
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", WithOpenAIBaseURL(srv.URL+"/v1"))
	if _, err := p.Complete(context.Background(), LLMRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestOpenAIProvider_CostCalculation(t *testing.T) {
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o", 2.50 + 10.0},
		{"gpt-4o-mini-2024-07-18", 0.15 + 0.60},
		{"gpt-4.1-mini", 0.40 + 1.60},
		{"some-unknown-model", 2.50 + 10.0},
	}
	for _, tt := range tests {
		got := openaiCalculateCost(tt.model, 1_000_000, 1_000_000)
		if fmt.Sprintf("%.2f", got) != fmt.Sprintf("%.2f", tt.want) {
			t.Errorf("cost(%s) = %f, want %f", tt.model, got, tt.want)
		}
	}
}

func TestOpenAIProvider_ImplementsInterface(t *testing.T) {
	var _ LLMProvider = (*OpenAIProvider)(nil)
	var _ LLMProvider = ProviderFunc(nil)
}

func TestOpenAIProvider_Name(t *testing.T) {
	p := NewOpenAIProvider("key", WithOpenAIDefaultModel("gpt-4.1"))
	if p.Name() != "openai" {
		t.Errorf("Name = %q", p.Name())
	}
	if p.defaultModel != "gpt-4.1" {
		t.Errorf("defaultModel = %q", p.defaultModel)
	}
}

// --- ExtractJSON Tests ---

func TestExtractJSON(t *testing.T) {
	type verdict struct {
		IsComplete bool   `json:"is_complete"`
		Reasoning  string `json:"reasoning"`
	}
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", `{"is_complete": true, "reasoning": "done"}`, true},
		{"fenced", "```json\n{\"is_complete\": true, \"reasoning\": \"done\"}\n```", true},
		{"prose", `Sure. Here is my verdict: {"is_complete": true, "reasoning": "done"} Thanks!`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v verdict
			if err := ExtractJSON(tt.in, &v); err != nil {
				t.Fatal(err)
			}
			if v.IsComplete != tt.want || v.Reasoning != "done" {
				t.Errorf("got %+v", v)
			}
		})
	}
}

func TestExtractJSON_None(t *testing.T) {
	var v map[string]any
	if err := ExtractJSON("no json here", &v); err != ErrNoJSON {
		t.Errorf("err = %v, want ErrNoJSON", err)
	}
}

func TestAsJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Email sent.", `"Email sent."`},
		{"```json\n{\"ok\":1}\n```", `{"ok":1}`},
		{`[1,2]`, `[1,2]`},
	}
	for _, tt := range tests {
		if got := string(AsJSON(tt.in)); got != tt.want {
			t.Errorf("AsJSON(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
