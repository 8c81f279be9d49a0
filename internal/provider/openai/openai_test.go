package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-fanout/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o",
			Choices: []openAIChoice{
				{
					Message:      openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"},
					FinishReason: "stop",
				},
			},
			Usage: openAIUsage{PromptTokens: 5, CompletionTokens: 7},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &OpenAIUpstream{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", resp.Content)
	}
	if resp.FinishReason != provider.FinishStop {
		t.Errorf("Expected finish reason %q, got %q", provider.FinishStop, resp.FinishReason)
	}
	if resp.InputTokens != 5 || resp.OutputTokens != 7 {
		t.Errorf("Expected 5/7 tokens, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestComplete_LengthStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{
			ID: "chatcmpl-456",
			Choices: []openAIChoice{
				{Message: openAIMessage{Content: "cut off"}, FinishReason: "length"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &OpenAIUpstream{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.FinishReason != provider.FinishLength {
		t.Errorf("Expected finish reason %q, got %q", provider.FinishLength, resp.FinishReason)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	p := &OpenAIUpstream{apiKey: "test-key", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("Expected error for 429 response")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunk1, _ := json.Marshal(openAIResponse{
			Choices: []openAIChoice{{Delta: openAIDelta{Content: "Hello"}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk1)

		chunk2, _ := json.Marshal(openAIResponse{
			Choices: []openAIChoice{{Delta: openAIDelta{Content: " world!"}, FinishReason: "stop"}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk2)

		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := &OpenAIUpstream{apiKey: "test-key", baseURL: server.URL}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		content += chunk.Delta
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got %s", p.Name())
	}
}
