package gemini

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
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Role:  "model",
						Parts: []geminiPart{{Text: "Hello from Gemini mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: geminiUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 6},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GeminiUpstream{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gemini-1.5-flash",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Gemini mock!" {
		t.Errorf("Expected 'Hello from Gemini mock!', got %s", resp.Content)
	}
	if resp.FinishReason != provider.FinishStop {
		t.Errorf("Expected finish reason %q, got %q", provider.FinishStop, resp.FinishReason)
	}
	if resp.InputTokens != 4 || resp.OutputTokens != 6 {
		t.Errorf("Expected 4/6 tokens, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestComplete_SafetyStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content:      geminiContent{Parts: []geminiPart{{Text: "partial"}}},
					FinishReason: "SAFETY",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GeminiUpstream{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-flash"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.FinishReason != provider.FinishContentFilter {
		t.Errorf("Expected finish reason %q, got %q", provider.FinishContentFilter, resp.FinishReason)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunk1, _ := json.Marshal(geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "Hello"}}}},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk1)

		chunk2, _ := json.Marshal(geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content:      geminiContent{Parts: []geminiPart{{Text: " world!"}}},
					FinishReason: "STOP",
				},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk2)
	}))
	defer server.Close()

	p := &GeminiUpstream{apiKey: "test-key", baseURL: server.URL}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "gemini-1.5-flash",
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
		t.Error("Expected stream to be done at EOF")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got %s", p.Name())
	}
}

func TestRoleMapping(t *testing.T) {
	p := &GeminiUpstream{}
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "a"},
			{Role: "assistant", Content: "b"},
		},
	}
	mapped := p.mapRequest(req)
	if mapped.Contents[0].Role != "user" {
		t.Errorf("Expected role 'user', got %s", mapped.Contents[0].Role)
	}
	if mapped.Contents[1].Role != "model" {
		t.Errorf("Expected assistant mapped to 'model', got %s", mapped.Contents[1].Role)
	}
}
