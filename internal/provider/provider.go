package provider

import (
	"context"
)

// Finish reasons normalized across upstreams.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

type Chunk struct {
	Delta        string
	Done         bool
	FinishReason string // set on the Done chunk when the upstream reported one
	Err          error
}

// Upstream is a single third-party model endpoint. Implementations must
// close the stream channel when the call ends and honor ctx cancellation
// on every send.
type Upstream interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	SupportedModels() []string
}
