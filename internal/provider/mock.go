package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockUpstream returns canned responses without any upstream I/O. It is
// selected at call entry for admin testing so that no cost is incurred, and
// can be installed globally via MOCK_UPSTREAM for local development.
type MockUpstream struct {
	// Reply overrides the canned text when set.
	Reply string
}

func NewMock() *MockUpstream {
	return &MockUpstream{}
}

func (m *MockUpstream) reply(model string) string {
	if m.Reply != "" {
		return m.Reply
	}
	return fmt.Sprintf("This is a canned response from %s. No upstream call was made.", model)
}

func (m *MockUpstream) Complete(ctx context.Context, req *Request) (*Response, error) {
	text := m.reply(req.Model)
	return &Response{
		ID:           "mock",
		Content:      text,
		FinishReason: FinishStop,
		OutputTokens: len(text) / 4,
		Model:        req.Model,
		Provider:     m.Name(),
	}, nil
}

func (m *MockUpstream) CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	ch := make(chan *Chunk)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(m.reply(req.Model), " ") {
			select {
			case ch <- &Chunk{Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- &Chunk{Done: true, FinishReason: FinishStop}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (m *MockUpstream) Name() string { return "mock" }

func (m *MockUpstream) SupportedModels() []string { return nil }
