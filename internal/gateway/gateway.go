// Package gateway issues a single prompt+history to one upstream model.
// Failures never escape as errors: every call resolves to a user-safe
// string so that one model's failure cannot abort sibling calls.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/llm-fanout/internal/history"
	"github.com/vnmchuo/llm-fanout/internal/provider"
	"github.com/vnmchuo/llm-fanout/internal/quota"
)

const (
	// historyWindow bounds conversation context sent to each model.
	historyWindow = 20

	// callTimeout is the fixed per-call upstream budget.
	callTimeout = 120 * time.Second

	// systemInstruction is injected only when no history is supplied.
	systemInstruction = "Give a complete, well-structured answer. Do not truncate your response unnecessarily."
)

type CallRequest struct {
	Prompt  string
	Model   string
	Tier    quota.ResponseTier
	History []provider.Message
	// Mock short-circuits to the canned upstream, bypassing all upstream I/O.
	Mock bool
}

type CallResult struct {
	Content string
	Failed  bool
}

type Gateway struct {
	registry *provider.Registry
	mock     provider.Upstream
	breakers map[string]*gobreaker.CircuitBreaker
	timeout  time.Duration
}

func New(upstreams []provider.Upstream, mock provider.Upstream) *Gateway {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, u := range upstreams {
		settings := gobreaker.Settings{
			Name:        u.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[u.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Gateway{
		registry: provider.NewRegistry(upstreams),
		mock:     mock,
		breakers: breakers,
		timeout:  callTimeout,
	}
}

func (g *Gateway) Registry() *provider.Registry {
	return g.registry
}

// resolve picks the upstream once at call entry: the canned upstream when
// mocking, otherwise the catalog entry for the model.
func (g *Gateway) resolve(req CallRequest) (provider.Upstream, error) {
	if req.Mock {
		return g.mock, nil
	}
	return g.registry.Lookup(req.Model)
}

func (g *Gateway) buildRequest(req CallRequest) *provider.Request {
	var messages []provider.Message
	if len(req.History) == 0 {
		messages = append(messages, provider.Message{Role: "system", Content: systemInstruction})
	}

	kept, truncated, original := history.Truncate(req.History, historyWindow)
	messages = append(messages, kept...)
	if truncated {
		dropped := original - len(kept)
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: fmt.Sprintf("Note: %d earlier messages in this conversation were omitted to fit the context window.", dropped),
		})
	}
	messages = append(messages, provider.Message{Role: "user", Content: req.Prompt})

	maxTokens := req.Tier.OutputCeiling()
	if ceil := g.registry.OutputCeiling(req.Model); ceil < maxTokens {
		maxTokens = ceil
	}

	return &provider.Request{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
}

// Call issues one blocking model call. The result is always a string: on
// failure it is a classified, user-safe message prefixed "Error:".
func (g *Gateway) Call(ctx context.Context, req CallRequest) CallResult {
	up, err := g.resolve(req)
	if err != nil {
		return CallResult{Content: classifyError(err), Failed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	preq := g.buildRequest(req)

	var resp *provider.Response
	if cb := g.breakers[up.Name()]; cb != nil {
		out, cerr := cb.Execute(func() (interface{}, error) {
			return up.Complete(ctx, preq)
		})
		if cerr != nil {
			return CallResult{Content: classifyError(cerr), Failed: true}
		}
		resp = out.(*provider.Response)
	} else {
		resp, err = up.Complete(ctx, preq)
		if err != nil {
			return CallResult{Content: classifyError(err), Failed: true}
		}
	}

	return CallResult{Content: finalize(resp.Content, resp.FinishReason, req.Tier)}
}

// CallStream issues one streaming model call. Text deltas are forwarded on
// the first channel as they arrive; the buffered second channel receives
// exactly one CallResult with the post-processed accumulated text after the
// chunk channel closes. Post-processing runs only on the accumulated text,
// never on individual chunks, so inter-word whitespace at chunk boundaries
// survives.
func (g *Gateway) CallStream(ctx context.Context, req CallRequest) (<-chan string, <-chan CallResult) {
	chunks := make(chan string)
	result := make(chan CallResult, 1)

	go func() {
		defer close(chunks)
		defer close(result)

		fail := func(err error) {
			msg := classifyError(err)
			select {
			case chunks <- msg:
			case <-ctx.Done():
			}
			result <- CallResult{Content: msg, Failed: true}
		}

		up, err := g.resolve(req)
		if err != nil {
			fail(err)
			return
		}

		cb := g.breakers[up.Name()]
		if cb != nil && cb.State() == gobreaker.StateOpen {
			fail(gobreaker.ErrOpenState)
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		preq := g.buildRequest(req)
		preq.Stream = true

		ch, err := up.CompleteStream(callCtx, preq)
		if err != nil {
			if cb != nil {
				_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
			}
			fail(err)
			return
		}

		var buf strings.Builder
		var finish string
		for chunk := range ch {
			if chunk.Err != nil {
				if cb != nil {
					_, _ = cb.Execute(func() (interface{}, error) { return nil, chunk.Err })
				}
				fail(chunk.Err)
				return
			}
			if chunk.Done {
				finish = chunk.FinishReason
				continue
			}
			buf.WriteString(chunk.Delta)
			select {
			case chunks <- chunk.Delta:
			case <-ctx.Done():
				result <- CallResult{Content: classifyError(ctx.Err()), Failed: true}
				return
			}
		}

		if notice := finishNotice(finish, req.Tier); notice != "" {
			select {
			case chunks <- notice:
			case <-ctx.Done():
			}
		}
		result <- CallResult{Content: finalize(buf.String(), finish, req.Tier)}
	}()

	return chunks, result
}
