package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vnmchuo/llm-fanout/internal/provider"
	"github.com/vnmchuo/llm-fanout/internal/quota"
)

type fakeUpstream struct {
	name        string
	models      []string
	reply       string
	finish      string
	completeErr error
	chunks      []string
	calls       atomic.Int64
	lastReq     *provider.Request
}

func (f *fakeUpstream) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.calls.Add(1)
	f.lastReq = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	finish := f.finish
	if finish == "" {
		finish = provider.FinishStop
	}
	return &provider.Response{
		Content:      f.reply,
		FinishReason: finish,
		Model:        req.Model,
		Provider:     f.name,
	}, nil
}

func (f *fakeUpstream) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	f.calls.Add(1)
	f.lastReq = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			ch <- &provider.Chunk{Delta: c}
		}
		finish := f.finish
		if finish == "" {
			finish = provider.FinishStop
		}
		ch <- &provider.Chunk{Done: true, FinishReason: finish}
	}()
	return ch, nil
}

func (f *fakeUpstream) Name() string              { return f.name }
func (f *fakeUpstream) SupportedModels() []string { return f.models }

func newTestGateway(ups ...*fakeUpstream) *Gateway {
	upstreams := make([]provider.Upstream, len(ups))
	for i, u := range ups {
		upstreams[i] = u
	}
	return New(upstreams, provider.NewMock())
}

func TestCall_MockShortCircuit(t *testing.T) {
	real := &fakeUpstream{name: "real", models: []string{"model-a"}, reply: "real answer"}
	g := newTestGateway(real)

	res := g.Call(context.Background(), CallRequest{
		Prompt: "hello",
		Model:  "model-a",
		Tier:   quota.TierStandard,
		Mock:   true,
	})

	if res.Failed {
		t.Fatalf("Mock call failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "canned response") {
		t.Errorf("Expected canned content, got %q", res.Content)
	}
	if real.calls.Load() != 0 {
		t.Error("Mock mode must bypass upstream I/O entirely")
	}
}

func TestCall_SystemInstructionOnlyWithoutHistory(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, reply: "ok"}
	g := newTestGateway(up)

	g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})

	msgs := up.lastReq.Messages
	if msgs[0].Role != "system" {
		t.Errorf("Expected system instruction first without history, got role %s", msgs[0].Role)
	}
	if msgs[len(msgs)-1].Role != "user" || msgs[len(msgs)-1].Content != "q" {
		t.Error("Expected prompt appended as the final user turn")
	}

	// With history: no injected instruction.
	g.Call(context.Background(), CallRequest{
		Prompt:  "q2",
		Model:   "m",
		Tier:    quota.TierStandard,
		History: []provider.Message{{Role: "user", Content: "earlier"}},
	})
	if up.lastReq.Messages[0].Role == "system" {
		t.Error("System instruction must not be injected when history is supplied")
	}
}

func TestCall_HistoryTruncationNote(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, reply: "ok"}
	g := newTestGateway(up)

	hist := make([]provider.Message, 26)
	for i := range hist {
		hist[i] = provider.Message{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard, History: hist})

	msgs := up.lastReq.Messages
	// 20 kept turns + truncation note + prompt
	if len(msgs) != 22 {
		t.Fatalf("Expected 22 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "turn 6" {
		t.Errorf("Expected window to start at turn 6, got %q", msgs[0].Content)
	}
	note := msgs[20]
	if note.Role != "system" || !strings.Contains(note.Content, "6 earlier messages") {
		t.Errorf("Expected note disclosing 6 dropped turns, got %+v", note)
	}
}

func TestCall_OutputTokenCeilings(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, reply: "ok"}
	g := newTestGateway(up)

	g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
	if up.lastReq.MaxTokens != 4000 {
		t.Errorf("Expected tier ceiling 4000, got %d", up.lastReq.MaxTokens)
	}

	g.Registry().SetOutputCeiling("m", 1000)
	g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierExtended})
	if up.lastReq.MaxTokens != 1000 {
		t.Errorf("Expected model ceiling 1000 to win, got %d", up.lastReq.MaxTokens)
	}
}

func TestCall_UnknownModel(t *testing.T) {
	g := newTestGateway()
	res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "ghost", Tier: quota.TierStandard})
	if !res.Failed {
		t.Fatal("Expected failure for unknown model")
	}
	if res.Content != msgNotFound {
		t.Errorf("Expected %q, got %q", msgNotFound, res.Content)
	}
}

func TestCall_ErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("claude api error (status 429): too many requests"), msgRateLimited},
		{errors.New("openai api error (status 404): model not found"), msgNotFound},
		{errors.New("openai api error (status 401): invalid api key"), msgUnauthorized},
		{context.DeadlineExceeded, msgTimeout},
		{errors.New("connection reset by peer"), msgGeneric},
	}

	for _, tc := range cases {
		up := &fakeUpstream{name: "u", models: []string{"m"}, completeErr: tc.err}
		g := newTestGateway(up)
		res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
		if !res.Failed {
			t.Fatalf("%v: expected failure", tc.err)
		}
		if res.Content != tc.want {
			t.Errorf("%v: expected %q, got %q", tc.err, tc.want, res.Content)
		}
		if !strings.HasPrefix(res.Content, "Error:") {
			t.Errorf("%v: message must be prefixed Error:, got %q", tc.err, res.Content)
		}
	}
}

func TestCall_LengthWarningPerTier(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, reply: "partial answer", finish: provider.FinishLength}
	g := newTestGateway(up)

	res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
	if res.Failed {
		t.Fatal("Length stop is not a failure")
	}
	if !strings.Contains(res.Content, "4000-token limit") || !strings.Contains(res.Content, "extended tier") {
		t.Errorf("Expected standard-tier warning with upgrade path, got %q", res.Content)
	}
}

func TestCall_ContentFilterNotice(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, reply: "partial", finish: provider.FinishContentFilter}
	g := newTestGateway(up)

	res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierBrief})
	if !strings.Contains(res.Content, "content policy") {
		t.Errorf("Expected content policy notice, got %q", res.Content)
	}
}

func TestCall_CleanupPass(t *testing.T) {
	up := &fakeUpstream{
		name:   "u",
		models: []string{"m"},
		reply:  "x = <math><mi>y</mi></math> 2\n\n\n\n\nnext paragraph",
	}
	g := newTestGateway(up)

	res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
	if strings.Contains(res.Content, "<math>") || strings.Contains(res.Content, "<mi>") {
		t.Errorf("Expected MathML stripped, got %q", res.Content)
	}
	if strings.Contains(res.Content, "\n\n\n") {
		t.Errorf("Expected blank runs collapsed, got %q", res.Content)
	}
}

func TestCallStream_ChunksAndFinal(t *testing.T) {
	up := &fakeUpstream{
		name:   "u",
		models: []string{"m"},
		chunks: []string{"Hello ", "wor", "ld\n\n\n\n", "done"},
	}
	g := newTestGateway(up)

	chunks, result := g.CallStream(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})

	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-result

	// Chunks are forwarded verbatim; trailing spaces at boundaries survive.
	if got[0] != "Hello " {
		t.Errorf("Chunk boundary whitespace was altered: %q", got[0])
	}
	if len(got) != 4 {
		t.Errorf("Expected 4 chunks, got %d", len(got))
	}

	// The final text is cleaned: blank run collapsed.
	if res.Failed {
		t.Fatal("Expected success")
	}
	if res.Content != "Hello world\n\ndone" {
		t.Errorf("Expected cleaned accumulated text, got %q", res.Content)
	}
}

func TestCallStream_FailureIsSingleChunk(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, completeErr: errors.New("api error (status 429)")}
	g := newTestGateway(up)

	chunks, result := g.CallStream(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})

	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-result

	if len(got) != 1 || got[0] != msgRateLimited {
		t.Errorf("Expected exactly one classified error chunk, got %v", got)
	}
	if !res.Failed {
		t.Error("Expected failed result")
	}
}

func TestCallStream_LengthNoticeYielded(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, chunks: []string{"partial"}, finish: provider.FinishLength}
	g := newTestGateway(up)

	chunks, result := g.CallStream(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierBrief})

	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-result

	last := got[len(got)-1]
	if !strings.Contains(last, "2000-token limit") {
		t.Errorf("Expected brief-tier warning as final chunk, got %q", last)
	}
	if !strings.Contains(res.Content, "2000-token limit") {
		t.Errorf("Expected warning in final content, got %q", res.Content)
	}
}

func TestCall_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	up := &fakeUpstream{name: "u", models: []string{"m"}, completeErr: errors.New("boom")}
	g := newTestGateway(up)

	for i := 0; i < 3; i++ {
		g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
	}
	before := up.calls.Load()

	res := g.Call(context.Background(), CallRequest{Prompt: "q", Model: "m", Tier: quota.TierStandard})
	if !res.Failed || res.Content != msgUnavailable {
		t.Errorf("Expected breaker-open message, got %+v", res)
	}
	if up.calls.Load() != before {
		t.Error("Open breaker must not invoke the upstream")
	}
}
