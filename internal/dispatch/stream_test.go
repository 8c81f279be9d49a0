package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vnmchuo/llm-fanout/internal/quota"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("Stream did not close; got %d events so far", len(events))
		}
	}
}

func indexesByModel(events []Event, model string) (start, firstChunk, done int) {
	start, firstChunk, done = -1, -1, -1
	for i, ev := range events {
		if ev.Model != model {
			continue
		}
		switch ev.Type {
		case EventStart:
			start = i
		case EventChunk:
			if firstChunk == -1 {
				firstChunk = i
			}
		case EventDone:
			done = i
		}
	}
	return
}

func TestRunStream_PerModelOrdering(t *testing.T) {
	fc := &fakeCaller{behaviors: map[string]fakeBehavior{
		"a": {chunks: []string{"a1", "a2", "a3"}},
		"b": {chunks: []string{"b1", "b2"}},
	}}
	d := New(fc, 9)

	events := collect(t, d.RunStream(context.Background(), Request{
		Prompt: "q",
		Tier:   quota.TierStandard,
		Models: []string{"a", "b"},
	}))

	for _, m := range []string{"a", "b"} {
		start, chunk, done := indexesByModel(events, m)
		if start == -1 || chunk == -1 || done == -1 {
			t.Fatalf("Model %s missing events: start=%d chunk=%d done=%d", m, start, chunk, done)
		}
		if !(start < chunk && chunk < done) {
			t.Errorf("Model %s out of order: start=%d chunk=%d done=%d", m, start, chunk, done)
		}
	}

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("Expected terminal complete event, got %s", last.Type)
	}
	if last.Meta == nil || last.Meta.Requested != 2 || last.Meta.Succeeded != 2 {
		t.Errorf("Bad summary: %+v", last.Meta)
	}

	// Exactly one terminal event.
	for i, ev := range events[:len(events)-1] {
		if ev.Type == EventComplete || ev.Type == EventError {
			t.Errorf("Terminal event at index %d before end of stream", i)
		}
	}
}

func TestRunStream_StartEventsPrecedeAllFrames(t *testing.T) {
	fc := &fakeCaller{behaviors: map[string]fakeBehavior{
		"a": {chunks: []string{"x"}},
		"b": {chunks: []string{"y"}},
		"c": {chunks: []string{"z"}},
	}}
	d := New(fc, 9)

	events := collect(t, d.RunStream(context.Background(), Request{
		Prompt: "q",
		Tier:   quota.TierBrief,
		Models: []string{"a", "b", "c"},
	}))

	for i := 0; i < 3; i++ {
		if events[i].Type != EventStart {
			t.Fatalf("Event %d: expected start, got %s", i, events[i].Type)
		}
	}
}

func TestRunStream_PartialFailure(t *testing.T) {
	fc := &fakeCaller{behaviors: map[string]fakeBehavior{
		"a": {chunks: []string{"fine"}},
		"b": {failed: true},
	}}
	d := New(fc, 9)

	events := collect(t, d.RunStream(context.Background(), Request{
		Prompt: "q",
		Tier:   quota.TierStandard,
		Models: []string{"a", "b"},
	}))

	var doneA, doneB *Event
	for i := range events {
		if events[i].Type == EventDone {
			switch events[i].Model {
			case "a":
				doneA = &events[i]
			case "b":
				doneB = &events[i]
			}
		}
	}
	if doneA == nil || doneA.Failed {
		t.Error("Model a must complete cleanly despite b failing")
	}
	if doneB == nil || !doneB.Failed {
		t.Error("Model b's done event must carry the failure flag")
	}

	last := events[len(events)-1]
	if last.Meta == nil || last.Meta.Succeeded != 1 || last.Meta.Failed != 1 {
		t.Errorf("Bad summary: %+v", last.Meta)
	}

	// The failing model still streams its error text as a chunk.
	found := false
	for _, ev := range events {
		if ev.Type == EventChunk && ev.Model == "b" && ev.Text == "Error: the model request failed." {
			found = true
		}
	}
	if !found {
		t.Error("Expected classified error chunk for model b")
	}
}

func TestRunStream_ModelsStreamConcurrently(t *testing.T) {
	const latency = 150 * time.Millisecond
	behaviors := make(map[string]fakeBehavior)
	models := make([]string, 5)
	for i := range models {
		models[i] = fmt.Sprintf("model-%d", i)
		behaviors[models[i]] = fakeBehavior{chunks: []string{"ok"}, delay: latency}
	}
	d := New(&fakeCaller{behaviors: behaviors}, 9)

	start := time.Now()
	events := collect(t, d.RunStream(context.Background(), Request{Prompt: "q", Tier: quota.TierBrief, Models: models}))
	elapsed := time.Since(start)

	if elapsed >= 2*latency {
		t.Errorf("5 models at %v latency streamed in %v; expected concurrent execution", latency, elapsed)
	}
	if events[len(events)-1].Meta.Succeeded != 5 {
		t.Errorf("Bad summary: %+v", events[len(events)-1].Meta)
	}
}

func TestRunStream_ConcurrencyLimit(t *testing.T) {
	behaviors := make(map[string]fakeBehavior)
	models := make([]string, 6)
	for i := range models {
		models[i] = fmt.Sprintf("model-%d", i)
		behaviors[models[i]] = fakeBehavior{chunks: []string{"ok"}, delay: 20 * time.Millisecond}
	}
	fc := &fakeCaller{behaviors: behaviors}
	d := New(fc, 2)

	collect(t, d.RunStream(context.Background(), Request{Prompt: "q", Tier: quota.TierBrief, Models: models}))

	if fc.maxSeen.Load() > 2 {
		t.Errorf("Observed %d concurrent streams, limit is 2", fc.maxSeen.Load())
	}
}

func TestRunStream_PanicBecomesFailedDone(t *testing.T) {
	fc := &fakeCaller{behaviors: map[string]fakeBehavior{
		"good": {chunks: []string{"fine"}},
		"bad":  {panics: true},
	}}
	d := New(fc, 9)

	events := collect(t, d.RunStream(context.Background(), Request{
		Prompt: "q",
		Tier:   quota.TierStandard,
		Models: []string{"good", "bad"},
	}))

	_, chunk, done := indexesByModel(events, "bad")
	if chunk == -1 || events[chunk].Text != panicMessage {
		t.Error("Expected panic converted to an error chunk")
	}
	if done == -1 || !events[done].Failed {
		t.Error("Expected failed done event for the panicking model")
	}

	last := events[len(events)-1]
	if last.Type != EventComplete || last.Meta.Succeeded != 1 || last.Meta.Failed != 1 {
		t.Errorf("Expected complete with 1/1 split, got %+v", last)
	}
}

func TestRunStream_DoneSurvivesBudgetExpiry(t *testing.T) {
	behaviors := map[string]fakeBehavior{
		"slow-a": {chunks: []string{"never"}, delay: 5 * time.Second},
		"slow-b": {chunks: []string{"never"}, delay: 5 * time.Second},
	}
	models := []string{"slow-a", "slow-b"}

	// Repeat to shake out any race between budget expiry and the done
	// frames: every model must be accounted for on every run.
	for i := 0; i < 10; i++ {
		fc := &fakeCaller{behaviors: behaviors}
		d := New(fc, 9)
		d.budget = func(int) time.Duration { return 30 * time.Millisecond }

		events := collect(t, d.RunStream(context.Background(), Request{Prompt: "q", Tier: quota.TierStandard, Models: models}))

		for _, m := range models {
			dones := 0
			for _, ev := range events {
				if ev.Type == EventDone && ev.Model == m {
					dones++
					if !ev.Failed {
						t.Errorf("Iteration %d: model %s timed out but done is not failed", i, m)
					}
				}
			}
			if dones != 1 {
				t.Fatalf("Iteration %d: model %s got %d done events, want exactly 1", i, m, dones)
			}
		}

		last := events[len(events)-1]
		if last.Type != EventComplete || last.Meta == nil || last.Meta.Failed != 2 {
			t.Errorf("Iteration %d: expected complete with 2 failures after all dones, got %+v", i, last)
		}
	}
}

func TestRunStream_ClientCancelClosesStream(t *testing.T) {
	fc := &fakeCaller{behaviors: map[string]fakeBehavior{
		"slow": {chunks: []string{"never"}, delay: 10 * time.Second},
	}}
	d := New(fc, 9)

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.RunStream(ctx, Request{Prompt: "q", Tier: quota.TierStandard, Models: []string{"slow"}})

	// Read the start event, then walk away.
	<-ch
	cancel()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Stream did not close after client cancellation")
		}
	}
}
