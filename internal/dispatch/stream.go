package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vnmchuo/llm-fanout/internal/gateway"
)

// RunStream dispatches the prompt to every model and returns an
// interleaved event stream. Ordering guarantees, per model: its start
// event precedes all of its chunk events, which precede its done event.
// Events from different models interleave freely. The stream ends with
// exactly one complete event (or an error event if the dispatch was cut
// short), after which the channel is closed.
func (d *Dispatcher) RunStream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		startedAt := time.Now()

		models := make([]string, 0, len(req.Models))
		seen := make(map[string]bool, len(req.Models))
		for _, m := range req.Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}

		// All start events go out before any model produces a frame, so
		// a client knows the full roster up front.
		for _, m := range models {
			if !send(ctx, out, Event{Type: EventStart, Model: m}) {
				return
			}
		}

		bctx, cancel := context.WithTimeout(ctx, d.budget(len(models)))
		defer cancel()

		// Per-model frames funnel through one FIFO channel. Each model's
		// goroutine writes its own chunks and done in order, so per-model
		// ordering survives the merge. Chunk sends give up once the budget
		// expires; done frames are sent unconditionally, because the
		// consumer below always drains frames to close and every model
		// must be accounted for before complete.
		frames := make(chan Event)
		emitChunk := func(ev Event) bool {
			select {
			case frames <- ev:
				return true
			case <-bctx.Done():
				return false
			}
		}

		var mu sync.Mutex
		var succeeded, failed int

		sem := make(chan struct{}, d.concurrency)
		var wg sync.WaitGroup
		for _, m := range models {
			wg.Add(1)
			go func(model string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Printf("dispatch: panic streaming model %s: %v", model, r)
						mu.Lock()
						failed++
						mu.Unlock()
						emitChunk(Event{Type: EventChunk, Model: model, Text: panicMessage})
						frames <- Event{Type: EventDone, Model: model, Failed: true}
					}
				}()

				sem <- struct{}{}
				defer func() { <-sem }()

				chunks, result := d.caller.CallStream(bctx, gateway.CallRequest{
					Prompt:  req.Prompt,
					Model:   model,
					Tier:    req.Tier,
					History: req.History,
					Mock:    req.Mock,
				})
				for c := range chunks {
					if !emitChunk(Event{Type: EventChunk, Model: model, Text: c}) {
						for range chunks {
						}
						break
					}
				}
				res := <-result
				mu.Lock()
				if res.Failed {
					failed++
				} else {
					succeeded++
				}
				mu.Unlock()
				frames <- Event{Type: EventDone, Model: model, Failed: res.Failed}
			}(m)
		}
		go func() {
			wg.Wait()
			close(frames)
		}()

		clientGone := false
		for ev := range frames {
			if clientGone {
				continue
			}
			if !send(ctx, out, ev) {
				// Client went away: cancel the workers and drain the
				// funnel so none of them leak.
				clientGone = true
				cancel()
			}
		}
		if clientGone {
			return
		}

		if err := ctx.Err(); err != nil {
			select {
			case out <- Event{Type: EventError, Message: "dispatch canceled"}:
			default:
			}
			return
		}
		send(ctx, out, Event{
			Type: EventComplete,
			Meta: &Summary{
				Requested:     len(models),
				Succeeded:     succeeded,
				Failed:        failed,
				ElapsedMillis: time.Since(startedAt).Milliseconds(),
			},
		})
	}()

	return out
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
