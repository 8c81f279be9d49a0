package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vnmchuo/llm-fanout/internal/gateway"
	"github.com/vnmchuo/llm-fanout/internal/provider"
	"github.com/vnmchuo/llm-fanout/internal/quota"
)

const (
	// defaultConcurrency bounds parallel model calls when no cap is
	// configured.
	defaultConcurrency = 9

	// Per-batch wall-clock budget: 50s per model, capped at 5 minutes.
	batchBudgetPerModel = 50 * time.Second
	batchBudgetMax      = 300 * time.Second

	panicMessage = "Error: the model request failed."
)

// Caller is the single-model client the dispatcher fans out over.
type Caller interface {
	Call(ctx context.Context, req gateway.CallRequest) gateway.CallResult
	CallStream(ctx context.Context, req gateway.CallRequest) (<-chan string, <-chan gateway.CallResult)
}

// Request is one fan-out: the same prompt, tier and history sent to
// every listed model.
type Request struct {
	Prompt  string
	Tier    quota.ResponseTier
	History []provider.Message
	Models  []string
	Mock    bool
}

type Dispatcher struct {
	caller      Caller
	concurrency int
	budget      func(n int) time.Duration
}

func New(caller Caller, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{caller: caller, concurrency: concurrency, budget: batchBudget}
}

func batchBudget(n int) time.Duration {
	budget := time.Duration(n) * batchBudgetPerModel
	if budget > batchBudgetMax {
		budget = batchBudgetMax
	}
	return budget
}

// RunAll dispatches the prompt to every model in parallel waves of at
// most the configured concurrency and collects one result per model, in
// the order the models were requested. A model that fails contributes
// its classified error text instead of an answer; the dispatch itself
// never fails.
func (d *Dispatcher) RunAll(ctx context.Context, req Request) ([]ModelResult, Summary) {
	start := time.Now()

	var mu sync.Mutex
	results := make(map[string]ModelResult, len(req.Models))

	for i := 0; i < len(req.Models); i += d.concurrency {
		end := i + d.concurrency
		if end > len(req.Models) {
			end = len(req.Models)
		}
		d.runBatch(ctx, req, req.Models[i:end], &mu, results)
	}

	ordered := make([]ModelResult, 0, len(req.Models))
	summary := Summary{ElapsedMillis: time.Since(start).Milliseconds()}
	seen := make(map[string]bool, len(req.Models))
	for _, m := range req.Models {
		if seen[m] {
			continue
		}
		seen[m] = true
		res := results[m]
		ordered = append(ordered, res)
		summary.Requested++
		if res.Failed {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return ordered, summary
}

// runBatch runs one wave under its own deadline. Every model in the
// wave gets exactly one entry in results, even if its goroutine panics.
func (d *Dispatcher) runBatch(ctx context.Context, req Request, models []string, mu *sync.Mutex, results map[string]ModelResult) {
	bctx, cancel := context.WithTimeout(ctx, d.budget(len(models)))
	defer cancel()

	var wg sync.WaitGroup
	for _, m := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("dispatch: panic calling model %s: %v", model, r)
					mu.Lock()
					if _, ok := results[model]; !ok {
						results[model] = ModelResult{Model: model, Content: panicMessage, Failed: true}
					}
					mu.Unlock()
				}
			}()

			res := d.caller.Call(bctx, gateway.CallRequest{
				Prompt:  req.Prompt,
				Model:   model,
				Tier:    req.Tier,
				History: req.History,
				Mock:    req.Mock,
			})
			mu.Lock()
			results[model] = ModelResult{Model: model, Content: res.Content, Failed: res.Failed}
			mu.Unlock()
		}(m)
	}
	wg.Wait()
}
