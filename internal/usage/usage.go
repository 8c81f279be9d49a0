// Package usage records the outcome of each dispatch for reporting.
// Records are written off the request path; a write failure never
// affects the response.
package usage

import (
	"context"
	"time"
)

type Record struct {
	ID              string
	Identity        string
	RequestID       string
	ModelsUsed      []string
	ModelsRequested int
	ModelsSucceeded int
	ModelsFailed    int
	Tier            string
	ElapsedMillis   int64
	IsOverage       bool
	OverageAmount   int
	CreatedAt       time.Time
}

type Store interface {
	LogDispatch(ctx context.Context, rec *Record) error
	GetByIdentity(ctx context.Context, identity string, from, to time.Time) ([]*Record, error)
	GetTotals(ctx context.Context, identity string, from, to time.Time) (Totals, error)
}

// Totals aggregates an identity's dispatches over a window.
type Totals struct {
	Dispatches      int   `json:"dispatches"`
	ModelCalls      int   `json:"model_calls"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OverageRequests int   `json:"overage_requests"`
	TotalMillis     int64 `json:"total_ms"`
}
