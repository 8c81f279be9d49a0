// Package quota meters request admission against per-day usage counters.
// Authenticated users are metered against durable per-user counters; anonymous
// callers are metered in process memory against IP and fingerprint identities.
// Admission checks never consume quota: usage is committed post-hoc, only for
// model calls that actually succeeded.
package quota

import (
	"context"
	"fmt"
	"time"
)

// State holds a user's durable quota counters. The daily pool counts
// individual model calls; the extended pool counts extended-tier requests.
type State struct {
	DailyUsageCount        int
	UsageResetDate         time.Time
	DailyExtendedUsage     int
	ExtendedUsageResetDate time.Time
}

// Store persists per-user quota state. Mutators must be atomic against
// concurrent requests for the same user; arithmetic happens in the store,
// not in read-modify-write cycles here.
type Store interface {
	ReadQuotaState(ctx context.Context, userID string) (State, error)
	ResetDaily(ctx context.Context, userID string, day time.Time) error
	ResetExtended(ctx context.Context, userID string, day time.Time) error
	AddDailyUsage(ctx context.Context, userID string, n int) error
	// AddExtendedUsage accepts negative n for rollback and floors at zero.
	AddExtendedUsage(ctx context.Context, userID string, n int) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed       bool
	Current       int
	Limit         int
	Remaining     int
	IsOverage     bool
	OverageAmount int // units past the daily limit; priced later, recorded at zero cost
	Message       string
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// UserLimiter enforces daily and extended quotas for authenticated users.
type UserLimiter struct {
	store Store
	now   func() time.Time
}

func NewUserLimiter(store Store) *UserLimiter {
	return &UserLimiter{store: store, now: time.Now}
}

// CheckDaily admits or rejects a request needing `needed` model calls.
// A stale reset date is reset and committed immediately, independent of the
// allow/deny outcome. Admission only requires the current count to be under
// the limit; when the request would overshoot it, the overshoot is flagged
// as overage for plans that permit it.
func (l *UserLimiter) CheckDaily(ctx context.Context, userID string, plan Plan, needed int, overageRequested bool) (*Decision, error) {
	st, err := l.store.ReadQuotaState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read quota state: %w", err)
	}

	today := l.now()
	if !sameDay(st.UsageResetDate, today) {
		if err := l.store.ResetDaily(ctx, userID, today); err != nil {
			return nil, fmt.Errorf("reset daily quota: %w", err)
		}
		st.DailyUsageCount = 0
	}

	limits := plan.Limits()
	d := &Decision{
		Current:   st.DailyUsageCount,
		Limit:     limits.Daily,
		Remaining: max(0, limits.Daily-st.DailyUsageCount),
	}

	overshoot := st.DailyUsageCount + needed - limits.Daily
	if st.DailyUsageCount < limits.Daily {
		d.Allowed = true
		if overshoot > 0 && limits.OverageAllowed {
			d.IsOverage = true
			d.OverageAmount = overshoot
		}
		return d, nil
	}

	if limits.OverageAllowed && overageRequested {
		d.Allowed = true
		d.IsOverage = true
		d.OverageAmount = overshoot
		return d, nil
	}

	d.Message = fmt.Sprintf("daily quota exceeded: %d of %d used, %d remaining, %d needed", st.DailyUsageCount, limits.Daily, d.Remaining, needed)
	return d, nil
}

// CommitDaily records usage for the model calls that succeeded.
func (l *UserLimiter) CommitDaily(ctx context.Context, userID string, succeeded int) error {
	if succeeded <= 0 {
		return nil
	}
	return l.store.AddDailyUsage(ctx, userID, succeeded)
}

// CheckExtended mirrors CheckDaily against the separate extended pool.
// Extended usage is request-scoped: one unit per request regardless of how
// many models the request fans out to.
func (l *UserLimiter) CheckExtended(ctx context.Context, userID string, plan Plan) (*Decision, error) {
	st, err := l.store.ReadQuotaState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read quota state: %w", err)
	}

	today := l.now()
	if !sameDay(st.ExtendedUsageResetDate, today) {
		if err := l.store.ResetExtended(ctx, userID, today); err != nil {
			return nil, fmt.Errorf("reset extended quota: %w", err)
		}
		st.DailyExtendedUsage = 0
	}

	limits := plan.Limits()
	d := &Decision{
		Current:   st.DailyExtendedUsage,
		Limit:     limits.ExtendedDaily,
		Remaining: max(0, limits.ExtendedDaily-st.DailyExtendedUsage),
	}
	if st.DailyExtendedUsage < limits.ExtendedDaily {
		d.Allowed = true
		return d, nil
	}
	d.Message = fmt.Sprintf("extended quota exceeded: %d of %d used today", st.DailyExtendedUsage, limits.ExtendedDaily)
	return d, nil
}

func (l *UserLimiter) IncrementExtended(ctx context.Context, userID string) error {
	return l.store.AddExtendedUsage(ctx, userID, 1)
}

// DecrementExtended rolls back an optimistic extended increment when the
// request turned out to have failed entirely. The store floors at zero.
func (l *UserLimiter) DecrementExtended(ctx context.Context, userID string) error {
	return l.store.AddExtendedUsage(ctx, userID, -1)
}
