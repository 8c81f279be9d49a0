package quota

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Anonymous identities are composite strings: "ip:"+clientIP or
// "fp:"+fingerprintHash. Two identities are independent buckets even when
// they belong to the same physical user; a request is admitted only when
// every presented identity allows it.
//
// State is process memory only. A restart silently clears all counters,
// which is the accepted tradeoff for not coordinating across processes.

const (
	anonShardCount   = 32
	anonSweepEvery   = time.Hour
	anonCounterStale = 48 * time.Hour
)

type anonCounter struct {
	count             int
	resetDate         time.Time
	firstSeen         time.Time
	extended          int
	extendedResetDate time.Time
}

type anonShard struct {
	mu      sync.Mutex
	entries map[string]*anonCounter
}

// AnonLimiter is the process-wide anonymous quota map, sharded by identity
// so unrelated identities never contend on one lock. Created at process
// start, cleared only by admin reset, restart, or the staleness sweep.
type AnonLimiter struct {
	shards [anonShardCount]*anonShard
	now    func() time.Time
	stop   chan struct{}
}

func NewAnonLimiter() *AnonLimiter {
	l := &AnonLimiter{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &anonShard{entries: make(map[string]*anonCounter)}
	}
	go l.sweep()
	return l
}

func (l *AnonLimiter) shardFor(id string) *anonShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return l.shards[h.Sum32()%anonShardCount]
}

// sweep drops counters whose reset date is long past. A counter that stale
// would be reset to zero on its next touch anyway, so dropping it is
// observationally equivalent and keeps the map from growing without bound.
func (l *AnonLimiter) sweep() {
	ticker := time.NewTicker(anonSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-anonCounterStale)
			for _, s := range l.shards {
				s.mu.Lock()
				for id, c := range s.entries {
					if c.resetDate.Before(cutoff) && c.extendedResetDate.Before(cutoff) {
						delete(s.entries, id)
					}
				}
				s.mu.Unlock()
			}
		case <-l.stop:
			return
		}
	}
}

func (l *AnonLimiter) Stop() {
	close(l.stop)
}

// touch returns the identity's counter with day rollover applied, creating
// it lazily. Caller must hold the shard lock.
func (s *anonShard) touch(id string, now time.Time) *anonCounter {
	c, ok := s.entries[id]
	if !ok {
		c = &anonCounter{resetDate: now, extendedResetDate: now, firstSeen: now}
		s.entries[id] = c
		return c
	}
	if !sameDay(c.resetDate, now) {
		c.count = 0
		c.resetDate = now
	}
	if !sameDay(c.extendedResetDate, now) {
		c.extended = 0
		c.extendedResetDate = now
	}
	return c
}

// CheckDaily admits the request only if every identity is under the plan's
// daily limit. The reported usage is the maximum across identities, the
// more restrictive view. Anonymous callers have no overage path.
func (l *AnonLimiter) CheckDaily(ids []string, plan Plan, needed int) *Decision {
	limits := plan.Limits()
	now := l.now()

	d := &Decision{Allowed: true, Limit: limits.Daily}
	for _, id := range ids {
		s := l.shardFor(id)
		s.mu.Lock()
		c := s.touch(id, now)
		if c.count > d.Current {
			d.Current = c.count
		}
		if c.count >= limits.Daily {
			d.Allowed = false
		}
		s.mu.Unlock()
	}

	d.Remaining = max(0, limits.Daily-d.Current)
	if !d.Allowed {
		d.Message = fmt.Sprintf("daily quota exceeded: %d of %d used, %d remaining, %d needed", d.Current, limits.Daily, d.Remaining, needed)
	}
	return d
}

// CommitDaily adds n to every identity's counter.
func (l *AnonLimiter) CommitDaily(ids []string, n int) {
	if n <= 0 {
		return
	}
	now := l.now()
	for _, id := range ids {
		s := l.shardFor(id)
		s.mu.Lock()
		s.touch(id, now).count += n
		s.mu.Unlock()
	}
}

// CheckExtended admits against the separate extended pool.
func (l *AnonLimiter) CheckExtended(ids []string, plan Plan) *Decision {
	limits := plan.Limits()
	now := l.now()

	d := &Decision{Allowed: true, Limit: limits.ExtendedDaily}
	for _, id := range ids {
		s := l.shardFor(id)
		s.mu.Lock()
		c := s.touch(id, now)
		if c.extended > d.Current {
			d.Current = c.extended
		}
		if c.extended >= limits.ExtendedDaily {
			d.Allowed = false
		}
		s.mu.Unlock()
	}

	d.Remaining = max(0, limits.ExtendedDaily-d.Current)
	if !d.Allowed {
		d.Message = fmt.Sprintf("extended quota exceeded: %d of %d used today", d.Current, limits.ExtendedDaily)
	}
	return d
}

// IncrementExtended counts one extended request per identity.
func (l *AnonLimiter) IncrementExtended(ids []string) {
	now := l.now()
	for _, id := range ids {
		s := l.shardFor(id)
		s.mu.Lock()
		s.touch(id, now).extended++
		s.mu.Unlock()
	}
}

// DecrementExtended rolls back an optimistic increment, flooring at zero.
func (l *AnonLimiter) DecrementExtended(ids []string) {
	now := l.now()
	for _, id := range ids {
		s := l.shardFor(id)
		s.mu.Lock()
		c := s.touch(id, now)
		if c.extended > 0 {
			c.extended--
		}
		s.mu.Unlock()
	}
}

// Reset clears one identity's counters (admin operation).
func (l *AnonLimiter) Reset(id string) {
	s := l.shardFor(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// ResetAll clears every anonymous counter (admin operation).
func (l *AnonLimiter) ResetAll() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.entries = make(map[string]*anonCounter)
		s.mu.Unlock()
	}
}

// Identities reports how many distinct identities currently hold counters.
func (l *AnonLimiter) Identities() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
