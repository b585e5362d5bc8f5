// Package originpolicy implements the broker's per-origin whitelist and
// rate limiting (spec C7): which actions a connected web application may
// invoke, and how often.
package originpolicy

import (
	"sync"
	"time"
)

// AdmitResult is the outcome of Admit.
type AdmitResult int

const (
	Ok AdmitResult = iota
	RejectNotAllowed
	RejectBlocked
	RejectRateLimited
)

// DefaultAllowedActions is the action set granted to an origin that
// connects without specifying any.
var DefaultAllowedActions = []string{"ping", "get_identity", "store_data", "retrieve_data"}

const (
	DefaultMaxRequests = 50
	DefaultWindow       = 60 * time.Second
)

// RateLimit configures the sliding-window admission ceiling for one origin.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Record is the persisted-shape origin config from spec §3.
type Record struct {
	Origin         string
	AllowedActions map[string]struct{}
	RateLimit      RateLimit
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// bucket is a sliding-window log: timestamps retained only while they lie
// within [now-window, now]. This is deliberately not golang.org/x/time/rate
// — that limiter continuously refills and cannot reproduce the exact-count
// invariant the window requires ("at windowMs+ε exactly one timestamp
// remains").
type bucket struct {
	timestamps []time.Time
}

// Policy owns every origin's Record and rate bucket. There are no locks
// finer than the single mutex below — admission volume per broker process
// is low enough that a single critical section is not a bottleneck, and
// the spec requires no per-origin ordering guarantee across origins (§5).
type Policy struct {
	mu      sync.Mutex
	records map[string]*Record
	buckets map[string]*bucket
}

func New() *Policy {
	return &Policy{
		records: make(map[string]*Record),
		buckets: make(map[string]*bucket),
	}
}

// Connect creates or updates the origin's Record. An empty requestedActions
// falls back to DefaultAllowedActions; a nil rateLimit falls back to
// 50 req / 60 s.
func (p *Policy) Connect(origin string, requestedActions []string, rateLimit *RateLimit) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	actions := requestedActions
	if len(actions) == 0 {
		actions = DefaultAllowedActions
	}
	rl := RateLimit{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
	if rateLimit != nil {
		rl = *rateLimit
	}

	rec, exists := p.records[origin]
	if !exists {
		rec = &Record{Origin: origin, CreatedAt: now}
		p.records[origin] = rec
		p.buckets[origin] = &bucket{}
	}
	rec.AllowedActions = toSet(actions)
	rec.RateLimit = rl
	rec.LastUsedAt = now
	return rec
}

// Disconnect removes the origin's Record and bucket entirely.
func (p *Policy) Disconnect(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, origin)
	delete(p.buckets, origin)
}

// Admit checks whether origin may perform action right now, evaluating the
// allowlist first and the sliding window second. A RateLimited rejection
// deliberately does not count against a future window — it is a read of
// current occupancy, not an additional charge (the rejection returns before
// the request's timestamp is appended to the window).
func (p *Policy) Admit(origin, action string) AdmitResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[origin]
	if !ok {
		return RejectBlocked
	}
	if _, allowed := rec.AllowedActions[action]; !allowed {
		return RejectNotAllowed
	}

	b := p.buckets[origin]
	now := time.Now()
	windowStart := now.Add(-rec.RateLimit.Window)

	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept

	if len(b.timestamps) >= rec.RateLimit.MaxRequests {
		return RejectRateLimited
	}

	b.timestamps = append(b.timestamps, now)
	rec.LastUsedAt = now
	return Ok
}

// Record returns a copy of origin's current record, if connected.
func (p *Policy) Record(origin string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[origin]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// EvictStale drops buckets (and their records) whose newest timestamp is
// older than that origin's own window, bounding memory per spec §9's
// "global rate-bucket map" redesign note. Intended to be called
// periodically by the process that owns the Policy, not on the hot path.
func (p *Policy) EvictStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for origin, rec := range p.records {
		b := p.buckets[origin]
		if len(b.timestamps) == 0 {
			continue
		}
		newest := b.timestamps[len(b.timestamps)-1]
		if now.Sub(newest) > rec.RateLimit.Window {
			delete(p.records, origin)
			delete(p.buckets, origin)
		}
	}
}

func toSet(actions []string) map[string]struct{} {
	s := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}
