package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/reckon/job"
)

// TypeConfig caps how many jobs of one type run at once in the local pool
// and how fast they may start.
type TypeConfig struct {
	// Type is the job type the limits apply to.
	Type job.Type `yaml:"type"`

	// MaxConcurrency limits simultaneous executions. Zero means no
	// type-specific limit.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RateLimit is the sustained starts per second. Zero disables rate
	// limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit
	// is set.
	RateBurst int `yaml:"rate_burst"`
}

// OrgConfig caps execution for a single organization.
type OrgConfig struct {
	OrganizationID string  `yaml:"organization_id"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
}

type bucket struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newBucket(maxConcurrency int, rateLimit float64, burst int) *bucket {
	b := &bucket{maxConcurrency: maxConcurrency}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return b
}

// full reports whether the bucket has no concurrency slot left.
func (b *bucket) full() bool {
	return b.maxConcurrency > 0 && b.active >= b.maxConcurrency
}

// Limiter gates execution of leased jobs per job type and per
// organization. Types and organizations without a config are unlimited.
// It is safe for concurrent use.
//
// Limits are local to one process; they are not a fairness guarantee
// across a fleet of workers.
type Limiter struct {
	mu    sync.Mutex
	types map[job.Type]*bucket
	orgs  map[string]*bucket
}

// NewLimiter creates a Limiter with the given per-type configurations.
func NewLimiter(configs ...TypeConfig) *Limiter {
	l := &Limiter{
		types: make(map[job.Type]*bucket, len(configs)),
		orgs:  make(map[string]*bucket),
	}
	for _, cfg := range configs {
		l.types[cfg.Type] = newBucket(cfg.MaxConcurrency, cfg.RateLimit, cfg.RateBurst)
	}
	return l
}

// Acquire reports whether a job of type t for orgID may start now. On true
// the caller MUST call Release when execution ends.
func (l *Limiter) Acquire(t job.Type, orgID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tb := l.types[t]
	ob := l.orgs[orgID]

	// Concurrency is checked before spending rate tokens.
	if (tb != nil && tb.full()) || (ob != nil && ob.full()) {
		return false
	}
	if tb != nil && tb.limiter != nil && !tb.limiter.Allow() {
		return false
	}
	if ob != nil && ob.limiter != nil && !ob.limiter.Allow() {
		return false
	}

	if tb != nil {
		tb.active++
	}
	if ob != nil {
		ob.active++
	}
	return true
}

// Release frees the slot taken by a successful Acquire.
func (l *Limiter) Release(t job.Type, orgID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tb := l.types[t]; tb != nil && tb.active > 0 {
		tb.active--
	}
	if ob := l.orgs[orgID]; ob != nil && ob.active > 0 {
		ob.active--
	}
}

// SetTypeConfig updates or creates the limits for a job type, keeping the
// current active count.
func (l *Limiter) SetTypeConfig(cfg TypeConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := newBucket(cfg.MaxConcurrency, cfg.RateLimit, cfg.RateBurst)
	if existing := l.types[cfg.Type]; existing != nil {
		b.active = existing.active
	}
	l.types[cfg.Type] = b
}

// SetOrgConfig updates or creates the limits for an organization, keeping
// the current active count.
func (l *Limiter) SetOrgConfig(cfg OrgConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := newBucket(cfg.MaxConcurrency, cfg.RateLimit, cfg.RateBurst)
	if existing := l.orgs[cfg.OrganizationID]; existing != nil {
		b.active = existing.active
	}
	l.orgs[cfg.OrganizationID] = b
}

// ActiveCount returns the number of running jobs of type t.
func (l *Limiter) ActiveCount(t job.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.types[t]; b != nil {
		return b.active
	}
	return 0
}

// OrgActiveCount returns the number of running jobs for orgID.
func (l *Limiter) OrgActiveCount(orgID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.orgs[orgID]; b != nil {
		return b.active
	}
	return 0
}
