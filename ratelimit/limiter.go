// Package ratelimit implements the Token-Bucket Limiter (C2): per-client
// admission control on inbound commands, with a periodic sweep to evict
// idle buckets.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskmesh/orchestrator/core"
)

// staleAfter is how long a bucket may sit unused before the sweep evicts
// it, bounding memory for long-running processes with churning clients.
const staleAfter = 10 * time.Minute

// sweepInterval is how often the sweep goroutine scans for stale buckets.
const sweepInterval = 5 * time.Minute

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// Limiter is a process-global, per-client token bucket admission gate.
// Capacity is max_concurrent_tasks; refill rate is
// max_tasks_per_minute/60 tokens per second, matching the steady-state and
// burst semantics the transport layer's middleware advertises via
// RateLimit-* headers.
type Limiter struct {
	capacity   int
	refillRate float64
	logger     core.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Limiter from the configured capacity (max concurrent
// tasks) and steady-state rate (max tasks per minute), and starts its
// background sweep goroutine.
func New(maxConcurrentTasks, maxTasksPerMinute int, logger core.Logger) *Limiter {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 1
	}
	if maxTasksPerMinute <= 0 {
		maxTasksPerMinute = 60
	}
	l := &Limiter{
		capacity:   maxConcurrentTasks,
		refillRate: float64(maxTasksPerMinute) / 60.0,
		logger:     componentLogger(logger),
		buckets:    make(map[string]*bucket),
		stopCh:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func componentLogger(logger core.Logger) core.Logger {
	if logger == nil {
		return core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		return aware.WithComponent("engine/ratelimit")
	}
	return logger
}

// exemptPrefixes lists path prefixes the transport layer must never rate
// limit: health probes, auth endpoints, and streaming upgrade paths.
var exemptPrefixes = []string{"/healthz", "/api/health", "/api/auth", "/api/ws"}

// IsExempt reports whether path is exempt from rate limiting.
func IsExempt(path string) bool {
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Admit consumes one token from clientID's bucket if available, creating
// the bucket on first use. Client identity is typically the forwarded IP;
// failing that the direct peer address; failing that the literal
// "unknown".
func (l *Limiter) Admit(clientID string) Decision {
	if clientID == "" {
		clientID = "unknown"
	}

	b := l.bucketFor(clientID)

	if b.limiter.Allow() {
		remaining := int(b.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Limit: l.capacity, Remaining: remaining}
	}

	reservation := b.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	return Decision{
		Allowed:    false,
		Limit:      l.capacity,
		Remaining:  0,
		RetryAfter: delay,
	}
}

func (l *Limiter) bucketFor(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.refillRate), l.capacity)}
		l.buckets[clientID] = b
	}
	b.lastSeen = time.Now()
	return b
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(l.buckets, id)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("evicted stale rate limit buckets", map[string]interface{}{"count": evicted})
	}
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
