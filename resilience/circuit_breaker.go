// Package resilience implements the Circuit Breaker (C1) guarding every
// external service call the engine makes. The package has no retry helper;
// retries with backoff are done by the executor package.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/core"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned by Execute/ExecuteWithTimeout when the
// breaker fast-fails a call, carrying the delay the caller should wait
// before trying again.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return core.ErrCircuitBreakerOpen }

// Config configures a CircuitBreaker. Name identifies it in logs and in
// the Stats snapshot.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time open before probing half-open
	HalfOpenMax      int           // concurrent probes admitted while half-open
	Logger           core.Logger
	Metrics          MetricsCollector // optional; nil disables metric emission
}

// Stats is a point-in-time snapshot of a breaker's counters, readable at
// any time without blocking callers.
type Stats struct {
	Name             string
	State            string
	FailureCount     int
	SuccessCount     int
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// CircuitBreaker is a named three-state guard with consecutive-failure
// thresholds and a fixed recovery timeout, per-service, process-global.
type CircuitBreaker struct {
	config Config
	logger core.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenInUse   int
}

// NewCircuitBreaker constructs a breaker, applying defaults for any unset
// config field.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &CircuitBreaker{
		config: cfg,
		logger: componentLogger(cfg.Logger, "engine/resilience"),
		state:  StateClosed,
	}
}

func componentLogger(logger core.Logger, component string) core.Logger {
	if logger == nil {
		return core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		return aware.WithComponent(component)
	}
	return logger
}

// Execute runs fn under the breaker's protection, without a per-call
// timeout. See ExecuteWithTimeout for the timed variant.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn on a worker goroutine, guarded by the
// breaker's admission rules and an optional wall-clock budget. This is the
// goroutine+channel+select idiom every synchronous external call in the
// engine is dispatched through, so the calling scheduler loop never blocks.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	halfOpenProbe, allowed := cb.admit()
	if !allowed {
		retryAfter := cb.retryAfter()
		cb.logger.Info("circuit breaker rejected execution", map[string]interface{}{
			"name":  cb.config.Name,
			"state": cb.currentState().String(),
		})
		if cb.config.Metrics != nil {
			cb.config.Metrics.RecordRejection(cb.config.Name)
		}
		return &CircuitOpenError{Name: cb.config.Name, RetryAfter: retryAfter}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				done <- fmt.Errorf("panic in circuit breaker %q: %v\n%s", cb.config.Name, r, stack)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.complete(err, halfOpenProbe)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.complete(err, halfOpenProbe)
		}()
		return ctx.Err()
	}
}

// admit decides whether a call may proceed, lazily transitioning
// open->half_open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) admit() (halfOpenProbe bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenInUse = 1
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if cb.halfOpenInUse < cb.config.HalfOpenMax {
			cb.halfOpenInUse++
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) complete(err error, halfOpenProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpenProbe {
		cb.halfOpenInUse--
	}

	if err == nil {
		cb.successCount++
		cb.failureCount = 0
		if cb.state != StateClosed {
			cb.transitionLocked(StateClosed)
		}
		if cb.config.Metrics != nil {
			cb.config.Metrics.RecordSuccess(cb.config.Name)
		}
		return
	}

	if cb.config.Metrics != nil {
		cb.config.Metrics.RecordFailure(cb.config.Name)
	}

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
	if cb.config.Metrics != nil {
		cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
	}
}

func (cb *CircuitBreaker) currentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) retryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	remaining := cb.config.RecoveryTimeout - time.Since(cb.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset manually restores the breaker to closed with a zeroed counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.halfOpenInUse = 0
	cb.transitionLocked(StateClosed)
}

// GetStats returns a snapshot of the breaker's counters and configuration.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.config.Name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.config.FailureThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout,
	}
}
