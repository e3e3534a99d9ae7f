// Package browser implements the Session Pool (C3): a bounded, domain-keyed
// pool of reusable browser-agent sessions. Each task constructs and tears
// down its own Pool; pools are never shared across tasks.
package browser

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/orchestrator/core"
)

// errPoolShutdown is returned by Acquire once Shutdown has been called.
var errPoolShutdown = errors.New("browser pool is shut down")

// Agent is the external, synchronous browser-automation collaborator. A
// Pool lazily creates one Session per domain by calling NewSession on a
// worker goroutine, since the agent must never block the caller's thread.
type Agent interface {
	NewSession(ctx context.Context, domain string) (Session, error)
}

// Session is a single reusable browser-agent session.
type Session interface {
	Domain() string
	Close(ctx context.Context) error
}

const defaultMaxSessions = 3

// Pool is a bounded, domain-keyed pool of Sessions, good for the lifetime
// of a single task.
type Pool struct {
	agent       Agent
	maxSessions int
	logger      core.Logger

	sem chan struct{}

	mu       sync.Mutex
	sessions map[string]Session
	domLocks map[string]*sync.Mutex

	shutdownOnce sync.Once
	shutdown     bool
}

// New constructs a Pool bounded to maxSessions concurrent sessions. agent
// may be nil, in which case Acquire always returns (nil, nil) — the
// "external agent unconfigured" contract.
func New(agent Agent, maxSessions int, logger core.Logger) *Pool {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Pool{
		agent:       agent,
		maxSessions: maxSessions,
		logger:      componentLogger(logger),
		sem:         make(chan struct{}, maxSessions),
		sessions:    make(map[string]Session),
		domLocks:    make(map[string]*sync.Mutex),
	}
}

func componentLogger(logger core.Logger) core.Logger {
	if logger == nil {
		return core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		return aware.WithComponent("engine/browser")
	}
	return logger
}

// DomainOf extracts the pool key for a step target: host[:port] for a URL,
// or the literal string itself when it does not parse as a URL.
func DomainOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}

// Acquire blocks until a semaphore slot is free, then returns the existing
// session for domain or creates one on a dedicated goroutine (the agent is
// synchronous and must not block the caller). Returns (nil, nil) when no
// agent is configured. Returns an error once Shutdown has been called,
// rather than leaking a new session into a pool that is tearing down.
func (p *Pool) Acquire(ctx context.Context, domain string) (Session, error) {
	if p.agent == nil {
		return nil, nil
	}

	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()
	if shutdown {
		return nil, errPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lock := p.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()

	if s := p.peekLocked(domain); s != nil {
		return s, nil
	}

	type result struct {
		session Session
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		s, err := p.agent.NewSession(ctx, domain)
		resultCh <- result{session: s, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		p.mu.Lock()
		p.sessions[domain] = r.session
		p.mu.Unlock()
		return r.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek performs a non-blocking lookup of an existing session for domain,
// used by the Step Executor to opportunistically reuse a session inside a
// synchronous work block without going through Acquire's semaphore wait.
func (p *Pool) Peek(domain string) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peekLocked(domain)
}

func (p *Pool) peekLocked(domain string) Session {
	return p.sessions[domain]
}

// Release gives back one semaphore slot without closing the session.
func (p *Pool) Release() {
	select {
	case <-p.sem:
	default:
	}
}

func (p *Pool) domainLock(domain string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.domLocks[domain]
	if !ok {
		lock = &sync.Mutex{}
		p.domLocks[domain] = lock
	}
	return lock
}

// Shutdown closes every session concurrently and releases resources.
// Idempotent: calling it more than once is a no-op, satisfying the pool's
// required idempotence property. Sessions close independently of one
// another, so one domain's slow teardown never delays the rest.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		sessions := make([]Session, 0, len(p.sessions))
		for _, s := range p.sessions {
			sessions = append(sessions, s)
		}
		p.sessions = make(map[string]Session)
		p.shutdown = true
		p.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range sessions {
			s := s
			g.Go(func() error {
				if err := s.Close(gctx); err != nil {
					p.logger.Warn("error closing browser session", map[string]interface{}{
						"domain": s.Domain(),
						"error":  err.Error(),
					})
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}
