package review

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// Runner is the live handle of a session's background run loop. Every
// spawn is tracked: the orchestrator never fires and forgets, so an
// unhandled failure is observable and a duplicate spawn is refused.
type Runner struct {
	SessionID string

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	halt     atomic.Bool
}

func newRunner(sessionID string) *Runner {
	return &Runner{
		SessionID: sessionID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Stop requests a cooperative stop: the loop finishes its current
// clause step, then cancels the session. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Halt requests a cooperative stop that keeps the session's status.
// The checkpoint stays at reviewing, so the session can be resumed
// after a process restart.
func (r *Runner) Halt() {
	r.halt.Store(true)
	r.Stop()
}

// Halting reports whether the requested stop is a status-preserving
// halt rather than a cancellation.
func (r *Runner) Halting() bool {
	return r.halt.Load()
}

// Stopping reports whether a stop has been requested.
func (r *Runner) Stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Done is closed when the run loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// handle is the in-memory entry for one session: its working state,
// the per-session lock that serializes external calls against the
// step loop, and the run-loop handle when one is active.
type handle struct {
	mu     sync.Mutex
	state  *domain.SessionState
	runner *Runner
	// doneAt is set when the session reaches a terminal status and
	// drives TTL eviction.
	doneAt time.Time
}

// Sessions is the process-wide registry of in-memory sessions. It is
// an explicit store with get/put/remove and TTL eviction of finished
// sessions, never a bare global map.
type Sessions struct {
	mu  sync.Mutex
	m   map[string]*handle
	ttl time.Duration

	evictHook func(sessionID string)

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// NewSessions creates a registry. Finished sessions are evicted from
// memory once ttl has elapsed; their checkpoints remain in the store.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sessions{
		m:           make(map[string]*handle),
		ttl:         ttl,
		stopJanitor: make(chan struct{}),
	}
}

func (s *Sessions) get(sessionID string) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.m[sessionID]
	return h, ok
}

func (s *Sessions) put(sessionID string, h *handle) {
	s.mu.Lock()
	s.m[sessionID] = h
	s.mu.Unlock()
}

func (s *Sessions) remove(sessionID string) {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
}

// markDone records the eviction deadline for a finished session.
func (s *Sessions) markDone(h *handle) {
	h.doneAt = time.Now()
}

// OnEvict registers a callback invoked with each session id the
// janitor removes, so per-session caches elsewhere can be pruned with
// the handle.
func (s *Sessions) OnEvict(hook func(sessionID string)) {
	s.mu.Lock()
	s.evictHook = hook
	s.mu.Unlock()
}

// activeRunners returns the live run-loop handles, for shutdown.
func (s *Sessions) activeRunners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Runner
	for _, h := range s.m {
		if h.runner != nil {
			select {
			case <-h.runner.Done():
			default:
				out = append(out, h.runner)
			}
		}
	}
	return out
}

// StartJanitor spawns the eviction loop.
func (s *Sessions) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopJanitor:
				return
			case <-ticker.C:
				s.evict(time.Now())
			}
		}
	}()
}

// StopJanitor stops the eviction loop. Safe to call multiple times.
func (s *Sessions) StopJanitor() {
	s.janitorOnce.Do(func() { close(s.stopJanitor) })
}

func (s *Sessions) evict(now time.Time) {
	s.mu.Lock()
	var evicted []string
	for id, h := range s.m {
		if !h.doneAt.IsZero() && now.Sub(h.doneAt) >= s.ttl {
			delete(s.m, id)
			evicted = append(evicted, id)
		}
	}
	hook := s.evictHook
	s.mu.Unlock()

	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
}
