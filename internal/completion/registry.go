// Package completion matches asynchronous "load finished" events from the browser
// to the job waiting on them. Each key has at most one pending waiter; whichever
// of signal, timeout or cancellation happens first resolves it, and anything that
// arrives afterwards is dropped.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/metrics"
)

// ErrDuplicateWaiter is returned when a key already has a pending waiter.
var ErrDuplicateWaiter = errors.New("completion key already has a pending waiter")

// Result is the outcome of a wait.
type Result struct {
	Event    crawler.LoadEvent
	TimedOut bool
}

// Registry maps completion keys to pending waiters.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*Waiter
}

// Waiter is a single registration. It resolves exactly once.
type Waiter struct {
	key string
	reg *Registry
	ch  chan crawler.LoadEvent
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		pending: make(map[string]*Waiter),
	}
}

// Register reserves key before the action that will eventually signal it.
func (r *Registry) Register(key string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWaiter, key)
	}
	w := &Waiter{key: key, reg: r, ch: make(chan crawler.LoadEvent, 1)}
	r.pending[key] = w
	return w, nil
}

// Signal delivers event to the waiter registered under key. It never blocks and
// reports false when nobody is waiting.
func (r *Registry) Signal(key string, event crawler.LoadEvent) bool {
	r.mu.Lock()
	w, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
		event.Key = key
		// Buffered; delivery under the lock keeps cancel from missing it.
		w.ch <- event
	}
	r.mu.Unlock()

	if !ok {
		metrics.ObserveLateSignal()
		r.logger.Debug("dropping load event with no waiter", zap.String("key", key))
	}
	return ok
}

// Pending returns the number of outstanding registrations.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Await registers key and waits on it. Use Register plus Wait when the signal
// could fire before Await would get to register.
func (r *Registry) Await(ctx context.Context, key string, timeout time.Duration) (Result, error) {
	w, err := r.Register(key)
	if err != nil {
		return Result{}, err
	}
	return w.Wait(ctx, timeout)
}

// Key returns the registered key.
func (w *Waiter) Key() string {
	return w.key
}

// Wait blocks until the key is signalled, timeout elapses or ctx ends. A
// non-positive timeout waits without a deadline.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev := <-w.ch:
		return Result{Event: ev}, nil
	case <-expired:
		if ev, ok := w.cancel(); ok {
			return Result{Event: ev}, nil
		}
		return Result{TimedOut: true}, nil
	case <-ctx.Done():
		if ev, ok := w.cancel(); ok {
			return Result{Event: ev}, nil
		}
		return Result{}, ctx.Err()
	}
}

// Cancel withdraws the registration without waiting. It is safe to call after
// the waiter has resolved.
func (w *Waiter) Cancel() {
	w.cancel()
}

// cancel removes the registration. If a signal won the race the delivered event
// is returned instead.
func (w *Waiter) cancel() (crawler.LoadEvent, bool) {
	r := w.reg
	r.mu.Lock()
	if cur, ok := r.pending[w.key]; ok && cur == w {
		delete(r.pending, w.key)
		r.mu.Unlock()
		return crawler.LoadEvent{}, false
	}
	r.mu.Unlock()
	select {
	case ev := <-w.ch:
		return ev, true
	default:
		return crawler.LoadEvent{}, false
	}
}
