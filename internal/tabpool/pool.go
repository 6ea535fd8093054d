// Package tabpool manages a bounded set of reusable browser tabs. At most
// Capacity tabs are leased at once, queued requests are served in FIFO order,
// and the pool never lets the number of existing tabs drop to zero while it is
// open: releasing the last tab first creates its replacement.
package tabpool

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

var (
	// ErrClosed is returned to acquirers once the pool has been closed.
	ErrClosed = errors.New("tab pool closed")
	// ErrUnownedSlot is returned when releasing a slot that is not currently leased.
	ErrUnownedSlot = errors.New("slot is not leased from this pool")
)

const (
	defaultCreateTimeout  = 30 * time.Second
	defaultDestroyTimeout = 10 * time.Second
)

// Config controls pool sizing.
type Config struct {
	Capacity       int
	CreateTimeout  time.Duration
	DestroyTimeout time.Duration
}

// Slot is a tab borrowed from the pool for the duration of one job.
type Slot struct {
	res   crawler.Resource
	lease uint64
}

// Resource returns the underlying tab handle.
func (s *Slot) Resource() crawler.Resource {
	return s.res
}

// ID returns the tab identity.
func (s *Slot) ID() string {
	return s.res.ID()
}

// Key is the completion key for the current lease. It changes on every hand-out,
// so an event belonging to an earlier lease of the same tab never matches.
func (s *Slot) Key() string {
	return fmt.Sprintf("%s/%d", s.res.ID(), s.lease)
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Capacity int
	Live     int
	InUse    int
	Idle     int
	Waiting  int
	Creating int
}

type grant struct {
	slot *Slot
	err  error
}

type waiter struct {
	ch chan grant
}

// Pool hands out tabs created by a crawler.ResourceProvider.
type Pool struct {
	provider crawler.ResourceProvider
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	live     int // tabs that exist or are being created, bounded by capacity
	creating int // creations whose tab is offered to the queue when ready
	idle     crawler.Resource
	leased   map[*Slot]struct{}
	waiters  []*waiter
	leases   uint64
	closed   bool
}

// New constructs a Pool. Capacity must be positive.
func New(provider crawler.ResourceProvider, cfg Config, logger *zap.Logger) (*Pool, error) {
	if provider == nil {
		return nil, errors.New("resource provider is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", cfg.Capacity)
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = defaultDestroyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		leased:   make(map[*Slot]struct{}),
	}, nil
}

// Warm starts creating the bootstrap tab in the background. Requests that arrive
// before it is ready queue behind it rather than racing a second creation.
func (p *Pool) Warm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.live > 0 {
		return
	}
	p.live++
	p.creating++
	p.publishLocked()
	go p.createForQueue()
}

// Acquire returns a tab that no other job is using, suspending while the pool is
// saturated. It fails only when ctx ends, the pool closes, or the browser cannot
// create a tab.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if res := p.idle; res != nil {
		p.idle = nil
		s := p.leaseLocked(res)
		p.publishLocked()
		p.mu.Unlock()
		metrics.ObserveAcquire(time.Since(start))
		return s, nil
	}
	if len(p.waiters) == 0 && p.creating == 0 && p.live < p.cfg.Capacity {
		p.live++
		p.publishLocked()
		p.mu.Unlock()
		return p.createDirect(ctx, start)
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.fillLocked()
	p.publishLocked()
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		metrics.ObserveAcquire(time.Since(start))
		return g.slot, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.publishLocked()
		p.mu.Unlock()
		if !removed {
			// Granted concurrently with cancellation; give it back.
			if g := <-w.ch; g.err == nil {
				if err := p.Release(context.Background(), g.slot); err != nil {
					p.logger.Warn("release after canceled acquire failed", zap.Error(err))
				}
			}
		}
		return nil, fmt.Errorf("acquire tab: %w", ctx.Err())
	}
}

func (p *Pool) createDirect(ctx context.Context, start time.Time) (*Slot, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	res, err := p.provider.CreateResource(createCtx)
	cancel()

	p.mu.Lock()
	if err != nil {
		p.live--
		p.fillLocked()
		p.publishLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if p.closed {
		p.live--
		p.publishLocked()
		p.mu.Unlock()
		_ = p.destroy(res)
		return nil, ErrClosed
	}
	s := p.leaseLocked(res)
	p.publishLocked()
	p.mu.Unlock()
	metrics.ObserveAcquire(time.Since(start))
	return s, nil
}

// Release returns a leased tab. A queued request receives it directly; otherwise
// the tab is destroyed, except for the last one, which is replaced by a fresh tab
// before it is destroyed.
func (p *Pool) Release(ctx context.Context, s *Slot) error {
	p.mu.Lock()
	if s == nil {
		p.mu.Unlock()
		return ErrUnownedSlot
	}
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		return ErrUnownedSlot
	}
	delete(p.leased, s)

	if p.closed {
		p.live--
		p.publishLocked()
		p.mu.Unlock()
		return p.destroy(s.res)
	}
	if len(p.waiters) > 0 {
		p.handOffLocked(s.res)
		p.publishLocked()
		p.mu.Unlock()
		return nil
	}
	if p.live-p.creating > 1 {
		p.live--
		p.publishLocked()
		p.mu.Unlock()
		return p.destroy(s.res)
	}

	// Last existing tab: the replacement inherits its place in live.
	p.creating++
	p.publishLocked()
	p.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	res, err := p.provider.CreateResource(createCtx)
	cancel()

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.logger.Warn("replacement tab creation failed; keeping original", zap.String("tab", s.ID()), zap.Error(err))
		extra := p.offerLocked(s.res)
		p.publishLocked()
		p.mu.Unlock()
		if extra != nil {
			return p.destroy(extra)
		}
		return nil
	}
	extra := p.offerLocked(res)
	p.publishLocked()
	p.mu.Unlock()
	if extra != nil {
		if derr := p.destroy(extra); derr != nil {
			p.logger.Warn("surplus tab destroy failed", zap.Error(derr))
		}
	}
	return p.destroy(s.res)
}

// Close fails every queued request with ErrClosed and destroys the idle tab.
// Leased tabs are destroyed as they are released.
func (p *Pool) Close(_ context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	if idle != nil {
		p.live--
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: ErrClosed}
	}
	if idle != nil {
		return p.destroy(idle)
	}
	return nil
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	if p.idle != nil {
		idle = 1
	}
	return Stats{
		Capacity: p.cfg.Capacity,
		Live:     p.live,
		InUse:    len(p.leased),
		Idle:     idle,
		Waiting:  len(p.waiters),
		Creating: p.creating,
	}
}

// fillLocked starts creations for queued requests while capacity allows.
func (p *Pool) fillLocked() {
	if p.closed {
		return
	}
	for len(p.waiters) > p.creating && p.live < p.cfg.Capacity {
		p.live++
		p.creating++
		go p.createForQueue()
	}
}

func (p *Pool) createForQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	res, err := p.provider.CreateResource(ctx)
	cancel()

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.live--
		p.logger.Warn("tab creation failed", zap.Error(err))
		if len(p.waiters) > 0 {
			w := p.popWaiterLocked()
			w.ch <- grant{err: fmt.Errorf("create tab: %w", err)}
		}
		// The failed attempt freed capacity the remaining waiters still need.
		p.fillLocked()
		p.publishLocked()
		p.mu.Unlock()
		return
	}
	extra := p.offerLocked(res)
	p.publishLocked()
	p.mu.Unlock()
	if extra != nil {
		if derr := p.destroy(extra); derr != nil {
			p.logger.Warn("surplus tab destroy failed", zap.Error(derr))
		}
	}
}

// offerLocked gives a ready, counted tab to the longest waiter or parks it as
// the idle tab. It returns a tab the caller must destroy, if any.
func (p *Pool) offerLocked(res crawler.Resource) crawler.Resource {
	switch {
	case p.closed:
		p.live--
		return res
	case len(p.waiters) > 0:
		p.handOffLocked(res)
		return nil
	case p.idle == nil:
		p.idle = res
		return nil
	default:
		p.live--
		return res
	}
}

func (p *Pool) handOffLocked(res crawler.Resource) {
	w := p.popWaiterLocked()
	w.ch <- grant{slot: p.leaseLocked(res)}
}

// leaseLocked wraps res in a fresh Slot so a stale handle from an earlier lease
// is never mistaken for the current one.
func (p *Pool) leaseLocked(res crawler.Resource) *Slot {
	p.leases++
	s := &Slot{res: res, lease: p.leases}
	p.leased[s] = struct{}{}
	return s
}

func (p *Pool) popWaiterLocked() *waiter {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) destroy(res crawler.Resource) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyTimeout)
	defer cancel()
	if err := p.provider.DestroyResource(ctx, res); err != nil {
		return fmt.Errorf("destroy tab %s: %w", res.ID(), err)
	}
	return nil
}

func (p *Pool) publishLocked() {
	metrics.SetPool(p.live, len(p.leased), len(p.waiters))
}
