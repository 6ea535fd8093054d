// Package worker drives a single crawl job through its lifecycle: acquire a tab,
// trigger the load, wait for it to finish, capture artifacts, release the tab and
// report the record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/clock/system"
	"github.com/JakeFAU/tabcrawler/internal/completion"
	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/metrics"
	"github.com/JakeFAU/tabcrawler/internal/tabpool"
)

const (
	defaultCaptureTimeout = 30 * time.Second
	defaultReleaseTimeout = 30 * time.Second
)

// Config controls Runner behavior.
type Config struct {
	// Timeout bounds the wait for the load event. Zero waits indefinitely.
	Timeout        time.Duration
	CaptureTimeout time.Duration
	ReleaseTimeout time.Duration
	// Throttle, when set, is waited on before a tab is acquired.
	Throttle Throttle
}

// Throttle delays navigations, typically per host.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// SlotPool is the part of tabpool.Pool a Runner uses.
type SlotPool interface {
	Acquire(ctx context.Context) (*tabpool.Slot, error)
	Release(ctx context.Context, slot *tabpool.Slot) error
}

// Registrar is the part of completion.Registry a Runner uses.
type Registrar interface {
	Register(key string) (*completion.Waiter, error)
}

// Runner executes crawl jobs against a shared pool.
type Runner struct {
	pool     SlotPool
	registry Registrar
	loader   crawler.Loader
	capturer crawler.Capturer
	sink     crawler.ResultSink
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner. sink may be nil when records are only collected by
// the caller.
func New(
	pool SlotPool,
	registry Registrar,
	loader crawler.Loader,
	capturer crawler.Capturer,
	sink crawler.ResultSink,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	return &Runner{
		pool:     pool,
		registry: registry,
		loader:   loader,
		capturer: capturer,
		sink:     sink,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run crawls url and returns its record. It never fails: every error is stored
// in the record, and a tab acquired for the job is released exactly once.
func (r *Runner) Run(ctx context.Context, url string) crawler.JobRecord {
	logger := r.logger.With(zap.String("url", url))
	rec := crawler.JobRecord{URL: url}
	begin := r.clock.Now()

	slot, err := r.acquire(ctx, url)
	if err != nil {
		logger.Warn("tab acquisition failed", zap.Error(err))
		rec.StartTime = crawler.Millis(r.clock.Now())
		rec.Error = err.Error()
	} else {
		r.execute(ctx, logger.With(zap.String("tab", slot.ID())), slot, &rec)
	}

	rec.EndTime = crawler.Millis(r.clock.Now())
	r.observe(rec, r.clock.Now().Sub(begin))
	r.report(ctx, logger, rec)
	return rec
}

func (r *Runner) acquire(ctx context.Context, url string) (*tabpool.Slot, error) {
	if r.cfg.Throttle != nil {
		if err := r.cfg.Throttle.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	return r.pool.Acquire(ctx)
}

func (r *Runner) execute(ctx context.Context, logger *zap.Logger, slot *tabpool.Slot, rec *crawler.JobRecord) {
	defer r.release(logger, slot)
	defer r.recoverInto(logger, rec)

	r.load(ctx, logger, slot, rec)
	r.capture(ctx, logger, slot, rec)
}

// load triggers the navigation and waits for its completion signal. A panic
// here is recorded so the capture that follows still runs.
func (r *Runner) load(ctx context.Context, logger *zap.Logger, slot *tabpool.Slot, rec *crawler.JobRecord) {
	defer r.recoverInto(logger, rec)

	key := slot.Key()
	waiter, err := r.registry.Register(key)
	rec.StartTime = crawler.Millis(r.clock.Now())
	if err != nil {
		logger.DPanic("completion key registered twice", zap.String("key", key), zap.Error(err))
		rec.Error = err.Error()
		return
	}
	defer waiter.Cancel()

	if err := r.loader.TriggerLoad(ctx, slot.Resource(), key, rec.URL); err != nil {
		logger.Warn("load trigger failed", zap.Error(err))
		rec.Error = err.Error()
		return
	}
	res, err := waiter.Wait(ctx, r.cfg.Timeout)
	switch {
	case err != nil:
		rec.Error = err.Error()
	case res.TimedOut:
		logger.Info("page load timed out", zap.Duration("timeout", r.cfg.Timeout))
		rec.TimedOut = true
		rec.Error = crawler.TimeoutError
	default:
		logger.Debug("page loaded", zap.Int("status", res.Event.Status))
	}
}

func (r *Runner) recoverInto(logger *zap.Logger, rec *crawler.JobRecord) {
	if p := recover(); p != nil {
		logger.Error("job panicked", zap.Any("panic", p))
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("panic: %v", p)
		}
	}
}

// capture is best-effort: a failure is stored in the record unless an earlier
// step already set an error.
func (r *Runner) capture(ctx context.Context, logger *zap.Logger, slot *tabpool.Slot, rec *crawler.JobRecord) {
	if r.capturer == nil {
		return
	}
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CaptureTimeout)
	defer cancel()

	art, err := r.capturer.Capture(captureCtx, slot.Resource())
	rec.FinalURL = art.FinalURL
	rec.Headers = art.Headers
	rec.Screenshot = art.Screenshot
	rec.Source = art.Source
	if err != nil {
		logger.Warn("capture failed", zap.Error(err))
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("capture: %v", err)
		}
	}
}

func (r *Runner) release(logger *zap.Logger, slot *tabpool.Slot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReleaseTimeout)
	defer cancel()
	if err := r.pool.Release(ctx, slot); err != nil {
		if errors.Is(err, tabpool.ErrUnownedSlot) {
			logger.DPanic("released a tab the pool does not own", zap.Error(err))
			return
		}
		logger.Warn("tab release failed", zap.Error(err))
	}
}

func (r *Runner) report(ctx context.Context, logger *zap.Logger, rec crawler.JobRecord) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Report(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("report record failed", zap.Error(err))
	}
}

func (r *Runner) observe(rec crawler.JobRecord, d time.Duration) {
	metrics.ObserveJob(rec.URL, jobStatus(rec), d)
}

func jobStatus(rec crawler.JobRecord) string {
	switch {
	case rec.TimedOut:
		return "timeout"
	case strings.HasPrefix(rec.Error, "capture:"):
		return "capture_failed"
	case rec.Error != "":
		return "failed"
	default:
		return "ok"
	}
}
