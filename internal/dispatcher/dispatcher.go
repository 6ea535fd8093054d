// Package dispatcher runs a batch of URLs through the job runner, one goroutine
// per URL, with concurrency bounded by a per-batch tab pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/clock/system"
	"github.com/JakeFAU/tabcrawler/internal/completion"
	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/tabpool"
	"github.com/JakeFAU/tabcrawler/internal/worker"
)

// Config controls batch execution.
type Config struct {
	MaxTabs        int
	Timeout        time.Duration
	CaptureTimeout time.Duration
	// Warm creates the bootstrap tab as soon as the batch starts.
	Warm bool
	// Throttle is shared by every job of every batch.
	Throttle worker.Throttle
}

// Dispatcher fans a URL list out to job runners.
type Dispatcher struct {
	browser crawler.Browser
	gate    crawler.Gate
	sink    crawler.ResultSink
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. gate and sink are optional.
func New(
	browser crawler.Browser,
	gate crawler.Gate,
	sink crawler.ResultSink,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Dispatcher{
		browser: browser,
		gate:    gate,
		sink:    sink,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// RunBatch crawls every URL and blocks until all of them have reported. onDone
// is called exactly once with one record per input URL, in input order, even when
// the batch cannot start. The returned error describes why the batch could not
// start; per-URL failures are only visible in the records.
func (d *Dispatcher) RunBatch(ctx context.Context, urls []string, onDone func(crawler.Summary)) error {
	if onDone == nil {
		onDone = func(crawler.Summary) {}
	}
	if len(urls) == 0 {
		onDone(crawler.Summary{})
		return nil
	}

	if d.gate != nil {
		if err := d.gate.Ready(ctx); err != nil {
			err = fmt.Errorf("precondition not met: %w", err)
			d.failAll(ctx, urls, err, onDone)
			return err
		}
	}
	if d.browser == nil {
		err := errors.New("no browser configured")
		d.failAll(ctx, urls, err, onDone)
		return err
	}

	pool, err := tabpool.New(d.browser, tabpool.Config{Capacity: d.cfg.MaxTabs}, d.logger.Named("pool"))
	if err != nil {
		err = fmt.Errorf("create tab pool: %w", err)
		d.failAll(ctx, urls, err, onDone)
		return err
	}
	defer func() {
		if cerr := pool.Close(context.Background()); cerr != nil {
			d.logger.Warn("close tab pool", zap.Error(cerr))
		}
	}()

	registry := completion.NewRegistry(d.logger.Named("completion"))
	d.browser.Subscribe(registry)
	if d.cfg.Warm {
		pool.Warm()
	}

	runner := worker.New(
		pool,
		registry,
		d.browser,
		d.browser,
		d.sink,
		d.clock,
		worker.Config{Timeout: d.cfg.Timeout, CaptureTimeout: d.cfg.CaptureTimeout, Throttle: d.cfg.Throttle},
		d.logger.Named("runner"),
	)

	d.logger.Info("batch started", zap.Int("urls", len(urls)), zap.Int("max_tabs", d.cfg.MaxTabs))
	records := make([]crawler.JobRecord, len(urls))
	var remaining atomic.Int64
	remaining.Store(int64(len(urls)))
	done := make(chan struct{})

	for i, u := range urls {
		go func() {
			records[i] = runner.Run(ctx, u)
			if remaining.Add(-1) == 0 {
				close(done)
			}
		}()
	}
	<-done

	summary := summarize(records)
	d.logger.Info("batch finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut),
	)
	onDone(summary)
	return nil
}

// failAll reports a failed record for every URL so the batch still accounts for
// each of them.
func (d *Dispatcher) failAll(ctx context.Context, urls []string, cause error, onDone func(crawler.Summary)) {
	d.logger.Error("batch could not start", zap.Error(cause))
	now := crawler.Millis(d.clock.Now())
	records := make([]crawler.JobRecord, len(urls))
	for i, u := range urls {
		records[i] = crawler.JobRecord{URL: u, StartTime: now, EndTime: now, Error: cause.Error()}
		if d.sink == nil {
			continue
		}
		if err := d.sink.Report(context.WithoutCancel(ctx), records[i]); err != nil {
			d.logger.Error("report record failed", zap.String("url", u), zap.Error(err))
		}
	}
	onDone(summarize(records))
}

func summarize(records []crawler.JobRecord) crawler.Summary {
	var s crawler.Summary
	for _, rec := range records {
		s.Add(rec)
	}
	return s
}
