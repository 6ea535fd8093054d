package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/dispatcher"
	"github.com/JakeFAU/tabcrawler/internal/filters"
	"github.com/JakeFAU/tabcrawler/internal/worker"
)

// ParamsSource supplies the URLs still to crawl and the crawl settings.
type ParamsSource interface {
	FetchParameters(ctx context.Context) (crawler.Parameters, error)
}

// Session is one launched browser.
type Session interface {
	crawler.Browser
	Block(patterns []string)
	Close()
}

// Rounds repeatedly launches a fresh browser and crawls whatever the
// collector still lists, until nothing is left or MaxRounds is reached.
type Rounds struct {
	Params         ParamsSource
	Sink           crawler.ResultSink
	Launch         func(ctx context.Context) (Session, error)
	Filters        *filters.Gate
	MaxRounds      int
	CaptureTimeout time.Duration
	Warm           bool
	Throttle       worker.Throttle
	Logger         *zap.Logger
}

// Report describes a finished run.
type Report struct {
	Rounds    []crawler.Summary
	Remaining []string
}

// Run executes the rounds. It returns an error only when the collector or the
// browser cannot be reached, or ctx ends.
func (r *Rounds) Run(ctx context.Context) (Report, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if r.Params == nil || r.Launch == nil {
		return Report{}, errors.New("rounds need a parameters source and a browser launcher")
	}
	maxRounds := r.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	var report Report
	for round := 1; round <= maxRounds; round++ {
		params, err := r.Params.FetchParameters(ctx)
		if err != nil {
			return report, err
		}
		if len(params.URLs) == 0 {
			return report, nil
		}
		logger.Info("round started", zap.Int("round", round), zap.Int("urls", len(params.URLs)))

		summary, err := r.RunOnce(ctx, params, logger.With(zap.Int("round", round)))
		if err != nil {
			return report, err
		}
		report.Rounds = append(report.Rounds, summary)
	}

	params, err := r.Params.FetchParameters(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = params.URLs
	if len(report.Remaining) > 0 {
		logger.Warn("urls left after last round", zap.Int("remaining", len(report.Remaining)), zap.Int("rounds", maxRounds))
	}
	return report, nil
}

// RunOnce crawls params.URLs in a freshly launched browser. A nil logger uses
// the Rounds logger.
func (r *Rounds) RunOnce(ctx context.Context, params crawler.Parameters, logger *zap.Logger) (crawler.Summary, error) {
	if logger == nil {
		logger = r.Logger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	session, err := r.Launch(ctx)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("launch browser: %w", err)
	}
	defer session.Close()

	var gate crawler.Gate
	if r.Filters != nil {
		gate = blockingGate{gate: r.Filters, session: session}
	}
	d := dispatcher.New(session, gate, r.Sink, nil, dispatcher.Config{
		MaxTabs:        params.MaxTabs,
		Timeout:        params.TimeoutDuration(),
		CaptureTimeout: r.CaptureTimeout,
		Warm:           r.Warm,
		Throttle:       r.Throttle,
	}, logger)

	var summary crawler.Summary
	if err := d.RunBatch(ctx, params.URLs, func(s crawler.Summary) { summary = s }); err != nil {
		// Every URL was still reported as failed.
		logger.Warn("batch did not start", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("round interrupted: %w", err)
	}
	return summary, nil
}

// blockingGate loads the filter lists and hands their patterns to the browser
// before any tab is opened.
type blockingGate struct {
	gate    *filters.Gate
	session Session
}

func (g blockingGate) Ready(ctx context.Context) error {
	if err := g.gate.Ready(ctx); err != nil {
		return err
	}
	g.session.Block(g.gate.BlockedPatterns())
	return nil
}

// ReadURLList reads one URL per line, trimming whitespace and skipping blank
// lines.
func ReadURLList(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			urls = append(urls, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}
