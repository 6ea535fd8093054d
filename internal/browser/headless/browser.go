// Package headless drives Chrome through chromedp. Each tab is a chromedp target
// context; the browser's own first tab serves as the bootstrap tab and every
// later one is opened as a sibling target.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

// Config controls how Chrome is launched and how tabs are prepared.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	ScreenshotQuality int
	NoSandbox         bool
	// BlockedURLs are URL patterns every new tab refuses to load.
	BlockedURLs []string
}

const (
	defaultWindowWidth       = 1920
	defaultWindowHeight      = 1080
	defaultScreenshotQuality = 80
)

// lifecycleLoad is the lifecycle event name of a document's load event.
const lifecycleLoad = "load"

var errNotStarted = errors.New("browser not started")

// Browser implements crawler.Browser on top of a single Chrome process.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	rootLeased  bool
	blocked     []string
	sub         crawler.EventSubscriber
	next        int
}

// New constructs a Browser. Call Start before creating tabs.
func New(cfg Config, logger *zap.Logger) *Browser {
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = defaultWindowWidth
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = defaultWindowHeight
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = defaultScreenshotQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		cfg:     cfg,
		logger:  logger,
		blocked: append([]string(nil), cfg.BlockedURLs...),
	}
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(b.cfg.WindowWidth, b.cfg.WindowHeight),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	return opts
}

// Start launches Chrome. The process lives until Close.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rootCtx != nil {
		return nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), b.allocatorOptions()...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(b.logger.Sugar().Errorf))
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return fmt.Errorf("launch chrome: %w", err)
	}
	b.allocCancel = allocCancel
	b.rootCtx = rootCtx
	b.rootCancel = rootCancel
	b.logger.Info("chrome started", zap.Bool("headless", b.cfg.Headless))
	return nil
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.mu.Lock()
	rootCancel, allocCancel := b.rootCancel, b.allocCancel
	b.rootCtx, b.rootCancel, b.allocCancel = nil, nil, nil
	b.mu.Unlock()
	if rootCancel != nil {
		rootCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

// Subscribe routes load events from every tab to sub.
func (b *Browser) Subscribe(sub crawler.EventSubscriber) {
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
}

// Block replaces the URL patterns applied to tabs created from now on.
func (b *Browser) Block(patterns []string) {
	b.mu.Lock()
	b.blocked = append([]string(nil), patterns...)
	b.mu.Unlock()
}

func (b *Browser) subscriber() crawler.EventSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub
}

// tab is one chromedp target.
type tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	root   bool
	meta   *responseMeta

	mu     sync.Mutex
	key    string
	url    string
	loader cdp.LoaderID
	// loaded records loaders whose load event arrived before Navigate returned.
	loaded map[cdp.LoaderID]struct{}
}

func (t *tab) ID() string { return t.id }

// arm sets the completion key the next navigation resolves.
func (t *tab) arm(key, url string) {
	t.mu.Lock()
	t.key = key
	t.url = url
	t.loader = ""
	t.loaded = map[cdp.LoaderID]struct{}{}
	t.mu.Unlock()
	t.meta.reset()
}

// commit binds the armed key to the loader of the navigation just started. It
// returns the key when that loader has already finished loading.
func (t *tab) commit(loader cdp.LoaderID) (string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loader = loader
	if _, done := t.loaded[loader]; !done || t.key == "" {
		return "", "", false
	}
	key, url := t.key, t.url
	t.key = ""
	return key, url, true
}

// loadFired reports a load event for loader. It returns the armed key only for
// the loader of the armed navigation, so the previous document finishing late
// cannot resolve the new job.
func (t *tab) loadFired(loader cdp.LoaderID) (string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == "" || loader == "" {
		return "", "", false
	}
	if t.loader == "" {
		t.loaded[loader] = struct{}{}
		return "", "", false
	}
	if loader != t.loader {
		return "", "", false
	}
	key, url := t.key, t.url
	t.key = ""
	return key, url, true
}

// take returns and clears the armed key.
func (t *tab) take() (string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == "" {
		return "", "", false
	}
	key, url := t.key, t.url
	t.key = ""
	return key, url, true
}

// disarm clears the armed key so a failed navigation never signals.
func (t *tab) disarm() {
	t.mu.Lock()
	t.key = ""
	t.mu.Unlock()
}

func (t *tab) currentLoader() cdp.LoaderID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loader
}

// CreateResource opens a tab. The first call hands out the browser's initial tab.
func (b *Browser) CreateResource(ctx context.Context) (crawler.Resource, error) {
	b.mu.Lock()
	if b.rootCtx == nil {
		b.mu.Unlock()
		return nil, errNotStarted
	}
	b.next++
	t := &tab{id: fmt.Sprintf("tab-%d", b.next), meta: newResponseMeta(), loaded: map[cdp.LoaderID]struct{}{}}
	if !b.rootLeased {
		b.rootLeased = true
		t.root = true
		t.ctx, t.cancel = b.rootCtx, func() {}
	} else {
		t.ctx, t.cancel = chromedp.NewContext(b.rootCtx)
	}
	blocked := append([]string(nil), b.blocked...)
	b.mu.Unlock()

	if !t.root {
		// The target lives as long as the context given to its first Run.
		errc := make(chan error, 1)
		go func() { errc <- chromedp.Run(t.ctx) }()
		select {
		case err := <-errc:
			if err != nil {
				t.cancel()
				return nil, fmt.Errorf("open %s: %w", t.id, err)
			}
		case <-ctx.Done():
			t.cancel()
			return nil, fmt.Errorf("open %s: %w", t.id, ctx.Err())
		}
	}

	chromedp.ListenTarget(t.ctx, func(ev any) { b.onEvent(t, ev) })

	runCtx, stop := bound(t.ctx, ctx)
	defer stop()
	if err := chromedp.Run(runCtx, b.setupTab(blocked)); err != nil {
		if !t.root {
			t.cancel()
		}
		return nil, fmt.Errorf("prepare %s: %w", t.id, err)
	}
	b.logger.Debug("tab created", zap.String("tab", t.id), zap.Bool("bootstrap", t.root))
	return t, nil
}

func (b *Browser) setupTab(blocked []string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if len(blocked) > 0 {
			if err := network.SetBlockedURLs(blocked).Do(ctx); err != nil {
				return fmt.Errorf("set blocked urls: %w", err)
			}
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return emulation.SetDeviceMetricsOverride(int64(b.cfg.WindowWidth), int64(b.cfg.WindowHeight), 1, false).Do(ctx)
	})
}

// DestroyResource closes a tab. The bootstrap tab's page is closed without
// cancelling its context, which would shut the whole browser down.
func (b *Browser) DestroyResource(ctx context.Context, res crawler.Resource) error {
	t, ok := res.(*tab)
	if !ok {
		return fmt.Errorf("unexpected resource type %T", res)
	}
	if !t.root {
		if err := chromedp.Cancel(t.ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close %s: %w", t.id, err)
		}
		return nil
	}
	runCtx, stop := bound(t.ctx, ctx)
	defer stop()
	if err := chromedp.Run(runCtx, page.Close()); err != nil {
		return fmt.Errorf("close %s: %w", t.id, err)
	}
	return nil
}

// TriggerLoad starts navigating to url and returns without waiting for the page
// to load. The load event is reported to the subscriber under key.
func (b *Browser) TriggerLoad(ctx context.Context, res crawler.Resource, key, url string) error {
	t, ok := res.(*tab)
	if !ok {
		return fmt.Errorf("unexpected resource type %T", res)
	}
	t.arm(key, url)

	runCtx, stop := bound(t.ctx, ctx)
	defer stop()
	var ret page.NavigateReturns
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &ret); err != nil {
			return err
		}
		if ret.ErrorText != "" {
			return fmt.Errorf("%s: %w", ret.ErrorText, crawler.ErrLoadFailed)
		}
		return nil
	}))
	if err != nil {
		t.disarm()
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if ret.LoaderID == "" {
		// Same-document navigation: no new document will load.
		if key, armedURL, ok := t.take(); ok {
			b.signal(t, key, armedURL)
		}
		return nil
	}
	if key, armedURL, ok := t.commit(ret.LoaderID); ok {
		b.signal(t, key, armedURL)
	}
	return nil
}

func (b *Browser) onEvent(t *tab, ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		t.meta.capture(e)
	case *page.EventLifecycleEvent:
		if e.Name != lifecycleLoad {
			return
		}
		if key, url, ok := t.loadFired(e.LoaderID); ok {
			b.signal(t, key, url)
		}
	}
}

func (b *Browser) signal(t *tab, key, url string) {
	sub := b.subscriber()
	if sub == nil {
		return
	}
	status, docURL := t.meta.document(t.currentLoader(), url)
	sub.Signal(key, crawler.LoadEvent{URL: docURL, Status: status, Received: time.Now().UTC()})
}

// bound derives a context from the chromedp context tabCtx that also ends when
// ctx ends.
func bound(tabCtx, ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
