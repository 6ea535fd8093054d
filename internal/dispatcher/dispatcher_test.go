package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

type fakeTab string

func (f fakeTab) ID() string { return string(f) }

type fakeBrowser struct {
	hang map[string]bool

	mu      sync.Mutex
	sub     crawler.EventSubscriber
	next    int
	live    int
	inUse   int
	maxUse  int
	started []string
}

func (b *fakeBrowser) Subscribe(sub crawler.EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sub = sub
}

func (b *fakeBrowser) CreateResource(context.Context) (crawler.Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.live++
	return fakeTab(fmt.Sprintf("tab-%d", b.next)), nil
}

func (b *fakeBrowser) DestroyResource(context.Context, crawler.Resource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live--
	return nil
}

func (b *fakeBrowser) TriggerLoad(_ context.Context, _ crawler.Resource, key, url string) error {
	b.mu.Lock()
	b.started = append(b.started, url)
	b.inUse++
	if b.inUse > b.maxUse {
		b.maxUse = b.inUse
	}
	sub := b.sub
	b.mu.Unlock()

	if b.hang[url] {
		return nil
	}
	go func() {
		time.Sleep(2 * time.Millisecond)
		sub.Signal(key, crawler.LoadEvent{URL: url, Status: 200})
	}()
	return nil
}

func (b *fakeBrowser) Capture(context.Context, crawler.Resource) (crawler.Artifacts, error) {
	b.mu.Lock()
	b.inUse--
	b.mu.Unlock()
	return crawler.Artifacts{FinalURL: "https://final.example/"}, nil
}

type fakeGate struct {
	err   error
	calls int
}

func (g *fakeGate) Ready(context.Context) error {
	g.calls++
	return g.err
}

type countingSink struct {
	mu   sync.Mutex
	urls []string
}

func (s *countingSink) Report(_ context.Context, rec crawler.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, rec.URL)
	return nil
}

func urlList(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("https://site%d.example/", i)
	}
	return out
}

func TestRunBatchReportsEveryURLOnce(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{hang: map[string]bool{}}
	sink := &countingSink{}
	d := New(browser, &fakeGate{}, sink, nil, Config{MaxTabs: 3, Timeout: time.Second, Warm: true}, zap.NewNop())

	urls := urlList(10)
	urls = append(urls, urls[0])

	calls := 0
	var summary crawler.Summary
	err := d.RunBatch(context.Background(), urls, func(s crawler.Summary) {
		calls++
		summary = s
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, summary.Records, len(urls))
	for i, rec := range summary.Records {
		assert.Equal(t, urls[i], rec.URL)
	}
	assert.Equal(t, len(urls), summary.Succeeded)
	assert.ElementsMatch(t, urls, sink.urls)
	browser.mu.Lock()
	assert.LessOrEqual(t, browser.maxUse, 3)
	browser.mu.Unlock()
	require.Eventually(t, func() bool {
		browser.mu.Lock()
		defer browser.mu.Unlock()
		return browser.live == 0
	}, time.Second, 5*time.Millisecond, "pool closed after the batch")
}

func TestRunBatchEmptyCompletesImmediately(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{}
	d := New(&fakeBrowser{}, gate, nil, nil, Config{MaxTabs: 1}, nil)

	calls := 0
	require.NoError(t, d.RunBatch(context.Background(), nil, func(s crawler.Summary) {
		calls++
		assert.Empty(t, s.Records)
	}))
	assert.Equal(t, 1, calls)
	assert.Zero(t, gate.calls)
}

func TestRunBatchGateFailureFailsEveryURL(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	sink := &countingSink{}
	d := New(browser, &fakeGate{err: errors.New("lists unavailable")}, sink, nil, Config{MaxTabs: 2}, nil)

	urls := urlList(4)
	var summary crawler.Summary
	err := d.RunBatch(context.Background(), urls, func(s crawler.Summary) { summary = s })
	require.Error(t, err)

	assert.Equal(t, 4, summary.Failed)
	for _, rec := range summary.Records {
		assert.Contains(t, rec.Error, "lists unavailable")
	}
	assert.Len(t, sink.urls, 4)
	assert.Empty(t, browser.started, "no job starts before the gate opens")
}

func TestRunBatchTimeoutDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{hang: map[string]bool{"https://site0.example/": true}}
	d := New(browser, nil, nil, nil, Config{MaxTabs: 1, Timeout: 50 * time.Millisecond}, nil)

	var summary crawler.Summary
	require.NoError(t, d.RunBatch(context.Background(), urlList(3), func(s crawler.Summary) { summary = s }))

	assert.Equal(t, 1, summary.TimedOut)
	assert.Equal(t, 2, summary.Succeeded)
	assert.True(t, summary.Records[0].TimedOut)
}

func TestRunBatchInvalidCapacity(t *testing.T) {
	t.Parallel()

	d := New(&fakeBrowser{}, nil, nil, nil, Config{MaxTabs: 0}, nil)
	var summary crawler.Summary
	err := d.RunBatch(context.Background(), urlList(2), func(s crawler.Summary) { summary = s })
	require.Error(t, err)
	assert.Equal(t, 2, summary.Failed)
}
