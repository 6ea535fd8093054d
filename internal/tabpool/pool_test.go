package tabpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

type fakeTab string

func (f fakeTab) ID() string { return string(f) }

type fakeProvider struct {
	mu        sync.Mutex
	next      int
	existing  int
	minAfter  int // lowest existing count observed after the first creation
	created   int
	destroyed int
	failAt    map[int]error // creation attempt number -> error
	gate      chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{minAfter: -1, failAt: map[int]error{}}
}

func (f *fakeProvider) CreateResource(ctx context.Context) (crawler.Resource, error) {
	f.mu.Lock()
	f.next++
	attempt := f.next
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAt[attempt]; err != nil {
		return nil, err
	}
	f.created++
	f.existing++
	return fakeTab(fmt.Sprintf("tab-%d", attempt)), nil
}

func (f *fakeProvider) DestroyResource(_ context.Context, _ crawler.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.existing--
	if f.minAfter < 0 || f.existing < f.minAfter {
		f.minAfter = f.existing
	}
	return nil
}

func (f *fakeProvider) counts() (created, destroyed, existing int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed, f.existing
}

func newPool(t *testing.T, provider *fakeProvider, capacity int) *Pool {
	t.Helper()
	pool, err := New(provider, Config{Capacity: capacity}, zap.NewNop())
	require.NoError(t, err)
	return pool
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(newFakeProvider(), Config{Capacity: 0}, nil)
	require.Error(t, err)

	_, err = New(nil, Config{Capacity: 1}, nil)
	require.Error(t, err)
}

func TestAcquireCreatesUpToCapacityThenQueues(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pool := newPool(t, provider, 2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	got := make(chan *Slot, 1)
	go func() {
		s, acqErr := pool.Acquire(ctx)
		if acqErr == nil {
			got <- s
		}
	}()

	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	created, _, _ := provider.counts()
	assert.Equal(t, 2, created)

	require.NoError(t, pool.Release(ctx, first))
	select {
	case s := <-got:
		assert.Equal(t, first.ID(), s.ID(), "released tab is handed to the waiter")
		assert.NotEqual(t, first.Key(), s.Key(), "each lease gets a fresh key")
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}

	created, destroyed, _ := provider.counts()
	assert.Equal(t, 2, created)
	assert.Zero(t, destroyed)
}

func TestWaitersAreServedInFIFOOrder(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeProvider(), 1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
	)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, acqErr := pool.Acquire(ctx)
			if acqErr != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			_ = pool.Release(ctx, s)
		}(i)
		require.Eventually(t, func() bool { return pool.Stats().Waiting == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, pool.Release(ctx, held))
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestInUseNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 3
	pool := newPool(t, newFakeProvider(), capacity)
	ctx := context.Background()

	var (
		inUse   atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inUse.Add(-1)
			assert.NoError(t, pool.Release(ctx, s))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(maxSeen.Load()), capacity)
	stats := pool.Stats()
	assert.Zero(t, stats.InUse)
	assert.Zero(t, stats.Waiting)
	assert.GreaterOrEqual(t, stats.Live, 1)
}

func TestReleasingLastTabReplacesItFirst(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pool := newPool(t, provider, 1)
	ctx := context.Background()

	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, s))

	created, destroyed, existing := provider.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 1, existing)
	assert.Equal(t, 1, provider.minAfter, "tab count never dropped to zero")

	next, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), next.ID())
	created, _, _ = provider.counts()
	assert.Equal(t, 2, created, "idle replacement is reused")
}

func TestReleaseKeepsOriginalWhenReplacementFails(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.failAt[2] = errors.New("browser gone")
	pool := newPool(t, provider, 1)
	ctx := context.Background()

	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, s))

	_, destroyed, existing := provider.counts()
	assert.Zero(t, destroyed)
	assert.Equal(t, 1, existing)

	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), again.ID())
}

func TestReleaseDestroysSurplusTabs(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pool := newPool(t, provider, 2)
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Release(ctx, a))
	_, destroyed, _ := provider.counts()
	assert.Equal(t, 1, destroyed)

	require.NoError(t, pool.Release(ctx, b))
	created, destroyed, existing := provider.counts()
	assert.Equal(t, 3, created)
	assert.Equal(t, 2, destroyed)
	assert.Equal(t, 1, existing)
}

func TestWarmQueuesEarlyAcquirersBehindBootstrap(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.gate = make(chan struct{})
	pool := newPool(t, provider, 3)
	ctx := context.Background()

	pool.Warm()
	got := make(chan *Slot, 1)
	go func() {
		s, err := pool.Acquire(ctx)
		if err == nil {
			got <- s
		}
	}()

	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	provider.mu.Lock()
	attempts := provider.next
	provider.mu.Unlock()
	assert.Equal(t, 1, attempts, "no second creation while bootstrap is warming")

	close(provider.gate)
	select {
	case s := <-got:
		assert.Equal(t, "tab-1", s.ID())
	case <-time.After(time.Second):
		t.Fatal("bootstrap tab was not handed out")
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pool := newPool(t, provider, 1)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pool.Stats().Waiting)

	require.NoError(t, pool.Release(context.Background(), held))
	assert.Zero(t, pool.Stats().InUse)
}

func TestReleaseRejectsUnownedSlot(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeProvider(), 1)
	ctx := context.Background()

	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, s))

	require.ErrorIs(t, pool.Release(ctx, s), ErrUnownedSlot)
	require.ErrorIs(t, pool.Release(ctx, &Slot{res: fakeTab("stranger")}), ErrUnownedSlot)
	require.ErrorIs(t, pool.Release(ctx, nil), ErrUnownedSlot)
}

func TestAcquireSurfacesCreationFailure(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.failAt[1] = errors.New("no browser")
	pool := newPool(t, provider, 1)

	_, err := pool.Acquire(context.Background())
	require.Error(t, err)
	assert.Zero(t, pool.Stats().Live)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tab-2", s.ID())
}

func TestQueuedCreationFailureRefillsForRemainingWaiters(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.gate = make(chan struct{})
	provider.failAt[1] = errors.New("boom")
	provider.failAt[2] = errors.New("boom")
	pool := newPool(t, provider, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool.Warm()
	type outcome struct {
		slot *Slot
		err  error
	}
	results := make(chan outcome, 3)
	for range 3 {
		go func() {
			s, err := pool.Acquire(ctx)
			results <- outcome{slot: s, err: err}
		}()
	}
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 3 }, time.Second, time.Millisecond)
	close(provider.gate)

	var failed, granted int
	for range 3 {
		select {
		case o := <-results:
			if o.err != nil {
				require.ErrorContains(t, o.err, "boom")
				failed++
				continue
			}
			assert.Equal(t, "tab-3", o.slot.ID())
			granted++
		case <-time.After(time.Second):
			t.Fatalf("waiter starved: failed=%d granted=%d stats=%+v", failed, granted, pool.Stats())
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, granted)
}

func TestCloseFailsWaitersAndDestroysIdle(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	pool := newPool(t, provider, 1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, acqErr := pool.Acquire(ctx)
		errs <- acqErr
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Close(ctx))
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	require.NoError(t, pool.Release(ctx, held))
	_, destroyed, existing := provider.counts()
	assert.Equal(t, 1, destroyed)
	assert.Zero(t, existing)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
