package completion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

func TestSignalResolvesWaiter(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	w, err := reg.Register("tab-1/1")
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		reg.Signal("tab-1/1", crawler.LoadEvent{URL: "https://example.com/", Status: 200})
	}()

	res, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "tab-1/1", res.Event.Key)
	assert.Equal(t, 200, res.Event.Status)
	assert.Zero(t, reg.Pending())
}

func TestSignalBeforeWaitIsNotLost(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	w, err := reg.Register("k")
	require.NoError(t, err)

	require.True(t, reg.Signal("k", crawler.LoadEvent{URL: "https://fast.example/"}))

	res, err := w.Wait(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "https://fast.example/", res.Event.URL)
}

func TestTimeoutThenLateSignalIsIgnored(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	res, err := reg.Await(context.Background(), "slow", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Zero(t, reg.Pending())

	assert.False(t, reg.Signal("slow", crawler.LoadEvent{}))
}

func TestSignalWithoutWaiterIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	assert.False(t, reg.Signal("unknown", crawler.LoadEvent{}))
	assert.Zero(t, reg.Pending())
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	_, err := reg.Register("dup")
	require.NoError(t, err)

	_, err = reg.Register("dup")
	require.ErrorIs(t, err, ErrDuplicateWaiter)

	reg.Signal("dup", crawler.LoadEvent{})
	_, err = reg.Register("dup")
	require.NoError(t, err, "key is reusable once resolved")
}

func TestWaitReturnsContextError(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	w, err := reg.Register("ctx")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, reg.Pending())
}

func TestConcurrentKeysResolveIndependently(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	const n = 50
	waiters := make([]*Waiter, n)
	for i := range n {
		w, err := reg.Register(fmt.Sprintf("tab/%d", i))
		require.NoError(t, err)
		waiters[i] = w
	}

	var wg sync.WaitGroup
	results := make([]Result, n)
	for i, w := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := w.Wait(context.Background(), time.Second)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	for i := n - 1; i >= 0; i-- {
		require.True(t, reg.Signal(fmt.Sprintf("tab/%d", i), crawler.LoadEvent{Status: i}))
	}
	wg.Wait()

	for i, res := range results {
		assert.Equal(t, i, res.Event.Status)
		assert.Equal(t, fmt.Sprintf("tab/%d", i), res.Event.Key)
	}
}
