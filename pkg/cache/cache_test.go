package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	calls atomic.Int32
	gate  chan struct{}
	fail  atomic.Int32
	value func(n int32) any
}

func (c *counter) fetch(ctx context.Context) (any, error) {
	n := c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail.Load() > 0 {
		c.fail.Add(-1)
		return nil, errors.New("boom")
	}
	if c.value != nil {
		return c.value(n), nil
	}
	return int(n), nil
}

func waitFor(t *testing.T, sub *Subscription, cond func(Entry) bool) Entry {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Updates():
			require.True(t, ok, "subscription closed")
			if cond(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for entry, last: %+v", sub.Current())
		}
	}
}

func ready(e Entry) bool { return e.Status == StatusReady && !e.Fetching }

func TestKey(t *testing.T) {
	assert.Equal(t, "documents", NewKey("documents").String())
	assert.Equal(t, "document:42", NewKey("document", 42).String())
	assert.Equal(t, "search:q1 report", NewKey("search", "q1 report").String())
	assert.Equal(t, NewKey("document", 42), Key{Kind: "document", Params: "42"})
}

func TestSingleInFlightFetch(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{gate: make(chan struct{})}
	key := NewKey("documents")

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), key, f.fetch, Options{})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	for i := 0; i < 5; i++ {
		e := c.Get(key, f.fetch, Options{})
		assert.Equal(t, StatusPending, e.Status)
	}

	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
	for _, v := range results {
		assert.Equal(t, 1, v)
	}
}

func TestFreshEntryIsServedWithoutFetching(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	key := NewKey("history")

	v, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	e := c.Get(key, f.fetch, Options{})
	assert.Equal(t, StatusReady, e.Status)
	assert.Equal(t, 1, e.Value)
	assert.False(t, e.Fetching)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestInvalidateWithoutConsumersDoesNotFetch(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	key := NewKey("documents")

	_, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)

	c.Invalidate(key)
	c.Invalidate(key)
	c.InvalidatePrefix("documents")
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())

	e, ok := c.Peek(key)
	require.True(t, ok)
	assert.True(t, e.Stale)
	assert.Equal(t, 1, e.Value)

	v, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestInvalidateNeverFetchedEntryIsDropped(t *testing.T) {
	c := New()
	defer c.Close()
	c.Invalidate(NewKey("documents"))
	_, ok := c.Peek(NewKey("documents"))
	assert.False(t, ok)
}

func TestStaleWhileRevalidate(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	key := NewKey("document", 1)

	_, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)

	f.gate = make(chan struct{})
	c.Invalidate(key)
	e := c.Get(key, f.fetch, Options{})
	assert.True(t, e.Fetching)
	assert.True(t, e.HasValue)
	assert.Equal(t, 1, e.Value)

	close(f.gate)
	v, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestInvalidateWithConsumerRefetches(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	key := NewKey("documents")

	sub := c.Watch(key, f.fetch, Options{})
	defer sub.Release()
	e := waitFor(t, sub, ready)
	assert.Equal(t, 1, e.Value)

	c.Invalidate(key)
	e = waitFor(t, sub, func(e Entry) bool { return ready(e) && e.Value == 2 })
	assert.False(t, e.Stale)
}

func TestInvalidateDuringFetchRefetchesAfterward(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{gate: make(chan struct{})}
	key := NewKey("documents")

	sub := c.Watch(key, f.fetch, Options{})
	defer sub.Release()
	time.Sleep(10 * time.Millisecond)
	c.Invalidate(key)
	close(f.gate)

	e := waitFor(t, sub, func(e Entry) bool { return ready(e) && e.Value == 2 })
	assert.False(t, e.Stale)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRefetchIntervalStopsOnRelease(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	key := NewKey("conversation", 5)
	opts := Options{RefetchInterval: 10 * time.Millisecond}

	a := c.Watch(key, f.fetch, opts)
	b := c.Watch(key, f.fetch, opts)
	waitFor(t, a, func(e Entry) bool { return ready(e) && e.Value.(int) >= 3 })

	a.Release()
	waitFor(t, b, func(e Entry) bool { return ready(e) && e.Value.(int) >= 5 })
	b.Release()

	time.Sleep(30 * time.Millisecond)
	settled := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, f.calls.Load())

	for range a.Updates() {
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	ctx := context.Background()

	for _, k := range []Key{NewKey("search", "a"), NewKey("search", "b"), NewKey("documents")} {
		_, err := c.Fetch(ctx, k, f.fetch, Options{})
		require.NoError(t, err)
	}

	c.InvalidatePrefix("search")
	a, _ := c.Peek(NewKey("search", "a"))
	b, _ := c.Peek(NewKey("search", "b"))
	docs, _ := c.Peek(NewKey("documents"))
	assert.True(t, a.Stale)
	assert.True(t, b.Stale)
	assert.False(t, docs.Stale)
}

func TestClearDiscardsInFlightResult(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{gate: make(chan struct{})}
	key := NewKey("documents")

	sub := c.Watch(key, f.fetch, Options{})
	time.Sleep(10 * time.Millisecond)
	c.Clear()
	close(f.gate)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Peek(key)
	assert.False(t, ok)
	for range sub.Updates() {
	}
	sub.Release()
}

func TestRetryOnlyOnInitialFetch(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()
	f := &counter{}
	key := NewKey("documents")
	opts := Options{Retry: 1}

	f.fail.Store(1)
	v, err := c.Fetch(ctx, key, f.fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	c.Invalidate(key)
	f.fail.Store(1)
	_, err = c.Fetch(ctx, key, f.fetch, opts)
	assert.Error(t, err)
	assert.EqualValues(t, 3, f.calls.Load())

	e, _ := c.Peek(key)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, 2, e.Value)
}

func TestRetryIfFiltersErrors(t *testing.T) {
	c := New()
	defer c.Close()
	f := &counter{}
	f.fail.Store(1)

	_, err := c.Fetch(context.Background(), NewKey("documents"), f.fetch, Options{
		Retry:   3,
		RetryIf: func(error) bool { return false },
	})
	assert.Error(t, err)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestLoad(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	names, err := Load(ctx, c, NewKey("names"), func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = Load(ctx, c, NewKey("names"), func(context.Context) (int, error) {
		return 1, nil
	}, Options{})
	assert.Error(t, err)
}

func TestIdleEntriesExpire(t *testing.T) {
	c := NewWithConfig(CacheConfig{GCTime: 20 * time.Millisecond})
	defer c.Close()
	f := &counter{}
	key := NewKey("documents")

	_, err := c.Fetch(context.Background(), key, f.fetch, Options{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Peek(key)
	assert.False(t, ok)
}
