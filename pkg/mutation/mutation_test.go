package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/pkg/cache"
)

type recorder struct {
	mu     sync.Mutex
	states []Status
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.Status)
}

func (r *recorder) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.states...)
}

func primed(t *testing.T, c *cache.Cache, keys ...cache.Key) {
	t.Helper()
	for _, k := range keys {
		_, err := c.Fetch(context.Background(), k, func(context.Context) (any, error) {
			return "v", nil
		}, cache.Options{})
		require.NoError(t, err)
	}
}

func stale(c *cache.Cache, key cache.Key) bool {
	e, _ := c.Peek(key)
	return e.Stale
}

func TestUploadScenario(t *testing.T) {
	c := cache.New()
	defer c.Close()
	list := cache.NewKey("documents")
	other := cache.NewKey("history")
	primed(t, c, list, other)

	upload := New(c, Spec[string, int]{
		Kind: "upload",
		Do: func(ctx context.Context, name string) (int, error) {
			return 7, nil
		},
		Invalidate: func(string, int) Invalidation {
			return Invalidation{Kinds: []cache.Kind{"documents", "search"}}
		},
		ResetAfter: 40 * time.Millisecond,
	})
	rec := &recorder{}
	upload.Watch(rec.record)

	id, err := upload.Run(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, StatusSuccess, upload.Status())
	assert.True(t, stale(c, list))
	assert.False(t, stale(c, other))

	assert.Eventually(t, func() bool {
		return upload.Status() == StatusIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusInFlight, StatusSuccess, StatusIdle}, rec.seen())
}

func TestFailureLeavesCacheUntouched(t *testing.T) {
	c := cache.New()
	defer c.Close()
	key := cache.NewKey("document", 3)
	primed(t, c, key)

	boom := errors.New("boom")
	del := New(c, Spec[int, struct{}]{
		Kind: "delete",
		Do: func(context.Context, int) (struct{}, error) {
			return struct{}{}, boom
		},
		Invalidate: func(id int, _ struct{}) Invalidation {
			return Invalidation{Keys: []cache.Key{cache.NewKey("document", id)}}
		},
	})
	rec := &recorder{}
	cancel := del.Watch(rec.record)
	defer cancel()

	_, err := del.Run(context.Background(), 3)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, del.LastError(), boom)
	assert.Equal(t, StatusIdle, del.Status())
	assert.Equal(t, []Status{StatusInFlight, StatusError, StatusIdle}, rec.seen())
	assert.False(t, stale(c, key))
}

func TestNewRunCancelsPendingReset(t *testing.T) {
	release := make(chan struct{})
	calls := 0
	m := New[int, int](nil, Spec[int, int]{
		Kind: "upload",
		Do: func(ctx context.Context, n int) (int, error) {
			calls++
			if n == 2 {
				<-release
			}
			return n, nil
		},
		ResetAfter: 20 * time.Millisecond,
	})

	_, err := m.Run(context.Background(), 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Run(context.Background(), 2)
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusInFlight, m.Status())
	close(release)
	<-done
	assert.Equal(t, StatusSuccess, m.Status())
	assert.Equal(t, 2, calls)
}

func TestSuccessClearsLastError(t *testing.T) {
	fail := true
	m := New[int, int](nil, Spec[int, int]{
		Kind: "analyze",
		Do: func(context.Context, int) (int, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 1, nil
		},
	})

	_, err := m.Run(context.Background(), 1)
	require.Error(t, err)
	require.Error(t, m.LastError())

	fail = false
	_, err = m.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, m.LastError())
	assert.Equal(t, "analyze", m.Kind())
}
