// Package cache is a keyed store of remote entities with stale-while-revalidate
// reads, per-key fetch deduplication, and interval refetching shared by every
// live consumer of a key.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	gocache "github.com/patrickmn/go-cache"
)

type Kind string

// Key identifies an entry: an entity kind plus its identifying parameters.
type Key struct {
	Kind   Kind
	Params string
}

func NewKey(kind Kind, params ...any) Key {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprint(p)
	}
	return Key{Kind: kind, Params: strings.Join(parts, "/")}
}

func (k Key) String() string {
	if k.Params == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.Params
}

type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Entry is a snapshot of a cached entity. Value keeps the last successful
// result while a refetch is pending or after a failed one.
type Entry struct {
	Key       Key
	Value     any
	HasValue  bool
	Status    Status
	Err       error
	FetchedAt time.Time
	Stale     bool
	Fetching  bool
}

type Fetcher func(ctx context.Context) (any, error)

type Options struct {
	// RefetchInterval re-issues the fetch on a timer while the key has at
	// least one Watch consumer.
	RefetchInterval time.Duration
	// Retry is the number of automatic retries of a key's initial fetch.
	Retry int
	// RetryIf filters which errors are retried. Nil retries every error.
	RetryIf func(error) bool
}

type CacheConfig struct {
	// GCTime is how long an entry without consumers is kept.
	GCTime time.Duration
	Now    func() time.Time
}

type flight struct {
	seq  uint64
	done chan struct{}
	val  any
	err  error
}

type entry struct {
	Entry
	seq      uint64
	flight   *flight
	dirty    bool
	fetcher  Fetcher
	opts     Options
	subs     map[*Subscription]struct{}
	stopPoll chan struct{}
	removed  bool
}

type Cache struct {
	config CacheConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries *gocache.Cache
}

func NewWithConfig(config CacheConfig) *Cache {
	if config.GCTime == 0 {
		config.GCTime = 5 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		entries: gocache.New(config.GCTime, config.GCTime),
	}
}

func New() *Cache {
	return NewWithConfig(CacheConfig{})
}

// Get returns the current entry and starts a background fetch when the key is
// absent or stale. Only one fetch per key is ever in flight.
func (c *Cache) Get(key Key, fetch Fetcher, opts Options) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupOrCreateLocked(key)
	e.fetcher, e.opts = fetch, opts
	if e.needsFetch() {
		c.startLocked(e)
	} else {
		cacheHits.WithLabelValues(string(key.Kind)).Inc()
	}
	return e.snapshot()
}

// Fetch returns a fresh value for key, joining the in-flight fetch if there is
// one.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch Fetcher, opts Options) (any, error) {
	c.mu.Lock()
	e := c.lookupOrCreateLocked(key)
	e.fetcher, e.opts = fetch, opts
	if !e.needsFetch() && e.flight == nil {
		val := e.Value
		c.mu.Unlock()
		cacheHits.WithLabelValues(string(key.Kind)).Inc()
		return val, nil
	}
	f := e.flight
	if f == nil {
		f = c.startLocked(e)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.val, f.err
	}
}

// Peek returns the entry for key without fetching.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(key)
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Invalidate marks key stale. The last value stays readable until the
// refetch completes. Keys with live consumers are refetched right away; other
// keys wait for their next read. Entries that never held a value are dropped.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(key); e != nil {
		c.invalidateLocked(e)
	}
}

// InvalidatePrefix invalidates every key of kind.
func (c *Cache) InvalidatePrefix(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.entries.Items() {
		if e, ok := item.Object.(*entry); ok && e.Key.Kind == kind {
			c.invalidateLocked(e)
		}
	}
}

// Clear drops every entry, stops every refetch timer, closes every
// subscription, and discards the results of fetches still in flight.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.entries.Items() {
		e, ok := item.Object.(*entry)
		if !ok {
			continue
		}
		e.removed = true
		c.stopPollLocked(e)
		for s := range e.subs {
			delete(e.subs, s)
			close(s.updates)
		}
	}
	c.entries.Flush()
	log.Debug("Cache cleared")
}

// Close clears the cache and cancels outstanding fetches.
func (c *Cache) Close() {
	c.Clear()
	c.cancel()
}

func (c *Cache) lookupLocked(key Key) *entry {
	if item, ok := c.entries.Get(key.String()); ok {
		if e, ok := item.(*entry); ok {
			return e
		}
	}
	return nil
}

func (c *Cache) lookupOrCreateLocked(key Key) *entry {
	if e := c.lookupLocked(key); e != nil {
		return e
	}
	e := &entry{
		Entry: Entry{Key: key, Status: StatusPending},
		subs:  map[*Subscription]struct{}{},
	}
	c.entries.Set(key.String(), e, gocache.DefaultExpiration)
	return e
}

func (e *entry) needsFetch() bool {
	return e.flight == nil && (!e.HasValue || e.Stale)
}

func (e *entry) active() bool {
	return len(e.subs) > 0 || e.flight != nil
}

func (e *entry) snapshot() Entry {
	snap := e.Entry
	snap.Fetching = e.flight != nil
	return snap
}

// touchLocked pins active entries and lets idle ones expire after GCTime.
func (c *Cache) touchLocked(e *entry) {
	if e.removed {
		return
	}
	if e.active() {
		c.entries.Set(e.Key.String(), e, gocache.NoExpiration)
	} else {
		c.entries.Set(e.Key.String(), e, gocache.DefaultExpiration)
	}
}

func (c *Cache) invalidateLocked(e *entry) {
	cacheInvalidations.WithLabelValues(string(e.Key.Kind)).Inc()
	if !e.HasValue && !e.active() {
		e.removed = true
		c.entries.Delete(e.Key.String())
		return
	}
	e.Stale = true
	if e.flight != nil {
		e.dirty = true
		return
	}
	if len(e.subs) > 0 {
		c.startLocked(e)
	}
	c.notifyLocked(e)
}

func (c *Cache) startLocked(e *entry) *flight {
	e.seq++
	f := &flight{seq: e.seq, done: make(chan struct{})}
	e.flight = f
	e.Status = StatusPending
	fetch, opts, initial := e.fetcher, e.opts, !e.HasValue
	c.touchLocked(e)
	c.notifyLocked(e)

	log.Debug("Cache fetch", "key", e.Key, "seq", f.seq, "initial", initial)
	go c.run(e, f, fetch, opts, initial)
	return f
}

func (c *Cache) run(e *entry, f *flight, fetch Fetcher, opts Options, initial bool) {
	val, err := fetch(c.ctx)
	if initial {
		for attempt := 0; err != nil && attempt < opts.Retry; attempt++ {
			if opts.RetryIf != nil && !opts.RetryIf(err) {
				break
			}
			log.Debug("Retrying initial fetch", "key", e.Key, "err", err)
			val, err = fetch(c.ctx)
		}
	}
	f.val, f.err = val, err
	c.complete(e, f)
	close(f.done)
}

func (c *Cache) complete(e *entry, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := string(e.Key.Kind)
	if e.removed || e.seq != f.seq {
		cacheFetches.WithLabelValues(kind, "discarded").Inc()
		log.Debug("Discarding superseded fetch", "key", e.Key, "seq", f.seq)
		return
	}

	e.flight = nil
	if f.err != nil {
		cacheFetches.WithLabelValues(kind, "error").Inc()
		e.Status = StatusError
		e.Err = f.err
		e.Stale = true
	} else {
		cacheFetches.WithLabelValues(kind, "success").Inc()
		e.Status = StatusReady
		e.Value = f.val
		e.HasValue = true
		e.Err = nil
		e.Stale = false
		e.FetchedAt = c.config.Now()
	}

	if e.dirty {
		e.dirty = false
		e.Stale = true
		if len(e.subs) > 0 {
			c.notifyLocked(e)
			c.startLocked(e)
			return
		}
	}
	c.touchLocked(e)
	c.notifyLocked(e)
}
