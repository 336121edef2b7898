package cache

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Subscription is a live consumer of one key. Updates delivers the latest
// entry snapshot; intermediate snapshots may be skipped.
type Subscription struct {
	cache   *Cache
	entry   *entry
	updates chan Entry
	once    sync.Once
}

// Watch registers a live consumer for key. When opts.RefetchInterval is set,
// one timer per key refetches it until the last consumer is released.
func (c *Cache) Watch(key Key, fetch Fetcher, opts Options) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupOrCreateLocked(key)
	e.fetcher, e.opts = fetch, opts
	s := &Subscription{cache: c, entry: e, updates: make(chan Entry, 1)}
	e.subs[s] = struct{}{}

	if opts.RefetchInterval > 0 && e.stopPoll == nil {
		e.stopPoll = make(chan struct{})
		go c.poll(e, opts.RefetchInterval, e.stopPoll)
	}

	if e.needsFetch() {
		c.startLocked(e)
	} else {
		c.touchLocked(e)
		s.deliver(e.snapshot())
	}
	return s
}

func (s *Subscription) Updates() <-chan Entry {
	return s.updates
}

// Current returns the entry as it is now.
func (s *Subscription) Current() Entry {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.entry.snapshot()
}

// Release unregisters the consumer. Releasing the last consumer stops the
// refetch timer; a fetch already in flight still completes into the cache.
func (s *Subscription) Release() {
	s.once.Do(func() {
		c := s.cache
		c.mu.Lock()
		defer c.mu.Unlock()

		e := s.entry
		if _, ok := e.subs[s]; !ok {
			return
		}
		delete(e.subs, s)
		close(s.updates)
		if len(e.subs) == 0 {
			c.stopPollLocked(e)
			c.touchLocked(e)
		}
	})
}

// deliver replaces any unread snapshot with snap. Callers hold the cache lock,
// so there is a single sender per channel.
func (s *Subscription) deliver(snap Entry) {
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func (c *Cache) notifyLocked(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshot()
	for s := range e.subs {
		s.deliver(snap)
	}
}

func (c *Cache) stopPollLocked(e *entry) {
	if e.stopPoll != nil {
		close(e.stopPoll)
		e.stopPoll = nil
	}
}

func (c *Cache) poll(e *entry, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Debug("Polling started", "key", e.Key, "interval", interval)

	for {
		select {
		case <-stop:
			log.Debug("Polling stopped", "key", e.Key)
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !e.removed && e.flight == nil && len(e.subs) > 0 {
				c.startLocked(e)
			}
			c.mu.Unlock()
		}
	}
}
