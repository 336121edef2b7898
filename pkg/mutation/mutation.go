// Package mutation runs remote state changes and keeps the entity cache
// consistent with them.
package mutation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xhad/docchat/pkg/cache"
)

var mutationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docchat_mutations_total",
	Help: "Mutations completed, by kind and outcome.",
}, []string{"kind", "outcome"})

type Status int

const (
	StatusIdle Status = iota
	StatusInFlight
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInFlight:
		return "in-flight"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type State struct {
	Status Status
	Err    error
}

// Invalidator is the part of the entity cache a mutation writes to.
type Invalidator interface {
	Invalidate(key cache.Key)
	InvalidatePrefix(kind cache.Kind)
}

// Invalidation lists what a successful mutation makes stale.
type Invalidation struct {
	Keys  []cache.Key
	Kinds []cache.Kind
}

type Spec[A, R any] struct {
	Kind       string
	Do         func(ctx context.Context, args A) (R, error)
	Invalidate func(args A, result R) Invalidation
	// ResetAfter keeps the success or error state visible before returning
	// to idle. Zero resets immediately.
	ResetAfter time.Duration
}

// Mutation tracks the lifecycle of one kind of remote change. Concurrent runs
// are not deduplicated; the state reflects the most recent run.
type Mutation[A, R any] struct {
	spec  Spec[A, R]
	cache Invalidator

	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	lastErr   error
	gen       uint64
	reset     *time.Timer
	listeners map[int]func(State)
	nextID    int
}

func New[A, R any](coordinator Invalidator, spec Spec[A, R]) *Mutation[A, R] {
	return &Mutation[A, R]{
		spec:      spec,
		cache:     coordinator,
		listeners: map[int]func(State){},
	}
}

func (m *Mutation[A, R]) Kind() string {
	return m.spec.Kind
}

func (m *Mutation[A, R]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// LastError returns the error of the most recent run, or nil if it succeeded.
func (m *Mutation[A, R]) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Watch calls fn with every state transition, in order. fn must not call Run.
func (m *Mutation[A, R]) Watch(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Run performs the mutation. On success the declared invalidations are
// applied before the state moves to success; on failure the cache is left
// untouched.
func (m *Mutation[A, R]) Run(ctx context.Context, args A) (R, error) {
	gen := m.begin()

	result, err := m.spec.Do(ctx, args)
	if err != nil {
		mutationRuns.WithLabelValues(m.spec.Kind, "error").Inc()
		log.Debug("Mutation failed", "kind", m.spec.Kind, "err", err)
		m.finish(gen, State{Status: StatusError, Err: err})
		return result, err
	}

	if m.spec.Invalidate != nil && m.cache != nil {
		inv := m.spec.Invalidate(args, result)
		for _, kind := range inv.Kinds {
			m.cache.InvalidatePrefix(kind)
		}
		for _, key := range inv.Keys {
			m.cache.Invalidate(key)
		}
	}
	mutationRuns.WithLabelValues(m.spec.Kind, "success").Inc()
	log.Debug("Mutation succeeded", "kind", m.spec.Kind)
	m.finish(gen, State{Status: StatusSuccess})
	return result, nil
}

func (m *Mutation[A, R]) begin() uint64 {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.reset != nil {
		m.reset.Stop()
		m.reset = nil
	}
	m.mu.Unlock()

	m.transition(gen, State{Status: StatusInFlight})
	return gen
}

func (m *Mutation[A, R]) finish(gen uint64, s State) {
	if !m.transition(gen, s) {
		return
	}
	if m.spec.ResetAfter <= 0 {
		m.transition(gen, State{Status: StatusIdle})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.reset = time.AfterFunc(m.spec.ResetAfter, func() {
			m.transition(gen, State{Status: StatusIdle})
		})
	}
}

// transition applies s if gen is still the latest run and publishes it.
func (m *Mutation[A, R]) transition(gen uint64, s State) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.state = s
	switch s.Status {
	case StatusError:
		m.lastErr = s.Err
	case StatusSuccess:
		m.lastErr = nil
	}
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return true
}
