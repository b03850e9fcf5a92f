package capture

import (
	"errors"
	"sync"
)

// Subscription is the handle returned by every OnXxx registration.
// Unsubscribe is safe to call more than once.
type Subscription struct {
	once sync.Once
	fn   func()
}

func newSubscription(fn func()) *Subscription {
	return &Subscription{fn: fn}
}

// Unsubscribe detaches the callback.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// listeners is a set of callbacks fanned out on Emit.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

func (l *listeners[T]) add(cb func(T)) *Subscription {
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.subs[id] = cb
	l.mu.Unlock()

	return newSubscription(func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	})
}

// snapshot returns the current callbacks so Emit never holds the lock
// while running user code.
func (l *listeners[T]) snapshot() []func(T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cbs := make([]func(T), 0, len(l.subs))
	for _, cb := range l.subs {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (l *listeners[T]) emit(v T) {
	for _, cb := range l.snapshot() {
		cb(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Registry collects disposers for everything a session acquires and
// releases them in reverse order of registration.
type Registry struct {
	mu    sync.Mutex
	items []registryItem
}

type registryItem struct {
	name    string
	release func() error
}

// Add registers a disposer. name is only used for error reporting.
func (r *Registry) Add(name string, release func() error) {
	r.mu.Lock()
	r.items = append(r.items, registryItem{name: name, release: release})
	r.mu.Unlock()
}

// AddSubscription registers a subscription's Unsubscribe.
func (r *Registry) AddSubscription(name string, sub *Subscription) {
	r.Add(name, func() error {
		sub.Unsubscribe()
		return nil
	})
}

// Len returns the number of resources still held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Release runs every disposer once, newest first, and empties the registry.
// All disposers run even if some fail; the errors are joined.
func (r *Registry) Release() error {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.mu.Unlock()

	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := items[i].release(); err != nil {
			errs = append(errs, &releaseError{name: items[i].name, err: err})
		}
	}
	return errors.Join(errs...)
}

type releaseError struct {
	name string
	err  error
}

func (e *releaseError) Error() string { return "release " + e.name + ": " + e.err.Error() }
func (e *releaseError) Unwrap() error { return e.err }
