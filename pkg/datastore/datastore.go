package datastore

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is a registered change callback.
type Subscription struct {
	store  *Store
	domain string
	id     uint64
	cb     Callback
	closed atomic.Bool
}

// Close removes the callback. It is idempotent and leaves other
// subscribers of the domain untouched.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.store.unsubscribe(s)
}

func (s *Subscription) isClosed() bool {
	return s.closed.Load()
}

// Datastore is a handle on one domain of a Store.
// It remembers the subscriptions it registered so Close can remove them.
type Datastore struct {
	store  *Store
	domain string

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Domain returns the domain name of the handle.
func (d *Datastore) Domain() string {
	return d.domain
}

// Store returns the service the handle belongs to.
func (d *Datastore) Store() *Store {
	return d.store
}

// Subscribe registers a change callback on the handle's domain.
func (d *Datastore) Subscribe(cb Callback) *Subscription {
	sub := d.store.Subscribe(d.domain, cb)
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return sub
}

// Set writes value under key. See Store.Set.
func (d *Datastore) Set(ctx context.Context, key string, value any) ([]any, error) {
	return d.store.Set(ctx, d.domain, key, value)
}

// Get returns the value of key or def.
func (d *Datastore) Get(ctx context.Context, key string, def any) (any, error) {
	return d.store.Get(ctx, d.domain, key, def)
}

// Contains reports whether key is set.
func (d *Datastore) Contains(ctx context.Context, key string) (bool, error) {
	return d.store.Contains(ctx, d.domain, key)
}

// Init writes the keys that are not set yet, without notifying subscribers.
func (d *Datastore) Init(ctx context.Context, values map[string]any) error {
	return d.store.Init(ctx, d.domain, values)
}

// Update writes every pair, see Store.Update.
func (d *Datastore) Update(ctx context.Context, values map[string]any) ([]any, error) {
	return d.store.Update(ctx, d.domain, values)
}

// SetState is an alias of Update.
func (d *Datastore) SetState(ctx context.Context, values map[string]any) ([]any, error) {
	return d.Update(ctx, values)
}

// SetStateFunc computes the pairs to write from the current content of the handle.
func (d *Datastore) SetStateFunc(ctx context.Context, fn func(ctx context.Context, d *Datastore) (map[string]any, error)) ([]any, error) {
	values, err := fn(ctx, d)
	if err != nil {
		return nil, err
	}
	return d.Update(ctx, values)
}

// Delete removes key, notifying subscribers with nil.
func (d *Datastore) Delete(ctx context.Context, key string) ([]any, error) {
	return d.store.Delete(ctx, d.domain, key)
}

// Keys lists the keys of the domain.
func (d *Datastore) Keys(ctx context.Context) ([]string, error) {
	return d.store.Keys(ctx, d.domain)
}

// Snapshot returns the decoded content of the domain.
func (d *Datastore) Snapshot(ctx context.Context) (map[string]any, error) {
	return d.store.Snapshot(ctx, d.domain)
}

// Close removes the handle's subscriptions and releases its reference on the domain.
// It is idempotent.
func (d *Datastore) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	d.store.release(d.domain)
}
