package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/adapters/memory"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
)

// Callback is notified with the key and decoded value of every change in a domain.
// A deleted key is reported with a nil value. Return values are collected by Set.
type Callback func(key string, value any) any

// domainState holds the subscribers and the reference count of one domain.
type domainState struct {
	write sync.Mutex // serializes compare-and-write on this domain

	// pending holds changes in write order until they are delivered.
	// One goroutine at a time drains it.
	queue    sync.Mutex
	pending  []*change
	draining bool

	subs  []*Subscription
	refs  int
	timer *time.Timer
}

type change struct {
	key   string
	value any
}

// Store is the Datastore service shared by every session of a server.
type Store struct {
	backend      ports.DataBackend
	logger       *slog.Logger
	releaseAfter time.Duration

	mu      sync.Mutex
	domains map[string]*domainState
	nextSub uint64
	closed  bool
}

// Option configures the Store.
type Option func(*Store)

// WithBackend sets the storage backend (default: in-memory).
func WithBackend(backend ports.DataBackend) Option {
	return func(s *Store) {
		s.backend = backend
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithReleaseAfter frees a domain's storage d after its last handle closed,
// unless the domain is opened again in the meantime. Zero frees immediately.
// Without this option domains are never freed.
func WithReleaseAfter(d time.Duration) Option {
	return func(s *Store) {
		s.releaseAfter = d
	}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		backend:      memory.NewStore(),
		logger:       logging.NewNop(),
		releaseAfter: -1,
		domains:      make(map[string]*domainState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// state returns the state of a domain, creating it if needed.
// The caller must hold s.mu.
func (s *Store) state(dom string) *domainState {
	st, ok := s.domains[dom]
	if !ok {
		st = &domainState{}
		s.domains[dom] = st
	}
	return st
}

func (s *Store) lockedState(dom string) *domainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(dom)
}

// Open returns a handle on a domain and takes a reference on it.
func (s *Store) Open(dom string) *Datastore {
	s.acquire(dom)
	return &Datastore{store: s, domain: dom}
}

func (s *Store) acquire(dom string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(dom)
	st.refs++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// release drops a reference and schedules the domain for freeing at zero.
func (s *Store) release(dom string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.domains[dom]
	if !ok {
		return
	}
	st.refs--
	if st.refs > 0 || s.releaseAfter < 0 || s.closed {
		return
	}
	if s.releaseAfter == 0 {
		s.freeLocked(dom, st)
		return
	}
	st.timer = time.AfterFunc(s.releaseAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.domains[dom]; ok && cur == st && st.refs <= 0 {
			s.freeLocked(dom, st)
		}
	})
}

// freeLocked drops the domain's data. The caller must hold s.mu.
func (s *Store) freeLocked(dom string, st *domainState) {
	st.timer = nil
	if len(st.subs) == 0 {
		delete(s.domains, dom)
	}
	if err := s.backend.Drop(context.Background(), dom); err != nil {
		s.logger.Warn("Failed to free datastore domain", "domain", dom, "err", err)
		return
	}
	s.logger.Debug("Datastore domain freed", "domain", dom)
}

// Refs returns the number of open handles on a domain.
func (s *Store) Refs(dom string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.domains[dom]; ok {
		return st.refs
	}
	return 0
}

// Subscribe registers a callback for every change in the domain.
func (s *Store) Subscribe(dom string, cb Callback) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := &Subscription{store: s, domain: dom, id: s.nextSub, cb: cb}
	st := s.state(dom)
	st.subs = append(st.subs, sub)
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.domains[sub.domain]
	if !ok {
		return
	}
	for i, other := range st.subs {
		if other.id == sub.id {
			st.subs = append(st.subs[:i:i], st.subs[i+1:]...)
			break
		}
	}
	if len(st.subs) == 0 && st.refs <= 0 && st.timer == nil && s.releaseAfter >= 0 {
		delete(s.domains, sub.domain)
	}
}

func (s *Store) subscribers(dom string) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.domains[dom]; ok {
		return append([]*Subscription(nil), st.subs...)
	}
	return nil
}

// Set writes value under key and notifies the domain's subscribers.
// Writing a value whose JSON encoding equals the stored one does nothing.
//
// Subscribers see the changes of a domain one at a time in write order.
// A write made while the domain's notifications are being delivered, from a
// callback or from another goroutine, is delivered by the goroutine already
// delivering and returns no callback results.
func (s *Store) Set(ctx context.Context, dom, key string, value any) ([]any, error) {
	encoded, err := codec.EncodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s/%s: %w", dom, key, err)
	}
	decoded, err := codec.DecodeValue(encoded)
	if err != nil {
		return nil, err
	}

	st := s.lockedState(dom)
	st.write.Lock()
	current, err := s.backend.Get(ctx, dom, key)
	switch {
	case err == nil && bytes.Equal(current, encoded):
		st.write.Unlock()
		return nil, nil
	case err != nil && !errors.Is(err, domain.ErrKeyNotFound):
		st.write.Unlock()
		return nil, err
	}
	if err := s.backend.Put(ctx, dom, key, encoded); err != nil {
		st.write.Unlock()
		return nil, err
	}
	c := st.enqueue(key, decoded)
	st.write.Unlock()

	return s.drain(dom, st, c), nil
}

// enqueue records a change. The caller must hold st.write so the queue
// follows the write order.
func (st *domainState) enqueue(key string, value any) *change {
	c := &change{key: key, value: value}
	st.queue.Lock()
	st.pending = append(st.pending, c)
	st.queue.Unlock()
	return c
}

// drain delivers pending changes unless another call is already doing so.
// It returns the callback results of own if this call delivered it.
func (s *Store) drain(dom string, st *domainState, own *change) []any {
	st.queue.Lock()
	if st.draining {
		st.queue.Unlock()
		return nil
	}
	st.draining = true
	st.queue.Unlock()

	finished := false
	defer func() {
		// A panicking callback must not leave the domain stuck.
		if !finished {
			st.queue.Lock()
			st.draining = false
			st.queue.Unlock()
		}
	}()

	var results []any
	for {
		st.queue.Lock()
		if len(st.pending) == 0 {
			st.draining = false
			st.queue.Unlock()
			finished = true
			return results
		}
		c := st.pending[0]
		st.pending[0] = nil
		st.pending = st.pending[1:]
		st.queue.Unlock()

		res := s.notify(dom, c.key, c.value)
		if c == own {
			results = res
		}
	}
}

// notify runs every subscriber of dom outside of any lock so that
// callbacks may write to the store themselves.
func (s *Store) notify(dom, key string, value any) []any {
	subs := s.subscribers(dom)
	results := make([]any, 0, len(subs))
	for _, sub := range subs {
		if sub.isClosed() {
			continue
		}
		results = append(results, sub.cb(key, value))
	}
	return results
}

// Get returns the decoded value of key, or def if the key is not set.
func (s *Store) Get(ctx context.Context, dom, key string, def any) (any, error) {
	encoded, err := s.backend.Get(ctx, dom, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.DecodeValue(encoded)
}

// Contains reports whether key is set in the domain.
func (s *Store) Contains(ctx context.Context, dom, key string) (bool, error) {
	_, err := s.backend.Get(ctx, dom, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Init writes only the keys that are not set yet and notifies nobody.
func (s *Store) Init(ctx context.Context, dom string, values map[string]any) error {
	st := s.lockedState(dom)
	st.write.Lock()
	defer st.write.Unlock()

	for _, key := range sortedKeys(values) {
		_, err := s.backend.Get(ctx, dom, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrKeyNotFound) {
			return err
		}
		encoded, err := codec.EncodeValue(values[key])
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", dom, key, err)
		}
		if err := s.backend.Put(ctx, dom, key, encoded); err != nil {
			return err
		}
	}
	return nil
}

// Update applies Set to every pair in key order. Each write is suppressed
// independently when unchanged. It stops at the first error.
func (s *Store) Update(ctx context.Context, dom string, values map[string]any) ([]any, error) {
	var results []any
	for _, key := range sortedKeys(values) {
		res, err := s.Set(ctx, dom, key, values[key])
		if err != nil {
			return results, err
		}
		results = append(results, res...)
	}
	return results, nil
}

// Delete removes key and notifies subscribers with a nil value.
// Deleting a missing key does nothing.
func (s *Store) Delete(ctx context.Context, dom, key string) ([]any, error) {
	st := s.lockedState(dom)
	st.write.Lock()
	_, err := s.backend.Get(ctx, dom, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		st.write.Unlock()
		return nil, nil
	}
	if err == nil {
		err = s.backend.Delete(ctx, dom, key)
	}
	if err != nil {
		st.write.Unlock()
		return nil, err
	}
	c := st.enqueue(key, nil)
	st.write.Unlock()
	return s.drain(dom, st, c), nil
}

// Keys lists the keys of a domain in sorted order.
func (s *Store) Keys(ctx context.Context, dom string) ([]string, error) {
	keys, err := s.backend.Keys(ctx, dom)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Snapshot returns the decoded content of a domain.
func (s *Store) Snapshot(ctx context.Context, dom string) (map[string]any, error) {
	keys, err := s.Keys(ctx, dom)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		v, err := s.Get(ctx, dom, key, nil)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// Close stops pending release timers. Stored data is left to the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, st := range s.domains {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
