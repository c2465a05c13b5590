package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
)

// IDLength is the length of a minted instance id.
const IDLength = 8

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager offers analyses to peers and keeps track of their live sessions.
// It uses reference counting to garbage collect the per-id locks that
// serialize connect and teardown of sessions resuming the same id.
type Manager struct {
	store *datastore.Store

	mu       sync.Mutex            // Global lock for the maps
	locks    map[string]*lockEntry // Map of active locks
	live     map[*Session]string   // session -> instance id
	opened   map[*Session]struct{}
	analyses map[string]Analysis

	logger         *slog.Logger
	hooks          domain.LifecycleHooks
	backendVersion string
	cliArgs        []string
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHooks sets the lifecycle hooks called by sessions.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(m *Manager) {
		m.hooks = hooks
	}
}

// WithBackendVersion sets the version reported in the connect reply.
func WithBackendVersion(version string) Option {
	return func(m *Manager) {
		m.backendVersion = version
	}
}

// WithCLIArgs sets the "cli_args" passed to every session's "args" action.
func WithCLIArgs(args []string) Option {
	return func(m *Manager) {
		m.cliArgs = append([]string(nil), args...)
	}
}

// NewManager creates a Manager whose sessions keep their data in store.
func NewManager(store *datastore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locks:    make(map[string]*lockEntry),
		live:     make(map[*Session]string),
		opened:   make(map[*Session]struct{}),
		analyses: make(map[string]Analysis),
		logger:   logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register offers an analysis under its Info.Name.
func (m *Manager) Register(a Analysis) error {
	if a.Info.Name == "" {
		return fmt.Errorf("analysis has no name")
	}
	if a.Factory == nil {
		return fmt.Errorf("analysis %s has no runtime factory", a.Info.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.analyses[a.Info.Name]; exists {
		return fmt.Errorf("analysis %s already registered", a.Info.Name)
	}
	m.analyses[a.Info.Name] = a
	return nil
}

// Lookup returns a registered analysis.
func (m *Manager) Lookup(name string) (Analysis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[name]
	return a, ok
}

// Analyses lists the metadata of every registered analysis, sorted by name.
func (m *Manager) Analyses() []analysis.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]analysis.Info, 0, len(m.analyses))
	for _, a := range m.analyses {
		infos = append(infos, a.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Store returns the Datastore service.
func (m *Manager) Store() *datastore.Store {
	return m.store
}

// Open starts a session of the named analysis talking to peer.
func (m *Manager) Open(name string, peer ports.Peer) (*Session, error) {
	a, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown analysis %q", name)
	}
	s := newSession(m, a, peer)
	m.mu.Lock()
	m.opened[s] = struct{}{}
	m.mu.Unlock()
	go s.run()
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opened, s)
}

// Shutdown closes every open session and waits until they are torn down
// or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.opened))
	for s := range m.opened {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// MintID returns a fresh instance id that no live session uses.
func (m *Manager) MintID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
		m.mu.Lock()
		taken := false
		for _, other := range m.live {
			if other == id {
				taken = true
				break
			}
		}
		m.mu.Unlock()
		if !taken {
			return id
		}
	}
}

// ValidID reports whether id has the shape of a minted instance id.
// Other ids could collide with a class domain or break kernel frames.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// holder returns the live session other than self that holds id.
func (m *Manager) holder(id string, self *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, other := range m.live {
		if other == id && s != self {
			return s
		}
	}
	return nil
}

func (m *Manager) track(s *Session, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[s] = id
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, s)
}

// Sessions returns the ids of live sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for _, id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(id) after unlocking.
func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		return // Should not happen if paired correctly
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// WithLock executes fn while holding the lock for the instance id.
func (m *Manager) WithLock(ctx context.Context, id string, fn func(context.Context) error) error {
	entry := m.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(id)
	}()
	return fn(ctx)
}
