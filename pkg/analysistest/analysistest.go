// Package analysistest runs an analysis without a server.
//
// A Harness builds the analysis against an in-memory Datastore, drives the
// connect sequence and captures every envelope the analysis emits, encoded
// and decoded the way a client would receive it.
//
//	h := analysistest.New(t, func() any { return &Dummypi{} })
//	require.NoError(t, h.Trigger("run"))
//	assert.Equal(t, 3.14, h.Last("status"))
package analysistest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/session"
)

// DefaultID is the instance id of a harness without WithID.
const DefaultID = "testtest"

// Option configures a Harness.
type Option func(*Harness)

// WithStore shares a Datastore service, e.g. between two harnesses of the
// same analysis to test class data.
func WithStore(store *datastore.Store) Option {
	return func(h *Harness) {
		h.store = store
	}
}

// WithID sets the instance id.
func WithID(id string) Option {
	return func(h *Harness) {
		h.id = id
	}
}

// WithName sets the analysis name, which is also the class data domain.
func WithName(name string) Option {
	return func(h *Harness) {
		h.name = name
	}
}

// WithCLIArgs sets the "cli_args" of the "args" action.
func WithCLIArgs(args ...string) Option {
	return func(h *Harness) {
		h.cliArgs = args
	}
}

// WithRequestArgs sets the query string parsed into "request_args".
func WithRequestArgs(query string) Option {
	return func(h *Harness) {
		h.query = query
	}
}

// Harness hosts one analysis instance.
type Harness struct {
	t testing.TB

	id      string
	name    string
	store   *datastore.Store
	cliArgs []string
	query   string

	local         *session.Local
	data          *datastore.Datastore
	classData     *datastore.Datastore
	disconnecting chan struct{}
	closeOnce     sync.Once

	mu      sync.Mutex
	emitted []domain.Envelope
}

// New instantiates the analysis and runs "connect", "args" and "connected".
// A handler failure during the sequence fails the test.
func New(t testing.TB, newAnalysis func() any, opts ...Option) *Harness {
	t.Helper()
	h := &Harness{
		t:             t,
		id:            DefaultID,
		name:          "analysis",
		disconnecting: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = datastore.New()
	}

	h.data = h.store.Open(h.id)
	h.classData = h.store.Open(h.name)
	h.data.Subscribe(h.forward(domain.SignalData))
	h.classData.Subscribe(h.forward(domain.SignalClassData))

	local, err := session.NewLocal(newAnalysis(), analysis.Env{
		ID:            h.id,
		Name:          h.name,
		Data:          h.data,
		ClassData:     h.classData,
		Emitter:       h,
		Logger:        logging.NewNop(),
		Disconnecting: h.disconnecting,
	})
	if err != nil {
		t.Fatalf("analysistest: %v", err)
	}
	h.local = local
	t.Cleanup(h.Disconnect)

	requestArgs := map[string][]string{}
	if h.query != "" {
		values, err := url.ParseQuery(h.query)
		if err != nil {
			t.Fatalf("analysistest: invalid request args: %v", err)
		}
		requestArgs = values
	}
	sequence := []domain.Action{
		domain.NewAction(domain.ActionConnect, domain.NoLoad),
		domain.NewAction(domain.ActionArgs, domain.NewLoad(map[string]any{
			"cli_args":     append([]string{}, h.cliArgs...),
			"request_args": requestArgs,
		})),
		domain.NewAction(domain.ActionConnected, domain.NoLoad),
	}
	for _, a := range sequence {
		if err := h.dispatch(a); err != nil {
			t.Fatalf("analysistest: %s: %v", a.Name, err)
		}
	}
	return h
}

func (h *Harness) forward(signal string) datastore.Callback {
	return func(key string, value any) any {
		_ = h.Emit(context.Background(), signal, map[string]any{key: value})
		return nil
	}
}

func (h *Harness) dispatch(a domain.Action) error {
	err := h.local.Dispatch(context.Background(), a)
	if errors.Is(err, domain.ErrNoHandler) {
		return nil
	}
	return err
}

// Emit captures an envelope as the client would decode it.
func (h *Harness) Emit(_ context.Context, signal string, load any) error {
	data, err := codec.EncodeEnvelope(domain.NewEnvelope(signal, load))
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", signal, err)
	}
	in, err := codec.DecodeInbound(data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitted = append(h.emitted, in.Envelope)
	return nil
}

// Trigger dispatches an action. Without load the action carries no load,
// otherwise load[0] is the load. Unlike the server, a missing handler is an
// error so typos show up in tests.
func (h *Harness) Trigger(action string, load ...any) error {
	l := domain.NoLoad
	if len(load) > 0 {
		// Round trip through JSON so handlers bind the values a client sends.
		data, err := codec.Marshal(codec.Sanitize(load[0]))
		if err != nil {
			return err
		}
		v, err := codec.Unmarshal(data)
		if err != nil {
			return err
		}
		l = domain.NewLoad(v)
	}
	return h.local.Dispatch(context.Background(), domain.NewAction(action, l))
}

// Emitted returns every captured envelope in order.
func (h *Harness) Emitted() []domain.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Envelope(nil), h.emitted...)
}

// Loads returns the loads emitted with the given signal.
func (h *Harness) Loads(signal string) []any {
	var out []any
	for _, env := range h.Emitted() {
		if env.Signal == signal {
			out = append(out, env.Load.Value)
		}
	}
	return out
}

// Last returns the load of the latest envelope with the given signal, or nil.
func (h *Harness) Last(signal string) any {
	loads := h.Loads(signal)
	if len(loads) == 0 {
		return nil
	}
	return loads[len(loads)-1]
}

// Reset drops the captured envelopes.
func (h *Harness) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitted = nil
}

// Data returns the instance Datastore.
func (h *Harness) Data() *datastore.Datastore { return h.data }

// ClassData returns the class Datastore.
func (h *Harness) ClassData() *datastore.Datastore { return h.classData }

// Disconnect signals the disconnect, runs "disconnected" and releases the
// Datastores. It is registered as a test cleanup and safe to call twice.
func (h *Harness) Disconnect() {
	h.closeOnce.Do(func() {
		close(h.disconnecting)
		if err := h.dispatch(domain.NewAction(domain.ActionDisconnected, domain.NoLoad)); err != nil {
			h.t.Errorf("analysistest: disconnected: %v", err)
		}
		if err := h.local.Close(context.Background()); err != nil {
			h.t.Errorf("analysistest: close: %v", err)
		}
		h.data.Close()
		h.classData.Close()
	})
}
