package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const inboxSize = 64

// Session is the runtime end of one peer connection.
type Session struct {
	manager  *Manager
	analysis Analysis
	peer     ports.Peer
	logger   *slog.Logger

	inbox         chan []byte
	disconnecting chan struct{}
	closeOnce     sync.Once
	done          chan struct{}

	// lifetime is cancelled once teardown finished.
	lifetime context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	state     State
	id        string
	resumed   bool
	runtime   Runtime
	data      *datastore.Datastore
	classData *datastore.Datastore
}

func newSession(m *Manager, a Analysis, peer ports.Peer) *Session {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Session{
		manager:       m,
		analysis:      a,
		peer:          peer,
		logger:        m.logger.With("analysis", a.Info.Name),
		inbox:         make(chan []byte, inboxSize),
		disconnecting: make(chan struct{}),
		done:          make(chan struct{}),
		lifetime:      lifetime,
		cancel:        cancel,
	}
}

// ID returns the instance id, empty before "__connect".
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed after teardown completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver queues a raw inbound message. Messages are handled one at a time
// in arrival order. It blocks while the inbox is full and fails with
// domain.ErrSessionClosed once the transport closed.
func (s *Session) Deliver(ctx context.Context, data []byte) error {
	select {
	case <-s.disconnecting:
		return domain.ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- data:
		return nil
	case <-s.disconnecting:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close reports that the transport went away. The action in flight is not
// interrupted; queued messages are dropped, "disconnected" is dispatched
// and resources are released. Close does not wait, use Done for that.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.disconnecting)
	})
}

// run is the per-session loop started by Manager.Open.
func (s *Session) run() {
	defer close(s.done)
	defer s.manager.forget(s)
	defer s.cancel()

	ctx := context.WithoutCancel(s.lifetime)
	for {
		select {
		case <-s.disconnecting:
			s.teardown(ctx)
			return
		case data := <-s.inbox:
			// Prefer teardown when both are ready.
			select {
			case <-s.disconnecting:
				s.teardown(ctx)
				return
			default:
			}
			if err := s.Handle(ctx, data); err != nil {
				s.logProtocolError(err)
			}
		}
	}
}

func (s *Session) logProtocolError(err error) {
	switch {
	case errors.Is(err, domain.ErrNoHandler):
		s.logger.Debug("No handler for action", "session_id", s.ID(), "err", err)
	default:
		s.logger.Warn("Message dropped", "session_id", s.ID(), "err", err)
	}
}

// Handle processes one raw inbound message synchronously.
// Protocol errors are returned and leave the session intact.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	in, err := codec.DecodeInbound(data)
	if err != nil {
		return err
	}
	if in.Connect {
		return s.connect(ctx, in)
	}

	s.mu.Lock()
	state, rt := s.state, s.runtime
	s.mu.Unlock()
	switch state {
	case StateConnected:
	case StateClosed:
		return domain.ErrSessionClosed
	default:
		return fmt.Errorf("%w: dropped %q", domain.ErrNotConnected, in.Envelope.Signal)
	}

	return s.dispatch(ctx, rt, domain.NewAction(in.Envelope.Signal, in.Envelope.Load))
}

func (s *Session) connect(ctx context.Context, in codec.Inbound) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", domain.ErrAlreadyConnected, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	id := in.ConnectID
	if id != "" && !ValidID(id) {
		s.logger.Warn("Ignoring malformed session id", "session_id", id)
		id = ""
	}
	resumed := id != ""
	if !resumed {
		id = s.manager.MintID()
	}

	err := s.claim(ctx, id, func(ctx context.Context) error {
		return s.open(ctx, id, resumed, in)
	})
	if err != nil {
		s.logger.Error("Session failed to start", "session_id", id, "err", err)
		_ = s.Emit(ctx, domain.SignalError, err.Error())
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		// Nothing is left to serve the peer.
		s.Close()
		return nil
	}

	for _, action := range []domain.Action{
		domain.NewAction(domain.ActionConnect, domain.NoLoad),
		domain.NewAction(domain.ActionArgs, domain.NewLoad(s.args(in.RequestArgs))),
		domain.NewAction(domain.ActionConnected, domain.NoLoad),
	} {
		if err := s.dispatch(ctx, s.runtime, action); err != nil && !errors.Is(err, domain.ErrNoHandler) {
			s.logger.Error("Implicit action failed", "session_id", id, "action", action.Name, "err", err)
		}
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.logger.Info("Session connected", "session_id", id, "resumed", s.resumed)
	return nil
}

// claim runs open under the lock of id once no other live session holds
// it. A session still holding the id is closed first, so a reconnecting
// client replaces the connection it lost.
func (s *Session) claim(ctx context.Context, id string, open func(context.Context) error) error {
	for {
		if old := s.manager.holder(id, s); old != nil {
			s.logger.Info("Replacing live session", "session_id", id)
			old.Close()
			select {
			case <-old.Done():
			case <-s.disconnecting:
				return domain.ErrSessionClosed
			}
		}
		taken := false
		err := s.manager.WithLock(ctx, id, func(ctx context.Context) error {
			if s.manager.holder(id, s) != nil {
				taken = true
				return nil
			}
			return open(ctx)
		})
		if !taken {
			return err
		}
	}
}

// open attaches the session to its domains, builds the runtime and
// acknowledges the connect.
func (s *Session) open(ctx context.Context, id string, resumed bool, in codec.Inbound) error {
	store := s.manager.store
	data := store.Open(id)
	classData := store.Open(s.analysis.Info.Name)
	data.Subscribe(s.forward(domain.SignalData))
	classData.Subscribe(s.forward(domain.SignalClassData))

	s.mu.Lock()
	s.id = id
	s.resumed = resumed
	s.data = data
	s.classData = classData
	s.mu.Unlock()
	s.manager.track(s, id)

	rt, err := s.analysis.Factory.NewRuntime(ctx, analysis.Env{
		ID:            id,
		Name:          s.analysis.Info.Name,
		Data:          data,
		ClassData:     classData,
		Emitter:       s,
		Logger:        s.logger.With("session_id", id),
		Disconnecting: s.disconnecting,
	})
	if err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	s.mu.Lock()
	s.runtime = rt
	s.mu.Unlock()

	ack := analysis.ConnectAck{
		AnalysisID:      id,
		BackendVersion:  s.manager.backendVersion,
		AnalysesVersion: s.analysis.Info.Version,
	}
	_ = s.Emit(ctx, domain.SignalConnect, map[string]any{
		"analysis_id":      ack.AnalysisID,
		"backend_version":  ack.BackendVersion,
		"analyses_version": ack.AnalysesVersion,
	})

	s.manager.hooks.SessionOpen(ctx, &domain.SessionEvent{
		EventBase: s.event(domain.EventSessionOpen),
		Resumed:   s.resumed,
	})
	return nil
}

func (s *Session) args(query string) map[string]any {
	requestArgs := map[string][]string{}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			s.logger.Warn("Invalid request args", "query", query, "err", err)
		}
		requestArgs = values
	}
	return map[string]any{
		"cli_args":     append([]string{}, s.manager.cliArgs...),
		"request_args": requestArgs,
	}
}

func (s *Session) forward(signal string) datastore.Callback {
	return func(key string, value any) any {
		_ = s.Emit(s.lifetime, signal, map[string]any{key: value})
		return nil
	}
}

func (s *Session) dispatch(ctx context.Context, rt Runtime, action domain.Action) error {
	start := time.Now()
	err := rt.Dispatch(ctx, action)

	outcome := domain.OutcomeOK
	switch {
	case errors.Is(err, domain.ErrNoHandler):
		outcome = domain.OutcomeNoHandler
	case err != nil:
		outcome = domain.OutcomeError
	}
	s.manager.hooks.Action(ctx, &domain.ActionEvent{
		EventBase: s.event(domain.EventAction),
		Action:    action.Name,
		Outcome:   outcome,
		Duration:  time.Since(start),
	})
	return err
}

// Emit sends an envelope to the peer. log, warn and error signals are also
// written to the server log. A peer that is gone is not an error.
func (s *Session) Emit(ctx context.Context, signal string, load any) error {
	if domain.IsLogSignal(signal) {
		s.mirror(signal, load)
	}

	data, err := codec.EncodeEnvelope(domain.NewEnvelope(signal, load))
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", signal, err)
	}
	err = s.peer.Send(ctx, data)
	if err == nil || isClosed(err) {
		return nil
	}
	select {
	case <-s.disconnecting:
		return nil
	default:
	}
	return err
}

func (s *Session) mirror(signal string, load any) {
	s.logger.Log(context.Background(), domain.LogLevel(signal), fmt.Sprint(load), "session_id", s.ID(), "signal", signal)
}

func isClosed(err error) bool {
	return errors.Is(err, domain.ErrPeerClosed) || errors.Is(err, net.ErrClosed)
}

func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	id, rt := s.id, s.runtime
	s.mu.Unlock()

	if id == "" {
		return
	}

	err := s.manager.WithLock(ctx, id, func(ctx context.Context) error {
		var errs []error
		if rt != nil && prev != StateClosed {
			if err := s.dispatch(ctx, rt, domain.NewAction(domain.ActionDisconnected, domain.NoLoad)); err != nil && !errors.Is(err, domain.ErrNoHandler) {
				errs = append(errs, err)
			}
			if err := rt.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to close runtime: %w", err))
			}
		}

		s.mu.Lock()
		data, classData := s.data, s.classData
		s.mu.Unlock()
		if data != nil {
			data.Close()
		}
		if classData != nil {
			classData.Close()
		}
		return errors.Join(errs...)
	})
	s.manager.untrack(s)
	if err != nil {
		s.logger.Warn("Session teardown reported errors", "session_id", id, "err", err)
	}

	if rt != nil {
		s.manager.hooks.SessionClose(ctx, &domain.SessionEvent{
			EventBase: s.event(domain.EventSessionClose),
			Resumed:   s.resumed,
		})
	}
	s.logger.Info("Session closed", "session_id", id)
}

func (s *Session) event(t domain.EventType) domain.EventBase {
	return domain.EventBase{
		Timestamp: time.Now(),
		Type:      t,
		SessionID: s.ID(),
		Analysis:  s.analysis.Info.Name,
	}
}
