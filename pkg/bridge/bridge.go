package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
	"github.com/aretw0/databench/pkg/session"
)

// Defaults for the kernel lifecycle.
const (
	DefaultHandshakeInterval = 100 * time.Millisecond
	DefaultGracePeriod       = time.Second
	DefaultTerminateTimeout  = 5 * time.Second
)

// Factory creates a bridge Runtime per session of one kernel analysis.
type Factory struct {
	hubs     *Hubs
	name     string
	launcher ports.Launcher

	handshakeInterval time.Duration
	gracePeriod       time.Duration
	terminateTimeout  time.Duration
	logger            *slog.Logger
	hooks             domain.LifecycleHooks
}

// Option configures a Factory.
type Option func(*Factory)

// WithHandshakeInterval sets the delay between two handshake probes.
func WithHandshakeInterval(d time.Duration) Option {
	return func(f *Factory) {
		f.handshakeInterval = d
	}
}

// WithGracePeriod sets how long a kernel may flush emits after "disconnected".
func WithGracePeriod(d time.Duration) Option {
	return func(f *Factory) {
		f.gracePeriod = d
	}
}

// WithTerminateTimeout sets how long a terminated kernel has before it is killed.
func WithTerminateTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.terminateTimeout = d
	}
}

// WithLogger configures a logger for the bridge.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithHooks sets the kernel lifecycle hooks.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(f *Factory) {
		f.hooks = hooks
	}
}

// NewFactory bridges the analysis name to kernels started by launcher.
func NewFactory(hubs *Hubs, name string, launcher ports.Launcher, opts ...Option) *Factory {
	f := &Factory{
		hubs:              hubs,
		name:              name,
		launcher:          launcher,
		handshakeInterval: DefaultHandshakeInterval,
		gracePeriod:       DefaultGracePeriod,
		terminateTimeout:  DefaultTerminateTimeout,
		logger:            logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// KernelArgs returns the command line flags passed to a kernel.
func KernelArgs(sessionID string, hub *Hub) []string {
	return []string{
		"--analysis-id=" + sessionID,
		"--zmq-subscribe=" + strconv.Itoa(hub.PublishPort()),
		"--zmq-publish=" + strconv.Itoa(hub.SubscribePort()),
	}
}

// NewRuntime starts the kernel of a session and begins the handshake.
// It does not wait for the kernel to be ready.
func (f *Factory) NewRuntime(ctx context.Context, env analysis.Env) (session.Runtime, error) {
	// The id travels in every frame, it must encode.
	if _, err := codec.EncodeHandshake(env.ID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	hub, err := f.hubs.Acquire(f.name)
	if err != nil {
		return nil, err
	}
	mb, unroute, err := hub.route(env.ID)
	if err != nil {
		f.hubs.Release(f.name)
		return nil, err
	}

	proc, err := f.launcher.Launch(ctx, KernelArgs(env.ID, hub))
	if err != nil {
		unroute()
		f.hubs.Release(f.name)
		return nil, err
	}

	r := &Runtime{
		factory: f,
		hub:     hub,
		env:     env,
		proc:    proc,
		mailbox: mb,
		unroute: unroute,
		logger:  f.logger.With("analysis", f.name, "session_id", env.ID),
		started: time.Now(),
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
	}
	f.hooks.KernelStart(ctx, &domain.KernelEvent{EventBase: r.event(domain.EventKernelStart)})
	r.logger.Debug("Kernel launched", "pid", proc.Pid())

	r.wg.Add(2)
	go r.handshake()
	go r.receive()
	return r, nil
}

// Runtime relays the actions of one session to its kernel.
type Runtime struct {
	factory *Factory
	hub     *Hub
	env     analysis.Env
	proc    ports.Process
	mailbox *mailbox
	unroute func()
	logger  *slog.Logger
	started time.Time

	probesMu sync.Mutex
	probes   int

	ackOnce  sync.Once
	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Ready is closed once the kernel acknowledged the handshake.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Process returns the kernel process.
func (r *Runtime) Process() ports.Process {
	return r.proc
}

func (r *Runtime) handshake() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.factory.handshakeInterval)
	defer ticker.Stop()
	for {
		frame, err := codec.EncodeHandshake(r.env.ID)
		if err != nil {
			r.logger.Error("Cannot encode handshake", "err", err)
			return
		}
		if err := r.hub.Send(frame); err != nil {
			r.logger.Warn("Handshake probe failed", "err", err)
		}
		r.probesMu.Lock()
		r.probes++
		r.probesMu.Unlock()

		select {
		case <-ticker.C:
		case <-r.ready:
			return
		case <-r.stop:
			return
		case <-r.proc.Done():
			return
		}
	}
}

func (r *Runtime) receive() {
	defer r.wg.Done()
	exited := r.proc.Done()
	for {
		select {
		case <-r.mailbox.notify:
			for _, frame := range r.mailbox.take() {
				r.handle(frame)
			}
		case <-r.mailbox.done:
			for _, frame := range r.mailbox.take() {
				r.handle(frame)
			}
			return
		case <-exited:
			exited = nil
			select {
			case <-r.stop:
			default:
				r.logger.Warn("Kernel exited", "err", r.proc.Err())
			}
		}
	}
}

func (r *Runtime) handle(frame codec.Frame) {
	switch frame.Kind {
	case codec.FrameHandshakeAck:
		acked := false
		r.ackOnce.Do(func() {
			acked = true
			close(r.ready)
		})
		if !acked {
			r.logger.Debug("Ignored repeated handshake acknowledgement")
			return
		}
		r.probesMu.Lock()
		probes := r.probes
		r.probesMu.Unlock()
		r.logger.Debug("Kernel ready", "probes", probes, "after", time.Since(r.started))
		r.factory.hooks.Handshake(context.Background(), &domain.KernelEvent{
			EventBase: r.event(domain.EventHandshake),
			Probes:    probes,
			Duration:  time.Since(r.started),
		})
	case codec.FrameHandshake:
		r.logger.Debug("Ignored handshake probe from kernel")
	case codec.FrameEnvelope:
		if r.env.Emitter == nil {
			return
		}
		env := frame.Envelope
		if err := r.env.Emitter.Emit(context.Background(), env.Signal, env.Load.Value); err != nil {
			r.logger.Warn("Failed to forward kernel emit", "signal", env.Signal, "err", err)
		}
	}
}

// Dispatch waits for the handshake and publishes the action to the kernel.
// It fails with domain.ErrHandshakeAborted when the peer leaves or the
// kernel exits first.
func (r *Runtime) Dispatch(ctx context.Context, action domain.Action) error {
	select {
	case <-r.ready:
	default:
		select {
		case <-r.ready:
		case <-r.env.Disconnecting:
			return fmt.Errorf("%w: peer left before %s", domain.ErrHandshakeAborted, action.Name)
		case <-r.proc.Done():
			return fmt.Errorf("%w: kernel exited: %v", domain.ErrHandshakeAborted, r.proc.Err())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	frame, err := codec.EncodeFrame(r.env.ID, domain.Envelope{Signal: action.Name, Load: wireLoad(action)})
	if err != nil {
		return err
	}
	return r.hub.Send(frame)
}

// wireLoad puts the process id back, the kernel emits the markers itself.
func wireLoad(action domain.Action) domain.Load {
	if !action.Bracketed() {
		return action.Load
	}
	m, _ := action.Load.Value.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[domain.KeyProcessID] = action.ProcessID
	return domain.NewLoad(out)
}

// Close gives an acknowledged kernel the grace period to flush, terminates
// it and releases the hub.
func (r *Runtime) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	select {
	case <-r.ready:
		select {
		case <-time.After(r.factory.gracePeriod):
		case <-r.proc.Done():
		}
	default:
	}

	tctx, cancel := context.WithTimeout(ctx, r.factory.terminateTimeout)
	defer cancel()
	err := r.proc.Terminate(tctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	r.unroute()
	r.wg.Wait()
	r.factory.hubs.Release(r.factory.name)

	r.factory.hooks.KernelExit(ctx, &domain.KernelEvent{
		EventBase: r.event(domain.EventKernelExit),
		Duration:  time.Since(r.started),
		Err:       err,
	})
	if err != nil {
		return fmt.Errorf("failed to terminate kernel: %w", err)
	}
	return nil
}

func (r *Runtime) event(t domain.EventType) domain.EventBase {
	return domain.EventBase{
		Timestamp: time.Now(),
		Type:      t,
		SessionID: r.env.ID,
		Analysis:  r.factory.name,
	}
}
