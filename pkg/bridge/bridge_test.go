package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/bridge"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/kernel"
	"github.com/aretw0/databench/pkg/ports"
	"github.com/aretw0/databench/pkg/session"
)

const (
	testPortMin = 21000
	testPortMax = 23000
)

// goroutineProcess is a kernel running on a goroutine of the test binary.
type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	terminated atomic.Bool
}

func startGoroutine(run func(ctx context.Context) error) *goroutineProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = run(ctx)
	}()
	return p
}

func (p *goroutineProcess) Pid() int              { return 4242 }
func (p *goroutineProcess) Done() <-chan struct{} { return p.done }
func (p *goroutineProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *goroutineProcess) Terminate(ctx context.Context) error {
	p.terminated.Store(true)
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launcherFunc adapts a function to ports.Launcher.
type launcherFunc func(ctx context.Context, args []string) (ports.Process, error)

func (f launcherFunc) Launch(ctx context.Context, args []string) (ports.Process, error) {
	return f(ctx, args)
}

// sdkLauncher runs the analysis with the kernel SDK.
func sdkLauncher(t *testing.T, name string, newAnalysis func() any) (ports.Launcher, func() []*goroutineProcess) {
	var mu sync.Mutex
	var procs []*goroutineProcess
	l := launcherFunc(func(_ context.Context, args []string) (ports.Process, error) {
		cfg, err := kernel.ParseFlags(args)
		if err != nil {
			return nil, err
		}
		p := startGoroutine(kernel.New(name, cfg, newAnalysis).Run)
		mu.Lock()
		procs = append(procs, p)
		mu.Unlock()
		return p, nil
	})
	return l, func() []*goroutineProcess {
		mu.Lock()
		defer mu.Unlock()
		return append([]*goroutineProcess(nil), procs...)
	}
}

type echo struct {
	analysis.Base
}

func (e *echo) OnTestFn(ctx context.Context, a, b any) error {
	return e.Emit(ctx, "test_fn", []any{a, b})
}

func (e *echo) OnCount(ctx context.Context, n int) error {
	_, err := e.Data().Set(ctx, "count", n)
	return err
}

type fakePeer struct {
	out chan map[string]any
}

func (p *fakePeer) Send(_ context.Context, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.out <- m
	return nil
}

func (p *fakePeer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-p.out:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return nil
	}
}

func TestBridge_SessionRoundTrip(t *testing.T) {
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	launcher, procs := sdkLauncher(t, "echo", func() any { return &echo{} })
	factory := bridge.NewFactory(hubs, "echo", launcher,
		bridge.WithHandshakeInterval(20*time.Millisecond),
		bridge.WithGracePeriod(50*time.Millisecond),
	)

	m := session.NewManager(datastore.New())
	require.NoError(t, m.Register(session.Analysis{
		Info:    analysis.Info{Name: "echo", Kernel: true},
		Factory: factory,
	}))

	peer := &fakePeer{out: make(chan map[string]any, 64)}
	s, err := m.Open("echo", peer)
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), []byte(`{"__connect": null}`)))
	assert.Equal(t, "__connect", peer.next(t)["signal"])

	require.NoError(t, s.Deliver(context.Background(), []byte(`{"signal": "test_fn", "load": [1, 2]}`)))
	assert.Equal(t, map[string]any{"signal": "test_fn", "load": []any{float64(1), float64(2)}}, peer.next(t))

	t.Run("Process markers come from the kernel", func(t *testing.T) {
		require.NoError(t, s.Deliver(context.Background(), []byte(`{"signal": "count", "load": {"__process_id": 7, "n": 3}}`)))
		// {"n": 3} cannot bind to an int parameter, so the kernel reports an error.
		assert.Equal(t, map[string]any{"signal": "__process", "load": map[string]any{"id": float64(7), "status": "start"}}, peer.next(t))
		assert.Equal(t, "error", peer.next(t)["signal"])
		assert.Equal(t, map[string]any{"signal": "__process", "load": map[string]any{"id": float64(7), "status": "end"}}, peer.next(t))
	})

	t.Run("Kernel datastore changes are forwarded", func(t *testing.T) {
		require.NoError(t, s.Deliver(context.Background(), []byte(`{"signal": "count", "load": 3}`)))
		assert.Equal(t, map[string]any{"signal": "data", "load": map[string]any{"count": float64(3)}}, peer.next(t))
	})

	t.Run("Unhandled actions are stored", func(t *testing.T) {
		require.NoError(t, s.Deliver(context.Background(), []byte(`{"signal": "slider", "load": 0.5}`)))
		assert.Equal(t, map[string]any{"signal": "data", "load": map[string]any{"slider": 0.5}}, peer.next(t))
	})

	s.Close()
	<-s.Done()

	require.Len(t, procs(), 1)
	p := procs()[0]
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel still running")
	}
	assert.NoError(t, p.Err(), "kernel exits on its own after disconnected")
	assert.Equal(t, 0, hubs.Active())
}

// scriptedKernel speaks the frame protocol with raw sockets so tests
// control when the handshake is acknowledged.
type scriptedKernel struct {
	ackAfter int
	acks     int

	mu       sync.Mutex
	probes   int
	acked    bool
	received []string // "probe", or "<action>@acked" / "<action>@early"
}

func (k *scriptedKernel) run(cfg kernel.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sub := zmq4.NewSub(ctx)
		defer sub.Close()
		if err := sub.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", cfg.SubscribePort)); err != nil {
			return err
		}
		if err := sub.SetOption(zmq4.OptionSubscribe, codec.Topic(cfg.AnalysisID)); err != nil {
			return err
		}
		pub := zmq4.NewPub(ctx)
		defer pub.Close()
		if err := pub.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", cfg.PublishPort)); err != nil {
			return err
		}

		for {
			msg, err := sub.Recv()
			if err != nil {
				return nil
			}
			frame, err := codec.DecodeFrame(msg.Bytes())
			if err != nil {
				continue
			}
			k.mu.Lock()
			switch frame.Kind {
			case codec.FrameHandshake:
				k.probes++
				k.received = append(k.received, "probe")
				if k.ackAfter > 0 && k.probes >= k.ackAfter && !k.acked {
					ack, _ := codec.EncodeHandshakeAck(cfg.AnalysisID)
					for i := 0; i < k.acks; i++ {
						_ = pub.Send(zmq4.NewMsg(ack))
					}
					k.acked = true
				}
			case codec.FrameEnvelope:
				state := "early"
				if k.acked {
					state = "acked"
				}
				k.received = append(k.received, frame.Envelope.Signal+"@"+state)
			}
			k.mu.Unlock()
		}
	}
}

func (k *scriptedKernel) snapshot() (int, []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.probes, append([]string(nil), k.received...)
}

func newScripted(t *testing.T, hubs *bridge.Hubs, name string, k *scriptedKernel, opts ...bridge.Option) (*bridge.Factory, **goroutineProcess) {
	var proc *goroutineProcess
	l := launcherFunc(func(_ context.Context, args []string) (ports.Process, error) {
		cfg, err := kernel.ParseFlags(args)
		if err != nil {
			return nil, err
		}
		proc = startGoroutine(k.run(cfg))
		return proc, nil
	})
	opts = append([]bridge.Option{
		bridge.WithHandshakeInterval(10 * time.Millisecond),
		bridge.WithGracePeriod(10 * time.Millisecond),
	}, opts...)
	return bridge.NewFactory(hubs, name, l, opts...), &proc
}

func TestBridge_HandshakeRetry(t *testing.T) {
	const n = 5
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	var handshakes atomic.Int32
	var probesAtAck atomic.Int32
	hooks := domain.LifecycleHooks{
		OnHandshake: func(_ context.Context, e *domain.KernelEvent) {
			handshakes.Add(1)
			probesAtAck.Store(int32(e.Probes))
		},
	}

	k := &scriptedKernel{ackAfter: n, acks: 3}
	factory, proc := newScripted(t, hubs, "scripted", k, bridge.WithHooks(hooks))

	disconnecting := make(chan struct{})
	rt, err := factory.NewRuntime(context.Background(), analysis.Env{ID: "abcd1234", Disconnecting: disconnecting})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Dispatch(ctx, domain.NewAction("first", domain.NoLoad)))
	require.NoError(t, rt.Dispatch(ctx, domain.NewAction("second", domain.NewLoad(1))))

	assert.Eventually(t, func() bool {
		_, got := k.snapshot()
		return len(got) > 0 && got[len(got)-1] == "second@acked"
	}, 5*time.Second, 10*time.Millisecond)

	probes, received := k.snapshot()
	assert.GreaterOrEqual(t, probes, n)
	for _, r := range received {
		assert.NotEqual(t, "first@early", r)
		assert.NotEqual(t, "second@early", r)
	}
	assert.Subset(t, received, []string{"first@acked", "second@acked"})

	require.NoError(t, rt.Close(ctx))
	assert.True(t, (*proc).terminated.Load())
	assert.Equal(t, int32(1), handshakes.Load(), "only the first acknowledgement is honored")
	assert.GreaterOrEqual(t, int(probesAtAck.Load()), n)
	assert.Equal(t, 0, hubs.Active())
}

func TestBridge_SilentKernelIsIsolated(t *testing.T) {
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	silent := &scriptedKernel{}
	silentFactory, _ := newScripted(t, hubs, "shared", silent)
	healthy := &scriptedKernel{ackAfter: 1, acks: 1}
	healthyFactory, _ := newScripted(t, hubs, "shared", healthy)

	silentGone := make(chan struct{})
	stuck, err := silentFactory.NewRuntime(context.Background(), analysis.Env{ID: "silent01", Disconnecting: silentGone})
	require.NoError(t, err)
	ok, err := healthyFactory.NewRuntime(context.Background(), analysis.Env{ID: "healthy1", Disconnecting: make(chan struct{})})
	require.NoError(t, err)
	assert.Equal(t, 1, hubs.Active(), "both sessions share one hub")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, stuck.Dispatch(ctx, domain.NewAction("go", domain.NoLoad)), context.DeadlineExceeded)

	require.NoError(t, ok.Dispatch(context.Background(), domain.NewAction("go", domain.NoLoad)))
	assert.Eventually(t, func() bool {
		_, got := healthy.snapshot()
		return len(got) > 0 && got[len(got)-1] == "go@acked"
	}, 5*time.Second, 10*time.Millisecond)

	close(silentGone)
	err = stuck.Dispatch(context.Background(), domain.NewAction(domain.ActionDisconnected, domain.NoLoad))
	assert.ErrorIs(t, err, domain.ErrHandshakeAborted)

	require.NoError(t, stuck.Close(context.Background()))
	assert.Equal(t, 1, hubs.Active())
	require.NoError(t, ok.Close(context.Background()))
	assert.Equal(t, 0, hubs.Active())

	_, received := silent.snapshot()
	for _, r := range received {
		assert.Equal(t, "probe", r, "a kernel that never acknowledged receives no action")
	}
}

func TestBridge_LaunchFailureReleasesHub(t *testing.T) {
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	failing := launcherFunc(func(context.Context, []string) (ports.Process, error) {
		return nil, fmt.Errorf("exec: not found")
	})
	_, err := bridge.NewFactory(hubs, "broken", failing).NewRuntime(context.Background(), analysis.Env{ID: "abcd1234"})
	assert.ErrorContains(t, err, "not found")
	assert.Equal(t, 0, hubs.Active())
}

func TestBridge_OneKernelPerSessionID(t *testing.T) {
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	healthy := &scriptedKernel{ackAfter: 1, acks: 1}
	healthyFactory, _ := newScripted(t, hubs, "shared", healthy)
	silent := &scriptedKernel{}
	silentFactory, silentProc := newScripted(t, hubs, "shared", silent)

	first, err := healthyFactory.NewRuntime(context.Background(), analysis.Env{ID: "abcd1234", Disconnecting: make(chan struct{})})
	require.NoError(t, err)
	require.NoError(t, first.Dispatch(context.Background(), domain.NewAction("go", domain.NoLoad)))

	_, err = silentFactory.NewRuntime(context.Background(), analysis.Env{ID: "abcd1234", Disconnecting: make(chan struct{})})
	assert.ErrorIs(t, err, bridge.ErrSessionBridged)
	assert.Nil(t, *silentProc, "no kernel is launched for a taken id")
	assert.Equal(t, 1, hubs.Active())

	require.NoError(t, first.Dispatch(context.Background(), domain.NewAction("again", domain.NoLoad)))
	assert.Eventually(t, func() bool {
		_, got := healthy.snapshot()
		return len(got) > 0 && got[len(got)-1] == "again@acked"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close(context.Background()))

	next, err := healthyFactory.NewRuntime(context.Background(), analysis.Env{ID: "abcd1234", Disconnecting: make(chan struct{})})
	require.NoError(t, err, "the id is free again once the first runtime closed")
	require.NoError(t, next.Close(context.Background()))
	assert.Equal(t, 0, hubs.Active())
}

func TestBridge_RejectsUnframeableID(t *testing.T) {
	hubs := bridge.NewHubs(bridge.WithPortRange(testPortMin, testPortMax))
	defer hubs.Close()

	factory, proc := newScripted(t, hubs, "shared", &scriptedKernel{})
	_, err := factory.NewRuntime(context.Background(), analysis.Env{ID: "ab|cd"})
	assert.Error(t, err)
	assert.Nil(t, *proc)
	assert.Equal(t, 0, hubs.Active())
}
