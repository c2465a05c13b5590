package kernel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/kernel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counter struct {
	analysis.Base
}

func (c *counter) OnAdd(ctx context.Context, a, b float64) error {
	return c.Emit(ctx, "sum", a+b)
}

func (c *counter) OnDisconnected(ctx context.Context) error {
	select {
	case <-c.Disconnecting():
	default:
		return nil
	}
	return c.Emit(ctx, "log", "bye")
}

func (c *counter) OnAlarm(ctx context.Context) error {
	if err := c.Emit(ctx, "warn", "running low"); err != nil {
		return err
	}
	return c.Emit(ctx, "error", "out of range")
}

// fakeBridge binds the two sockets a kernel connects to.
type fakeBridge struct {
	pub, sub zmq4.Socket
	frames   chan codec.Frame
}

func newFakeBridge(t *testing.T, ctx context.Context) *fakeBridge {
	t.Helper()
	b := &fakeBridge{
		pub:    zmq4.NewPub(ctx),
		sub:    zmq4.NewSub(ctx),
		frames: make(chan codec.Frame, 64),
	}
	require.NoError(t, b.pub.Listen("tcp://127.0.0.1:0"))
	require.NoError(t, b.sub.Listen("tcp://127.0.0.1:0"))
	require.NoError(t, b.sub.SetOption(zmq4.OptionSubscribe, ""))

	go func() {
		for {
			msg, err := b.sub.Recv()
			if err != nil {
				close(b.frames)
				return
			}
			if f, err := codec.DecodeFrame(msg.Bytes()); err == nil {
				b.frames <- f
			}
		}
	}()
	return b
}

func port(t *testing.T, s zmq4.Socket) int {
	t.Helper()
	addr, ok := s.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func (b *fakeBridge) send(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, b.pub.Send(zmq4.NewMsg(data)))
}

// handshake probes until the kernel answers.
func (b *fakeBridge) handshake(t *testing.T, id string) {
	t.Helper()
	probe, err := codec.EncodeHandshake(id)
	require.NoError(t, err)
	deadline := time.After(5 * time.Second)
	for {
		b.send(t, probe)
		select {
		case f := <-b.frames:
			if f.Kind == codec.FrameHandshakeAck {
				require.Equal(t, id, f.SessionID)
				return
			}
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("kernel never acknowledged")
		}
	}
}

func (b *fakeBridge) next(t *testing.T) domain.Envelope {
	t.Helper()
	for {
		select {
		case f := <-b.frames:
			if f.Kind == codec.FrameEnvelope {
				return f.Envelope
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a kernel emit")
		}
	}
}

func action(t *testing.T, id, raw string) []byte {
	t.Helper()
	var env struct {
		Signal string `json:"signal"`
		Load   any    `json:"load"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	data, err := codec.EncodeFrame(id, domain.NewEnvelope(env.Signal, env.Load))
	require.NoError(t, err)
	return data
}

func TestKernel_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newFakeBridge(t, ctx)
	defer b.pub.Close()
	defer b.sub.Close()

	const id = "abcd1234"
	cfg := kernel.Config{AnalysisID: id, SubscribePort: port(t, b.pub), PublishPort: port(t, b.sub), Host: "127.0.0.1"}
	k := kernel.New("counter", cfg, func() any { return &counter{} })

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	b.handshake(t, id)

	b.send(t, action(t, id, `{"signal": "add", "load": [1, 2.5]}`))
	assert.Equal(t, domain.NewEnvelope("sum", 3.5), b.next(t))

	b.send(t, action(t, id, `{"signal": "threshold", "load": {"__process_id": 9, "value": 0.2}}`))
	assert.Equal(t, domain.ProcessMarker(float64(9), domain.ProcessStart), b.next(t))
	assert.Equal(t, domain.NewEnvelope("data", map[string]any{"threshold": map[string]any{"value": 0.2}}), b.next(t))
	assert.Equal(t, domain.ProcessMarker(float64(9), domain.ProcessEnd), b.next(t))

	b.send(t, action(t, id, `{"signal": "add", "load": {"a": 1}}`))
	errEnv := b.next(t)
	assert.Equal(t, "error", errEnv.Signal)
	assert.True(t, strings.Contains(errEnv.Load.Value.(string), "bind"))

	// Frames of other sessions are filtered out by the subscription.
	other, err := codec.EncodeFrame("otherid1", domain.NewEnvelope("add", []any{1, 1}))
	require.NoError(t, err)
	b.send(t, other)

	b.send(t, action(t, id, `{"signal": "disconnected"}`))
	assert.Equal(t, domain.NewEnvelope("log", "bye"), b.next(t))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not exit after disconnected")
	}
}

func TestKernel_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newFakeBridge(t, ctx)
	defer b.pub.Close()
	defer b.sub.Close()

	cfg := kernel.Config{AnalysisID: "stop0001", SubscribePort: port(t, b.pub), PublishPort: port(t, b.sub), Host: "127.0.0.1"}
	k := kernel.New("counter", cfg, func() any { return &counter{} })

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- k.Run(runCtx) }()
	b.handshake(t, "stop0001")

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func TestKernel_LogSignalLevels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newFakeBridge(t, ctx)
	defer b.pub.Close()
	defer b.sub.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	const id = "10661066"
	cfg := kernel.Config{AnalysisID: id, SubscribePort: port(t, b.pub), PublishPort: port(t, b.sub), Host: "127.0.0.1"}
	k := kernel.New("counter", cfg, func() any { return &counter{} }, kernel.WithLogger(logger))

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	b.handshake(t, id)

	b.send(t, action(t, id, `{"signal": "alarm"}`))
	assert.Equal(t, domain.NewEnvelope("warn", "running low"), b.next(t))
	assert.Equal(t, domain.NewEnvelope("error", "out of range"), b.next(t))

	b.send(t, action(t, id, `{"signal": "disconnected"}`))
	assert.Equal(t, domain.NewEnvelope("log", "bye"), b.next(t))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not exit after disconnected")
	}

	out := buf.String()
	assert.Contains(t, out, `level=WARN msg="running low" signal=warn`)
	assert.Contains(t, out, `level=ERROR msg="out of range" signal=error`)
	assert.Contains(t, out, `level=INFO msg=bye signal=log`)
}
