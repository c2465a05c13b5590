// Package kernel runs a Go analysis as an external kernel behind the bridge.
//
// A kernel binary usually is a three line main:
//
//	func main() {
//		kernel.Main("dummypi", func() any { return &Dummypi{} })
//	}
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-zeromq/zmq4"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/session"
)

// Kernel serves one session of an analysis over the bridge sockets.
type Kernel struct {
	name        string
	cfg         Config
	newAnalysis func() any
	store       *datastore.Store
	logger      *slog.Logger

	sendMu sync.Mutex
	pub    zmq4.Socket
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger configures a logger for the kernel.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// WithStore sets the Datastore service of the kernel process.
func WithStore(store *datastore.Store) Option {
	return func(k *Kernel) {
		k.store = store
	}
}

// New creates a kernel for the analysis name.
func New(name string, cfg Config, newAnalysis func() any, opts ...Option) *Kernel {
	k := &Kernel{
		name:        name,
		cfg:         cfg,
		newAnalysis: newAnalysis,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.store == nil {
		k.store = datastore.New()
	}
	return k
}

// Main parses the command line, runs the kernel until "disconnected" or a
// termination signal, and exits the process.
func Main(name string, newAnalysis func() any) {
	logger := logging.New(logging.ParseLevel(os.Getenv("DATABENCH_KERNEL_LOG")))
	cfg, err := ParseFlags(os.Args[1:])
	if err != nil {
		logger.Error("Invalid kernel arguments", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k := New(name, cfg, newAnalysis, WithLogger(logger.With("analysis", name, "session_id", cfg.AnalysisID)))
	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Kernel failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// Run connects to the bridge and serves actions until "disconnected" has
// been handled or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	if err := sub.Dial(fmt.Sprintf("tcp://%s:%d", k.cfg.Host, k.cfg.SubscribePort)); err != nil {
		return fmt.Errorf("failed to connect subscribe socket: %w", err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, codec.Topic(k.cfg.AnalysisID)); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	k.pub = zmq4.NewPub(ctx)
	defer k.pub.Close()
	if err := k.pub.Dial(fmt.Sprintf("tcp://%s:%d", k.cfg.Host, k.cfg.PublishPort)); err != nil {
		return fmt.Errorf("failed to connect publish socket: %w", err)
	}

	rt, closeEnv, err := k.runtime()
	if err != nil {
		return err
	}
	defer closeEnv()

	frames := make(chan codec.Frame)
	recvErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := sub.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			for _, raw := range msg.Frames {
				frame, err := codec.DecodeFrame(raw)
				if err != nil {
					k.logger.Warn("Dropped malformed frame", "err", err)
					continue
				}
				select {
				case frames <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	k.logger.Info("Kernel running", "subscribe_port", k.cfg.SubscribePort, "publish_port", k.cfg.PublishPort)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive failed: %w", err)
		case frame := <-frames:
			if frame.SessionID != k.cfg.AnalysisID {
				continue
			}
			switch frame.Kind {
			case codec.FrameHandshake:
				if err := k.sendAck(); err != nil {
					k.logger.Warn("Handshake acknowledgement failed", "err", err)
				}
			case codec.FrameEnvelope:
				action := domain.NewAction(frame.Envelope.Signal, frame.Envelope.Load)
				if action.Name == domain.ActionDisconnected {
					rt.disconnect()
				}
				if err := rt.Dispatch(ctx, action); err != nil {
					k.logger.Warn("Action failed", "action", action.Name, "err", err)
				}
				if action.Name == domain.ActionDisconnected {
					k.logger.Info("Kernel shutting down")
					return rt.Close(ctx)
				}
			}
		}
	}
}

func (k *Kernel) runtime() (*runtime, func(), error) {
	data := k.store.Open(k.cfg.AnalysisID)
	classData := k.store.Open(k.name)
	data.Subscribe(k.forward(domain.SignalData))
	classData.Subscribe(k.forward(domain.SignalClassData))
	closeEnv := func() {
		data.Close()
		classData.Close()
	}

	disconnecting := make(chan struct{})
	env := analysis.Env{
		ID:            k.cfg.AnalysisID,
		Name:          k.name,
		Data:          data,
		ClassData:     classData,
		Emitter:       k,
		Logger:        k.logger,
		Disconnecting: disconnecting,
	}
	local, err := session.NewLocal(k.newAnalysis(), env)
	if err != nil {
		closeEnv()
		return nil, nil, err
	}
	return &runtime{kernel: k, local: local, data: data, disconnecting: disconnecting}, closeEnv, nil
}

func (k *Kernel) forward(signal string) datastore.Callback {
	return func(key string, value any) any {
		if err := k.Emit(context.Background(), signal, map[string]any{key: value}); err != nil {
			k.logger.Warn("Failed to forward data change", "key", key, "err", err)
		}
		return nil
	}
}

// Emit publishes an envelope to the bridge.
func (k *Kernel) Emit(ctx context.Context, signal string, load any) error {
	frame, err := codec.EncodeFrame(k.cfg.AnalysisID, domain.NewEnvelope(signal, load))
	if err != nil {
		return err
	}
	if domain.IsLogSignal(signal) {
		k.logger.Log(ctx, domain.LogLevel(signal), fmt.Sprint(load), "signal", signal)
	}
	return k.send(frame)
}

func (k *Kernel) sendAck() error {
	frame, err := codec.EncodeHandshakeAck(k.cfg.AnalysisID)
	if err != nil {
		return err
	}
	return k.send(frame)
}

func (k *Kernel) send(frame []byte) error {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	return k.pub.Send(zmq4.NewMsg(frame))
}
