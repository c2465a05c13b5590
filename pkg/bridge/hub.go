package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/codec"
)

// DefaultPortMin and DefaultPortMax bound the ports the hub sockets bind to.
const (
	DefaultPortMin = 3000
	DefaultPortMax = 9000
)

const bindAttempts = 100

// ErrSessionBridged is returned when a session id already has a live kernel.
var ErrSessionBridged = errors.New("session id already bridged")

// Hub owns the pair of sockets shared by every session of one kernel analysis.
type Hub struct {
	name   string
	logger *slog.Logger

	pub     zmq4.Socket // bridge -> kernels
	sub     zmq4.Socket // kernels -> bridge
	pubPort int
	subPort int

	sendMu sync.Mutex

	mu     sync.Mutex
	routes map[string]*mailbox

	cancel context.CancelFunc
	done   chan struct{}
}

// newHub binds both sockets and starts routing inbound frames.
func newHub(name string, portMin, portMax int, logger *slog.Logger) (*Hub, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pub, pubPort, err := bind(ctx, zmq4.NewPub, portMin, portMax, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind publish socket: %w", err)
	}
	sub, subPort, err := bind(ctx, zmq4.NewSub, portMin, portMax, logger)
	if err != nil {
		pub.Close()
		cancel()
		return nil, fmt.Errorf("failed to bind subscribe socket: %w", err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		pub.Close()
		sub.Close()
		cancel()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	h := &Hub{
		name:    name,
		logger:  logger.With("analysis", name),
		pub:     pub,
		sub:     sub,
		pubPort: pubPort,
		subPort: subPort,
		routes:  make(map[string]*mailbox),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.recvLoop(ctx)
	h.logger.Debug("Kernel hub bound", "publish_port", pubPort, "subscribe_port", subPort)
	return h, nil
}

// bind listens on a random port of the range, retrying with a fresh socket
// and another port when the bind fails.
func bind(ctx context.Context, newSocket func(context.Context, ...zmq4.Option) zmq4.Socket, portMin, portMax int, logger *slog.Logger) (zmq4.Socket, int, error) {
	if portMin <= 0 || portMax < portMin {
		return nil, 0, fmt.Errorf("invalid port range %d-%d", portMin, portMax)
	}
	var errs []error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		port := portMin + rand.IntN(portMax-portMin+1)
		sock := newSocket(ctx)
		err := sock.Listen(fmt.Sprintf("tcp://127.0.0.1:%d", port))
		if err == nil {
			return sock, port, nil
		}
		sock.Close()
		logger.Debug("Port unavailable, retrying", "port", port, "err", err)
		if len(errs) < 3 {
			errs = append(errs, err)
		}
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d after %d attempts: %w", portMin, portMax, bindAttempts, errors.Join(errs...))
}

// PublishPort is where kernels subscribe.
func (h *Hub) PublishPort() int {
	return h.pubPort
}

// SubscribePort is where kernels publish.
func (h *Hub) SubscribePort() int {
	return h.subPort
}

// Send publishes one frame to the kernels.
func (h *Hub) Send(frame []byte) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.pub.Send(zmq4.NewMsg(frame))
}

// route registers the mailbox receiving the frames of a session.
// The returned function removes it. An id can be routed once at a time:
// two kernels of one id would answer each other's handshakes.
func (h *Hub) route(sessionID string) (*mailbox, func(), error) {
	h.mu.Lock()
	if _, ok := h.routes[sessionID]; ok {
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionBridged, sessionID)
	}
	mb := newMailbox()
	h.routes[sessionID] = mb
	h.mu.Unlock()

	return mb, func() {
		h.mu.Lock()
		if cur, ok := h.routes[sessionID]; ok && cur == mb {
			delete(h.routes, sessionID)
		}
		h.mu.Unlock()
		mb.close()
	}, nil
}

func (h *Hub) recvLoop(ctx context.Context) {
	defer close(h.done)
	for {
		msg, err := h.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("Kernel receive failed", "err", err)
			continue
		}
		for _, raw := range msg.Frames {
			frame, err := codec.DecodeFrame(raw)
			if err != nil {
				h.logger.Warn("Dropped malformed kernel frame", "err", err)
				continue
			}
			h.mu.Lock()
			mb, ok := h.routes[frame.SessionID]
			h.mu.Unlock()
			if !ok {
				h.logger.Debug("Dropped frame for unknown session", "session_id", frame.SessionID)
				continue
			}
			mb.put(frame)
		}
	}
}

// close shuts both sockets and waits for the receive loop.
func (h *Hub) close() error {
	h.cancel()
	err := errors.Join(h.pub.Close(), h.sub.Close())
	<-h.done

	h.mu.Lock()
	for id, mb := range h.routes {
		mb.close()
		delete(h.routes, id)
	}
	h.mu.Unlock()
	h.logger.Debug("Kernel hub closed")
	return err
}

// Hubs hands out one Hub per analysis, created on first use and closed
// when the last session releases it.
type Hubs struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	hub  *Hub
	refs int
}

// HubsOption configures Hubs.
type HubsOption func(*Hubs)

// WithPortRange sets the range the sockets bind in.
func WithPortRange(lo, hi int) HubsOption {
	return func(h *Hubs) {
		h.portMin, h.portMax = lo, hi
	}
}

// WithHubLogger configures a logger for the hubs.
func WithHubLogger(logger *slog.Logger) HubsOption {
	return func(h *Hubs) {
		h.logger = logger
	}
}

func NewHubs(opts ...HubsOption) *Hubs {
	h := &Hubs{
		portMin: DefaultPortMin,
		portMax: DefaultPortMax,
		logger:  logging.NewNop(),
		entries: make(map[string]*hubEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Acquire returns the hub of an analysis and takes a reference on it.
func (h *Hubs) Acquire(name string) (*Hub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[name]
	if !ok {
		hub, err := newHub(name, h.portMin, h.portMax, h.logger)
		if err != nil {
			return nil, err
		}
		entry = &hubEntry{hub: hub}
		h.entries[name] = entry
	}
	entry.refs++
	return entry.hub, nil
}

// Release drops a reference and closes the hub at zero.
func (h *Hubs) Release(name string) {
	h.mu.Lock()
	entry, ok := h.entries[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.entries, name)
	h.mu.Unlock()

	if err := entry.hub.close(); err != nil {
		h.logger.Warn("Failed to close kernel hub", "analysis", name, "err", err)
	}
}

// Active returns the number of open hubs.
func (h *Hubs) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Close closes every hub regardless of references.
func (h *Hubs) Close() error {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, e.hub.close())
	}
	return errors.Join(errs...)
}
