package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
	"github.com/aretw0/databench/pkg/session"
)

// DefaultPingInterval is the interval between WebSocket pings.
const DefaultPingInterval = 15 * time.Second

const writeWait = 10 * time.Second

// Manager is the part of session.Manager the transport needs.
type Manager interface {
	Lookup(name string) (session.Analysis, bool)
	Analyses() []analysis.Info
	Sessions() []string
	Open(name string, peer ports.Peer) (*session.Session, error)
}

var _ Manager = (*session.Manager)(nil)

// Server serves analyses over HTTP and WebSocket.
type Server struct {
	Manager      Manager
	PingInterval time.Duration
	Version      string
	Metrics      http.Handler
	Logger       *slog.Logger

	upgrader websocket.Upgrader
}

// Option configures the Server.
type Option func(*Server)

// WithPingInterval sets the interval of liveness pings. Zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.PingInterval = d
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.Version = v
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.Metrics = h
	}
}

// WithLogger configures the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// NewHandler creates the HTTP handler for the sessions of manager.
func NewHandler(manager Manager, opts ...Option) http.Handler {
	server := &Server{
		Manager:      manager,
		PingInterval: DefaultPingInterval,
		Version:      "unknown",
		Logger:       logging.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Get("/", server.GetIndex)
	r.Get("/health", server.GetHealth)
	r.Get("/info", server.GetInfo)
	if server.Metrics != nil {
		r.Handle("/metrics", server.Metrics)
	}
	r.Route("/analyses/{name}", func(r chi.Router) {
		r.Get("/", server.GetAnalysis)
		r.Get("/ws", server.ServeWS)
	})
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Custom-Header")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Response encode failed", "err", err)
	}
}

// GetIndex lists the analyses shown in the index.
func (s *Server) GetIndex(w http.ResponseWriter, r *http.Request) {
	infos := []analysis.Info{}
	for _, info := range s.Manager.Analyses() {
		if info.ShowInIndex {
			infos = append(infos, info)
		}
	}
	s.writeJSON(w, map[string]any{"analyses": infos})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"app":      "databench",
		"version":  s.Version,
		"analyses": len(s.Manager.Analyses()),
		"sessions": len(s.Manager.Sessions()),
	})
}

// GetAnalysis returns the metadata of one analysis.
func (s *Server) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Manager.Lookup(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "analysis not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, a.Info)
}

// ServeWS upgrades the request and runs one session until the peer leaves.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.Manager.Lookup(name); !ok {
		http.Error(w, "analysis not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		s.Logger.Debug("WebSocket upgrade failed", "analysis", name, "err", err)
		return
	}
	peer := newPeer(conn)
	defer peer.close()

	sess, err := s.Manager.Open(name, peer)
	if err != nil {
		s.Logger.Error("Failed to open session", "analysis", name, "err", err)
		return
	}
	defer sess.Close()
	s.Logger.Debug("WebSocket connected", "analysis", name, "remote", r.RemoteAddr)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// A session shut down by the server releases its connection.
		select {
		case <-sess.Done():
			peer.close()
		case <-stop:
		}
	}()
	if s.PingInterval > 0 {
		pongWait := 2 * s.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer.keepAlive(s.PingInterval, stop)
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Logger.Debug("WebSocket read failed", "analysis", name, "session_id", sess.ID(), "err", err)
			}
			return
		}
		if err := sess.Deliver(ctx, data); err != nil {
			return
		}
	}
}

// wsPeer adapts a WebSocket connection to ports.Peer.
// gorilla connections allow one concurrent writer, so writes are serialized.
type wsPeer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

// Send writes one text message.
func (p *wsPeer) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPeerClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return closedError(err)
	}
	return nil
}

func (p *wsPeer) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = p.conn.Close()
}

func closedError(err error) error {
	var ce *websocket.CloseError
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) || errors.As(err, &ce) {
		return fmt.Errorf("%w: %v", domain.ErrPeerClosed, err)
	}
	return err
}
