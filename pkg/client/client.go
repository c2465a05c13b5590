// Package client connects to a databench server over WebSocket.
//
// A Connection performs the "__connect" exchange, mirrors the "data" and
// "class_data" signals into local maps and lets callers emit actions and
// wait for signals.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/codec"
	"github.com/aretw0/databench/pkg/domain"
)

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("connection closed")

// Message is one envelope received from the server.
type Message struct {
	Signal string
	Load   any
}

// Option configures Dial.
type Option func(*options)

type options struct {
	id          string
	requestArgs string
	dialer      *websocket.Dialer
	buffer      int
}

// WithID resumes the instance with the given id.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithRequestArgs sets the query string sent as "__request_args".
func WithRequestArgs(query string) Option {
	return func(o *options) {
		o.requestArgs = query
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithBuffer sets how many received messages are queued before reading
// from the socket pauses. Defaults to 1024.
func WithBuffer(n int) Option {
	return func(o *options) {
		o.buffer = n
	}
}

// Connection is a connected session of one analysis.
type Connection struct {
	conn *websocket.Conn
	ack  analysis.ConnectAck

	writeMu sync.Mutex

	mu        sync.Mutex
	data      map[string]any
	classData map[string]any
	err       error

	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// WebSocketURL turns a server base URL (http, https, ws or wss) into the
// endpoint of the named analysis.
func WebSocketURL(base, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/analyses/" + url.PathEscape(name) + "/ws"
	return u.String(), nil
}

// Dial connects to the named analysis on the server at base and waits for
// the "__connect" reply.
func Dial(ctx context.Context, base, name string, opts ...Option) (*Connection, error) {
	o := options{dialer: websocket.DefaultDialer, buffer: 1024}
	for _, opt := range opts {
		opt(&o)
	}

	wsURL, err := WebSocketURL(base, name)
	if err != nil {
		return nil, err
	}
	conn, _, err := o.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	c := &Connection{
		conn:      conn,
		data:      make(map[string]any),
		classData: make(map[string]any),
		messages:  make(chan Message, o.buffer),
		done:      make(chan struct{}),
	}

	req := map[string]any{domain.KeyConnect: nil, domain.KeyRequestArgs: nil}
	if o.id != "" {
		req[domain.KeyConnect] = o.id
	}
	if o.requestArgs != "" {
		req[domain.KeyRequestArgs] = o.requestArgs
	}
	if err := c.write(req); err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.awaitAck(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Connection) awaitAck(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		msg, err := c.read()
		if err != nil {
			return fmt.Errorf("no connect reply: %w", err)
		}
		if msg.Signal != domain.SignalConnect {
			// Only an error report can precede the reply.
			if msg.Signal == domain.SignalError {
				return fmt.Errorf("connect rejected: %v", msg.Load)
			}
			continue
		}
		load, _ := msg.Load.(map[string]any)
		c.ack.AnalysisID, _ = load["analysis_id"].(string)
		c.ack.BackendVersion, _ = load["backend_version"].(string)
		c.ack.AnalysesVersion, _ = load["analyses_version"].(string)
		return nil
	}
}

func (c *Connection) read() (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	in, err := codec.DecodeInbound(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Signal: in.Envelope.Signal, Load: in.Envelope.Load.Value}, nil
}

func (c *Connection) readLoop() {
	defer close(c.messages)
	for {
		msg, err := c.read()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		c.track(msg)
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) track(msg Message) {
	var target map[string]any
	switch msg.Signal {
	case domain.SignalData:
		target = c.data
	case domain.SignalClassData:
		target = c.classData
	default:
		return
	}
	load, ok := msg.Load.(map[string]any)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range load {
		target[k] = v
	}
}

// ID returns the instance id assigned by the server.
func (c *Connection) ID() string { return c.ack.AnalysisID }

// Ack returns the full "__connect" reply.
func (c *Connection) Ack() analysis.ConnectAck { return c.ack }

// Data returns a copy of the instance data received so far.
func (c *Connection) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.data)
}

// ClassData returns a copy of the class data received so far.
func (c *Connection) ClassData() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.classData)
}

// Emit sends an action. A nil load is sent as JSON null.
func (c *Connection) Emit(ctx context.Context, signal string, load any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(map[string]any{"signal": signal, "load": codec.Sanitize(load)})
}

// EmitProcess sends an action carrying a "__process_id" so the server
// brackets it with "__process" markers. load must be nil or a map.
func (c *Connection) EmitProcess(ctx context.Context, signal string, id any, load map[string]any) error {
	m := make(map[string]any, len(load)+1)
	for k, v := range load {
		m[k] = v
	}
	m[domain.KeyProcessID] = id
	return c.Emit(ctx, signal, m)
}

func (c *Connection) write(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Next returns the next received message.
func (c *Connection) Next(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return Message{}, c.closedErr()
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Expect returns the next message with the given signal, discarding others.
func (c *Connection) Expect(ctx context.Context, signal string) (Message, error) {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return Message{}, fmt.Errorf("waiting for %q: %w", signal, err)
		}
		if msg.Signal == signal {
			return msg, nil
		}
	}
}

func (c *Connection) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Close sends a close frame and releases the connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
