// Package transport owns the relay websocket: dialing, the auth handshake,
// heartbeats, the reconnect loop and ordered frame delivery. The socket is
// an owned resource with an explicit lifecycle; nothing else in the core
// touches it directly.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/errs"
	"github.com/lmartins/backline/internal/status"
	"github.com/lmartins/backline/internal/wire"
	"go.uber.org/zap"
)

// Options tunes the connection lifecycle.
type Options struct {
	DialTimeout       time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	// StableAfter is how long a session must stay in the connected state
	// before its loss restarts the backoff ladder from the base. Zero means
	// defaultStableAfter.
	StableAfter time.Duration
}

const defaultStableAfter = 30 * time.Second

// Handler consumes inbound frames. It is invoked synchronously on the read
// goroutine, in receive order; the router's dedup/patch logic depends on
// that ordering, so handlers must not be re-dispatched concurrently.
type Handler func(wire.Frame)

// Conn manages one logical relay connection across physical reconnects.
type Conn struct {
	url     string
	userID  string
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	queue   []wire.Frame
	handler Handler
	started bool

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	done   sync.WaitGroup
}

// New creates a connection manager for the given relay URL. The userID is
// sent in the auth frame after every (re)dial.
func New(url, userID string, opts Options, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	if opts.StableAfter == 0 {
		opts.StableAfter = defaultStableAfter
	}
	return &Conn{
		url:     url,
		userID:  userID,
		opts:    opts,
		machine: m,
		bus:     b,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// OnFrame registers the inbound frame handler. Must be set before Connect.
func (c *Conn) OnFrame(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() status.State {
	return c.machine.Current()
}

// Send queues a frame for delivery. Frames are never dropped or rejected
// while disconnected: the queue is flushed in order once the connection is
// re-established.
func (c *Conn) Send(frame wire.Frame) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Connect starts the connection loop. It returns immediately; progress is
// observable through conn.* bus events and State. Reconnection is retried
// indefinitely with bounded exponential backoff; only Close stops it.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errs.InvalidArg("transport already started")
	}
	c.started = true
	c.mu.Unlock()

	c.done.Add(1)
	go c.run()
	return nil
}

// Close terminates the connection permanently and waits for the loop to
// stop. After Close the state machine is in its terminal state.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.done.Wait()
	// The machine may already be terminal if run() observed the close.
	if c.machine.Current() != status.Closed {
		_ = c.machine.Transition(status.Closed)
	}
	return nil
}

func (c *Conn) run() {
	defer c.done.Done()
	backoff := c.opts.ReconnectBase

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		connectedFor, err := c.session()
		if c.isClosed() {
			return
		}

		if c.machine.Current() != status.Disconnected {
			_ = c.machine.Transition(status.Disconnected)
		}

		// Only time spent in the connected state counts toward stability.
		// A session that never got there, however long its dial or auth
		// took to fail, keeps climbing the backoff ladder.
		if connectedFor >= c.opts.StableAfter {
			backoff = c.opts.ReconnectBase
		}

		c.bus.Emit(bus.KindConnDisconnected, err)
		c.logger.Warn("connection lost, scheduling reconnect",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-c.closed:
			return
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

// session runs one physical connection from dial to failure. It returns
// how long the session spent connected, which is zero whenever dial or
// auth failed.
func (c *Conn) session() (time.Duration, error) {
	if err := c.machine.Transition(status.Connecting); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	cancel()
	if err != nil {
		return 0, errs.Transport("dial relay", err)
	}
	defer func() { _ = ws.Close() }()

	// Unblock a pending read immediately when Close is called.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-c.closed:
			_ = ws.Close()
		case <-sessionDone:
		}
	}()

	if err := c.authenticate(ws); err != nil {
		return 0, err
	}

	if err := c.machine.Transition(status.Connected); err != nil {
		return 0, err
	}
	connected := time.Now()
	c.bus.Emit(bus.KindConnConnected, nil)
	c.logger.Info("relay connected")

	// Single writer: queued frames and pings share one goroutine, as the
	// websocket allows only one concurrent writer.
	writerDone := make(chan struct{})
	writerErr := make(chan error, 1)
	go c.writePump(ws, writerDone, writerErr)
	defer close(writerDone)

	// Flush anything queued while we were away.
	select {
	case c.wake <- struct{}{}:
	default:
	}

	err = c.readPump(ws, writerErr)
	return time.Since(connected), err
}

// authenticate sends the auth frame and waits for the server's auth_ack.
func (c *Conn) authenticate(ws *websocket.Conn) error {
	if err := c.machine.Transition(status.Authenticating); err != nil {
		return err
	}

	authFrame, err := wire.NewFrame(wire.TypeAuth, wire.AuthData{UserID: c.userID})
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.AuthTimeout))
	if err := ws.WriteJSON(authFrame); err != nil {
		return errs.Transport("send auth frame", err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	deadline := time.Now().Add(c.opts.AuthTimeout)
	for {
		if err := ws.SetReadDeadline(deadline); err != nil {
			return errs.Transport("set auth deadline", err)
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return errs.Transport("await auth_ack", err)
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			c.logger.Warn("undecodable frame during auth", zap.Error(err))
			continue
		}
		if frame.Type == wire.TypeAuthAck {
			return nil
		}
		// The relay must not send anything before acking auth; tolerate
		// and drop strays rather than failing the session.
		c.logger.Warn("frame before auth_ack dropped", zap.String("type", frame.Type))
	}
}

func (c *Conn) readPump(ws *websocket.Conn, writerErr chan error) error {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	for {
		select {
		case err := <-writerErr:
			return err
		case <-c.closed:
			return nil
		default:
		}

		// A silent socket (no frames, no pongs) trips this deadline and
		// forces a reconnect instead of hanging on a half-open TCP session.
		if err := ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return errs.Transport("set read deadline", err)
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return errs.Transport("read frame", err)
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			c.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(frame)
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn, done chan struct{}, errCh chan error) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			if err := c.flush(ws); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(c.opts.HeartbeatInterval))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- errs.Transport("write ping", err)
				return
			}
		case <-done:
			return
		case <-c.closed:
			return
		}
	}
}

// flush writes queued frames in order. A frame is only dequeued after a
// successful write, so a mid-flush failure keeps it for the next session.
func (c *Conn) flush(ws *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		frame := c.queue[0]
		c.mu.Unlock()

		_ = ws.SetWriteDeadline(time.Now().Add(c.opts.HeartbeatInterval))
		if err := ws.WriteJSON(frame); err != nil {
			return errs.Transport("write frame", err)
		}

		c.mu.Lock()
		c.queue = c.queue[1:]
		c.mu.Unlock()
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
