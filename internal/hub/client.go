package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	pkglog "github.com/weiawesome/wes-collab/pkg/log"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateEvicted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateEvicted:
		return "evicted"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEvicted || s == StateDisconnected
}

// Close codes sent to the peer.
const (
	CloseSessionReplaced = 4001
)

// DisconnectHandler is called once when a client's read pump exits.
type DisconnectHandler func(*Client)

// Client is one WebSocket connection. Send is never closed; the write pump
// stops when the client is closed.
type Client struct {
	ID         string
	RemoteAddr string
	Hub        *Hub
	Conn       *websocket.Conn
	Send       chan []byte

	config config.WebSocketConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                sync.RWMutex
	state             State
	session           *domain.Session
	closeErr          error
	logger            zerolog.Logger
	disconnectHandler DisconnectHandler

	closeOnce sync.Once
}

// NewClient builds a client. conn may be nil when the client is driven
// without a socket.
func NewClient(id, remoteAddr string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}

	logger := pkglog.L().With().
		Str(pkglog.FieldConnID, id).
		Str(pkglog.FieldClientIP, remoteAddr).
		Logger()
	ctx, cancel := context.WithCancel(pkglog.WithLogger(context.Background(), logger))

	return &Client{
		ID:         id,
		RemoteAddr: remoteAddr,
		Hub:        hub,
		Conn:       conn,
		Send:       make(chan []byte, buffer),
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetDisconnectHandler sets the handler to be called on disconnect.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// Context is cancelled when the client closes. It carries the connection
// logger.
func (c *Client) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Logger() *zerolog.Logger {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	return &l
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns the authenticated session, or nil.
func (c *Client) Session() *domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) IsClosed() bool {
	return c.State().Terminal()
}

// CloseErr returns the reason the client was closed.
func (c *Client) CloseErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeErr
}

// Authenticate installs the session. It only succeeds from the
// unauthenticated state.
func (c *Client) Authenticate(session *domain.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnauthenticated {
		return false
	}
	c.state = StateAuthenticated
	c.session = session
	c.logger = c.logger.With().
		Str(pkglog.FieldUserID, session.UserID).
		Str(pkglog.FieldUsername, session.Username).
		Logger()
	c.ctx = pkglog.WithLogger(c.ctx, c.logger)
	return true
}

// MarkEvicted moves an authenticated client to the evicted state.
func (c *Client) MarkEvicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated {
		return false
	}
	c.state = StateEvicted
	return true
}

// Close moves the client to a terminal state, cancels its context and stops
// the write pump after it flushes queued frames. Safe to call many times.
func (c *Client) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.state.Terminal() {
			c.state = StateDisconnected
		}
		c.closeErr = reason
		c.mu.Unlock()

		c.cancel()
		close(c.done)
	})
}

// SendMessage encodes and queues an event.
func (c *Client) SendMessage(ev domain.ServerEvent) error {
	data, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an encoded frame without blocking. A full buffer closes the
// client.
func (c *Client) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.Send <- data:
		return nil
	default:
		c.Logger().Warn().Msg("send buffer full, closing connection")
		c.Close(domain.ErrSlowConsumer)
		return domain.ErrSlowConsumer
	}
}

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Close(domain.ErrConnectionClosed)
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, CloseSessionReplaced) {
				c.Logger().Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if c.IsClosed() {
			return
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.write(message); err != nil {
				c.Logger().Debug().Err(err).Msg("websocket write failed")
				c.Close(domain.ErrConnectionClosed)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(domain.ErrConnectionClosed)
				return
			}

		case <-c.done:
			c.flush()
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, c.closeFrame())
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

// flush writes whatever is already queued.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.Send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closeFrame() []byte {
	err := c.CloseErr()
	switch {
	case errors.Is(err, domain.ErrSessionReplaced):
		return websocket.FormatCloseMessage(CloseSessionReplaced, "session replaced")
	case errors.Is(err, domain.ErrServerShutdown):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	case errors.Is(err, domain.ErrSlowConsumer):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow")
	default:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
}
