package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/pkg/log"
)

var (
	ErrClosed  = errors.New("collab connection closed")
	ErrEvicted = errors.New("session replaced by another connection")
)

const writeWait = 10 * time.Second

// EventHandler receives every server event except the authenticate reply.
// It runs on the read goroutine.
type EventHandler func(domain.ServerEvent)

// CollabClient is one WebSocket connection to the collaboration service.
// Writes are serialised; events are delivered in arrival order.
type CollabClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  zerolog.Logger

	mu      sync.Mutex
	handler EventHandler
	authCh  chan domain.ServerEvent
	user    *domain.Authenticated
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a connection. The read loop starts immediately; set a handler
// with OnEvent before joining documents.
func Dial(ctx context.Context, url string) (*CollabClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &CollabClient{
		conn:   conn,
		logger: log.Ctx(ctx).With().Str("server", url).Logger(),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *CollabClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Authenticate sends the credential and waits for the reply. An authError
// reply is returned as *domain.AuthError; the connection stays usable.
func (c *CollabClient) Authenticate(ctx context.Context, credential string) (*domain.Authenticated, error) {
	ch := make(chan domain.ServerEvent, 1)
	c.mu.Lock()
	c.authCh = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.authCh == ch {
			c.authCh = nil
		}
		c.mu.Unlock()
	}()

	if err := c.send(domain.Authenticate{Credential: credential}); err != nil {
		return nil, err
	}

	select {
	case ev := <-ch:
		return c.authReply(ev)
	case <-c.done:
		// the reply may have raced the close
		select {
		case ev := <-ch:
			return c.authReply(ev)
		default:
			return nil, c.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CollabClient) authReply(ev domain.ServerEvent) (*domain.Authenticated, error) {
	switch e := ev.(type) {
	case *domain.Authenticated:
		c.mu.Lock()
		c.user = e
		c.mu.Unlock()
		return e, nil
	case *domain.AuthErrorEvent:
		return nil, &domain.AuthError{Reason: e.Reason, Detail: e.Detail}
	default:
		return nil, fmt.Errorf("unexpected authenticate reply %s", ev.EventType())
	}
}

// User is the identity from the last successful Authenticate.
func (c *CollabClient) User() *domain.Authenticated {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *CollabClient) JoinDocument(documentID string) error {
	return c.send(domain.JoinDocument{DocumentID: documentID})
}

func (c *CollabClient) LeaveDocument(documentID string) error {
	return c.send(domain.LeaveDocument{DocumentID: documentID})
}

func (c *CollabClient) SubmitChange(change domain.SubmitChange) error {
	return c.send(change)
}

func (c *CollabClient) Typing(documentID string, isTyping bool) error {
	return c.send(domain.Typing{DocumentID: documentID, IsTyping: isTyping})
}

func (c *CollabClient) Ping() error {
	return c.send(domain.Ping{})
}

func (c *CollabClient) send(ev domain.ClientEvent) error {
	data, err := domain.EncodeClient(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
		return c.Err()
	}
	return nil
}

func (c *CollabClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == hub.CloseSessionReplaced {
				c.shutdown(ErrEvicted)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		ev, err := domain.DecodeServerEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring undecodable server frame")
			continue
		}
		c.deliver(ev)
	}
}

func (c *CollabClient) deliver(ev domain.ServerEvent) {
	c.mu.Lock()
	authCh, handler := c.authCh, c.handler
	c.mu.Unlock()

	switch ev.(type) {
	case *domain.Authenticated, *domain.AuthErrorEvent:
		if authCh != nil {
			select {
			case authCh <- ev:
			default:
			}
			return
		}
	}

	if handler != nil {
		handler(ev)
	}
}

func (c *CollabClient) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Done is closed when the connection ends.
func (c *CollabClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended: ErrEvicted or a wrapped ErrClosed.
func (c *CollabClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close sends a normal close frame and tears the connection down.
func (c *CollabClient) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}
