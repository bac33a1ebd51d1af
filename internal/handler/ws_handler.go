package handler

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-collab/internal/admission"
	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/internal/service"
	"github.com/weiawesome/wes-collab/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub        *hub.Hub
	service    service.CollabService
	guard      *admission.Guard
	wsCfg      config.WebSocketConfig
	trustProxy bool
}

func NewWSHandler(h *hub.Hub, svc service.CollabService, guard *admission.Guard, wsCfg config.WebSocketConfig, trustProxy bool) *WSHandler {
	return &WSHandler{
		hub:        h,
		service:    svc,
		guard:      guard,
		wsCfg:      wsCfg,
		trustProxy: trustProxy,
	}
}

// HandleWebSocket admits the caller's address, upgrades and runs the
// connection's pumps. The read pump runs on the request goroutine.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())
	addr := log.ClientIP(r, h.trustProxy)

	if !h.guard.Allow(addr) {
		l.Warn().Str(log.FieldClientIP, addr).Msg("connection attempt rejected by admission guard")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), addr, h.hub, conn, h.wsCfg)
	client.SetDisconnectHandler(h.service.HandleDisconnect)
	h.hub.Register(client)

	cl := client.Logger()
	cl.Debug().Msg("client connected")

	go client.WritePump()
	client.ReadPump(h.dispatch)

	cl.Debug().Msg("client disconnected")
}

// dispatch handles one frame. Frames of one connection never run
// concurrently.
func (h *WSHandler) dispatch(client *hub.Client, message []byte) {
	ctx := client.Context()

	event, err := domain.DecodeClientEvent(message)
	if err != nil {
		client.SendMessage(domain.AsProtocolError(err).Event())
		l := client.Logger()
		l.Debug().Err(err).Msg("bad client frame")
		return
	}

	switch ev := event.(type) {
	case domain.Authenticate:
		err = h.service.HandleAuth(ctx, client, ev.Credential)
	case domain.JoinDocument:
		err = h.service.HandleJoinDocument(ctx, client, ev.DocumentID)
	case domain.LeaveDocument:
		err = h.service.HandleLeaveDocument(ctx, client, ev.DocumentID)
	case domain.SubmitChange:
		err = h.service.HandleSubmitChange(ctx, client, ev)
	case domain.Typing:
		err = h.service.HandleTyping(ctx, client, ev)
	case domain.Ping:
		err = client.SendMessage(domain.Pong{})
	}

	if err != nil {
		l := client.Logger()
		var (
			authErr  *domain.AuthError
			protoErr *domain.ProtocolError
		)
		switch {
		case errors.As(err, &authErr), errors.As(err, &protoErr):
			l.Debug().Err(err).Str(log.FieldEventType, eventName(event)).Msg("event rejected")
		case errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, domain.ErrSessionClosed), ctx.Err() != nil:
			l.Debug().Err(err).Str(log.FieldEventType, eventName(event)).Msg("event dropped on closed connection")
		default:
			l.Error().Err(err).Str(log.FieldEventType, eventName(event)).Msg("event failed")
		}
	}
}

func eventName(ev domain.ClientEvent) string {
	switch ev.(type) {
	case domain.Authenticate:
		return domain.EventAuthenticate
	case domain.JoinDocument:
		return domain.EventJoinDocument
	case domain.LeaveDocument:
		return domain.EventLeaveDocument
	case domain.SubmitChange:
		return domain.EventSubmitChange
	case domain.Typing:
		return domain.EventTyping
	default:
		return domain.EventPing
	}
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
}
