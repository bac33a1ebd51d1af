package hub

import (
	"sort"
	"sync"

	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	pkglog "github.com/weiawesome/wes-collab/pkg/log"
)

// Hub owns live connections and the room membership table. Each room has its
// own lock; the hub lock only guards the maps themselves.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*room
	config  config.WebSocketConfig
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Client // connID -> client
	removed bool
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]*room),
		config:  cfg,
	}
}

// Config returns the WebSocket settings clients are built with.
func (h *Hub) Config() config.WebSocketConfig {
	return h.config
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	client.Logger().Debug().Msg("client registered")
}

// Unregister removes a client from the hub. Room membership is cleaned up by
// the session purge, not here.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	client.Logger().Debug().Msg("client unregistered")
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) getOrCreateRoom(documentID string) *room {
	h.mu.RLock()
	r, ok := h.rooms[documentID]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[documentID]; ok {
		return r
	}
	r = &room{members: make(map[string]*Client)}
	h.rooms[documentID] = r
	return r
}

func (h *Hub) getRoom(documentID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[documentID]
}

// JoinRoom adds client to the room and sends announce to the members that
// were already present, atomically with respect to other joins, leaves and
// broadcasts on the same room. It returns the members after the join,
// including client.
func (h *Hub) JoinRoom(client *Client, documentID string, announce []byte) []*Client {
	for {
		r := h.getOrCreateRoom(documentID)

		r.mu.Lock()
		if r.removed {
			// emptied and dropped after lookup
			r.mu.Unlock()
			continue
		}
		if announce != nil {
			for id, member := range r.members {
				if id != client.ID {
					member.SendRaw(announce)
				}
			}
		}
		r.members[client.ID] = client
		members := snapshot(r.members)
		r.mu.Unlock()

		client.Logger().Info().Str(pkglog.FieldDocumentID, documentID).Int(pkglog.FieldMembers, len(members)).Msg("client joined room")
		return members
	}
}

// LeaveRoom removes client and sends announce to the remaining members.
// Returns false if client was not a member.
func (h *Hub) LeaveRoom(client *Client, documentID string, announce []byte) bool {
	r := h.getRoom(documentID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	if _, ok := r.members[client.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, client.ID)
	if announce != nil {
		for _, member := range r.members {
			member.SendRaw(announce)
		}
	}
	empty := len(r.members) == 0
	if empty {
		r.removed = true
	}
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.rooms[documentID] == r {
			delete(h.rooms, documentID)
		}
		h.mu.Unlock()
	}

	client.Logger().Info().Str(pkglog.FieldDocumentID, documentID).Msg("client left room")
	return true
}

// IsMember reports whether the connection is in the document's room.
func (h *Hub) IsMember(documentID, connID string) bool {
	r := h.getRoom(documentID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// Members returns the room's clients ordered by username.
func (h *Hub) Members(documentID string) []*Client {
	r := h.getRoom(documentID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.members)
}

// BroadcastToRoom queues data for every member except exclude and returns the
// number of recipients.
func (h *Hub) BroadcastToRoom(documentID string, data []byte, exclude string) int {
	r := h.getRoom(documentID)
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, member := range r.members {
		if id == exclude {
			continue
		}
		if member.SendRaw(data) == nil {
			sent++
		}
	}
	return sent
}

// Shutdown closes every registered client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close(domain.ErrServerShutdown)
	}
}

func snapshot(members map[string]*Client) []*Client {
	out := make([]*Client, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Session(), out[j].Session()
		if si != nil && sj != nil && si.Username != sj.Username {
			return si.Username < sj.Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}
