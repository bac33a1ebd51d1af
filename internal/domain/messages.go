package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Client -> server event types.
const (
	EventAuthenticate  = "authenticate"
	EventJoinDocument  = "joinDocument"
	EventLeaveDocument = "leaveDocument"
	EventSubmitChange  = "submitChange"
	EventTyping        = "typing"
	EventPing          = "ping"
)

// Server -> client event types.
const (
	EventAuthenticated   = "authenticated"
	EventAuthError       = "authError"
	EventDocumentJoined  = "documentJoined"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
	EventChangeBroadcast = "changeBroadcast"
	EventUserTyping      = "userTyping"
	EventSessionEvicted  = "sessionEvicted"
	EventPong            = "pong"
	EventError           = "error"
)

// Envelope is the frame for every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is the closed set of messages a client may send. Only the types
// in this file implement it.
type ClientEvent interface {
	clientEvent()
}

type Authenticate struct {
	Credential string `json:"credential"`
}

type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId"`
}

type SubmitChange struct {
	DocumentID string  `json:"documentId"`
	Title      *string `json:"title,omitempty"`
	Content    *string `json:"content,omitempty"`
}

type Typing struct {
	DocumentID string `json:"documentId"`
	IsTyping   bool   `json:"isTyping"`
}

type Ping struct{}

func (Authenticate) clientEvent()  {}
func (JoinDocument) clientEvent()  {}
func (LeaveDocument) clientEvent() {}
func (SubmitChange) clientEvent()  {}
func (Typing) clientEvent()        {}
func (Ping) clientEvent()          {}

// DecodeClientEvent parses and validates one inbound frame. Anything that is
// not a well-formed member of the closed event set is a BadRequest.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, BadRequest("invalid message format")
	}

	switch env.Type {
	case EventAuthenticate:
		var ev Authenticate
		if len(env.Data) > 0 && !isNull(env.Data) {
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				return nil, BadRequest("invalid authenticate payload")
			}
		}
		ev.Credential = strings.TrimSpace(ev.Credential)
		return ev, nil

	case EventJoinDocument:
		id, err := decodeDocumentID(env.Data)
		if err != nil {
			return nil, err
		}
		return JoinDocument{DocumentID: id}, nil

	case EventLeaveDocument:
		id, err := decodeDocumentID(env.Data)
		if err != nil {
			return nil, err
		}
		return LeaveDocument{DocumentID: id}, nil

	case EventSubmitChange:
		var ev SubmitChange
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, BadRequest("invalid submitChange payload")
		}
		if ev.DocumentID == "" {
			return nil, BadRequest("documentId is required")
		}
		if ev.Title == nil && ev.Content == nil {
			return nil, BadRequest("submitChange needs a title or content")
		}
		return ev, nil

	case EventTyping:
		var ev Typing
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, BadRequest("invalid typing payload")
		}
		if ev.DocumentID == "" {
			return nil, BadRequest("documentId is required")
		}
		return ev, nil

	case EventPing:
		return Ping{}, nil

	case "":
		return nil, BadRequest("missing message type")

	default:
		return nil, BadRequest(fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// decodeDocumentID accepts either a bare JSON string or {"documentId": "..."}.
func decodeDocumentID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var obj struct {
			DocumentID string `json:"documentId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", BadRequest("documentId must be a string")
		}
		id = obj.DocumentID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", BadRequest("documentId is required")
	}
	return id, nil
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

// ServerEvent is the set of messages the server sends.
type ServerEvent interface {
	EventType() string
}

type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AuthErrorEvent struct {
	Reason AuthReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type DocumentJoined struct {
	DocumentID string   `json:"documentId"`
	Members    []Member `json:"members"`
}

type UserJoined struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	DocumentID string `json:"documentId"`
}

type UserLeft struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	DocumentID string `json:"documentId"`
}

// ChangeBroadcast is the ChangeEvent fanned out to room peers. ServerTimestamp
// is unix milliseconds.
type ChangeBroadcast struct {
	DocumentID        string  `json:"documentId"`
	Title             *string `json:"title,omitempty"`
	Content           *string `json:"content,omitempty"`
	UpdatedByUserID   string  `json:"updatedByUserId"`
	UpdatedByUsername string  `json:"updatedByUsername"`
	ServerTimestamp   int64   `json:"serverTimestamp"`
}

type UserTyping struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	DocumentID string `json:"documentId"`
	IsTyping   bool   `json:"isTyping"`
}

type SessionEvicted struct {
	Reason string `json:"reason"`
}

type Pong struct{}

type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Authenticated) EventType() string   { return EventAuthenticated }
func (AuthErrorEvent) EventType() string  { return EventAuthError }
func (DocumentJoined) EventType() string  { return EventDocumentJoined }
func (UserJoined) EventType() string      { return EventUserJoined }
func (UserLeft) EventType() string        { return EventUserLeft }
func (ChangeBroadcast) EventType() string { return EventChangeBroadcast }
func (UserTyping) EventType() string      { return EventUserTyping }
func (SessionEvicted) EventType() string  { return EventSessionEvicted }
func (Pong) EventType() string            { return EventPong }
func (ErrorEvent) EventType() string      { return EventError }

// Encode wraps a server event in its envelope.
func Encode(ev ServerEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}

// MustEncode is Encode for events whose fields cannot fail to marshal.
func MustEncode(ev ServerEvent) []byte {
	data, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return data
}

// EncodeClient wraps an outbound client event. Join and leave are sent as a
// bare document id string.
func EncodeClient(ev ClientEvent) ([]byte, error) {
	var (
		typ     string
		payload interface{}
	)
	switch e := ev.(type) {
	case Authenticate:
		typ, payload = EventAuthenticate, e
	case JoinDocument:
		typ, payload = EventJoinDocument, e.DocumentID
	case LeaveDocument:
		typ, payload = EventLeaveDocument, e.DocumentID
	case SubmitChange:
		typ, payload = EventSubmitChange, e
	case Typing:
		typ, payload = EventTyping, e
	case Ping:
		return json.Marshal(Envelope{Type: EventPing})
	default:
		return nil, fmt.Errorf("unsupported client event %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// DecodeServerEvent parses a frame received from the server.
func DecodeServerEvent(raw []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid server frame: %w", err)
	}

	var ev ServerEvent
	switch env.Type {
	case EventAuthenticated:
		ev = &Authenticated{}
	case EventAuthError:
		ev = &AuthErrorEvent{}
	case EventDocumentJoined:
		ev = &DocumentJoined{}
	case EventUserJoined:
		ev = &UserJoined{}
	case EventUserLeft:
		ev = &UserLeft{}
	case EventChangeBroadcast:
		ev = &ChangeBroadcast{}
	case EventUserTyping:
		ev = &UserTyping{}
	case EventSessionEvicted:
		ev = &SessionEvicted{}
	case EventPong:
		return Pong{}, nil
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown server event %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	return ev, nil
}
