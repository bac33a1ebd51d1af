package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the code carried by an outbound error event.
type ErrorCode string

const (
	CodeNotAuthenticated ErrorCode = "NotAuthenticated"
	CodeForbidden        ErrorCode = "Forbidden"
	CodeNotInRoom        ErrorCode = "NotInRoom"
	CodeNotFound         ErrorCode = "NotFound"
	CodeBadRequest       ErrorCode = "BadRequest"
	CodeInternalError    ErrorCode = "InternalError"
)

// AuthReason is the reason carried by an authError event.
type AuthReason string

const (
	AuthMissingCredential AuthReason = "MissingCredential"
	AuthInvalidCredential AuthReason = "InvalidCredential"
	AuthUnknownUser       AuthReason = "UnknownUser"
)

// ProtocolError is a recoverable error reported to the originating
// connection only. The connection stays open.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so callers can compare against the sentinels below.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

// Event converts the error into its wire form.
func (e *ProtocolError) Event() ErrorEvent {
	return ErrorEvent{Code: e.Code, Message: e.Message}
}

func NewProtocolError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

func BadRequest(message string) *ProtocolError {
	return NewProtocolError(CodeBadRequest, message)
}

var (
	ErrNotAuthenticated = NewProtocolError(CodeNotAuthenticated, "authentication required")
	ErrForbidden        = NewProtocolError(CodeForbidden, "access denied")
	ErrNotInRoom        = NewProtocolError(CodeNotInRoom, "not a member of this document")
	ErrNotFound         = NewProtocolError(CodeNotFound, "document not found")
	ErrInternal         = NewProtocolError(CodeInternalError, "internal error")
)

// AuthError is a failed authentication handshake. The connection may retry.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *AuthError) Event() AuthErrorEvent {
	return AuthErrorEvent{Reason: e.Reason, Detail: e.Detail}
}

// Lifecycle errors for connections and sessions.
var (
	ErrSessionClosed     = errors.New("session closed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSessionReplaced   = errors.New("session replaced by a newer connection")
	ErrSlowConsumer      = errors.New("send buffer full")
	ErrServerShutdown    = errors.New("server shutting down")
	ErrUserNotFound      = errors.New("user not found")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrInvalidPermission = errors.New("invalid permission")
)

// AsProtocolError maps any error into the wire error taxonomy. Unknown errors
// become InternalError.
func AsProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, ErrDocumentNotFound) {
		return ErrNotFound
	}
	return ErrInternal
}
