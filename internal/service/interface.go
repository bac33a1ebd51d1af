package service

import (
	"context"

	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/pkg/jwt"
)

// TokenVerifier checks a session credential.
type TokenVerifier interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// UserLookup resolves a user id to its record, or domain.ErrUserNotFound.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// AccessChecker reports whether a user holds at least min on a document.
// Unknown documents return domain.ErrDocumentNotFound.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, documentID string, min domain.Permission) (bool, error)
}

// CollabService runs the real-time protocol for one process. Handlers for a
// single client are called serially; different clients call concurrently.
type CollabService interface {
	HandleAuth(ctx context.Context, client *hub.Client, credential string) error
	HandleJoinDocument(ctx context.Context, client *hub.Client, documentID string) error
	HandleLeaveDocument(ctx context.Context, client *hub.Client, documentID string) error
	HandleSubmitChange(ctx context.Context, client *hub.Client, change domain.SubmitChange) error
	HandleTyping(ctx context.Context, client *hub.Client, typing domain.Typing) error
	HandleDisconnect(client *hub.Client)
	Stop() error
}

// DocumentService is the durable document API.
type DocumentService interface {
	List(ctx context.Context, userID string) (*domain.ListDocumentsResponse, error)
	Create(ctx context.Context, userID string, req *domain.CreateDocumentRequest) (*domain.Document, error)
	Get(ctx context.Context, userID, documentID string) (*domain.Document, error)
	Update(ctx context.Context, userID, documentID string, req *domain.UpdateDocumentRequest) (*domain.Document, error)
	Delete(ctx context.Context, userID, documentID string) error
	Share(ctx context.Context, userID, documentID string, req *domain.SharePermissionRequest) error
}
