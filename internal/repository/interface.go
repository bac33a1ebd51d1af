package repository

import (
	"context"

	"github.com/weiawesome/wes-collab/internal/domain"
)

var (
	ErrUserNotFound     = domain.ErrUserNotFound
	ErrDocumentNotFound = domain.ErrDocumentNotFound
)

// UserRepository defines the interface for user persistence.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// DocumentUpdate carries the fields to change; nil fields are left as is.
type DocumentUpdate struct {
	Title     *string
	Content   *string
	Tags      []string
	UpdatedBy string
}

// DocumentRepository defines the interface for documents and their
// permission records.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Document, error)
	Update(ctx context.Context, id string, update DocumentUpdate) (*domain.Document, error)
	Delete(ctx context.Context, id string) error
	GetPermission(ctx context.Context, userID, documentID string) (domain.Permission, error)
	SetPermission(ctx context.Context, documentID, userID string, level domain.Permission) error
}
