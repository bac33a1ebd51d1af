package cache

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-collab/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// PermissionResult is a cached access lookup. DocumentMissing caches a
// negative result for a document that does not exist.
type PermissionResult struct {
	Permission      domain.Permission `json:"permission"`
	DocumentMissing bool              `json:"document_missing,omitempty"`
}

type UserResult struct {
	User domain.User `json:"user"`
}

// AccessCache fronts user lookups and permission checks.
type AccessCache interface {
	GetUser(ctx context.Context, key string) (*UserResult, error)
	SetUser(ctx context.Context, key string, result *UserResult, ttl time.Duration) error
	GetPermission(ctx context.Context, key string) (*PermissionResult, error)
	SetPermission(ctx context.Context, key string, result *PermissionResult, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteDocument(ctx context.Context, documentID string) error
	BuildUserKey(userID string) string
	BuildPermissionKey(documentID, userID string) string
	Close() error
}
