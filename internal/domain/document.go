package domain

import (
	"fmt"
	"time"
)

// Permission is a user's access level on a document.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionOwner Permission = "owner"
)

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionOwner:
		return 3
	default:
		return 0
	}
}

// Allows reports whether p grants at least min.
func (p Permission) Allows(min Permission) bool {
	return p.rank() > 0 && p.rank() >= min.rank()
}

func (p Permission) Valid() bool {
	return p.rank() > 0
}

func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return PermissionNone, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	return p, nil
}

// User is the identity a credential resolves to.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is the durable record edited through the document API.
type Document struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	Version    int64      `json:"version"`
	Permission Permission `json:"permission,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
}

// VersionKey identifies the title/content pair last applied on a client.
func (d *Document) VersionKey() string {
	return VersionKey(d.Title, d.Content)
}

// VersionKey joins title and content with a separator that cannot appear in a
// length prefix.
func VersionKey(title, content string) string {
	return fmt.Sprintf("%d:%s|%s", len(title), title, content)
}

type CreateDocumentRequest struct {
	Title   string   `json:"title" binding:"required,min=1,max=200"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

type UpdateDocumentRequest struct {
	Title   *string  `json:"title"`
	Content *string  `json:"content"`
	Tags    []string `json:"tags"`
}

type SharePermissionRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Permission string `json:"permission" binding:"required"`
}

type ListDocumentsResponse struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
}

// ActivityEvent is the metadata-only record of a collaboration transition.
type ActivityEvent struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Activity types.
const (
	ActivityJoin   = "join"
	ActivityLeave  = "leave"
	ActivityChange = "change"
)
