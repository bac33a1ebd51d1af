package reconcile

import (
	"context"
	"time"

	"github.com/weiawesome/wes-collab/internal/domain"
)

// DocumentStore is the durable side: snapshots, saves and the reload list.
type DocumentStore interface {
	List(ctx context.Context) ([]domain.Document, error)
	Update(ctx context.Context, documentID string, req *domain.UpdateDocumentRequest) (*domain.Document, error)
}

// Link is the live side: room membership and change mirroring.
type Link interface {
	JoinDocument(documentID string) error
	LeaveDocument(documentID string) error
	SubmitChange(change domain.SubmitChange) error
}

// Clock schedules debounce and grace timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// DocumentState is the client's view of the open document.
type DocumentState struct {
	DocumentID             string
	LocalTitle             string
	LocalContent           string
	LastAppliedVersionKey  string
	HasUnsavedChanges      bool
	SuppressLocalBroadcast bool
}
