package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/weiawesome/wes-collab/internal/client"
)

var ErrNoDocument = errors.New("no document open")

// SaveErrorKind tells the user what went wrong with a durable save.
type SaveErrorKind string

const (
	SavePermissionLost SaveErrorKind = "PermissionLost"
	SaveSessionExpired SaveErrorKind = "SessionExpired"
	SaveTimeout        SaveErrorKind = "Timeout"
	SaveUnknown        SaveErrorKind = "Unknown"
)

// SaveError is reported after a failed save once local state has been
// replaced by the reloaded snapshot.
type SaveError struct {
	Kind       SaveErrorKind
	DocumentID string
	Err        error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s failed (%s): %v", e.DocumentID, e.Kind, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

func classify(err error) SaveErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		return SaveSessionExpired
	case errors.Is(err, client.ErrForbidden), errors.Is(err, client.ErrNotFound):
		return SavePermissionLost
	case errors.Is(err, context.DeadlineExceeded):
		return SaveTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return SaveTimeout
	default:
		return SaveUnknown
	}
}
