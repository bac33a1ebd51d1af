package audit

import (
	"context"

	"github.com/weiawesome/wes-collab/pkg/log"
)

// Audit actions.
const (
	ActionAuthenticate   = "session.authenticate"
	ActionEvict          = "session.evict"
	ActionJoinDocument   = "document.join"
	ActionLeaveDocument  = "document.leave"
	ActionCreateDocument = "document.create"
	ActionDeleteDocument = "document.delete"
	ActionShareDocument  = "document.share"
)

const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, userID, documentID, msg string) {
	l := log.Ctx(ctx)
	e := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID)
	if documentID != "" {
		e = e.Str(log.FieldDocumentID, documentID)
	}
	e.Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, userID, documentID, detail, msg string) {
	l := log.Ctx(ctx)
	e := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail)
	if documentID != "" {
		e = e.Str(log.FieldDocumentID, documentID)
	}
	e.Msg(msg)
}
