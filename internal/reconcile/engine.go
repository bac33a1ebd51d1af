package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/pkg/log"
)

// Options are optional hooks for an Engine. Callbacks run outside the
// engine lock.
type Options struct {
	Clock       Clock
	OnState     func(DocumentState)
	OnSaveError func(*SaveError)
}

// Engine keeps one open document consistent across local typing, debounced
// saves and remote change broadcasts. The newest applied change wins.
type Engine struct {
	store       DocumentStore
	link        Link
	selfID      string
	cfg         config.ReconcileConfig
	clock       Clock
	onState     func(DocumentState)
	onSaveError func(*SaveError)
	logger      zerolog.Logger

	// sendMu orders link writes; it is taken before mu, never after
	sendMu sync.Mutex

	mu    sync.Mutex
	state *DocumentState
	// last snapshot known to match the server: hydrated, saved or applied
	baseTitle   string
	baseContent string

	docGen      uint64
	editGen     uint64
	suppressGen uint64

	broadcastDirty dirty
	saveDirty      dirty

	broadcastTimer Timer
	saveTimer      Timer
	suppressTimer  Timer
}

type dirty struct {
	title   bool
	content bool
}

func (d dirty) pending() bool {
	return d.title || d.content
}

func NewEngine(store DocumentStore, link Link, selfID string, cfg config.ReconcileConfig, opts Options) *Engine {
	if cfg.BroadcastDebounce <= 0 {
		cfg.BroadcastDebounce = config.DefaultBroadcastDebounce
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = config.DefaultSaveDebounce
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = config.DefaultSuppressWindow
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = config.DefaultSaveTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Engine{
		store:       store,
		link:        link,
		selfID:      selfID,
		cfg:         cfg,
		clock:       clock,
		onState:     opts.OnState,
		onSaveError: opts.OnSaveError,
		logger:      log.L().With().Str("component", "reconcile").Str(log.FieldUserID, selfID).Logger(),
	}
}

// Open switches the editor to doc: pending debounces are cancelled, the
// previous room is left, the new one joined, and only then is local state
// hydrated from the snapshot.
func (e *Engine) Open(doc *domain.Document) error {
	e.sendMu.Lock()

	e.mu.Lock()
	e.cancelTimersLocked()
	e.docGen++
	var prevID string
	if e.state != nil {
		prevID = e.state.DocumentID
	}
	e.state = nil
	e.mu.Unlock()

	if prevID != "" && prevID != doc.ID {
		e.leave(prevID)
	}
	if err := e.link.JoinDocument(doc.ID); err != nil {
		e.sendMu.Unlock()
		return fmt.Errorf("failed to join %s: %w", doc.ID, err)
	}

	e.mu.Lock()
	e.hydrateLocked(doc)
	snap := *e.state
	e.mu.Unlock()
	e.sendMu.Unlock()

	e.notify(snap)
	return nil
}

// Close cancels pending work and leaves the open document's room.
func (e *Engine) Close() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	e.cancelTimersLocked()
	e.docGen++
	var documentID string
	if e.state != nil {
		documentID = e.state.DocumentID
		e.state = nil
	}
	e.mu.Unlock()

	if documentID != "" {
		e.leave(documentID)
	}
}

func (e *Engine) leave(documentID string) {
	if err := e.link.LeaveDocument(documentID); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldDocumentID, documentID).Msg("failed to leave document")
	}
}

func (e *Engine) State() (DocumentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return DocumentState{}, false
	}
	return *e.state, true
}

// LocalEdit applies a user edit immediately and (re)arms the broadcast and
// save debounces. A field equal to what is already shown, such as the editor
// reflecting a just-applied remote update, is not an edit.
func (e *Engine) LocalEdit(title, content *string) error {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return ErrNoDocument
	}

	changed := false
	if title != nil && *title != e.state.LocalTitle {
		e.state.LocalTitle = *title
		e.broadcastDirty.title = true
		e.saveDirty.title = true
		changed = true
	}
	if content != nil && *content != e.state.LocalContent {
		e.state.LocalContent = *content
		e.broadcastDirty.content = true
		e.saveDirty.content = true
		changed = true
	}
	if !changed {
		e.mu.Unlock()
		return nil
	}
	e.state.HasUnsavedChanges = true

	gen := e.editGen
	stop(e.broadcastTimer)
	e.broadcastTimer = e.clock.AfterFunc(e.cfg.BroadcastDebounce, func() { e.flushBroadcast(gen) })
	stop(e.saveTimer)
	e.saveTimer = e.clock.AfterFunc(e.cfg.SaveDebounce, func() { e.flushSave(gen) })

	snap := *e.state
	e.mu.Unlock()

	e.notify(snap)
	return nil
}

// ApplyRemote overwrites the fields a peer's change carries and reports
// whether anything changed. Those fields win over unsent local edits; edits
// to fields the change does not carry stay pending. Own changes and other
// documents are ignored.
func (e *Engine) ApplyRemote(ev *domain.ChangeBroadcast) bool {
	e.mu.Lock()
	if e.state == nil || ev.DocumentID != e.state.DocumentID || ev.UpdatedByUserID == e.selfID {
		e.mu.Unlock()
		return false
	}
	if !e.remoteChangesLocked(ev) {
		e.mu.Unlock()
		return false
	}

	if ev.Title != nil {
		e.state.LocalTitle = *ev.Title
		e.baseTitle = *ev.Title
		e.broadcastDirty.title = false
		e.saveDirty.title = false
	}
	if ev.Content != nil {
		e.state.LocalContent = *ev.Content
		e.baseContent = *ev.Content
		e.broadcastDirty.content = false
		e.saveDirty.content = false
	}
	if !e.broadcastDirty.pending() && !e.saveDirty.pending() {
		e.stopDebouncesLocked()
	}

	e.state.LastAppliedVersionKey = domain.VersionKey(e.baseTitle, e.baseContent)
	e.state.HasUnsavedChanges = e.unsavedLocked()
	e.state.SuppressLocalBroadcast = true

	stop(e.suppressTimer)
	e.suppressGen++
	sg := e.suppressGen
	e.suppressTimer = e.clock.AfterFunc(e.cfg.SuppressWindow, func() { e.endSuppress(sg) })

	snap := *e.state
	e.mu.Unlock()

	e.logger.Debug().Str(log.FieldDocumentID, ev.DocumentID).Str("updated_by", ev.UpdatedByUsername).Msg("applied remote change")
	e.notify(snap)
	return true
}

// remoteChangesLocked reports whether ev would change a shown value, the
// server snapshot or a pending edit.
func (e *Engine) remoteChangesLocked(ev *domain.ChangeBroadcast) bool {
	if ev.Title != nil {
		t := *ev.Title
		if t != e.state.LocalTitle || t != e.baseTitle || e.saveDirty.title || e.broadcastDirty.title {
			return true
		}
	}
	if ev.Content != nil {
		c := *ev.Content
		if c != e.state.LocalContent || c != e.baseContent || e.saveDirty.content || e.broadcastDirty.content {
			return true
		}
	}
	return false
}

func (e *Engine) unsavedLocked() bool {
	return e.saveDirty.pending() || e.state.LocalTitle != e.baseTitle || e.state.LocalContent != e.baseContent
}

// HandleEvent feeds server events into the engine. It matches
// client.EventHandler.
func (e *Engine) HandleEvent(ev domain.ServerEvent) {
	if change, ok := ev.(*domain.ChangeBroadcast); ok {
		e.ApplyRemote(change)
	}
}

func (e *Engine) endSuppress(sg uint64) {
	e.mu.Lock()
	if sg != e.suppressGen || e.state == nil {
		e.mu.Unlock()
		return
	}
	e.state.SuppressLocalBroadcast = false
	e.suppressTimer = nil
	// a broadcast that came due inside the window
	deferred := e.broadcastDirty.pending() && e.broadcastTimer == nil
	gen := e.editGen
	snap := *e.state
	e.mu.Unlock()

	e.notify(snap)
	if deferred {
		e.flushBroadcast(gen)
	}
}

func (e *Engine) flushBroadcast(gen uint64) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if gen != e.editGen || e.state == nil {
		e.mu.Unlock()
		return
	}
	e.broadcastTimer = nil
	if e.state.SuppressLocalBroadcast {
		// endSuppress sends it
		e.mu.Unlock()
		return
	}

	change := domain.SubmitChange{DocumentID: e.state.DocumentID}
	if e.broadcastDirty.title {
		t := e.state.LocalTitle
		change.Title = &t
	}
	if e.broadcastDirty.content {
		c := e.state.LocalContent
		change.Content = &c
	}
	e.broadcastDirty = dirty{}
	e.mu.Unlock()

	if change.Title == nil && change.Content == nil {
		return
	}
	if err := e.link.SubmitChange(change); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldDocumentID, change.DocumentID).Msg("failed to broadcast change")
	}
}

func (e *Engine) flushSave(gen uint64) {
	e.mu.Lock()
	if gen != e.editGen || e.state == nil {
		e.mu.Unlock()
		return
	}
	e.saveTimer = nil

	req := &domain.UpdateDocumentRequest{}
	if e.saveDirty.title {
		t := e.state.LocalTitle
		req.Title = &t
	}
	if e.saveDirty.content {
		c := e.state.LocalContent
		req.Content = &c
	}
	e.saveDirty = dirty{}
	if req.Title == nil && req.Content == nil {
		e.mu.Unlock()
		return
	}

	documentID, docGen := e.state.DocumentID, e.docGen
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(log.WithLogger(context.Background(), e.logger), e.cfg.SaveTimeout)
	_, err := e.store.Update(ctx, documentID, req)
	cancel()

	if err != nil {
		e.saveFailed(documentID, docGen, err)
		return
	}
	e.saveSucceeded(documentID, docGen, req)
}

// saveSucceeded moves the server snapshot forward for each saved field the
// user still shows. A field overwritten by a remote change while the save
// was in flight keeps the remote value as its snapshot.
func (e *Engine) saveSucceeded(documentID string, docGen uint64, req *domain.UpdateDocumentRequest) {
	e.mu.Lock()
	if e.state == nil || e.state.DocumentID != documentID || e.docGen != docGen {
		e.mu.Unlock()
		return
	}

	if req.Title != nil && *req.Title == e.state.LocalTitle {
		e.baseTitle = *req.Title
	}
	if req.Content != nil && *req.Content == e.state.LocalContent {
		e.baseContent = *req.Content
	}
	e.state.LastAppliedVersionKey = domain.VersionKey(e.baseTitle, e.baseContent)
	e.state.HasUnsavedChanges = e.unsavedLocked()
	snap := *e.state
	e.mu.Unlock()

	e.notify(snap)
}

// saveFailed reloads the authoritative list and replaces local state with
// it. The failed payload is never retried.
func (e *Engine) saveFailed(documentID string, docGen uint64, saveErr error) {
	kind := classify(saveErr)
	e.logger.Warn().Err(saveErr).Str(log.FieldDocumentID, documentID).Str("kind", string(kind)).Msg("save failed, reloading")

	ctx, cancel := context.WithTimeout(log.WithLogger(context.Background(), e.logger), e.cfg.SaveTimeout)
	docs, listErr := e.store.List(ctx)
	cancel()

	e.sendMu.Lock()
	e.mu.Lock()
	if e.state == nil || e.state.DocumentID != documentID || e.docGen != docGen {
		e.mu.Unlock()
		e.sendMu.Unlock()
		e.reportSaveError(&SaveError{Kind: kind, DocumentID: documentID, Err: saveErr})
		return
	}

	e.cancelTimersLocked()

	var fresh *domain.Document
	if listErr == nil {
		for i := range docs {
			if docs[i].ID == documentID {
				fresh = &docs[i]
				break
			}
		}
	}

	var snap *DocumentState
	closed := false
	switch {
	case fresh != nil:
		e.hydrateLocked(fresh)
		s := *e.state
		snap = &s

	case listErr == nil:
		// no longer in the caller's list
		kind = SavePermissionLost
		e.state = nil
		e.docGen++
		closed = true

	default:
		e.logger.Warn().Err(listErr).Str(log.FieldDocumentID, documentID).Msg("reload failed, reverting to last known snapshot")
		if kind == SaveUnknown {
			kind = classify(listErr)
		}
		e.state.LocalTitle, e.state.LocalContent = e.baseTitle, e.baseContent
		e.state.LastAppliedVersionKey = domain.VersionKey(e.baseTitle, e.baseContent)
		e.state.HasUnsavedChanges = false
		e.state.SuppressLocalBroadcast = false
		s := *e.state
		snap = &s
	}
	e.mu.Unlock()

	if closed {
		e.leave(documentID)
	}
	e.sendMu.Unlock()

	if snap != nil {
		e.notify(*snap)
	}
	e.reportSaveError(&SaveError{Kind: kind, DocumentID: documentID, Err: saveErr})
}

func (e *Engine) hydrateLocked(doc *domain.Document) {
	e.state = &DocumentState{
		DocumentID:            doc.ID,
		LocalTitle:            doc.Title,
		LocalContent:          doc.Content,
		LastAppliedVersionKey: doc.VersionKey(),
	}
	e.baseTitle, e.baseContent = doc.Title, doc.Content
	e.broadcastDirty = dirty{}
	e.saveDirty = dirty{}
}

// cancelTimersLocked stops every pending debounce and grace timer and
// forgets pending edits. Timers that already fired see a stale generation
// and do nothing.
func (e *Engine) cancelTimersLocked() {
	e.stopDebouncesLocked()
	stop(e.suppressTimer)
	e.suppressTimer = nil
	e.suppressGen++
	e.broadcastDirty = dirty{}
	e.saveDirty = dirty{}
}

func (e *Engine) stopDebouncesLocked() {
	stop(e.broadcastTimer)
	stop(e.saveTimer)
	e.broadcastTimer, e.saveTimer = nil, nil
	e.editGen++
}

func (e *Engine) notify(s DocumentState) {
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *Engine) reportSaveError(err *SaveError) {
	if e.onSaveError != nil {
		e.onSaveError(err)
	}
}

func stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
