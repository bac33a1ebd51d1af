package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-collab/internal/client"
	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
)

// fakeClock runs due timers on the goroutine calling Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at < c.timers[j].at })
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				next = t
				break
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type fakeLink struct {
	mu      sync.Mutex
	calls   []string
	changes []domain.SubmitChange

	// when set, SubmitChange signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (l *fakeLink) JoinDocument(documentID string) error {
	l.record("join " + documentID)
	return nil
}

func (l *fakeLink) LeaveDocument(documentID string) error {
	l.record("leave " + documentID)
	return nil
}

func (l *fakeLink) SubmitChange(change domain.SubmitChange) error {
	if l.release != nil {
		l.entered <- struct{}{}
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
	l.calls = append(l.calls, "submit "+change.DocumentID)
	return nil
}

func (l *fakeLink) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *fakeLink) submitted() []domain.SubmitChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SubmitChange(nil), l.changes...)
}

type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]*domain.Document
	updateErr error
	listErr   error
	updates   []*domain.UpdateDocumentRequest

	// runs once, while the save is in flight
	beforeUpdate func()
}

func newFakeStore(docs ...*domain.Document) *fakeStore {
	s := &fakeStore{docs: make(map[string]*domain.Document)}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

func (s *fakeStore) List(_ context.Context) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id string, req *domain.UpdateDocumentRequest) (*domain.Document, error) {
	if hook := s.beforeUpdate; hook != nil {
		s.beforeUpdate = nil
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, req)
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	d, ok := s.docs[id]
	if !ok {
		return nil, client.ErrNotFound
	}
	if req.Title != nil {
		d.Title = *req.Title
	}
	if req.Content != nil {
		d.Content = *req.Content
	}
	d.Version++
	copied := *d
	return &copied, nil
}

func (s *fakeStore) get(id string) domain.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.docs[id]
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type fixture struct {
	clock  *fakeClock
	link   *fakeLink
	store  *fakeStore
	engine *Engine
	errs   []*SaveError
}

func newFixture(t *testing.T, docs ...*domain.Document) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{},
		link:  &fakeLink{},
		store: newFakeStore(docs...),
	}
	f.engine = NewEngine(f.store, f.link, "user-b", config.ReconcileConfig{}, Options{
		Clock:       f.clock,
		OnSaveError: func(err *SaveError) { f.errs = append(f.errs, err) },
	})
	return f
}

func doc(id, title, content string) *domain.Document {
	return &domain.Document{ID: id, Title: title, Content: content, Version: 1}
}

func str(s string) *string { return &s }

func (f *fixture) state(t *testing.T) DocumentState {
	t.Helper()
	s, ok := f.engine.State()
	require.True(t, ok, "no document open")
	return s
}

func TestLocalEditDebounces(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", ""))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "")))

	for i := 1; i <= 5; i++ {
		require.NoError(t, f.engine.LocalEdit(nil, str(fmt.Sprintf("draft %d", i))))
		f.clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, f.link.submitted(), "broadcast fired inside the debounce window")
	assert.True(t, f.state(t).HasUnsavedChanges)

	f.clock.Advance(300 * time.Millisecond)
	changes := f.link.submitted()
	require.Len(t, changes, 1)
	assert.Equal(t, "draft 5", *changes[0].Content)
	assert.Nil(t, changes[0].Title)
	assert.Equal(t, 0, f.store.updateCount())

	f.clock.Advance(2 * time.Second)
	require.Equal(t, 1, f.store.updateCount())
	s := f.state(t)
	assert.False(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("Plan", "draft 5"), s.LastAppliedVersionKey)
	assert.Empty(t, f.errs)
}

func TestRemoteApplyDoesNotRebroadcast(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	applied := f.engine.ApplyRemote(&domain.ChangeBroadcast{
		DocumentID:        "d1",
		Title:             str("X"),
		UpdatedByUserID:   "user-a",
		UpdatedByUsername: "alice",
	})
	require.True(t, applied)

	s := f.state(t)
	assert.Equal(t, "X", s.LocalTitle)
	assert.Equal(t, "body", s.LocalContent)
	assert.True(t, s.SuppressLocalBroadcast)
	assert.False(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("X", "body"), s.LastAppliedVersionKey)

	// the editor reflecting the applied update
	require.NoError(t, f.engine.LocalEdit(str("X"), nil))
	assert.False(t, f.state(t).HasUnsavedChanges)
	f.clock.Advance(100 * time.Millisecond)
	assert.False(t, f.state(t).SuppressLocalBroadcast)

	require.NoError(t, f.engine.LocalEdit(str("X"), nil))
	f.clock.Advance(5 * time.Second)
	assert.Empty(t, f.link.submitted())
	assert.Equal(t, 0, f.store.updateCount())
}

func TestRemoteApplyWinsOverPendingLocalEdit(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	require.NoError(t, f.engine.LocalEdit(nil, str("mine")))
	f.clock.Advance(100 * time.Millisecond)

	require.True(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("theirs"), UpdatedByUserID: "user-a"}))
	f.clock.Advance(5 * time.Second)

	assert.Equal(t, "theirs", f.state(t).LocalContent)
	assert.Empty(t, f.link.submitted())
	assert.Equal(t, 0, f.store.updateCount())
}

func TestLocalEditInsideSuppressWindowIsKept(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	require.True(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("peer"), UpdatedByUserID: "user-a"}))
	f.clock.Advance(50 * time.Millisecond)
	require.True(t, f.state(t).SuppressLocalBroadcast)

	require.NoError(t, f.engine.LocalEdit(nil, str("peer + my typing")))
	s := f.state(t)
	assert.Equal(t, "peer + my typing", s.LocalContent)
	assert.True(t, s.HasUnsavedChanges)

	f.clock.Advance(300 * time.Millisecond)
	changes := f.link.submitted()
	require.Len(t, changes, 1)
	assert.Equal(t, "peer + my typing", *changes[0].Content)
	assert.Nil(t, changes[0].Title)

	f.clock.Advance(2 * time.Second)
	require.Equal(t, 1, f.store.updateCount())
	assert.Equal(t, "peer + my typing", f.store.get("d1").Content)
	assert.False(t, f.state(t).HasUnsavedChanges)
}

func TestBroadcastDueInsideSuppressWindowIsSentAfterIt(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	f.engine = NewEngine(f.store, f.link, "user-b", config.ReconcileConfig{
		BroadcastDebounce: 50 * time.Millisecond,
		SuppressWindow:    200 * time.Millisecond,
	}, Options{Clock: f.clock})
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	require.True(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("peer"), UpdatedByUserID: "user-a"}))
	require.NoError(t, f.engine.LocalEdit(str("Renamed"), nil))

	f.clock.Advance(100 * time.Millisecond)
	assert.Empty(t, f.link.submitted())

	f.clock.Advance(100 * time.Millisecond)
	changes := f.link.submitted()
	require.Len(t, changes, 1)
	assert.Equal(t, "Renamed", *changes[0].Title)
	assert.Nil(t, changes[0].Content)
}

func TestRemoteApplyKeepsPendingEditToOtherField(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	require.NoError(t, f.engine.LocalEdit(str("MyTitle"), nil))
	require.True(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("peer body"), UpdatedByUserID: "user-a"}))

	s := f.state(t)
	assert.Equal(t, "MyTitle", s.LocalTitle)
	assert.Equal(t, "peer body", s.LocalContent)
	assert.True(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("Plan", "peer body"), s.LastAppliedVersionKey)

	f.clock.Advance(10 * time.Second)

	changes := f.link.submitted()
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].Title)
	assert.Equal(t, "MyTitle", *changes[0].Title)
	assert.Nil(t, changes[0].Content, "the peer's content must not be echoed back")

	require.Equal(t, 1, f.store.updateCount())
	assert.Equal(t, "MyTitle", f.store.get("d1").Title)
	s = f.state(t)
	assert.False(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("MyTitle", "peer body"), s.LastAppliedVersionKey)
}

func TestRemoteApplyDuringSaveKeepsRemoteSnapshot(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	require.NoError(t, f.engine.LocalEdit(nil, str("mine")))
	f.store.beforeUpdate = func() {
		f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("theirs"), UpdatedByUserID: "user-a"})
	}
	f.clock.Advance(2 * time.Second)
	require.Equal(t, 1, f.store.updateCount())

	s := f.state(t)
	assert.Equal(t, "theirs", s.LocalContent)
	assert.False(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("Plan", "theirs"), s.LastAppliedVersionKey)

	// a later failed save with a failed reload reverts to the remote text
	f.store.updateErr = fmt.Errorf("%w: token expired", client.ErrUnauthorized)
	f.store.listErr = fmt.Errorf("%w: token expired", client.ErrUnauthorized)
	require.NoError(t, f.engine.LocalEdit(nil, str("again")))
	f.clock.Advance(2 * time.Second)

	assert.Equal(t, "theirs", f.state(t).LocalContent)
	require.Len(t, f.errs, 1)
}

func TestStalledBroadcastDoesNotBlockRemoteApply(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))
	f.link.entered = make(chan struct{})
	f.link.release = make(chan struct{})

	require.NoError(t, f.engine.LocalEdit(str("Mine"), nil))
	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		f.clock.Advance(300 * time.Millisecond)
	}()

	select {
	case <-f.link.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never started")
	}

	applied := make(chan bool, 1)
	go func() {
		applied <- f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("peer"), UpdatedByUserID: "user-a"})
	}()
	select {
	case ok := <-applied:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("remote apply blocked behind a stalled send")
	}

	close(f.link.release)
	<-advanced
	assert.Equal(t, "peer", f.state(t).LocalContent)
	assert.Len(t, f.link.submitted(), 1)
}

func TestRemoteApplyIgnoresOwnAndOtherDocuments(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))

	assert.False(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("echo"), UpdatedByUserID: "user-b"}))
	assert.False(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d2", Content: str("elsewhere"), UpdatedByUserID: "user-a"}))
	assert.False(t, f.engine.ApplyRemote(&domain.ChangeBroadcast{DocumentID: "d1", Content: str("body"), UpdatedByUserID: "user-a"}))

	s := f.state(t)
	assert.Equal(t, "body", s.LocalContent)
	assert.False(t, s.SuppressLocalBroadcast)
}

func TestSaveTimeoutReloadsAuthoritativeState(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "server copy"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "old")))
	f.store.updateErr = fmt.Errorf("put document: %w", context.DeadlineExceeded)

	require.NoError(t, f.engine.LocalEdit(nil, str("unsaved")))
	require.True(t, f.state(t).HasUnsavedChanges)

	f.clock.Advance(2 * time.Second)

	s := f.state(t)
	assert.Equal(t, "server copy", s.LocalContent)
	assert.False(t, s.HasUnsavedChanges)
	assert.Equal(t, domain.VersionKey("Plan", "server copy"), s.LastAppliedVersionKey)

	require.Len(t, f.errs, 1)
	assert.Equal(t, SaveTimeout, f.errs[0].Kind)
	assert.ErrorIs(t, f.errs[0], context.DeadlineExceeded)

	// the failed payload is not retried
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.store.updateCount())
}

func TestSaveFailureWithDocumentGoneClosesIt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))
	f.store.updateErr = fmt.Errorf("%w: no access", client.ErrForbidden)

	require.NoError(t, f.engine.LocalEdit(nil, str("edit")))
	f.clock.Advance(2 * time.Second)

	_, open := f.engine.State()
	assert.False(t, open)
	require.Len(t, f.errs, 1)
	assert.Equal(t, SavePermissionLost, f.errs[0].Kind)
	assert.Contains(t, f.link.calls, "leave d1")
	assert.ErrorIs(t, f.engine.LocalEdit(nil, str("more")), ErrNoDocument)
}

func TestSaveFailureWithReloadFailureReverts(t *testing.T) {
	f := newFixture(t, doc("d1", "Plan", "body"))
	require.NoError(t, f.engine.Open(doc("d1", "Plan", "body")))
	f.store.updateErr = fmt.Errorf("%w: token expired", client.ErrUnauthorized)
	f.store.listErr = fmt.Errorf("%w: token expired", client.ErrUnauthorized)

	require.NoError(t, f.engine.LocalEdit(nil, str("edit")))
	f.clock.Advance(2 * time.Second)

	s := f.state(t)
	assert.Equal(t, "body", s.LocalContent)
	assert.False(t, s.HasUnsavedChanges)
	require.Len(t, f.errs, 1)
	assert.Equal(t, SaveSessionExpired, f.errs[0].Kind)
}

func TestDocumentSwitchCancelsPendingDebounce(t *testing.T) {
	f := newFixture(t, doc("d1", "One", ""), doc("d2", "Two", ""))
	require.NoError(t, f.engine.Open(doc("d1", "One", "")))

	require.NoError(t, f.engine.LocalEdit(nil, str("typed in d1")))
	f.clock.Advance(150 * time.Millisecond)

	require.NoError(t, f.engine.Open(doc("d2", "Two", "second")))
	f.clock.Advance(5 * time.Second)

	assert.Empty(t, f.link.submitted())
	assert.Equal(t, 0, f.store.updateCount())
	assert.Equal(t, []string{"join d1", "leave d1", "join d2"}, f.link.calls)

	s := f.state(t)
	assert.Equal(t, "d2", s.DocumentID)
	assert.Equal(t, "second", s.LocalContent)
	assert.False(t, s.HasUnsavedChanges)
}

func TestLocalEditWithoutDocument(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.LocalEdit(nil, str("x")), ErrNoDocument)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want SaveErrorKind
	}{
		{fmt.Errorf("x: %w", client.ErrUnauthorized), SaveSessionExpired},
		{fmt.Errorf("x: %w", client.ErrForbidden), SavePermissionLost},
		{fmt.Errorf("x: %w", client.ErrNotFound), SavePermissionLost},
		{context.DeadlineExceeded, SaveTimeout},
		{fmt.Errorf("boom"), SaveUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), tt.err.Error())
	}
}
