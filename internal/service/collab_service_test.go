package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/internal/registry"
	"github.com/weiawesome/wes-collab/pkg/jwt"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// fakeAccess grants read on every document in docs unless the user is
// listed in denied. A user with a gate blocks until it is closed, after
// announcing itself on entered.
type fakeAccess struct {
	docs    map[string]bool
	denied  map[string]bool
	gates   map[string]chan struct{}
	entered chan string
}

func (f *fakeAccess) CheckAccess(ctx context.Context, userID, documentID string, _ domain.Permission) (bool, error) {
	if gate, ok := f.gates[userID]; ok {
		f.entered <- userID
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if !f.docs[documentID] {
		return false, domain.ErrDocumentNotFound
	}
	return !f.denied[userID], nil
}

type recordingProducer struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
}

func (p *recordingProducer) ProduceActivity(_ context.Context, ev *domain.ActivityEvent) error {
	p.mu.Lock()
	p.events = append(p.events, *ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	hub      *hub.Hub
	registry *registry.SessionRegistry
	tokens   *jwt.Manager
	access   *fakeAccess
	producer *recordingProducer
	svc      CollabService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tokens, err := jwt.NewManager("test-secret", "wes-collab", time.Hour)
	require.NoError(t, err)

	users := &fakeUsers{users: map[string]*domain.User{
		"alice": {ID: "alice", Username: "alice", Email: "alice@example.com"},
		"bob":   {ID: "bob", Username: "bob", Email: "bob@example.com"},
		"carol": {ID: "carol", Username: "carol", Email: "carol@example.com"},
	}}
	access := &fakeAccess{
		docs:    map[string]bool{"doc-1": true, "doc-2": true},
		denied:  map[string]bool{"carol": true},
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}

	h := hub.NewHub(config.WebSocketConfig{SendBuffer: 64})
	reg := registry.NewSessionRegistry()
	producer := &recordingProducer{}

	return &fixture{
		hub:      h,
		registry: reg,
		tokens:   tokens,
		access:   access,
		producer: producer,
		svc:      NewCollabService(h, reg, tokens, users, access, producer),
	}
}

func (f *fixture) connect(id string) *hub.Client {
	c := hub.NewClient(id, "127.0.0.1", f.hub, nil, f.hub.Config())
	f.hub.Register(c)
	return c
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := f.tokens.GenerateToken(userID, userID, userID+"@example.com")
	require.NoError(t, err)
	return tok
}

func (f *fixture) login(t *testing.T, id, userID string) *hub.Client {
	t.Helper()
	c := f.connect(id)
	require.NoError(t, f.svc.HandleAuth(c.Context(), c, f.token(t, userID)))
	ev := next(t, c)
	require.IsType(t, &domain.Authenticated{}, ev)
	return c
}

func (f *fixture) join(t *testing.T, c *hub.Client, documentID string) *domain.DocumentJoined {
	t.Helper()
	require.NoError(t, f.svc.HandleJoinDocument(c.Context(), c, documentID))
	ev := next(t, c)
	joined, ok := ev.(*domain.DocumentJoined)
	require.True(t, ok, "expected documentJoined, got %T", ev)
	return joined
}

func next(t *testing.T, c *hub.Client) domain.ServerEvent {
	t.Helper()
	select {
	case raw := <-c.Send:
		ev, err := domain.DecodeServerEvent(raw)
		require.NoError(t, err)
		return ev
	default:
		t.Fatalf("no message queued for %s", c.ID)
		return nil
	}
}

func pending(c *hub.Client) []domain.ServerEvent {
	var out []domain.ServerEvent
	for {
		select {
		case raw := <-c.Send:
			ev, _ := domain.DecodeServerEvent(raw)
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandleAuthRejections(t *testing.T) {
	f := newFixture(t)

	expired, err := jwt.NewManager("test-secret", "wes-collab", -time.Minute)
	require.NoError(t, err)
	expiredTok, _, err := expired.GenerateToken("alice", "alice", "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		reason     domain.AuthReason
		detail     string
	}{
		{"missing", "", domain.AuthMissingCredential, "credential is required"},
		{"malformed", "not-a-token", domain.AuthInvalidCredential, "malformed"},
		{"expired", expiredTok, domain.AuthInvalidCredential, "expired"},
		{"unknown user", f.token(t, "mallory"), domain.AuthUnknownUser, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.connect("conn-" + tt.name)
			err := f.svc.HandleAuth(c.Context(), c, tt.credential)

			var authErr *domain.AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.reason, authErr.Reason)

			ev, ok := next(t, c).(*domain.AuthErrorEvent)
			require.True(t, ok)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Equal(t, tt.detail, ev.Detail)

			// the connection may retry
			assert.Equal(t, hub.StateUnauthenticated, c.State())
		})
	}

	assert.Equal(t, 0, f.registry.Count())
}

func TestHandleAuthSuccessAndDuplicate(t *testing.T) {
	f := newFixture(t)
	c := f.connect("c1")

	require.NoError(t, f.svc.HandleAuth(c.Context(), c, f.token(t, "alice")))
	ev, ok := next(t, c).(*domain.Authenticated)
	require.True(t, ok)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "alice@example.com", ev.Email)

	require.NoError(t, f.svc.HandleAuth(c.Context(), c, f.token(t, "alice")))
	assert.Empty(t, pending(c), "re-authentication must be a silent no-op")

	got, ok := f.registry.Get("alice")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestNewestConnectionEvictsPrevious(t *testing.T) {
	f := newFixture(t)
	old := f.login(t, "old", "alice")
	peer := f.login(t, "peer", "bob")
	f.join(t, old, "doc-1")
	f.join(t, peer, "doc-1")
	pending(old)

	fresh := f.login(t, "fresh", "alice")

	evicted, ok := next(t, old).(*domain.SessionEvicted)
	require.True(t, ok)
	assert.Equal(t, evictedReason, evicted.Reason)
	assert.Equal(t, hub.StateEvicted, old.State())
	assert.ErrorIs(t, old.CloseErr(), domain.ErrSessionReplaced)

	left, ok := next(t, peer).(*domain.UserLeft)
	require.True(t, ok)
	assert.Equal(t, "alice", left.UserID)
	assert.False(t, f.hub.IsMember("doc-1", "old"))

	got, _ := f.registry.Get("alice")
	assert.Same(t, fresh, got)

	// the old socket's own disconnect cleanup must not touch the successor
	f.svc.HandleDisconnect(old)
	got, _ = f.registry.Get("alice")
	assert.Same(t, fresh, got)
}

func TestConcurrentAuthenticateLeavesOneSession(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "alice")

	const n = 32
	clients := make([]*hub.Client, n)
	for i := range clients {
		clients[i] = f.connect(fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *hub.Client) {
			defer wg.Done()
			f.svc.HandleAuth(c.Context(), c, tok)
		}(c)
	}
	wg.Wait()

	live := 0
	var winner *hub.Client
	for _, c := range clients {
		switch c.State() {
		case hub.StateAuthenticated:
			live++
			winner = c
		case hub.StateEvicted:
		default:
			t.Fatalf("client %s ended in state %s", c.ID, c.State())
		}
	}
	require.Equal(t, 1, live)

	got, ok := f.registry.Get("alice")
	require.True(t, ok)
	assert.Same(t, winner, got)
	assert.Equal(t, 1, f.registry.Count())
}

func TestJoinDocument(t *testing.T) {
	f := newFixture(t)

	anon := f.connect("anon")
	err := f.svc.HandleJoinDocument(anon.Context(), anon, "doc-1")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Equal(t, domain.CodeNotAuthenticated, next(t, anon).(*domain.ErrorEvent).Code)

	alice := f.login(t, "a", "alice")
	err = f.svc.HandleJoinDocument(alice.Context(), alice, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeNotFound, next(t, alice).(*domain.ErrorEvent).Code)

	carol := f.login(t, "c", "carol")
	err = f.svc.HandleJoinDocument(carol.Context(), carol, "doc-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.CodeForbidden, next(t, carol).(*domain.ErrorEvent).Code)
	assert.False(t, f.hub.IsMember("doc-1", "c"))

	joined := f.join(t, alice, "doc-1")
	assert.Equal(t, []domain.Member{{UserID: "alice", Username: "alice"}}, joined.Members)

	bob := f.login(t, "b", "bob")
	joined = f.join(t, bob, "doc-1")
	assert.Len(t, joined.Members, 2)

	announce, ok := next(t, alice).(*domain.UserJoined)
	require.True(t, ok)
	assert.Equal(t, "bob", announce.UserID)
	assert.Equal(t, "doc-1", announce.DocumentID)

	// joining again has no side effects for peers
	f.join(t, bob, "doc-1")
	assert.Empty(t, pending(alice))
	assert.Equal(t, []string{domain.ActivityJoin, domain.ActivityJoin}, f.producer.types())
}

func TestLeaveDocument(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "a", "alice")
	bob := f.login(t, "b", "bob")
	f.join(t, alice, "doc-1")
	f.join(t, bob, "doc-1")
	pending(alice)

	require.NoError(t, f.svc.HandleLeaveDocument(bob.Context(), bob, "doc-1"))
	left, ok := next(t, alice).(*domain.UserLeft)
	require.True(t, ok)
	assert.Equal(t, "bob", left.UserID)

	// leaving again, or leaving something never joined, is a no-op
	require.NoError(t, f.svc.HandleLeaveDocument(bob.Context(), bob, "doc-1"))
	require.NoError(t, f.svc.HandleLeaveDocument(bob.Context(), bob, "doc-2"))
	anon := f.connect("anon")
	require.NoError(t, f.svc.HandleLeaveDocument(anon.Context(), anon, "doc-1"))
	assert.Empty(t, pending(alice))
	assert.Empty(t, pending(anon))
}

func TestSubmitChangeFansOutWithoutEcho(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "a", "alice")
	bob := f.login(t, "b", "bob")
	carolConn := f.login(t, "c", "carol")
	f.join(t, alice, "doc-1")
	f.join(t, bob, "doc-1")
	pending(alice)

	content := "hello"
	err := f.svc.HandleSubmitChange(carolConn.Context(), carolConn, domain.SubmitChange{DocumentID: "doc-1", Content: &content})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Equal(t, domain.CodeNotInRoom, next(t, carolConn).(*domain.ErrorEvent).Code)
	assert.Empty(t, pending(alice))

	require.NoError(t, f.svc.HandleSubmitChange(alice.Context(), alice, domain.SubmitChange{DocumentID: "doc-1", Content: &content}))
	assert.Empty(t, pending(alice), "sender received its own change")

	change, ok := next(t, bob).(*domain.ChangeBroadcast)
	require.True(t, ok)
	assert.Equal(t, "alice", change.UpdatedByUserID)
	assert.Equal(t, "alice", change.UpdatedByUsername)
	assert.Nil(t, change.Title)
	require.NotNil(t, change.Content)
	assert.Equal(t, "hello", *change.Content)
	assert.NotZero(t, change.ServerTimestamp)
}

func TestTypingFansOut(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "a", "alice")
	bob := f.login(t, "b", "bob")
	f.join(t, alice, "doc-1")
	f.join(t, bob, "doc-1")
	pending(alice)

	require.NoError(t, f.svc.HandleTyping(bob.Context(), bob, domain.Typing{DocumentID: "doc-1", IsTyping: true}))
	typing, ok := next(t, alice).(*domain.UserTyping)
	require.True(t, ok)
	assert.True(t, typing.IsTyping)
	assert.Empty(t, pending(bob))

	err := f.svc.HandleTyping(bob.Context(), bob, domain.Typing{DocumentID: "doc-2"})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestDisconnectPurgesOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "a", "alice")
	bob := f.login(t, "b", "bob")
	f.join(t, alice, "doc-1")
	f.join(t, alice, "doc-2")
	f.join(t, bob, "doc-1")
	pending(alice)

	alice.Close(domain.ErrConnectionClosed)
	f.svc.HandleDisconnect(alice)
	f.svc.HandleDisconnect(alice)

	events := pending(bob)
	require.Len(t, events, 1)
	assert.IsType(t, &domain.UserLeft{}, events[0])

	assert.False(t, f.hub.IsMember("doc-1", "a"))
	assert.Nil(t, f.hub.Members("doc-2"))
	_, ok := f.registry.Get("alice")
	assert.False(t, ok)

	// an unauthenticated connection has nothing to purge
	f.svc.HandleDisconnect(f.connect("anon"))
}

func TestOrphanedJoinDoesNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "a", "alice")
	bob := f.login(t, "b", "bob")
	f.join(t, bob, "doc-1")

	gate := make(chan struct{})
	f.access.gates["alice"] = gate
	done := make(chan error, 1)
	go func() {
		done <- f.svc.HandleJoinDocument(alice.Context(), alice, "doc-1")
	}()
	<-f.access.entered

	alice.Close(domain.ErrConnectionClosed)
	f.svc.HandleDisconnect(alice)
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return after the connection closed")
	}

	assert.False(t, f.hub.IsMember("doc-1", "a"))
	assert.Empty(t, pending(bob))
	assert.Empty(t, pending(alice))
}

func TestJoinAfterEvictionIsRejectedBySession(t *testing.T) {
	f := newFixture(t)
	old := f.login(t, "old", "alice")

	gate := make(chan struct{})
	f.access.gates["alice"] = gate
	done := make(chan error, 1)
	go func() {
		// a context that outlives the eviction reaches the session check
		done <- f.svc.HandleJoinDocument(context.Background(), old, "doc-1")
	}()
	<-f.access.entered

	fresh := f.connect("fresh")
	require.NoError(t, f.svc.HandleAuth(fresh.Context(), fresh, f.token(t, "alice")))
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return")
	}
	assert.False(t, f.hub.IsMember("doc-1", "old"))
	assert.Nil(t, f.hub.Members("doc-1"))
}
