package service

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-collab/internal/audit"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/internal/kafka"
	"github.com/weiawesome/wes-collab/internal/registry"
	"github.com/weiawesome/wes-collab/pkg/jwt"
	"github.com/weiawesome/wes-collab/pkg/log"
)

const evictedReason = "signed in from another connection"

type collabService struct {
	hub      *hub.Hub
	registry *registry.SessionRegistry
	verifier TokenVerifier
	users    UserLookup
	access   AccessChecker
	producer kafka.ActivityProducer
	now      func() time.Time
}

func NewCollabService(
	h *hub.Hub,
	reg *registry.SessionRegistry,
	verifier TokenVerifier,
	users UserLookup,
	access AccessChecker,
	producer kafka.ActivityProducer,
) CollabService {
	if producer == nil {
		producer = kafka.NopProducer{}
	}
	return &collabService{
		hub:      h,
		registry: reg,
		verifier: verifier,
		users:    users,
		access:   access,
		producer: producer,
		now:      time.Now,
	}
}

func (s *collabService) HandleAuth(ctx context.Context, c *hub.Client, credential string) error {
	l := log.Ctx(ctx)

	switch c.State() {
	case hub.StateUnauthenticated:
	case hub.StateAuthenticated:
		l.Debug().Msg("duplicate authenticate ignored")
		return nil
	default:
		return domain.ErrConnectionClosed
	}

	if credential == "" {
		return s.rejectAuth(c, &domain.AuthError{Reason: domain.AuthMissingCredential, Detail: "credential is required"})
	}

	claims, err := s.verifier.ValidateToken(credential)
	if err != nil {
		detail := "malformed"
		if errors.Is(err, jwt.ErrExpiredToken) {
			detail = "expired"
		}
		return s.rejectAuth(c, &domain.AuthError{Reason: domain.AuthInvalidCredential, Detail: detail})
	}

	user, err := s.users.GetUser(ctx, claims.UserID)
	if ctx.Err() != nil {
		// connection closed while the lookup was in flight
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrUserNotFound) {
		return s.rejectAuth(c, &domain.AuthError{Reason: domain.AuthUnknownUser})
	}
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, claims.UserID).Msg("user lookup failed")
		c.SendMessage(domain.ErrInternal.Event())
		return err
	}

	unlock := s.registry.Lock(user.ID)
	defer unlock()

	session := domain.NewSession(c.ID, user, s.now().UTC())
	if !c.Authenticate(session) {
		return domain.ErrConnectionClosed
	}

	if prev, ok := s.registry.Get(user.ID); ok && prev != c {
		s.evict(prev)
	}
	s.registry.Put(user.ID, c)

	ctx = c.Context()
	audit.Log(ctx, audit.ActionAuthenticate, user.ID, "", "session authenticated")

	return c.SendMessage(domain.Authenticated{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

func (s *collabService) rejectAuth(c *hub.Client, authErr *domain.AuthError) error {
	c.SendMessage(authErr.Event())
	return authErr
}

// evict terminates prev. Caller holds prev's user lock.
func (s *collabService) evict(prev *hub.Client) {
	ctx := prev.Context()
	if prev.MarkEvicted() {
		prev.SendMessage(domain.SessionEvicted{Reason: evictedReason})
	}
	if sess := prev.Session(); sess != nil {
		s.purge(ctx, prev, sess)
		audit.LogWithDetail(ctx, audit.ActionEvict, sess.UserID, "", prev.ID, "session evicted by newer connection")
	}
	prev.Close(domain.ErrSessionReplaced)
}

func (s *collabService) HandleJoinDocument(ctx context.Context, c *hub.Client, documentID string) error {
	sess := c.Session()
	if sess == nil || c.State() != hub.StateAuthenticated {
		return s.reject(c, domain.ErrNotAuthenticated)
	}

	if sess.IsJoined(documentID) {
		return c.SendMessage(domain.DocumentJoined{
			DocumentID: documentID,
			Members:    toMembers(s.hub.Members(documentID)),
		})
	}

	allowed, err := s.access.CheckAccess(ctx, sess.UserID, documentID, domain.PermissionRead)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, domain.ErrDocumentNotFound):
		return s.reject(c, domain.ErrNotFound)
	case err != nil:
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldDocumentID, documentID).Msg("access check failed")
		s.reject(c, domain.ErrInternal)
		return err
	case !allowed:
		return s.reject(c, domain.ErrForbidden)
	}

	announce := domain.MustEncode(domain.UserJoined{
		UserID:     sess.UserID,
		Username:   sess.Username,
		DocumentID: documentID,
	})

	var members []*hub.Client
	added, err := sess.Join(documentID, func() {
		members = s.hub.JoinRoom(c, documentID, announce)
	})
	if err != nil {
		// purged while the access check was in flight
		return err
	}
	if !added {
		members = s.hub.Members(documentID)
	}

	if added {
		s.activity(ctx, domain.ActivityJoin, documentID, sess.UserID)
		audit.Log(ctx, audit.ActionJoinDocument, sess.UserID, documentID, "joined document")
	}

	return c.SendMessage(domain.DocumentJoined{
		DocumentID: documentID,
		Members:    toMembers(members),
	})
}

func (s *collabService) HandleLeaveDocument(ctx context.Context, c *hub.Client, documentID string) error {
	sess := c.Session()
	if sess == nil {
		return nil
	}

	if s.leave(c, sess, documentID) {
		s.activity(ctx, domain.ActivityLeave, documentID, sess.UserID)
		audit.Log(ctx, audit.ActionLeaveDocument, sess.UserID, documentID, "left document")
	}
	return nil
}

func (s *collabService) leave(c *hub.Client, sess *domain.Session, documentID string) bool {
	announce := s.userLeft(sess, documentID)
	return sess.Leave(documentID, func() {
		s.hub.LeaveRoom(c, documentID, announce)
	})
}

func (s *collabService) userLeft(sess *domain.Session, documentID string) []byte {
	return domain.MustEncode(domain.UserLeft{
		UserID:     sess.UserID,
		Username:   sess.Username,
		DocumentID: documentID,
	})
}

func (s *collabService) HandleSubmitChange(ctx context.Context, c *hub.Client, change domain.SubmitChange) error {
	sess, err := s.member(c, change.DocumentID)
	if err != nil {
		return err
	}

	data, err := domain.Encode(domain.ChangeBroadcast{
		DocumentID:        change.DocumentID,
		Title:             change.Title,
		Content:           change.Content,
		UpdatedByUserID:   sess.UserID,
		UpdatedByUsername: sess.Username,
		ServerTimestamp:   s.now().UTC().UnixMilli(),
	})
	if err != nil {
		s.reject(c, domain.ErrInternal)
		return err
	}

	sent := s.hub.BroadcastToRoom(change.DocumentID, data, c.ID)
	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldDocumentID, change.DocumentID).Int("recipients", sent).Msg("change broadcast")

	s.activity(ctx, domain.ActivityChange, change.DocumentID, sess.UserID)
	return nil
}

func (s *collabService) HandleTyping(ctx context.Context, c *hub.Client, typing domain.Typing) error {
	sess, err := s.member(c, typing.DocumentID)
	if err != nil {
		return err
	}

	s.hub.BroadcastToRoom(typing.DocumentID, domain.MustEncode(domain.UserTyping{
		UserID:     sess.UserID,
		Username:   sess.Username,
		DocumentID: typing.DocumentID,
		IsTyping:   typing.IsTyping,
	}), c.ID)
	return nil
}

// member checks the room table, not the permission store.
func (s *collabService) member(c *hub.Client, documentID string) (*domain.Session, error) {
	sess := c.Session()
	if sess == nil || c.State() != hub.StateAuthenticated {
		return nil, s.reject(c, domain.ErrNotAuthenticated)
	}
	if !s.hub.IsMember(documentID, c.ID) {
		return nil, s.reject(c, domain.ErrNotInRoom)
	}
	return sess, nil
}

// HandleDisconnect purges the client's session if it still has one. Safe to
// call after an eviction already purged it.
func (s *collabService) HandleDisconnect(c *hub.Client) {
	sess := c.Session()
	if sess == nil {
		return
	}

	unlock := s.registry.Lock(sess.UserID)
	defer unlock()

	s.purge(c.Context(), c, sess)
}

// purge leaves every joined document and clears the registry entry. Caller
// holds the user's lock. Runs its effects at most once per session.
func (s *collabService) purge(ctx context.Context, c *hub.Client, sess *domain.Session) {
	docs := sess.Close(func(documentID string) {
		s.hub.LeaveRoom(c, documentID, s.userLeft(sess, documentID))
	})
	for _, documentID := range docs {
		s.activity(ctx, domain.ActivityLeave, documentID, sess.UserID)
		audit.Log(ctx, audit.ActionLeaveDocument, sess.UserID, documentID, "left document on disconnect")
	}
	s.registry.RemoveIfCurrent(sess.UserID, c)
}

func (s *collabService) reject(c *hub.Client, pe *domain.ProtocolError) error {
	c.SendMessage(pe.Event())
	return pe
}

func (s *collabService) activity(ctx context.Context, typ, documentID, userID string) {
	err := s.producer.ProduceActivity(ctx, &domain.ActivityEvent{
		Type:       typ,
		DocumentID: documentID,
		UserID:     userID,
		Timestamp:  s.now().UTC(),
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldDocumentID, documentID).Msg("failed to produce activity")
	}
}

func (s *collabService) Stop() error {
	s.hub.Shutdown()
	if err := s.producer.Close(); err != nil {
		l := log.L()
		l.Error().Err(err).Msg("failed to close activity producer")
	}
	return nil
}

func toMembers(clients []*hub.Client) []domain.Member {
	members := make([]domain.Member, 0, len(clients))
	for _, c := range clients {
		if sess := c.Session(); sess != nil {
			members = append(members, sess.Member())
		}
	}
	return members
}
