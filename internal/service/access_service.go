package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-collab/internal/cache"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/repository"
	"github.com/weiawesome/wes-collab/pkg/log"
)

// lookupTimeout bounds a shared lookup once it is detached from its first
// caller.
const lookupTimeout = 5 * time.Second

// AccessService implements UserLookup and AccessChecker over the
// repositories. Results are cached when a cache is configured, and
// concurrent identical lookups share one query.
type AccessService struct {
	users repository.UserRepository
	docs  repository.DocumentRepository
	cache cache.AccessCache
	ttl   time.Duration
	sf    singleflight.Group
}

func NewAccessService(users repository.UserRepository, docs repository.DocumentRepository, c cache.AccessCache, ttl time.Duration) *AccessService {
	if c == nil {
		c = cache.NopAccessCache{}
	}
	return &AccessService{users: users, docs: docs, cache: c, ttl: ttl}
}

func (s *AccessService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	key := s.cache.BuildUserKey(userID)
	if cached, err := s.cache.GetUser(ctx, key); err == nil {
		user := cached.User
		return &user, nil
	}

	v, err := s.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetUser(ctx, key, &cache.UserResult{User: *user}, s.ttl); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to cache user")
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}

	user, ok := v.(*domain.User)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	copied := *user
	return &copied, nil
}

// Permission returns the user's level on the document.
func (s *AccessService) Permission(ctx context.Context, userID, documentID string) (domain.Permission, error) {
	key := s.cache.BuildPermissionKey(documentID, userID)
	if cached, err := s.cache.GetPermission(ctx, key); err == nil {
		if cached.DocumentMissing {
			return domain.PermissionNone, domain.ErrDocumentNotFound
		}
		return cached.Permission, nil
	}

	v, err := s.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		perm, err := s.docs.GetPermission(ctx, userID, documentID)
		result := &cache.PermissionResult{Permission: perm}
		switch {
		case errors.Is(err, repository.ErrDocumentNotFound):
			result.DocumentMissing = true
		case err != nil:
			return nil, err
		}
		if err := s.cache.SetPermission(ctx, key, result, s.ttl); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldDocumentID, documentID).Msg("failed to cache permission")
		}
		return result, nil
	})
	if err != nil {
		return domain.PermissionNone, err
	}

	result, ok := v.(*cache.PermissionResult)
	if !ok {
		return domain.PermissionNone, fmt.Errorf("unexpected result type from singleflight")
	}
	if result.DocumentMissing {
		return domain.PermissionNone, domain.ErrDocumentNotFound
	}
	return result.Permission, nil
}

func (s *AccessService) CheckAccess(ctx context.Context, userID, documentID string, min domain.Permission) (bool, error) {
	perm, err := s.Permission(ctx, userID, documentID)
	if err != nil {
		return false, err
	}
	return perm.Allows(min), nil
}

// InvalidatePermission drops the cached level for one user.
func (s *AccessService) InvalidatePermission(ctx context.Context, documentID, userID string) {
	key := s.cache.BuildPermissionKey(documentID, userID)
	s.sf.Forget(key)
	if err := s.cache.Delete(ctx, key); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldDocumentID, documentID).Msg("failed to invalidate permission")
	}
}

// InvalidateDocument drops every cached level for the document.
func (s *AccessService) InvalidateDocument(ctx context.Context, documentID string) {
	if err := s.cache.DeleteDocument(ctx, documentID); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldDocumentID, documentID).Msg("failed to invalidate document")
	}
}

// shared runs fn once per key across concurrent callers. The query itself
// is detached from the first caller's cancellation; each caller still stops
// waiting when its own ctx is done.
func (s *AccessService) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return fn(qctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
