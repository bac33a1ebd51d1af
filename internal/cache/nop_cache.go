package cache

import (
	"context"
	"time"
)

// NopAccessCache always misses. Used when caching is disabled.
type NopAccessCache struct{}

func (NopAccessCache) GetUser(context.Context, string) (*UserResult, error) {
	return nil, ErrCacheMiss
}

func (NopAccessCache) SetUser(context.Context, string, *UserResult, time.Duration) error {
	return nil
}

func (NopAccessCache) GetPermission(context.Context, string) (*PermissionResult, error) {
	return nil, ErrCacheMiss
}

func (NopAccessCache) SetPermission(context.Context, string, *PermissionResult, time.Duration) error {
	return nil
}

func (NopAccessCache) Delete(context.Context, ...string) error { return nil }

func (NopAccessCache) DeleteDocument(context.Context, string) error { return nil }

func (NopAccessCache) BuildUserKey(userID string) string { return "user:" + userID }

func (NopAccessCache) BuildPermissionKey(documentID, userID string) string {
	return "perm:" + documentID + ":" + userID
}

func (NopAccessCache) Close() error { return nil }
