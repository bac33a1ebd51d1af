package registry

import (
	"sync"

	"github.com/weiawesome/wes-collab/internal/hub"
)

// SessionRegistry maps each user to the one connection holding their live
// session. Callers serialise changes for a user with Lock.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*hub.Client

	locksMu sync.Mutex
	locks   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*hub.Client),
		locks:    make(map[string]*userLock),
	}
}

// Lock acquires the per-user lock and returns its release function. Lock
// entries are dropped once no goroutine holds or waits for them.
func (r *SessionRegistry) Lock(userID string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			r.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, userID)
			}
			r.locksMu.Unlock()
		})
	}
}

// Get returns the connection holding userID's session.
func (r *SessionRegistry) Get(userID string) (*hub.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[userID]
	return c, ok
}

// Put installs client for userID and returns the connection it replaced.
func (r *SessionRegistry) Put(userID string, client *hub.Client) *hub.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[userID]
	r.sessions[userID] = client
	return prev
}

// RemoveIfCurrent clears userID only while it still points at client, so a
// late cleanup of an evicted connection cannot remove its successor.
func (r *SessionRegistry) RemoveIfCurrent(userID string, client *hub.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] != client {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// lockCount is the number of live per-user lock entries.
func (r *SessionRegistry) lockCount() int {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return len(r.locks)
}
