package domain

import (
	"sort"
	"sync"
	"time"
)

// Session is an authenticated user's state on exactly one connection.
type Session struct {
	ConnID          string
	UserID          string
	Username        string
	Email           string
	AuthenticatedAt time.Time

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

func NewSession(connID string, user *User, now time.Time) *Session {
	return &Session{
		ConnID:          connID,
		UserID:          user.ID,
		Username:        user.Username,
		Email:           user.Email,
		AuthenticatedAt: now,
		joined:          make(map[string]struct{}),
	}
}

// Join records documentID and runs onAdd while the session lock is held, so
// a concurrent Close either sees the new membership or prevents it. Returns
// false when the document was already joined.
func (s *Session) Join(documentID string, onAdd func()) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}
	if _, ok := s.joined[documentID]; ok {
		return false, nil
	}
	s.joined[documentID] = struct{}{}
	if onAdd != nil {
		onAdd()
	}
	return true, nil
}

// Leave removes documentID and runs onRemove under the session lock. Returns
// false when the document was not joined.
func (s *Session) Leave(documentID string, onRemove func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.joined[documentID]; !ok {
		return false
	}
	delete(s.joined, documentID)
	if onRemove != nil {
		onRemove()
	}
	return true
}

// Close terminates the session. Each joined document is handed to onRemove
// once. Subsequent calls do nothing and return nil.
func (s *Session) Close(onRemove func(documentID string)) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	docs := make([]string, 0, len(s.joined))
	for id := range s.joined {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	for _, id := range docs {
		delete(s.joined, id)
		if onRemove != nil {
			onRemove(id)
		}
	}
	return docs
}

func (s *Session) IsJoined(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[documentID]
	return ok
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Documents returns the joined document ids in sorted order.
func (s *Session) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]string, 0, len(s.joined))
	for id := range s.joined {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs
}

func (s *Session) Member() Member {
	return Member{UserID: s.UserID, Username: s.Username}
}
