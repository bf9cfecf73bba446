package rank

import (
	"sync"
	"time"
)

// DefaultSessionTTL bounds how long a session's served set is remembered.
const DefaultSessionTTL = time.Hour

// SessionStore tracks, per session, which bullet IDs have already been
// served and which nodes the session has touched. Entries expire after
// the TTL; expired sessions are pruned lazily.
type SessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	served  map[string]struct{}
	slugs   map[string]struct{}
	expires time.Time
}

// NewSessionStore creates a store with the given TTL (DefaultSessionTTL
// when <= 0).
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{ttl: ttl, sessions: make(map[string]*session)}
}

func (s *SessionStore) get(id string) *session {
	now := time.Now()
	sess, ok := s.sessions[id]
	if ok && now.After(sess.expires) {
		delete(s.sessions, id)
		ok = false
	}
	if !ok {
		return nil
	}
	return sess
}

// Served reports whether bulletID was already returned to this session.
func (s *SessionStore) Served(sessionID, bulletID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess == nil {
		return false
	}
	_, ok := sess.served[bulletID]
	return ok
}

// TouchedSlug reports whether this session's served output referenced the
// node.
func (s *SessionStore) TouchedSlug(sessionID, slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess == nil {
		return false
	}
	_, ok := sess.slugs[slug]
	return ok
}

// Record remembers the bullets and nodes served to a session and renews
// its TTL.
func (s *SessionStore) Record(sessionID string, bulletIDs, slugs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess == nil {
		sess = &session{served: make(map[string]struct{}), slugs: make(map[string]struct{})}
		s.sessions[sessionID] = sess
	}
	sess.expires = time.Now().Add(s.ttl)
	for _, id := range bulletIDs {
		sess.served[id] = struct{}{}
	}
	for _, slug := range slugs {
		sess.slugs[slug] = struct{}{}
	}
	// Opportunistic prune of other expired sessions.
	now := time.Now()
	for id, other := range s.sessions {
		if now.After(other.expires) {
			delete(s.sessions, id)
		}
	}
}
