// Package session tracks which user owns which live connection in this
// process.
package session

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrSessionExists is returned when adding a session id that is already
// registered.
var ErrSessionExists = errors.New("session already registered")

// A Session is one live connection of a user.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
}

// Registry holds two indices, session -> owner and user -> sessions. Both
// are only changed under mu, so a reader never sees one without the other.
// The zero value is not usable; create registries with New.
type Registry struct {
	mu       sync.RWMutex
	owners   map[string]Session
	sessions map[string]map[string]struct{}
	now      func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		owners:   make(map[string]Session),
		sessions: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Add registers sessionID as a session of userID. It reports whether this is
// the first live session of the user.
func (r *Registry) Add(userID, sessionID string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[sessionID]; ok {
		return false, ErrSessionExists
	}
	r.owners[sessionID] = Session{
		ID:          sessionID,
		UserID:      userID,
		ConnectedAt: r.now(),
	}
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
	return !ok, nil
}

// Remove unregisters a session. It returns the removed record, whether it was
// the last session of its user, and false if the session was unknown.
func (r *Registry) Remove(sessionID string) (s Session, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok = r.owners[sessionID]
	if !ok {
		return Session{}, false, false
	}
	delete(r.owners, sessionID)

	set := r.sessions[s.UserID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
		last = true
	}
	return s, last, true
}

// SessionsOf returns the session ids of a user, sorted.
func (r *Registry) SessionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// OwnerOf returns the user owning a session.
func (r *Registry) OwnerOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owners[sessionID]
	return s.UserID, ok
}

// Session returns the full record of a session.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owners[sessionID]
	return s, ok
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// OnlineUsers returns the ids of every user with a live session, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
