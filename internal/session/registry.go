package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
)

// Session is an active conversation between two users.
type Session struct {
	ID        string
	A         directory.UserID
	B         directory.UserID
	StartedAt time.Time
}

// Other returns the participant that is not u.
func (s Session) Other(u directory.UserID) directory.UserID {
	if s.A == u {
		return s.B
	}
	return s.A
}

// Registry stores each session under both participants so that
// partner[partner[x]] == x holds for every key.
//
// Registry is not safe for concurrent use. It is owned by the pairing
// engine, which serializes access together with the queue.
type Registry struct {
	active map[directory.UserID]*Session
	now    func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[directory.UserID]*Session),
		now:    time.Now,
	}
}

// Pair records a new session between a and b. Pairing a user with itself
// or with someone already active fails with errs.ErrPairConflict and
// leaves the registry unchanged.
func (r *Registry) Pair(a, b directory.UserID) (Session, error) {
	if a == b {
		return Session{}, errs.Consistency(errs.ErrSelfMatch, fmt.Errorf("session: pair %d with itself", a))
	}
	for _, u := range []directory.UserID{a, b} {
		if s, ok := r.active[u]; ok {
			return Session{}, errs.Consistency(errs.ErrPairConflict,
				fmt.Errorf("session: user %d already in session %s", u, s.ID))
		}
	}

	s := &Session{ID: uuid.NewString(), A: a, B: b, StartedAt: r.now()}
	r.active[a] = s
	r.active[b] = s
	return *s, nil
}

// Unpair ends the session a is part of and returns it. ok is false when a
// was not active; that is not an error.
func (r *Registry) Unpair(a directory.UserID) (Session, bool) {
	s, ok := r.active[a]
	if !ok {
		return Session{}, false
	}
	delete(r.active, s.A)
	delete(r.active, s.B)
	return *s, true
}

// PartnerOf returns the user a is talking to.
func (r *Registry) PartnerOf(a directory.UserID) (directory.UserID, bool) {
	s, ok := r.active[a]
	if !ok {
		return 0, false
	}
	return s.Other(a), true
}

// IsActive reports whether a is in a session.
func (r *Registry) IsActive(a directory.UserID) bool {
	_, ok := r.active[a]
	return ok
}

// Get returns the session a is part of.
func (r *Registry) Get(a directory.UserID) (Session, bool) {
	s, ok := r.active[a]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	return len(r.active) / 2
}
