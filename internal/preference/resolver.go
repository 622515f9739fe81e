// Package preference keeps the transient partner filter VIP users pick
// before a search. State lives for the process lifetime only.
package preference

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/whisper/pairing/internal/directory"
)

// Target is the partner gender a searcher asked for.
type Target string

const (
	Any    Target = "any"
	Male   Target = "male"
	Female Target = "female"
)

// ParseTarget validates a target string.
func ParseTarget(s string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(s))); t {
	case Any, Male, Female:
		return t, nil
	default:
		return "", fmt.Errorf("preference: invalid target %q", s)
	}
}

// Gender returns the directory gender a specific target maps to. ok is
// false for Any.
func (t Target) Gender() (directory.Gender, bool) {
	switch t {
	case Male:
		return directory.GenderMale, true
	case Female:
		return directory.GenderFemale, true
	default:
		return "", false
	}
}

// Resolver maps users to their chosen Target and tracks outstanding
// prompts. Safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	choices  map[directory.UserID]Target
	prompted map[directory.UserID]time.Time
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		choices:  make(map[directory.UserID]Target),
		prompted: make(map[directory.UserID]time.Time),
	}
}

// Get returns the stored choice. ok is false while unresolved.
func (r *Resolver) Get(u directory.UserID) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.choices[u]
	return t, ok
}

// Set records a choice and closes any outstanding prompt.
func (r *Resolver) Set(u directory.UserID, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.choices[u] = t
	delete(r.prompted, u)
}

// Clear returns u to unresolved.
func (r *Resolver) Clear(u directory.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.choices, u)
	delete(r.prompted, u)
}

// Effective is the target a search should honor. Non-VIP users always
// search for Any regardless of stored state.
func (r *Resolver) Effective(p *directory.Profile) Target {
	if p == nil || !p.IsVIP {
		return Any
	}
	if t, ok := r.Get(p.ID); ok {
		return t
	}
	return Any
}

// MarkPrompted records that u was asked to choose at the given time.
func (r *Resolver) MarkPrompted(u directory.UserID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompted[u] = at
}

// Prompted reports whether u has an unanswered prompt.
func (r *Resolver) Prompted(u directory.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.prompted[u]
	return ok
}

// Expired removes and returns the users whose prompt is older than
// timeout. A zero timeout never expires anything.
func (r *Resolver) Expired(now time.Time, timeout time.Duration) []directory.UserID {
	if timeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []directory.UserID
	for u, at := range r.prompted {
		if now.Sub(at) >= timeout {
			out = append(out, u)
			delete(r.prompted, u)
		}
	}
	return out
}
