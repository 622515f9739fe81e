package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Directory. It implements Directory, Admin,
// History and Registrar and is goroutine-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[UserID]*Profile
	ratings []Rating
	chats   map[string]chatRecord
	now     func() time.Time
}

type chatRecord struct {
	A, B    UserID
	Started time.Time
	Ended   *time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[UserID]*Profile),
		chats: make(map[string]chatRecord),
		now:   time.Now,
	}
}

// CreateUser registers a profile. For an existing user only username,
// gender and age change; ban and VIP state are kept.
func (m *MemoryStore) CreateUser(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[p.ID]; ok {
		u.Username = p.Username
		u.Gender = p.Gender
		u.Age = p.Age
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	if p.Language == "" {
		p.Language = "en"
	}
	cp := p
	m.users[p.ID] = &cp
	return nil
}

// SetGender updates a profile's gender. Returns false for unknown users.
func (m *MemoryStore) SetGender(id UserID, g Gender) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if ok {
		u.Gender = g
	}
	return ok
}

// DeleteUser removes a profile. Ratings stay in the log.
func (m *MemoryStore) DeleteUser(id UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *MemoryStore) GetProfile(_ context.Context, id UserID) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) IsBanned(_ context.Context, id UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return ok && u.IsBanned, nil
}

func (m *MemoryStore) Ban(_ context.Context, id UserID) error {
	m.setBanned(id, true)
	return nil
}

func (m *MemoryStore) Unban(_ context.Context, id UserID) error {
	m.setBanned(id, false)
	return nil
}

func (m *MemoryStore) setBanned(id UserID, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.IsBanned = banned
	}
}

func (m *MemoryStore) SetVIP(_ context.Context, id UserID, vip bool, durationDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	u.IsVIP = vip
	if vip {
		exp := m.now().AddDate(0, 0, durationDays)
		u.VIPExpiresAt = &exp
	} else {
		u.VIPExpiresAt = nil
	}
	return nil
}

func (m *MemoryStore) AddRating(_ context.Context, rater, target UserID, kind RatingKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings = append(m.ratings, Rating{Rater: rater, Target: target, Kind: kind, CreatedAt: m.now()})
	return nil
}

func (m *MemoryStore) ScamCount(ctx context.Context, target UserID) (int, error) {
	t, err := m.Ratings(ctx, target)
	return t.Scam, err
}

func (m *MemoryStore) Ratings(_ context.Context, target UserID) (Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t Tally
	for _, r := range m.ratings {
		if r.Target != target {
			continue
		}
		switch r.Kind {
		case RatingGood:
			t.Good++
		case RatingBad:
			t.Bad++
		case RatingScam:
			t.Scam++
		}
	}
	return t, nil
}

// RatingLog returns a copy of the full rating log.
func (m *MemoryStore) RatingLog() []Rating {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rating, len(m.ratings))
	copy(out, m.ratings)
	return out
}

func (m *MemoryStore) UnbanAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.IsBanned {
			u.IsBanned = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{TotalUsers: len(m.users), TotalRatings: len(m.ratings)}
	for _, u := range m.users {
		if u.IsVIP {
			s.VIPUsers++
		}
		if u.IsBanned {
			s.BannedUsers++
		}
	}
	for _, r := range m.ratings {
		if r.Kind == RatingScam {
			s.TotalReports++
		}
	}
	return s, nil
}

func (m *MemoryStore) RecentReports(_ context.Context, limit int) ([]ReportSummary, error) {
	m.mu.RLock()
	counts := make(map[UserID]int)
	for _, r := range m.ratings {
		if r.Kind == RatingScam {
			counts[r.Target]++
		}
	}
	m.mu.RUnlock()

	out := make([]ReportSummary, 0, len(counts))
	for id, c := range counts {
		out = append(out, ReportSummary{Target: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Target < out[j].Target
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Recipients(_ context.Context) ([]UserID, error) {
	m.mu.RLock()
	out := make([]UserID, 0, len(m.users))
	for id, u := range m.users {
		if !u.IsBanned {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) ExpireVIPs(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.IsVIP && u.VIPExpiresAt != nil && u.VIPExpiresAt.Before(now) {
			u.IsVIP = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LogChatStart(_ context.Context, sessionID string, a, b UserID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[sessionID] = chatRecord{A: a, B: b, Started: at}
	return nil
}

func (m *MemoryStore) LogChatEnd(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.chats[sessionID]; ok {
		rec.Ended = &at
		m.chats[sessionID] = rec
	}
	return nil
}

// ChatEnded reports whether the chat with sessionID was logged as ended.
func (m *MemoryStore) ChatEnded(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.chats[sessionID]
	return ok && rec.Ended != nil
}
