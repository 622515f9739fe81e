package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/logx"
	"github.com/whisper/pairing/internal/preference"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

type notice struct {
	To      directory.UserID
	Type    string
	Payload interface{}
}

// recorder is a Notifier that keeps every notice.
type recorder struct {
	mu      sync.Mutex
	notices []notice
}

func (r *recorder) Notify(_ context.Context, to directory.UserID, msgType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{To: to, Type: msgType, Payload: payload})
	return nil
}

func (r *recorder) types(to directory.UserID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if n.To == to {
			out = append(out, n.Type)
		}
	}
	return out
}

func (r *recorder) last(to directory.UserID, msgType string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notices) - 1; i >= 0; i-- {
		if r.notices[i].To == to && r.notices[i].Type == msgType {
			return r.notices[i].Payload, true
		}
	}
	return nil, false
}

type fixture struct {
	engine *Engine
	dir    *directory.MemoryStore
	prefs  *preference.Resolver
	notes  *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := directory.NewMemoryStore()
	prefs := preference.NewResolver()
	notes := &recorder{}
	opts.Logger = logx.Discard()
	return &fixture{
		engine: NewEngine(dir, prefs, notes, opts),
		dir:    dir,
		prefs:  prefs,
		notes:  notes,
	}
}

func (f *fixture) user(t *testing.T, id directory.UserID, g directory.Gender, vip bool) {
	t.Helper()
	require.NoError(t, f.dir.CreateUser(context.Background(), directory.Profile{ID: id, Gender: g, Age: 20 + int(id), IsVIP: vip}))
}

func (f *fixture) search(t *testing.T, id directory.UserID) Outcome {
	t.Helper()
	out, err := f.engine.Search(context.Background(), id)
	require.NoError(t, err)
	return out
}

func TestSearch_EmptyQueueEnqueues(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderMale, false)

	out := f.search(t, 1)
	assert.Equal(t, StatusSearching, out.Status)
	assert.True(t, f.engine.IsQueued(1))
	assert.Equal(t, []string{protocol.TypeSearching}, f.notes.types(1))
}

func TestSearch_FIFO(t *testing.T) {
	f := newFixture(t, Options{})
	for id := directory.UserID(1); id <= 4; id++ {
		f.user(t, id, directory.GenderMale, false)
	}
	f.search(t, 1)
	f.search(t, 2)
	f.search(t, 3)

	out := f.search(t, 4)
	require.Equal(t, StatusPaired, out.Status)
	assert.Equal(t, directory.UserID(1), out.Partner)

	p, ok := f.engine.PartnerOf(1)
	assert.True(t, ok)
	assert.Equal(t, directory.UserID(4), p)
	p, _ = f.engine.PartnerOf(4)
	assert.Equal(t, directory.UserID(1), p)

	assert.False(t, f.engine.IsQueued(1))
	assert.False(t, f.engine.IsQueued(4))
	assert.Equal(t, Stats{Queued: 2, ActiveSessions: 1}, f.engine.Stats())

	assert.Contains(t, f.notes.types(1), protocol.TypePaired)
	assert.Contains(t, f.notes.types(4), protocol.TypePaired)
}

func TestSearch_VIPWithoutPreferenceIsPrompted(t *testing.T) {
	f := newFixture(t, Options{PreferenceTimeout: time.Minute})
	f.user(t, 1, directory.GenderFemale, false)
	f.user(t, 2, directory.GenderMale, true)
	f.search(t, 1)

	out := f.search(t, 2)
	assert.Equal(t, StatusNeedPreference, out.Status)
	assert.False(t, f.engine.IsQueued(2))
	assert.False(t, f.engine.IsActive(2))
	assert.True(t, f.prefs.Prompted(2))

	payload, ok := f.notes.last(2, protocol.TypeNeedPreference)
	require.True(t, ok)
	msg := payload.(protocol.NeedPreferenceMsg)
	assert.ElementsMatch(t, []string{"male", "female", "any"}, msg.Choices)
	assert.Equal(t, 60, msg.Timeout)
}

func TestChoosePreference_Hit(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderFemale, false)
	f.user(t, 2, directory.GenderMale, false)
	f.user(t, 5, directory.GenderFemale, true)
	f.search(t, 1)
	f.search(t, 2)

	out, err := f.engine.ChoosePreference(context.Background(), 5, preference.Male)
	require.NoError(t, err)
	require.Equal(t, StatusPaired, out.Status)
	assert.Equal(t, directory.UserID(2), out.Partner)
	assert.False(t, out.Fallback)

	assert.True(t, f.engine.IsQueued(1), "u1 must remain queued")
	assert.NotContains(t, f.notes.types(5), protocol.TypeRandomMatch)

	payload, ok := f.notes.last(5, protocol.TypePaired)
	require.True(t, ok)
	info := payload.(protocol.PairedMsg).Partner
	require.NotNil(t, info, "VIP searcher gets partner details")
	assert.Equal(t, "male", info.Gender)

	payload, _ = f.notes.last(2, protocol.TypePaired)
	assert.Nil(t, payload.(protocol.PairedMsg).Partner, "regular users get no partner details")
}

func TestChoosePreference_MissFallsBack(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderFemale, false)
	f.user(t, 5, directory.GenderFemale, true)
	f.search(t, 1)

	out, err := f.engine.ChoosePreference(context.Background(), 5, preference.Male)
	require.NoError(t, err)
	require.Equal(t, StatusPaired, out.Status)
	assert.Equal(t, directory.UserID(1), out.Partner)
	assert.True(t, out.Fallback)

	payload, ok := f.notes.last(5, protocol.TypeRandomMatch)
	require.True(t, ok, "VIP must be told a random match was used")
	assert.Equal(t, "male", payload.(protocol.RandomMatchMsg).Wanted)
	assert.NotContains(t, f.notes.types(1), protocol.TypeRandomMatch)
}

func TestSearch_PreferenceHonoredInFIFOOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderMale, false)
	f.user(t, 2, directory.GenderFemale, false)
	f.user(t, 3, directory.GenderFemale, false)
	f.user(t, 9, directory.GenderMale, true)
	f.search(t, 1)
	f.search(t, 2)
	f.search(t, 3)

	out, err := f.engine.ChoosePreference(context.Background(), 9, preference.Female)
	require.NoError(t, err)
	assert.Equal(t, directory.UserID(2), out.Partner)
}

func TestSearch_PreferencesClearedOnPairing(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderFemale, true)
	f.user(t, 2, directory.GenderMale, true)

	_, err := f.engine.ChoosePreference(context.Background(), 1, preference.Any)
	require.NoError(t, err)
	_, err = f.engine.ChoosePreference(context.Background(), 2, preference.Female)
	require.NoError(t, err)

	_, ok := f.prefs.Get(1)
	assert.False(t, ok)
	_, ok = f.prefs.Get(2)
	assert.False(t, ok)
}

func TestSearch_NonVIPIgnoresStoredPreference(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderFemale, false)
	f.user(t, 2, directory.GenderMale, false)
	f.search(t, 1)
	f.prefs.Set(2, preference.Male)

	out := f.search(t, 2)
	assert.Equal(t, directory.UserID(1), out.Partner)
	assert.False(t, out.Fallback)
	assert.NotContains(t, f.notes.types(2), protocol.TypeRandomMatch)
}

func TestSearch_UserStateErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.user(t, 1, directory.GenderMale, false)
	f.user(t, 2, directory.GenderMale, false)
	f.user(t, 3, directory.GenderMale, false)
	f.user(t, 4, directory.GenderMale, false)
	require.NoError(t, f.dir.Ban(ctx, 4))

	f.search(t, 1)
	_, err := f.engine.Search(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrAlreadySearching)

	f.search(t, 2)
	_, err = f.engine.Search(ctx, 2)
	assert.ErrorIs(t, err, errs.ErrAlreadyChatting)

	_, err = f.engine.Search(ctx, 4)
	assert.ErrorIs(t, err, errs.ErrBanned)

	_, err = f.engine.Search(ctx, 99)
	assert.ErrorIs(t, err, errs.ErrNotRegistered)

	for _, id := range []directory.UserID{1, 2, 4, 99} {
		assert.False(t, f.engine.IsQueued(id), "user %d must not be queued", id)
	}
}

type brokenDirectory struct {
	directory.Directory
}

func (brokenDirectory) GetProfile(context.Context, directory.UserID) (*directory.Profile, error) {
	return nil, errors.New("connection refused")
}

func TestSearch_DirectoryUnavailable(t *testing.T) {
	e := NewEngine(brokenDirectory{directory.NewMemoryStore()}, preference.NewResolver(), &recorder{}, Options{Logger: logx.Discard()})

	_, err := e.Search(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, errs.KindDirectoryUnavailable, errs.KindOf(err))
	assert.Equal(t, Stats{}, e.Stats())
}

func TestStop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for id := directory.UserID(1); id <= 3; id++ {
		f.user(t, id, directory.GenderMale, false)
	}

	var ended []SessionEnd
	f.engine.OnSessionEnd(func(_ context.Context, end SessionEnd) { ended = append(ended, end) })

	f.search(t, 3)
	out, err := f.engine.Stop(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusSearchCancelled, out.Status)
	assert.False(t, f.engine.IsQueued(3))

	f.search(t, 1)
	paired := f.search(t, 2)

	out, err = f.engine.Stop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusChatEnded, out.Status)
	assert.Equal(t, directory.UserID(1), out.Partner)
	assert.Equal(t, paired.Session.ID, out.Session.ID)
	assert.False(t, f.engine.IsActive(1))
	assert.False(t, f.engine.IsActive(2))

	assert.Contains(t, f.notes.types(2), protocol.TypeChatEnded)
	assert.Contains(t, f.notes.types(1), protocol.TypePartnerLeft)
	require.Len(t, ended, 1)
	assert.Equal(t, EndStop, ended[0].Reason)
	assert.Equal(t, directory.UserID(2), ended[0].By)

	_, err = f.engine.Stop(ctx, 2)
	assert.ErrorIs(t, err, errs.ErrNotInChat)
	_, err = f.engine.Stop(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotInChat)
	assert.Len(t, ended, 1, "hooks fire once per session")
}

func TestNext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for id := directory.UserID(1); id <= 3; id++ {
		f.user(t, id, directory.GenderMale, false)
	}

	f.search(t, 1)
	f.search(t, 2)
	f.search(t, 3)

	out, err := f.engine.Next(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, out.Status)
	assert.Equal(t, directory.UserID(3), out.Partner)
	assert.False(t, f.engine.IsActive(1))
	assert.Contains(t, f.notes.types(1), protocol.TypePartnerLeft)

	out, err = f.engine.Next(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, out.Status)
}

func TestRestartClearsPreference(t *testing.T) {
	f := newFixture(t, Options{})
	f.prefs.Set(1, preference.Female)
	f.engine.Restart(1)
	_, ok := f.prefs.Get(1)
	assert.False(t, ok)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for id := directory.UserID(1); id <= 3; id++ {
		f.user(t, id, directory.GenderMale, false)
	}

	var ended []SessionEnd
	f.engine.OnSessionEnd(func(_ context.Context, end SessionEnd) { ended = append(ended, end) })

	f.search(t, 1)
	f.search(t, 2)
	f.search(t, 3)

	assert.True(t, f.engine.Disconnect(ctx, 1))
	assert.False(t, f.engine.IsActive(2))
	assert.Contains(t, f.notes.types(2), protocol.TypePartnerLeft)
	assert.NotContains(t, f.notes.types(1), protocol.TypeChatEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndDisconnect, ended[0].Reason)

	assert.False(t, f.engine.Disconnect(ctx, 3), "queued user has no session")
	assert.False(t, f.engine.IsQueued(3))
	assert.False(t, f.engine.Disconnect(ctx, 3))
}

func TestSessionStartHook(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderMale, false)
	f.user(t, 2, directory.GenderMale, false)

	var started []session.Session
	f.engine.OnSessionStart(func(_ context.Context, s session.Session) { started = append(started, s) })

	f.search(t, 1)
	out := f.search(t, 2)
	require.Len(t, started, 1)
	assert.Equal(t, out.Session.ID, started[0].ID)
	assert.True(t, started[0].Other(1) == 2 && started[0].Other(2) == 1)
}

func TestSearch_ConcurrentSearchersNeverDoublePair(t *testing.T) {
	f := newFixture(t, Options{})
	const n = 200
	for id := directory.UserID(1); id <= n; id++ {
		g := directory.GenderMale
		if id%2 == 0 {
			g = directory.GenderFemale
		}
		f.user(t, id, g, id%10 == 0)
		if id%10 == 0 {
			f.prefs.Set(id, preference.Female)
		}
	}

	var wg sync.WaitGroup
	for id := directory.UserID(1); id <= n; id++ {
		wg.Add(1)
		go func(u directory.UserID) {
			defer wg.Done()
			_, _ = f.engine.Search(context.Background(), u)
		}(id)
	}
	wg.Wait()

	st := f.engine.Stats()
	assert.Equal(t, n, st.Queued+2*st.ActiveSessions)
	assert.LessOrEqual(t, st.Queued, 1)

	for id := directory.UserID(1); id <= n; id++ {
		queued, active := f.engine.IsQueued(id), f.engine.IsActive(id)
		assert.True(t, queued != active, "user %d queued=%v active=%v", id, queued, active)
		if p, ok := f.engine.PartnerOf(id); ok {
			back, _ := f.engine.PartnerOf(p)
			assert.Equal(t, id, back)
		}
	}
}

func TestExpirePreferences(t *testing.T) {
	f := newFixture(t, Options{PreferenceTimeout: time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return base }
	f.user(t, 1, directory.GenderMale, true)

	assert.Equal(t, StatusNeedPreference, f.search(t, 1).Status)

	assert.Empty(t, f.engine.ExpirePreferences(ctx, base.Add(30*time.Second)))
	assert.False(t, f.engine.IsQueued(1))

	got := f.engine.ExpirePreferences(ctx, base.Add(61*time.Second))
	assert.Equal(t, []directory.UserID{1}, got)
	assert.True(t, f.engine.IsQueued(1), "search resumes with any")
	assert.Contains(t, f.notes.types(1), protocol.TypePreferenceDefaulted)
}

func TestExpirePreferences_RepeatedSearchKeepsDeadline(t *testing.T) {
	f := newFixture(t, Options{PreferenceTimeout: time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return base }
	f.user(t, 1, directory.GenderMale, true)

	assert.Equal(t, StatusNeedPreference, f.search(t, 1).Status)
	f.engine.now = func() time.Time { return base.Add(50 * time.Second) }
	assert.Equal(t, StatusNeedPreference, f.search(t, 1).Status)

	got := f.engine.ExpirePreferences(ctx, base.Add(61*time.Second))
	assert.Equal(t, []directory.UserID{1}, got)
	assert.True(t, f.engine.IsQueued(1))
}

func TestExpireSearches(t *testing.T) {
	f := newFixture(t, Options{SearchTimeout: time.Minute})
	ctx := context.Background()
	f.user(t, 1, directory.GenderMale, false)
	f.user(t, 2, directory.GenderMale, false)

	base := time.Now()
	f.engine.queue.now = func() time.Time { return base }
	f.search(t, 1)
	f.engine.queue.now = func() time.Time { return base.Add(45 * time.Second) }
	f.engine.Stop(ctx, 1)
	f.search(t, 1)

	// Only the re-queued entry exists; it joined at base+45s.
	assert.Empty(t, f.engine.ExpireSearches(ctx, base.Add(90*time.Second)))
	assert.Equal(t, []directory.UserID{1}, f.engine.ExpireSearches(ctx, base.Add(106*time.Second)))
	assert.False(t, f.engine.IsQueued(1))
	assert.Contains(t, f.notes.types(1), protocol.TypeSearchTimeout)
}

func TestExpireSearches_DisabledByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, 1, directory.GenderMale, false)
	f.search(t, 1)

	assert.Nil(t, f.engine.ExpireSearches(context.Background(), time.Now().Add(24*time.Hour)))
	assert.True(t, f.engine.IsQueued(1))
}
