package matching

import (
	"time"

	"github.com/whisper/pairing/internal/directory"
)

// Entry is one waiting searcher. Seq is a monotonically increasing arrival
// number; entries are always kept in Seq order.
type Entry struct {
	UserID   directory.UserID
	Seq      uint64
	JoinedAt time.Time
}

// Queue is the ordered waiting list of searchers. Insertion order is
// arrival order and a user appears at most once.
//
// Queue is not safe for concurrent use; the Engine guards it together with
// the session registry.
type Queue struct {
	entries []Entry
	members map[directory.UserID]struct{}
	seq     uint64
	now     func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		members: make(map[directory.UserID]struct{}),
		now:     time.Now,
	}
}

// Enqueue appends u. It returns false, changing nothing, when u is
// already queued.
func (q *Queue) Enqueue(u directory.UserID) bool {
	if _, ok := q.members[u]; ok {
		return false
	}
	q.seq++
	q.entries = append(q.entries, Entry{UserID: u, Seq: q.seq, JoinedAt: q.now()})
	q.members[u] = struct{}{}
	return true
}

// Dequeue removes and returns the earliest entry that is not exclude.
func (q *Queue) Dequeue(exclude directory.UserID) (Entry, bool) {
	return q.DequeueMatching(func(directory.UserID) bool { return true }, exclude)
}

// DequeueMatching scans in arrival order and removes the first entry,
// other than exclude, that satisfies pred. The queue is untouched when
// nothing matches.
func (q *Queue) DequeueMatching(pred func(directory.UserID) bool, exclude directory.UserID) (Entry, bool) {
	for i, e := range q.entries {
		if e.UserID == exclude || !pred(e.UserID) {
			continue
		}
		q.removeAt(i)
		return e, true
	}
	return Entry{}, false
}

// Remove drops u from the queue. Removing a non-member is a no-op that
// returns false.
func (q *Queue) Remove(u directory.UserID) bool {
	if _, ok := q.members[u]; !ok {
		return false
	}
	for i, e := range q.entries {
		if e.UserID == u {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// Restore puts a previously dequeued entry back at its original arrival
// position. It returns false when the user is already queued.
func (q *Queue) Restore(e Entry) bool {
	if _, ok := q.members[e.UserID]; ok {
		return false
	}
	i := len(q.entries)
	for j, cur := range q.entries {
		if cur.Seq > e.Seq {
			i = j
			break
		}
	}
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.members[e.UserID] = struct{}{}
	return true
}

// Contains reports whether u is queued.
func (q *Queue) Contains(u directory.UserID) bool {
	_, ok := q.members[u]
	return ok
}

// Len returns the number of queued users.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Snapshot returns a copy of the entries in arrival order.
func (q *Queue) Snapshot() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) removeAt(i int) {
	delete(q.members, q.entries[i].UserID)
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
}
