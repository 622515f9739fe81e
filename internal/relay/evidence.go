package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/whisper/pairing/internal/directory"
)

// MaxEvidenceLines is the number of recent texts retained per session.
const MaxEvidenceLines = 5

// Line is one relayed text kept as moderation evidence.
type Line struct {
	From directory.UserID
	Text string
	At   time.Time
}

func (l Line) String() string {
	return fmt.Sprintf("%d: %s", l.From, l.Text)
}

// Evidence stores the last MaxEvidenceLines texts per session in a ring
// buffer. It is goroutine-safe.
type Evidence struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // session ID -> ring buffer
}

type ringBuffer struct {
	items []Line
	pos   int
	count int
}

// NewEvidence creates an empty Evidence store.
func NewEvidence() *Evidence {
	return &Evidence{buffers: make(map[string]*ringBuffer)}
}

// Add appends a line to the session's buffer, overwriting the oldest one
// when full.
func (ev *Evidence) Add(sessionID string, line Line) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	rb, ok := ev.buffers[sessionID]
	if !ok {
		rb = &ringBuffer{items: make([]Line, MaxEvidenceLines)}
		ev.buffers[sessionID] = rb
	}

	rb.items[rb.pos] = line
	rb.pos = (rb.pos + 1) % MaxEvidenceLines
	if rb.count < MaxEvidenceLines {
		rb.count++
	}
}

// Get returns the session's lines oldest first. Unknown sessions yield an
// empty slice.
func (ev *Evidence) Get(sessionID string) []Line {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	rb, ok := ev.buffers[sessionID]
	if !ok {
		return []Line{}
	}

	result := make([]Line, rb.count)
	start := (rb.pos - rb.count + MaxEvidenceLines) % MaxEvidenceLines
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxEvidenceLines]
	}
	return result
}

// Remove drops a session's buffer.
func (ev *Evidence) Remove(sessionID string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	delete(ev.buffers, sessionID)
}
