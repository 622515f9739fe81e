// Package report archives scam reports. Each report captures who reported
// whom, the session it came from and the last few texts the reported user
// exchanged (for moderator review).
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/pairing/internal/directory"
)

// Report represents a single scam report.
type Report struct {
	Reporter  directory.UserID
	Target    directory.UserID
	SessionID string
	Evidence  []string // recent texts, "<sender>: <text>"
	CreatedAt time.Time
}

// Archive persists reports.
type Archive interface {
	Create(ctx context.Context, r *Report) error
	// Latest returns the newest report against target, or nil.
	Latest(ctx context.Context, target directory.UserID) (*Report, error)
}

// Store manages scam reports in PostgreSQL. The table is created by
// directory.Migrate.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. Evidence is marshalled to JSONB.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if r.Reporter == r.Target {
		return fmt.Errorf("report: user %d cannot report themselves", r.Reporter)
	}

	var evidenceJSON []byte
	if len(r.Evidence) > 0 {
		var err error
		evidenceJSON, err = json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("report: marshal evidence: %w", err)
		}
	}

	const query = `
		INSERT INTO scam_reports (reporter_id, target_id, session_id, evidence)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		int64(r.Reporter),
		int64(r.Target),
		r.SessionID,
		evidenceJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, target directory.UserID) (*Report, error) {
	const query = `
		SELECT reporter_id, target_id, session_id, evidence, created_at
		FROM scam_reports
		WHERE target_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var (
		r            Report
		reporter     int64
		reportedID   int64
		evidenceJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, int64(target)).Scan(&reporter, &reportedID, &r.SessionID, &evidenceJSON, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("report: latest %d: %w", target, err)
	}
	r.Reporter = directory.UserID(reporter)
	r.Target = directory.UserID(reportedID)
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &r.Evidence); err != nil {
			return nil, fmt.Errorf("report: decode evidence: %w", err)
		}
	}
	return &r, nil
}

// MemoryStore keeps reports in process. Used in development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, r *Report) error {
	if r.Reporter == r.Target {
		return fmt.Errorf("report: user %d cannot report themselves", r.Reporter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Evidence = append([]string(nil), r.Evidence...)
	cp.CreatedAt = m.now()
	m.reports = append(m.reports, cp)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, target directory.UserID) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.reports) - 1; i >= 0; i-- {
		if m.reports[i].Target == target {
			r := m.reports[i]
			r.Evidence = append([]string(nil), r.Evidence...)
			return &r, nil
		}
	}
	return nil, nil
}
