package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the Directory backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateUser inserts a profile, updating gender, age and username when the
// user already exists.
func (s *PostgresStore) CreateUser(ctx context.Context, p Profile) error {
	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	const query = `
		INSERT INTO users (user_id, username, gender, age, language)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET username = EXCLUDED.username, gender = EXCLUDED.gender, age = EXCLUDED.age`

	if _, err := s.db.ExecContext(ctx, query, int64(p.ID), nullString(p.Username), string(p.Gender), p.Age, lang); err != nil {
		return fmt.Errorf("directory: create user %d: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id UserID) (*Profile, error) {
	const query = `
		SELECT user_id, COALESCE(username, ''), gender, age, language, is_vip, is_banned, vip_expires_at, created_at
		FROM users WHERE user_id = $1`

	var (
		p       Profile
		rawID   int64
		gender  string
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, int64(id)).Scan(
		&rawID, &p.Username, &gender, &p.Age, &p.Language, &p.IsVIP, &p.IsBanned, &expires, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get profile %d: %w", id, err)
	}
	p.ID = UserID(rawID)
	p.Gender = Gender(gender)
	if expires.Valid {
		t := expires.Time
		p.VIPExpiresAt = &t
	}
	return &p, nil
}

func (s *PostgresStore) IsBanned(ctx context.Context, id UserID) (bool, error) {
	var banned bool
	err := s.db.QueryRowContext(ctx, `SELECT is_banned FROM users WHERE user_id = $1`, int64(id)).Scan(&banned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: is banned %d: %w", id, err)
	}
	return banned, nil
}

func (s *PostgresStore) Ban(ctx context.Context, id UserID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = TRUE WHERE user_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("directory: ban %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Unban(ctx context.Context, id UserID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = FALSE WHERE user_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("directory: unban %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SetVIP(ctx context.Context, id UserID, vip bool, durationDays int) error {
	var err error
	if vip {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_vip = TRUE, vip_expires_at = NOW() + make_interval(days => $2) WHERE user_id = $1`,
			int64(id), durationDays)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_vip = FALSE, vip_expires_at = NULL WHERE user_id = $1`, int64(id))
	}
	if err != nil {
		return fmt.Errorf("directory: set vip %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) AddRating(ctx context.Context, rater, target UserID, kind RatingKind) error {
	const query = `INSERT INTO ratings (rater_id, target_id, rating_type) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, int64(rater), int64(target), string(kind)); err != nil {
		return fmt.Errorf("directory: add rating: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScamCount(ctx context.Context, target UserID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ratings WHERE target_id = $1 AND rating_type = 'scam'`, int64(target)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("directory: scam count %d: %w", target, err)
	}
	return count, nil
}

func (s *PostgresStore) Ratings(ctx context.Context, target UserID) (Tally, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE rating_type = 'good'),
			COUNT(*) FILTER (WHERE rating_type = 'bad'),
			COUNT(*) FILTER (WHERE rating_type = 'scam')
		FROM ratings WHERE target_id = $1`

	var t Tally
	if err := s.db.QueryRowContext(ctx, query, int64(target)).Scan(&t.Good, &t.Bad, &t.Scam); err != nil {
		return Tally{}, fmt.Errorf("directory: ratings %d: %w", target, err)
	}
	return t, nil
}

func (s *PostgresStore) UnbanAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = FALSE WHERE is_banned = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("directory: unban all: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_vip),
			(SELECT COUNT(*) FROM users WHERE is_banned),
			(SELECT COUNT(*) FROM ratings),
			(SELECT COUNT(*) FROM ratings WHERE rating_type = 'scam')`

	var st Stats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.TotalUsers, &st.VIPUsers, &st.BannedUsers, &st.TotalRatings, &st.TotalReports,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("directory: stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) RecentReports(ctx context.Context, limit int) ([]ReportSummary, error) {
	const query = `
		SELECT target_id, COUNT(*) AS count
		FROM ratings
		WHERE rating_type = 'scam'
		GROUP BY target_id
		ORDER BY count DESC, target_id
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: recent reports: %w", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var (
			id int64
			r  ReportSummary
		)
		if err := rows.Scan(&id, &r.Count); err != nil {
			return nil, fmt.Errorf("directory: recent reports scan: %w", err)
		}
		r.Target = UserID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Recipients(ctx context.Context) ([]UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users WHERE NOT is_banned ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("directory: recipients: %w", err)
	}
	defer rows.Close()

	var out []UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directory: recipients scan: %w", err)
		}
		out = append(out, UserID(id))
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireVIPs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_vip = FALSE WHERE is_vip AND vip_expires_at IS NOT NULL AND vip_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("directory: expire vips: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) LogChatStart(ctx context.Context, sessionID string, a, b UserID, at time.Time) error {
	const query = `
		INSERT INTO chat_history (session_id, user1_id, user2_id, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, sessionID, int64(a), int64(b), at); err != nil {
		return fmt.Errorf("directory: log chat start: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogChatEnd(ctx context.Context, sessionID string, at time.Time) error {
	const query = `UPDATE chat_history SET ended_at = $2 WHERE session_id = $1 AND ended_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, sessionID, at); err != nil {
		return fmt.Errorf("directory: log chat end: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
