// Package directory is the user directory: registration, ban and VIP flags,
// the append-only rating log and chat history. The pairing core only talks
// to it through the Directory interface; PostgresStore is the production
// implementation and MemoryStore backs tests and local development.
package directory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UserID is the stable numeric identifier of a user.
type UserID int64

func (id UserID) String() string { return fmt.Sprintf("%d", int64(id)) }

// Gender of a profile.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ParseGender validates a gender string.
func ParseGender(s string) (Gender, error) {
	switch g := Gender(strings.ToLower(strings.TrimSpace(s))); g {
	case GenderMale, GenderFemale, GenderOther:
		return g, nil
	default:
		return "", fmt.Errorf("directory: invalid gender %q", s)
	}
}

// Profile is a read-only view of a user. It is fetched fresh for each
// decision and never cached by the core.
type Profile struct {
	ID           UserID
	Username     string
	Gender       Gender
	Age          int
	Language     string
	IsVIP        bool
	IsBanned     bool
	VIPExpiresAt *time.Time
	CreatedAt    time.Time
}

// RatingKind is the feedback left after a chat.
type RatingKind string

const (
	RatingGood RatingKind = "good"
	RatingBad  RatingKind = "bad"
	RatingScam RatingKind = "scam"
)

// ParseRatingKind validates a rating kind.
func ParseRatingKind(s string) (RatingKind, error) {
	switch k := RatingKind(strings.ToLower(strings.TrimSpace(s))); k {
	case RatingGood, RatingBad, RatingScam:
		return k, nil
	default:
		return "", fmt.Errorf("directory: invalid rating kind %q", s)
	}
}

// Rating is one immutable entry of the rating log.
type Rating struct {
	Rater     UserID
	Target    UserID
	Kind      RatingKind
	CreatedAt time.Time
}

// Tally aggregates the ratings received by a user.
type Tally struct {
	Good int
	Bad  int
	Scam int
}

// Stats are directory-wide counters for the admin dashboard.
type Stats struct {
	TotalUsers   int
	VIPUsers     int
	BannedUsers  int
	TotalRatings int
	TotalReports int
}

// ReportSummary is the number of scam reports filed against a user.
type ReportSummary struct {
	Target UserID
	Count  int
}

// Directory is the contract the pairing core consumes.
//
// GetProfile returns (nil, nil) for unknown users. Every other error means
// the directory could not be reached.
type Directory interface {
	GetProfile(ctx context.Context, id UserID) (*Profile, error)
	IsBanned(ctx context.Context, id UserID) (bool, error)
	Ban(ctx context.Context, id UserID) error
	Unban(ctx context.Context, id UserID) error
	SetVIP(ctx context.Context, id UserID, vip bool, durationDays int) error
	AddRating(ctx context.Context, rater, target UserID, kind RatingKind) error
	ScamCount(ctx context.Context, target UserID) (int, error)
	Ratings(ctx context.Context, target UserID) (Tally, error)
}

// Admin is implemented by stores that support the operator commands.
type Admin interface {
	UnbanAll(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	RecentReports(ctx context.Context, limit int) ([]ReportSummary, error)
	ExpireVIPs(ctx context.Context, now time.Time) (int, error)
	// Recipients lists every user that is not banned, in ascending ID order.
	Recipients(ctx context.Context) ([]UserID, error)
}

// History records chat sessions for auditing.
type History interface {
	LogChatStart(ctx context.Context, sessionID string, a, b UserID, at time.Time) error
	LogChatEnd(ctx context.Context, sessionID string, at time.Time) error
}

// Registrar creates and updates user profiles.
type Registrar interface {
	CreateUser(ctx context.Context, p Profile) error
}
