// Package protocol defines the JSON messages exchanged with the transport
// layer over NATS. Inbound commands and outbound notices share one envelope
// format with a "type" discriminator, decoded in two passes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Transport -> core command types.
const (
	TypeStart            = "start"
	TypeSearch           = "search"
	TypeChoosePreference = "choose_preference"
	TypeStop             = "stop"
	TypeNext             = "next"
	TypeMessage          = "message"
	TypeMedia            = "media"
	TypeRate             = "rate"

	TypeAdminBan       = "admin.ban"
	TypeAdminUnban     = "admin.unban"
	TypeAdminUnbanAll  = "admin.unban_all"
	TypeAdminGiveVIP   = "admin.give_vip"
	TypeAdminStats     = "admin.stats"
	TypeAdminReports   = "admin.reports"
	TypeAdminBroadcast = "admin.broadcast"
)

// Core -> transport notice types.
const (
	TypeRegistered          = "registered"
	TypeNeedPreference      = "need_preference"
	TypePreferenceDefaulted = "preference_defaulted"
	TypeSearching           = "searching"
	TypeSearchTimeout       = "search_timeout"
	TypeSearchCancelled     = "search_cancelled"
	TypePaired              = "paired"
	TypeRandomMatch         = "random_match"
	TypeChatEnded           = "chat_ended"
	TypePartnerLeft         = "partner_left"
	TypeMessageBlocked      = "message_blocked"
	TypeRatePrompt          = "rate_prompt"
	TypeRated               = "rated"
	TypeRateLimited         = "rate_limited"
	TypeBanned              = "banned"
	TypeAdminAlert          = "admin_alert"
	TypeStats               = "stats"
	TypeReports             = "reports"
	TypeAck                 = "ack"
	TypeAnnouncement        = "announcement"
	TypeBroadcastResult     = "broadcast_result"
	TypeError               = "error"
)

// Delivery types carried on the per-user delivery subject.
const (
	TypeDeliverText  = "deliver_text"
	TypeDeliverMedia = "deliver_media"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type, the acting user and the raw JSON
// payload for deferred parsing into a concrete struct.
type Envelope struct {
	Type   string          `json:"type"`
	UserID int64           `json:"user_id"`
	Raw    json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the
// discriminator and user ID.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type   string `json:"type"`
		UserID int64  `json:"user_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	if partial.UserID == 0 {
		return fmt.Errorf("protocol: missing or zero \"user_id\" field")
	}
	e.Type = partial.Type
	e.UserID = partial.UserID
	return nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// StartCmd registers the user or refreshes their profile. It also resets
// any pending partner preference.
type StartCmd struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Gender   string `json:"gender"`
	Age      int    `json:"age"`
	Language string `json:"language,omitempty"`
}

// SearchCmd asks to be paired with a partner.
type SearchCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// ChoosePreferenceCmd answers a need_preference prompt.
type ChoosePreferenceCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Target string `json:"target"` // any | male | female
}

// StopCmd cancels a search or ends the current chat.
type StopCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// NextCmd ends the current chat, if any, and searches again.
type NextCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// MessageCmd is a text message for the current partner.
type MessageCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

// MediaCmd references a media message the transport holds; the transport
// copies it to the partner without attribution.
type MediaCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Ref    string `json:"ref"`
}

// RateCmd rates the partner of a chat that just ended.
type RateCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Target int64  `json:"target"`
	Kind   string `json:"kind"` // good | bad | scam
}

// AdminTargetCmd is shared by admin.ban and admin.unban.
type AdminTargetCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Target int64  `json:"target"`
}

// AdminGiveVIPCmd grants VIP for Days (zero means the configured default).
type AdminGiveVIPCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Target int64  `json:"target"`
	Days   int    `json:"days,omitempty"`
}

// AdminReportsCmd lists the most reported users.
type AdminReportsCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

// AdminBroadcastCmd sends Text to every user that is not banned.
type AdminBroadcastCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

// AdminCmd carries admin commands without arguments.
type AdminCmd struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// ---------------------------------------------------------------------------
// Notices
// ---------------------------------------------------------------------------

// RegisteredMsg confirms a start command.
type RegisteredMsg struct {
	Type string `json:"type"`
}

// NeedPreferenceMsg asks a VIP user which partner gender to look for.
type NeedPreferenceMsg struct {
	Type    string   `json:"type"`
	Choices []string `json:"choices"`
	Timeout int      `json:"timeout,omitempty"` // seconds before falling back to "any"
}

// PreferenceDefaultedMsg tells a VIP user the prompt expired.
type PreferenceDefaultedMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// SearchingMsg confirms the user is waiting in the queue.
type SearchingMsg struct {
	Type string `json:"type"`
}

// SearchTimeoutMsg is sent when a queued search gave up.
type SearchTimeoutMsg struct {
	Type string `json:"type"`
}

// SearchCancelledMsg confirms a stop while searching.
type SearchCancelledMsg struct {
	Type string `json:"type"`
}

// PartnerInfo is shown to VIP users when they get paired.
type PartnerInfo struct {
	Gender string `json:"gender"`
	Age    int    `json:"age"`
	Good   int    `json:"good"`
	Bad    int    `json:"bad"`
	Scam   int    `json:"scam"`
}

// PairedMsg announces a new chat.
type PairedMsg struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Partner   *PartnerInfo `json:"partner,omitempty"`
}

// RandomMatchMsg tells a VIP user the requested gender was not available.
type RandomMatchMsg struct {
	Type   string `json:"type"`
	Wanted string `json:"wanted"`
}

// ChatEndedMsg confirms the user's own stop.
type ChatEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PartnerLeftMsg is sent when the other side ended the chat or was removed.
type PartnerLeftMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MessageBlockedMsg is returned to the sender of a rejected message.
type MessageBlockedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Term   string `json:"term,omitempty"`
}

// RatePromptMsg asks a former participant to rate the other side.
type RatePromptMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Target    int64    `json:"target"`
	Choices   []string `json:"choices"`
}

// RatedMsg confirms a rating.
type RatedMsg struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// RateLimitedMsg is sent when a user exceeds a throttle.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent to a user when they are banned.
type BannedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// AdminAlertMsg reports a scam report to the administrators.
type AdminAlertMsg struct {
	Type      string   `json:"type"`
	Target    int64    `json:"target"`
	Reporter  int64    `json:"reporter"`
	Count     int      `json:"count"`
	Threshold int      `json:"threshold"`
	Banned    bool     `json:"banned"`
	Evidence  []string `json:"evidence,omitempty"`
}

// StatsMsg answers admin.stats.
type StatsMsg struct {
	Type           string `json:"type"`
	TotalUsers     int    `json:"total_users"`
	VIPUsers       int    `json:"vip_users"`
	BannedUsers    int    `json:"banned_users"`
	TotalRatings   int    `json:"total_ratings"`
	TotalReports   int    `json:"total_reports"`
	Queued         int    `json:"queued"`
	ActiveSessions int    `json:"active_sessions"`
}

// ReportEntry is one line of ReportsMsg.
type ReportEntry struct {
	Target   int64    `json:"target"`
	Count    int      `json:"count"`
	Evidence []string `json:"evidence,omitempty"` // from the latest report
}

// ReportsMsg answers admin.reports.
type ReportsMsg struct {
	Type    string        `json:"type"`
	Reports []ReportEntry `json:"reports"`
}

// AckMsg confirms an admin command.
type AckMsg struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Target   int64  `json:"target,omitempty"`
	Affected int    `json:"affected,omitempty"`
}

// AnnouncementMsg carries an administrator broadcast.
type AnnouncementMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BroadcastResultMsg answers admin.broadcast.
type BroadcastResultMsg struct {
	Type   string `json:"type"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// ErrorMsg communicates a failed command.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

// DeliverTextMsg carries a relayed text. It never names the sender.
type DeliverTextMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DeliverMediaMsg asks the transport to copy a media message from the
// source chat into the recipient's chat as an anonymous copy.
type DeliverMediaMsg struct {
	Type   string `json:"type"`
	Source int64  `json:"source"`
	Ref    string `json:"ref"`
}

// DeliveryReply is the transport's answer to a delivery request.
type DeliveryReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseCommand parses raw bytes into a typed command. It returns the
// envelope, the decoded struct and any error. Unknown or notice-only types
// are rejected.
func ParseCommand(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("protocol: failed to parse command: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStart:
		var m StartCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearch:
		var m SearchCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChoosePreference:
		var m ChoosePreferenceCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStop:
		var m StopCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNext:
		var m NextCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMedia:
		var m MediaCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRate:
		var m RateCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminBan, TypeAdminUnban:
		var m AdminTargetCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminGiveVIP:
		var m AdminGiveVIPCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminReports:
		var m AdminReportsCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminBroadcast:
		var m AdminBroadcastCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminUnbanAll, TypeAdminStats:
		var m AdminCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env, nil, fmt.Errorf("protocol: unknown command type: %q", env.Type)
	}

	if err != nil {
		return env, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env, msg, nil
}

// IsAdminCommand reports whether msgType is restricted to administrators.
func IsAdminCommand(msgType string) bool {
	switch msgType {
	case TypeAdminBan, TypeAdminUnban, TypeAdminUnbanAll, TypeAdminGiveVIP, TypeAdminStats, TypeAdminReports, TypeAdminBroadcast:
		return true
	}
	return false
}

// NewServerMessage creates a JSON-encoded notice. The msgType is injected
// into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
