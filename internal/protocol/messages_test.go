package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid choose_preference command
// ---------------------------------------------------------------------------

func TestParseCommand_ChoosePreference(t *testing.T) {
	input := []byte(`{"type":"choose_preference","user_id":42,"target":"female"}`)

	env, msg, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeChoosePreference {
		t.Fatalf("expected type %q, got %q", TypeChoosePreference, env.Type)
	}
	if env.UserID != 42 {
		t.Errorf("expected user_id 42, got %d", env.UserID)
	}

	cp, ok := msg.(ChoosePreferenceCmd)
	if !ok {
		t.Fatalf("expected ChoosePreferenceCmd, got %T", msg)
	}
	if cp.Target != "female" {
		t.Errorf("expected target %q, got %q", "female", cp.Target)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message command
// ---------------------------------------------------------------------------

func TestParseCommand_Message(t *testing.T) {
	input := []byte(`{"type":"message","user_id":7,"text":"Hello!"}`)

	_, msg, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mc, ok := msg.(MessageCmd)
	if !ok {
		t.Fatalf("expected MessageCmd, got %T", msg)
	}
	if mc.UserID != 7 || mc.Text != "Hello!" {
		t.Errorf("unexpected command %+v", mc)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a paired notice
// ---------------------------------------------------------------------------

func TestNewServerMessage_Paired(t *testing.T) {
	payload := PairedMsg{
		SessionID: "uuid-456",
		Partner:   &PartnerInfo{Gender: "female", Age: 24, Good: 3},
	}

	data, err := NewServerMessage(TypePaired, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypePaired {
		t.Errorf("expected type %q, got %v", TypePaired, result["type"])
	}
	if result["session_id"] != "uuid-456" {
		t.Errorf("expected session_id %q, got %v", "uuid-456", result["session_id"])
	}

	partner, ok := result["partner"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected partner to be an object, got %T", result["partner"])
	}
	if partner["gender"] != "female" {
		t.Errorf("expected partner gender female, got %v", partner["gender"])
	}
	if age, _ := partner["age"].(float64); int(age) != 24 {
		t.Errorf("expected partner age 24, got %v", partner["age"])
	}
}

func TestNewServerMessage_OmitsPartnerForRegularUsers(t *testing.T) {
	data, err := NewServerMessage(TypePaired, PairedMsg{SessionID: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, ok := result["partner"]; ok {
		t.Error("partner must be omitted when not set")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown command type returns an error
// ---------------------------------------------------------------------------

func TestParseCommand_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","user_id":1}`)

	env, msg, err := ParseCommand(input)
	if err == nil {
		t.Fatal("expected an error for unknown command type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if env.Type != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", env.Type)
	}
}

func TestParseCommand_NoticeTypeRejected(t *testing.T) {
	if _, _, err := ParseCommand([]byte(`{"type":"paired","user_id":1}`)); err == nil {
		t.Fatal("notice types must not parse as commands")
	}
}

func TestParseCommand_BadPayload(t *testing.T) {
	_, _, err := ParseCommand([]byte(`{"type":"rate","user_id":1,"target":"not-a-number"}`))
	if err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"user_id":1}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_MissingUser(t *testing.T) {
	input := []byte(`{"type":"search"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing user_id, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all command types succeeds
// ---------------------------------------------------------------------------

func TestParseCommand_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
		admin    bool
	}{
		{"start", `{"type":"start","user_id":1,"gender":"male","age":20}`, TypeStart, false},
		{"search", `{"type":"search","user_id":1}`, TypeSearch, false},
		{"choose_preference", `{"type":"choose_preference","user_id":1,"target":"any"}`, TypeChoosePreference, false},
		{"stop", `{"type":"stop","user_id":1}`, TypeStop, false},
		{"next", `{"type":"next","user_id":1}`, TypeNext, false},
		{"message", `{"type":"message","user_id":1,"text":"hi"}`, TypeMessage, false},
		{"media", `{"type":"media","user_id":1,"ref":"m-9"}`, TypeMedia, false},
		{"rate", `{"type":"rate","user_id":1,"target":2,"kind":"good"}`, TypeRate, false},
		{"admin.ban", `{"type":"admin.ban","user_id":1,"target":2}`, TypeAdminBan, true},
		{"admin.unban", `{"type":"admin.unban","user_id":1,"target":2}`, TypeAdminUnban, true},
		{"admin.unban_all", `{"type":"admin.unban_all","user_id":1}`, TypeAdminUnbanAll, true},
		{"admin.give_vip", `{"type":"admin.give_vip","user_id":1,"target":2,"days":7}`, TypeAdminGiveVIP, true},
		{"admin.stats", `{"type":"admin.stats","user_id":1}`, TypeAdminStats, true},
		{"admin.reports", `{"type":"admin.reports","user_id":1,"limit":5}`, TypeAdminReports, true},
		{"admin.broadcast", `{"type":"admin.broadcast","user_id":1,"text":"maintenance at noon"}`, TypeAdminBroadcast, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, msg, err := ParseCommand([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, env.Type)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
			if IsAdminCommand(env.Type) != tc.admin {
				t.Errorf("IsAdminCommand(%q) = %v, want %v", env.Type, !tc.admin, tc.admin)
			}
		})
	}
}
