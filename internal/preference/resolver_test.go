package preference

import (
	"sort"
	"testing"
	"time"

	"github.com/whisper/pairing/internal/directory"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"any", Any, false},
		{"Male", Male, false},
		{" female ", Female, false},
		{"other", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTargetGender(t *testing.T) {
	if g, ok := Male.Gender(); !ok || g != directory.GenderMale {
		t.Errorf("Male.Gender() = %q, %v", g, ok)
	}
	if g, ok := Female.Gender(); !ok || g != directory.GenderFemale {
		t.Errorf("Female.Gender() = %q, %v", g, ok)
	}
	if _, ok := Any.Gender(); ok {
		t.Error("Any must not map to a gender")
	}
}

func TestResolver_Lifecycle(t *testing.T) {
	r := NewResolver()

	if _, ok := r.Get(1); ok {
		t.Fatal("new user should be unresolved")
	}

	r.MarkPrompted(1, time.Now())
	if !r.Prompted(1) {
		t.Error("expected outstanding prompt")
	}

	r.Set(1, Female)
	if got, ok := r.Get(1); !ok || got != Female {
		t.Errorf("Get() = %q, %v; want female", got, ok)
	}
	if r.Prompted(1) {
		t.Error("Set must close the prompt")
	}

	r.Clear(1)
	if _, ok := r.Get(1); ok {
		t.Error("Clear must return to unresolved")
	}
	r.Clear(1)
}

func TestResolver_Effective(t *testing.T) {
	r := NewResolver()
	r.Set(1, Male)
	r.Set(2, Male)

	vip := &directory.Profile{ID: 1, IsVIP: true}
	regular := &directory.Profile{ID: 2}

	if got := r.Effective(vip); got != Male {
		t.Errorf("VIP effective = %q, want male", got)
	}
	if got := r.Effective(regular); got != Any {
		t.Errorf("non-VIP effective = %q, want any", got)
	}
	if got := r.Effective(&directory.Profile{ID: 3, IsVIP: true}); got != Any {
		t.Errorf("unresolved VIP effective = %q, want any", got)
	}
	if got := r.Effective(nil); got != Any {
		t.Errorf("nil profile effective = %q, want any", got)
	}
}

func TestResolver_Expired(t *testing.T) {
	r := NewResolver()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	r.MarkPrompted(1, base)
	r.MarkPrompted(2, base.Add(30*time.Second))
	r.MarkPrompted(3, base.Add(50*time.Second))

	if got := r.Expired(base.Add(time.Hour), 0); got != nil {
		t.Errorf("zero timeout expired %v", got)
	}

	got := r.Expired(base.Add(90*time.Second), time.Minute)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Expired() = %v, want [1 2]", got)
	}
	if r.Prompted(1) || !r.Prompted(3) {
		t.Error("expired prompts must be removed, fresh ones kept")
	}
	if again := r.Expired(base.Add(90*time.Second), time.Minute); len(again) != 0 {
		t.Errorf("second sweep returned %v", again)
	}
}
