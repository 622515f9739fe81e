package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("matching: search 42: %w", ErrAlreadySearching)

	if !errors.Is(wrapped, ErrAlreadySearching) {
		t.Fatal("expected wrapped sentinel to match")
	}
	if errors.Is(wrapped, ErrAlreadyChatting) {
		t.Fatal("different codes must not match")
	}
	if KindOf(wrapped) != KindUserState {
		t.Errorf("KindOf = %v, want %v", KindOf(wrapped), KindUserState)
	}
}

func TestConsistencyKeepsCause(t *testing.T) {
	cause := errors.New("user 7 already active")
	err := Consistency(ErrPairConflict, cause)

	if !errors.Is(err, ErrPairConflict) {
		t.Error("expected errors.Is(err, ErrPairConflict)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if KindOf(err) != KindConsistency {
		t.Errorf("KindOf = %v, want consistency", KindOf(err))
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("foreign errors should be KindUnknown")
	}
	if got := UserMessage(errors.New("boom")); got == "" {
		t.Error("UserMessage should fall back to a generic text")
	}
}

func TestDeliveryAndDirectoryKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"delivery", Delivery(errors.New("timeout")), KindDelivery},
		{"directory", DirectoryUnavailable(errors.New("conn refused")), KindDirectoryUnavailable},
		{"validation", Validation("empty", "message text is empty"), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
			if UserMessage(tt.err) == "" {
				t.Error("expected a user message")
			}
		})
	}
}
