// Package errs defines the error taxonomy shared by the pairing core.
//
// Every failure surfaced to a caller is an *Error carrying a Kind (how the
// caller should react), a stable machine code and a user-facing message.
// User-state errors are plain sentinels so callers can match them with
// errors.Is; the other kinds wrap the underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the way it has to be handled.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate here.
	KindUnknown Kind = iota

	// KindUserState: the caller is already queued, paired, banned or
	// otherwise not allowed to perform the action. Recovered locally.
	KindUserState

	// KindConsistency: an internal invariant was about to be broken. The
	// operation was aborted with no state change. Indicates a bug.
	KindConsistency

	// KindDelivery: the messaging collaborator failed to deliver.
	// Transient, the session stays open.
	KindDelivery

	// KindDirectoryUnavailable: the user directory could not be reached.
	// Fails only the current request and is retryable.
	KindDirectoryUnavailable

	// KindValidation: the request payload itself is malformed.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUserState:
		return "user_state"
	case KindConsistency:
		return "consistency"
	case KindDelivery:
		return "delivery"
	case KindDirectoryUnavailable:
		return "directory_unavailable"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the concrete error type used across the core.
type Error struct {
	Kind    Kind
	Code    string
	Message string // safe to show to the end user
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind and code so that a wrapped copy of a
// sentinel still satisfies errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// User-state sentinels.
var (
	ErrNotRegistered    = &Error{Kind: KindUserState, Code: "not_registered", Message: "Please complete registration first by sending /start."}
	ErrBanned           = &Error{Kind: KindUserState, Code: "banned", Message: "You have been banned from using this service due to violations."}
	ErrAlreadyChatting  = &Error{Kind: KindUserState, Code: "already_chatting", Message: "You're already in a chat. Use /stop to end it first."}
	ErrAlreadySearching = &Error{Kind: KindUserState, Code: "already_searching", Message: "You're already in the search queue. Please wait..."}
	ErrNotInChat        = &Error{Kind: KindUserState, Code: "not_in_chat", Message: "You're not in an active chat. Use /search to find a partner."}
	ErrNoPendingRating  = &Error{Kind: KindUserState, Code: "no_pending_rating", Message: "There is no chat to rate right now."}
	ErrRateLimited      = &Error{Kind: KindUserState, Code: "rate_limited", Message: "You're doing that too often. Please slow down."}
	ErrNotAdmin         = &Error{Kind: KindUserState, Code: "not_admin", Message: "This command is for administrators only."}
)

// Consistency sentinels.
var (
	ErrPairConflict = &Error{Kind: KindConsistency, Code: "pair_conflict", Message: "Something went wrong, please try again."}
	ErrSelfMatch    = &Error{Kind: KindConsistency, Code: "self_match", Message: "Something went wrong, please try again."}
)

// Consistency returns a consistency violation wrapping cause.
func Consistency(sentinel *Error, cause error) *Error {
	return &Error{Kind: KindConsistency, Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// Delivery wraps a messaging failure.
func Delivery(cause error) *Error {
	return &Error{
		Kind:    KindDelivery,
		Code:    "delivery_failed",
		Message: "Failed to deliver your message. Your partner may have left.",
		Err:     cause,
	}
}

// DirectoryUnavailable wraps a directory failure.
func DirectoryUnavailable(cause error) *Error {
	return &Error{
		Kind:    KindDirectoryUnavailable,
		Code:    "directory_unavailable",
		Message: "Service is temporarily unavailable, please try again.",
		Err:     cause,
	}
}

// Validation reports a malformed request.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage returns the user-facing message for err, falling back to a
// generic text for foreign errors.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Something went wrong, please try again."
}
