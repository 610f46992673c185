package core

import (
	"errors"
	"fmt"
)

// FailureKind classifies session errors so the presentation layer can show
// a specific reason instead of a generic failure.
type FailureKind uint8

const (
	FailUnknown FailureKind = iota
	FailSignaling
	FailMediaAcquisition
	FailTransportJoin
	FailAuthorizationDenied
	FailRoomNotFound
	FailSessionNotFound
	FailRoomFull
	FailTransitionInProgress
	FailInvalidState
	FailCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailSignaling:
		return "signaling_failure"
	case FailMediaAcquisition:
		return "media_acquisition_failure"
	case FailTransportJoin:
		return "transport_join_failure"
	case FailAuthorizationDenied:
		return "authorization_denied"
	case FailRoomNotFound:
		return "room_not_found"
	case FailSessionNotFound:
		return "session_not_found"
	case FailRoomFull:
		return "room_full"
	case FailTransitionInProgress:
		return "transition_in_progress"
	case FailInvalidState:
		return "invalid_state"
	case FailCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Failure wraps an underlying error with its kind and the operation that hit it.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is match any Failure of the same kind.
func (f *Failure) Is(target error) bool {
	var t *Failure
	if !errors.As(target, &t) {
		return false
	}
	return f.Kind == t.Kind
}

func Fail(kind FailureKind, op string, err error) error {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind, FailUnknown for foreign errors.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailUnknown
}

// Sentinels for conditions with no underlying cause.
var (
	ErrTransitionInProgress = &Failure{Kind: FailTransitionInProgress, Op: "command"}
	ErrAuthorizationDenied  = &Failure{Kind: FailAuthorizationDenied, Op: "command"}
	ErrRoomNotFound         = &Failure{Kind: FailRoomNotFound, Op: "room"}
	ErrSessionNotFound      = &Failure{Kind: FailSessionNotFound, Op: "call"}
	ErrRoomFull             = &Failure{Kind: FailRoomFull, Op: "join"}
	ErrInvalidState         = &Failure{Kind: FailInvalidState, Op: "command"}
)
