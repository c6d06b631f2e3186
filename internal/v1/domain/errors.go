package domain

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy of spec section 7. Edge translates a Kind into
// a wire ERROR.code or an HTTP status; it never invents new kinds.
type Kind string

const (
	KindValidation      Kind = "Validation"
	KindRoomNotFound    Kind = "RoomNotFound"
	KindRoomFull        Kind = "RoomFull"
	KindRoomNotAvailable Kind = "RoomNotAvailable"
	KindDuplicateName   Kind = "DuplicateName"
	KindSessionExpired  Kind = "SessionExpired"
	KindUnauthorized    Kind = "Unauthorized"
	KindForbidden       Kind = "Forbidden"
	KindConflict        Kind = "Conflict"
	KindNotFound        Kind = "NotFound"
	KindInternal        Kind = "Internal"
)

// Error is the typed failure every Lobby Manager, Session Token Service,
// and Return Coordinator operation returns on the unhappy path.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, nil for pure validation failures
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is(err, &Error{Kind: KindRoomNotFound}) style checks by
// comparing only the Kind field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs a domain.Error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a domain.Error that carries an underlying cause, used when
// a Store failure must surface as KindInternal without losing the original
// error for logging.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to KindInternal for anything else.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
