package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies failures that are reported back to peers instead of aborting them.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindCapacity
	KindConflict
	KindTimeout
	KindTransport
)

var kindNames = map[Kind]string{
	KindValidation: "validation",
	KindNotFound:   "not-found",
	KindCapacity:   "capacity",
	KindConflict:   "conflict",
	KindTimeout:    "timeout",
	KindTransport:  "transport",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Wire reasons carried in {success:false, reason} replies.
const (
	ReasonInvalidMessage   = "invalid-message"
	ReasonChannelNotFound  = "channel-not-found"
	ReasonRequestNotFound  = "request-not-found"
	ReasonCapacityExceeded = "capacity-exceeded"
	ReasonChannelConflict  = "channel-config-conflict"
	ReasonTooManyPending   = "too-many-pending-requests"
	ReasonTimeout          = "timeout"
	ReasonTransportClosed  = "transport-closed"
	ReasonUnknownEvent     = "unknown-event"
	ReasonInternal         = "internal-error"
)

// Error is the structured failure shared by the codec, the broker and the client.
type Error struct {
	Kind   Kind
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// Is matches on Kind, and on Reason when the target sets one, so both
// errors.Is(err, ErrNotFound) and errors.Is(err, ErrChannelNotFound) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != 0 && t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrCapacity   = &Error{Kind: KindCapacity}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrTransport  = &Error{Kind: KindTransport}

	ErrChannelNotFound  = &Error{Kind: KindNotFound, Reason: ReasonChannelNotFound}
	ErrRequestNotFound  = &Error{Kind: KindNotFound, Reason: ReasonRequestNotFound}
	ErrCapacityExceeded = &Error{Kind: KindCapacity, Reason: ReasonCapacityExceeded}
	ErrTooManyPending   = &Error{Kind: KindCapacity, Reason: ReasonTooManyPending}
	ErrChannelConflict  = &Error{Kind: KindConflict, Reason: ReasonChannelConflict}
	ErrTransportClosed  = &Error{Kind: KindTransport, Reason: ReasonTransportClosed}
)

// NewError builds an *Error with a formatted detail.
func NewError(kind Kind, reason string, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validationf reports a malformed wire message.
func Validationf(format string, args ...any) *Error {
	return NewError(KindValidation, ReasonInvalidMessage, format, args...)
}

// ReasonOf extracts the wire reason of err, falling back to internal-error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return ReasonInternal
}

// ErrorFromReason rebuilds the error a peer reported as {success:false, reason}.
func ErrorFromReason(reason, detail string) *Error {
	kind := KindValidation
	switch reason {
	case ReasonChannelNotFound, ReasonRequestNotFound:
		kind = KindNotFound
	case ReasonCapacityExceeded, ReasonTooManyPending:
		kind = KindCapacity
	case ReasonChannelConflict:
		kind = KindConflict
	case ReasonTimeout:
		kind = KindTimeout
	case ReasonTransportClosed:
		kind = KindTransport
	case "":
		reason = ReasonInternal
	}
	return &Error{Kind: kind, Reason: reason, Detail: detail}
}
