package models

import "errors"

// ErrorKind classifies domain errors for the dispatch layer.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindInvalidState
	KindValidation
	KindForbidden
	KindEntitlementDenied
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindEntitlementDenied:
		return "entitlement_denied"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Error is a domain error carrying its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Not found.
var (
	ErrUserNotFound            = newError(KindNotFound, "user not found")
	ErrCounterpartNotFound     = newError(KindNotFound, "counterpart not found")
	ErrRequestNotFound         = newError(KindNotFound, "meeting request not found")
	ErrFeedbackRequestNotFound = newError(KindNotFound, "feedback request not found")
	ErrUnknownCommitment       = newError(KindNotFound, "commitment not found")
)

// Invalid state. Redelivered or racing actions end up here and are benign.
var (
	ErrAlreadyResolved    = newError(KindInvalidState, "already resolved")
	ErrAlreadySubmitted   = newError(KindInvalidState, "request already submitted")
	ErrAlreadyRegistered  = newError(KindInvalidState, "user already registered")
	ErrTimeZoneAlreadySet = newError(KindInvalidState, "time zone already set")
	ErrAlreadyInRole      = newError(KindInvalidState, "user already has this role")
)

// Validation. The record stays in its current state for correction.
var (
	ErrSlotLimitReached  = newError(KindValidation, "slot limit reached")
	ErrNoSlotsSelected   = newError(KindValidation, "no slots selected")
	ErrDurationNotChosen = newError(KindValidation, "duration not chosen")
	ErrInvalidDuration   = newError(KindValidation, "invalid duration")
	ErrInvalidSlot       = newError(KindValidation, "invalid slot")
	ErrInvalidRange      = newError(KindValidation, "days out of range")
	ErrInvalidZone       = newError(KindValidation, "invalid time zone")
	ErrInvalidDateTime   = newError(KindValidation, "invalid date or time")
	ErrInvalidOutcome    = newError(KindValidation, "invalid outcome")
	ErrEmptyDescription  = newError(KindValidation, "description is empty")
	ErrEmptyName         = newError(KindValidation, "name is empty")
	ErrHandleRequired    = newError(KindValidation, "a Telegram username is required")
	ErrInvalidRole       = newError(KindValidation, "invalid role")
)

var (
	ErrNotAuthorized      = newError(KindForbidden, "not authorized")
	ErrEntitlementExpired = newError(KindEntitlementDenied, "entitlement expired")
	ErrTransientStore     = newError(KindTransient, "store unavailable")
)

// KindOf returns the kind of the first domain error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
