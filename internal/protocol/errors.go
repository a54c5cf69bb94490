package protocol

import "fmt"

// Kind classifies a sync failure so the HTTP layer can map it to a status
// code and the client to a user-facing message.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthFailed
	KindAccountUnconfirmed
	KindPasswordChangeRequired
	KindProtocolMismatch
	KindObsoleteClient
	KindSchemaIncompatible
	KindMediaConflict
	KindQueueTimeout
	KindSanityCheckFailed
	KindNotFound
	KindBadRequest
)

// Error is a sync failure with a protocol classification.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AuthMessage returns the wire discriminator string for auth failures, which
// clients surface to the user verbatim.
func (e *Error) AuthMessage() string {
	switch e.Kind {
	case KindAccountUnconfirmed:
		return "account-unconfirmed"
	case KindPasswordChangeRequired:
		return "password-change-required"
	default:
		return "auth"
	}
}
