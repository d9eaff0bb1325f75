package generator

import (
	"errors"
	"fmt"

	"aicodeview-backend/internal/provider"
)

// Kind classifies a generation failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindTransport
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

const (
	MsgGeneric = "An error occurred. Please try again."
	NoResponse = "No response generated"
)

// ValidationMessage is shown when the input is shorter than minLength.
func ValidationMessage(minLength int) string {
	return fmt.Sprintf("Please enter at least %d characters to generate code.", minLength)
}

// Error is a failed generation. Message is safe to show to the user; Err is
// the underlying cause, if any.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage turns any error into the string published to the user.
func UserMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	return MsgGeneric
}

// classify maps a provider failure to a generator error. Only a remote error
// that carries its own detail changes the message shown to the user.
func classify(err error) *Error {
	var remote *provider.RemoteError
	if errors.As(err, &remote) {
		msg := remote.Message
		if msg == "" {
			msg = MsgGeneric
		}
		return &Error{Kind: KindRemote, Message: msg, Err: err}
	}
	return &Error{Kind: KindTransport, Message: MsgGeneric, Err: err}
}
