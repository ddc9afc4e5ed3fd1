package apiclient

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed API call.
type ErrorKind string

const (
	// KindNetwork is a transport failure: the request never got a response.
	KindNetwork ErrorKind = "network"
	// KindTimeout is a call that ran past its deadline. Users see the same
	// message as a network failure.
	KindTimeout ErrorKind = "timeout"
	// KindEnvelope is a response with success=false.
	KindEnvelope ErrorKind = "envelope"
	// KindPrecondition is a call skipped before reaching the network.
	KindPrecondition ErrorKind = "precondition"
	// KindDecode is a response body that could not be parsed.
	KindDecode ErrorKind = "decode"
)

const (
	msgNetwork = "Failed to connect to server."
	msgDecode  = "Unexpected response from server."
)

// Error is returned by every Client method.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	if e.Code != "" {
		s += " (code=" + e.Code + ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// UserMessage returns the text to show for err. Envelope failures keep the
// server message verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
