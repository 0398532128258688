package mlprotocol

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the multilock protocol.
var (
	// ErrLineTooLong indicates a protocol line exceeded MaxLineLength.
	ErrLineTooLong = errors.New("line too long")

	// ErrClientNotFound indicates a lookup for an unknown client when
	// creation was not allowed.
	ErrClientNotFound = errors.New("could not find client")

	// ErrNotConnected indicates an operation on a closed transport.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownScheme indicates a target address Dial cannot handle.
	ErrUnknownScheme = errors.New("unknown target scheme")
)

// ParseError describes a grammar or validation failure. It carries the
// command and tag parsed so far, the errno the failure maps to, a detail
// message and the literal offending token, so that a report line alone is
// enough to reproduce the failure.
type ParseError struct {
	Command  Command
	Tag      int64
	Errno    unix.Errno
	Detail   string
	BadToken string
}

// Error implements the error interface. The format is also the payload of
// the PARSE_ERROR record returned alongside the error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %d ERRNO %d %q %q bad token %q",
		e.Command, e.Tag, int(e.Errno), e.Errno.Error(), e.Detail, e.BadToken)
}

// ErrnoName returns the symbolic errno, e.g. "EINVAL".
func (e *ParseError) ErrnoName() string {
	if name := unix.ErrnoName(e.Errno); name != "" {
		return name
	}
	return fmt.Sprintf("errno %d", int(e.Errno))
}

// syntaxError is raised by the tokenizer and field readers; the parser
// turns it into a ParseError once it knows the command and tag.
type syntaxError struct {
	errno  unix.Errno
	detail string
	bad    string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("%s: bad token %q", e.detail, e.bad)
}

func newSyntaxError(detail, bad string) error {
	return &syntaxError{errno: unix.EINVAL, detail: detail, bad: bad}
}

// MismatchError is returned by Compare when a received record does not
// satisfy an expectation.
type MismatchError struct {
	Field  string
	Value  string
	Reason string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("Unexpected %s %s", e.Field, e.Value)
}

func mismatch(field string, value any) error {
	return &MismatchError{Field: field, Value: fmt.Sprint(value)}
}

// ConnectionError represents a transport failure.
type ConnectionError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) error {
	return &ConnectionError{Message: message, Cause: cause}
}
