package client

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Sentinel errors for caller-visible session conditions. All of these
// may arrive wrapped; test with errors.Is.
var (
	// ErrAlreadyConnected is returned by Connect on a client that has
	// already been connected. A client is single-use.
	ErrAlreadyConnected = errors.New("client already connected; cannot be reused")

	// ErrClosed is returned for queries issued after End.
	ErrClosed = errors.New("client was closed")

	// ErrNotQueryable is returned for queries issued after the
	// connection broke.
	ErrNotQueryable = errors.New("client is not queryable")

	// ErrConnectTimeout is the connect-deadline expiry.
	ErrConnectTimeout = errors.New("timeout expired")

	// ErrQueryTimeout is the per-query read-timeout expiry.
	ErrQueryTimeout = errors.New("query read timeout")

	// ErrTerminated is delivered to queries interrupted by a forced End.
	ErrTerminated = errors.New("connection terminated")

	// ErrTerminatedUnexpectedly is surfaced when the transport closes
	// without End being requested.
	ErrTerminatedUnexpectedly = errors.New("connection terminated unexpectedly")

	// ErrCanceled is delivered to a queued query removed by Cancel.
	ErrCanceled = errors.New("query canceled before execution")
)

// errQueryNil rejects a nil handler passed to Query.
var errQueryNil = errors.New("query handler must not be nil")

// PgError is an ErrorResponse from the backend.
type PgError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int32
	Where    string
	File     string
	Line     int32
	Routine  string
}

func (e *PgError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// IsAuthenticationFailure reports whether the error is an
// authentication or authorization rejection from the backend.
func (e *PgError) IsAuthenticationFailure() bool {
	return e.Code == pgerrcode.InvalidPassword ||
		e.Code == pgerrcode.InvalidAuthorizationSpecification
}

// newPgError converts a wire ErrorResponse into a PgError.
func newPgError(msg *pgproto3.ErrorResponse) *PgError {
	return &PgError{
		Severity: msg.Severity,
		Code:     msg.Code,
		Message:  msg.Message,
		Detail:   msg.Detail,
		Hint:     msg.Hint,
		Position: msg.Position,
		Where:    msg.Where,
		File:     msg.File,
		Line:     msg.Line,
		Routine:  msg.Routine,
	}
}

// protocolViolationError marks a backend message that arrived with no
// active query to own it.
func protocolViolationError(msg pgproto3.BackendMessage) error {
	return fmt.Errorf("protocol violation: received %T with no active query (SQLSTATE %s)",
		msg, pgerrcode.ProtocolViolation)
}
