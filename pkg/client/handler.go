package client

import (
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// QueryHandler is the contract between the session and a query object.
// The session is pure glue: it serializes the handler's frames onto the
// wire via Submit and forwards every backend message inside the query's
// response window to the matching handler method. It never inspects row
// data.
//
// Handler methods are invoked from the session's event loop; they must
// not call back into the session and must not block.
type QueryHandler interface {
	// Submit writes the query's frontend frames. A returned error is a
	// preflight failure: nothing was sent and the session will deliver
	// the error to the query asynchronously.
	Submit(frontend *pgproto3.Frontend) error

	// Describe names the query for the session's prepared-statement
	// bookkeeping: the optional statement name and the SQL text.
	Describe() (name, text string)

	HandleRowDescription(msg *pgproto3.RowDescription)
	HandleDataRow(msg *pgproto3.DataRow)
	HandlePortalSuspended(msg *pgproto3.PortalSuspended)
	HandleEmptyQueryResponse(msg *pgproto3.EmptyQueryResponse)
	HandleCommandComplete(msg *pgproto3.CommandComplete)
	HandleCopyInResponse(msg *pgproto3.CopyInResponse)
	HandleCopyData(msg *pgproto3.CopyData)

	// HandleError delivers the query's terminal error: a backend
	// ErrorResponse, a timeout, or a session failure.
	HandleError(err error)

	// HandleReadyForQuery closes the query's response window.
	HandleReadyForQuery()
}

// BinaryDefaulter is implemented by handlers that accept the session's
// default binary-result preference. The session calls SetDefaultBinary
// at enqueue time; a handler that already has an explicit preference
// should ignore the call.
type BinaryDefaulter interface {
	SetDefaultBinary(binary bool)
}

// TypeMapReceiver is implemented by handlers whose results decode
// values through a type-parser registry. The session attaches its
// configured registry at enqueue time.
type TypeMapReceiver interface {
	SetTypeMap(m *pgtype.Map)
}

// ReadTimeouter is implemented by handlers that override the session's
// default per-query read timeout.
type ReadTimeouter interface {
	ReadTimeout() (d time.Duration, ok bool)
}

// SkipsParse is implemented by handlers that can suppress their Parse
// frame when the session has already parsed the named statement with
// identical text on this connection.
type SkipsParse interface {
	SetParsed(alreadyParsed bool)
}
