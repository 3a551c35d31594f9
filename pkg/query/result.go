package query

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// Result accumulates one statement's response: row metadata, decoded
// rows, and the command tag.
type Result struct {
	// Fields is the column metadata from RowDescription. Empty for
	// statements that return no rows.
	Fields []pgproto3.FieldDescription

	// Rows holds one decoded value per column. Values decode through
	// the attached pgtype registry when one is present; otherwise text
	// values become string and binary values []byte.
	Rows [][]any

	// CommandTag is the completion tag, e.g. "SELECT 1".
	CommandTag string

	// Suspended is true when the portal suspended before completion.
	Suspended bool
}

// RowsAffected parses the row count out of the command tag, or 0.
func (r *Result) RowsAffected() int64 {
	parts := strings.Fields(r.CommandTag)
	if len(parts) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ensureResult returns the result under construction, starting one if
// needed.
func (q *Query) ensureResult() *Result {
	if q.current == nil {
		q.current = &Result{}
		q.results = append(q.results, q.current)
	}
	return q.current
}

// HandleRowDescription implements client.QueryHandler. A new
// RowDescription starts a new result (multi-statement simple queries
// produce several).
func (q *Query) HandleRowDescription(msg *pgproto3.RowDescription) {
	result := &Result{}
	q.results = append(q.results, result)
	q.current = result

	// The message's buffers are reused by the codec; copy what we keep.
	result.Fields = make([]pgproto3.FieldDescription, len(msg.Fields))
	for i, fd := range msg.Fields {
		result.Fields[i] = fd
		result.Fields[i].Name = append([]byte(nil), fd.Name...)
	}
}

// HandleDataRow implements client.QueryHandler.
func (q *Query) HandleDataRow(msg *pgproto3.DataRow) {
	result := q.ensureResult()
	row := make([]any, len(msg.Values))
	for i, src := range msg.Values {
		var fd pgproto3.FieldDescription
		if i < len(result.Fields) {
			fd = result.Fields[i]
		}
		row[i] = q.decodeValue(fd, src)
	}
	result.Rows = append(result.Rows, row)
}

// decodeValue decodes one column value. Copies src: the codec reuses
// its read buffer between messages.
func (q *Query) decodeValue(fd pgproto3.FieldDescription, src []byte) any {
	if src == nil {
		return nil
	}

	if q.typeMap != nil {
		if dt, ok := q.typeMap.TypeForOID(fd.DataTypeOID); ok {
			value, err := dt.Codec.DecodeValue(q.typeMap, fd.DataTypeOID, fd.Format, src)
			if err == nil {
				return value
			}
		}
	}

	if fd.Format == pgtype.BinaryFormatCode {
		return append([]byte(nil), src...)
	}
	return string(src)
}

// HandleCommandComplete implements client.QueryHandler.
func (q *Query) HandleCommandComplete(msg *pgproto3.CommandComplete) {
	result := q.ensureResult()
	result.CommandTag = string(msg.CommandTag)
	q.current = nil
}

// HandlePortalSuspended implements client.QueryHandler.
func (q *Query) HandlePortalSuspended(msg *pgproto3.PortalSuspended) {
	result := q.ensureResult()
	result.Suspended = true
	q.current = nil
}

// HandleEmptyQueryResponse implements client.QueryHandler.
func (q *Query) HandleEmptyQueryResponse(msg *pgproto3.EmptyQueryResponse) {
	q.empty = true
	q.current = nil
}

// HandleCopyInResponse implements client.QueryHandler. These query
// objects do not stream COPY data, so the transfer is refused; the
// backend answers with an ErrorResponse that fails the query.
func (q *Query) HandleCopyInResponse(msg *pgproto3.CopyInResponse) {
	if q.frontend == nil {
		return
	}
	q.frontend.Send(&pgproto3.CopyFail{Message: "COPY FROM STDIN is not supported by this query object"})
	_ = q.frontend.Flush()
}

// HandleCopyData implements client.QueryHandler. COPY TO output is
// discarded.
func (q *Query) HandleCopyData(msg *pgproto3.CopyData) {}

// HandleError implements client.QueryHandler.
func (q *Query) HandleError(err error) {
	q.err = err
	q.current = nil
}

// HandleReadyForQuery implements client.QueryHandler.
func (q *Query) HandleReadyForQuery() {
	q.current = nil
}
