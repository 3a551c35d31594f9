// Package query provides the standard query objects accepted by the
// client session: simple-protocol text queries and extended-protocol
// parameterized queries, with result collection and optional type
// decoding through a pgtype registry.
package query

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// Options configures a Query beyond its SQL text.
type Options struct {
	// Name is the prepared-statement name. Named queries use the
	// extended protocol and let the session skip re-parsing when the
	// same name and text were already parsed on this connection.
	Name string

	// Args are parameter values in text format; nil elements are NULL.
	// Any non-empty Args forces the extended protocol.
	Args [][]byte

	// Binary requests binary-format result values. When nil the
	// session default applies.
	Binary *bool

	// ReadTimeout overrides the session's default per-query read
	// timeout. Zero means "no timeout" when Set, distinct from leaving
	// the session default in place.
	ReadTimeout    time.Duration
	ReadTimeoutSet bool
}

// Query is a single queued unit of work and the sink for its response
// window. Create with New, hand to client.Query, and read results
// after the returned Pending completes.
type Query struct {
	text string
	opts Options

	binary        bool
	typeMap       *pgtype.Map
	alreadyParsed bool

	frontend *pgproto3.Frontend

	results []*Result
	current *Result
	err     error
	empty   bool
}

// New creates a Query for the given SQL text.
func New(text string, opts Options) *Query {
	q := &Query{text: text, opts: opts}
	if opts.Binary != nil {
		q.binary = *opts.Binary
	}
	return q
}

// Simple creates an unnamed, unparameterized Query that uses the
// simple protocol.
func Simple(text string) *Query {
	return New(text, Options{})
}

// TextArgs converts string parameters into the Args wire form.
func TextArgs(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, arg := range args {
		out[i] = []byte(arg)
	}
	return out
}

// Describe implements client.QueryHandler.
func (q *Query) Describe() (name, text string) {
	return q.opts.Name, q.text
}

// SetDefaultBinary implements client.BinaryDefaulter. An explicit
// per-query preference wins over the session default.
func (q *Query) SetDefaultBinary(binary bool) {
	if q.opts.Binary == nil {
		q.binary = binary
	}
}

// SetTypeMap implements client.TypeMapReceiver.
func (q *Query) SetTypeMap(m *pgtype.Map) {
	q.typeMap = m
}

// ReadTimeout implements client.ReadTimeouter.
func (q *Query) ReadTimeout() (time.Duration, bool) {
	return q.opts.ReadTimeout, q.opts.ReadTimeoutSet
}

// SetParsed implements client.SkipsParse.
func (q *Query) SetParsed(alreadyParsed bool) {
	q.alreadyParsed = alreadyParsed
}

// useExtended reports whether the query needs the extended protocol.
func (q *Query) useExtended() bool {
	return q.opts.Name != "" || len(q.opts.Args) > 0 || q.binary
}

// Submit implements client.QueryHandler. It writes the query's frames
// and keeps the frontend for the COPY refusal path.
func (q *Query) Submit(frontend *pgproto3.Frontend) error {
	if q.text == "" {
		return errors.New("query text must not be empty")
	}
	q.frontend = frontend

	if !q.useExtended() {
		frontend.Send(&pgproto3.Query{String: q.text})
		return nil
	}

	if !q.alreadyParsed {
		frontend.Send(&pgproto3.Parse{
			Name:  q.opts.Name,
			Query: q.text,
		})
	}

	resultFormats := []int16{pgtype.TextFormatCode}
	if q.binary {
		resultFormats = []int16{pgtype.BinaryFormatCode}
	}
	frontend.Send(&pgproto3.Bind{
		PreparedStatement: q.opts.Name,
		Parameters:        q.opts.Args,
		ResultFormatCodes: resultFormats,
	})
	frontend.Send(&pgproto3.Describe{ObjectType: 'P'})
	frontend.Send(&pgproto3.Execute{})
	frontend.Send(&pgproto3.Sync{})
	return nil
}

// Err returns the query's terminal error, if any. Valid after the
// query's Pending completes.
func (q *Query) Err() error {
	return q.err
}

// Results returns every result produced by the query, one per
// statement for multi-statement simple queries. Valid after the
// query's Pending completes.
func (q *Query) Results() []*Result {
	return q.results
}

// Result returns the sole result, or nil when the query produced none.
func (q *Query) Result() *Result {
	if len(q.results) == 0 {
		return nil
	}
	return q.results[len(q.results)-1]
}

// Empty reports whether the backend saw an empty query string.
func (q *Query) Empty() bool {
	return q.empty
}
