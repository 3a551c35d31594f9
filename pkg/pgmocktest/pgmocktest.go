// Package pgmocktest provides test utilities for pgclient using pgmock.
// It simulates the server side of the PostgreSQL wire protocol with a
// scripted sequence of expected frontend messages and canned backend
// responses, served over a real loopback socket.
package pgmocktest

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer wraps pgmock.Script to provide a convenient test server.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer creates a new mock PostgreSQL server for testing.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the address the mock server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// HostPort splits the listener address for use in a connection config.
func (m *MockServer) HostPort() (string, uint16) {
	m.t.Helper()
	addr := m.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

// Serve accepts a single connection and runs the mock script.
// This should be called in a goroutine.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// ServeBackground runs Serve on a goroutine and returns a channel with
// its outcome.
func (m *MockServer) ServeBackground() <-chan error {
	result := make(chan error, 1)
	go func() { result <- m.Serve() }()
	return result
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// AcceptConnSteps returns steps for accepting an unauthenticated connection.
// This handles the startup message exchange that occurs when a client connects.
func AcceptConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// StartupSteps returns steps that accept any startup message and
// complete the handshake with the given backend key data.
func StartupSteps(processID, secretKey uint32) []pgmock.Step {
	return []pgmock.Step{
		ExpectStartup(),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: processID, SecretKey: secretKey}),
		SendReadyForQuery('I'),
	}
}

// ExpectStartup returns a step that accepts any startup message.
func ExpectStartup() pgmock.Step {
	return pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}})
}

// SetAuthType returns a step that tells the backend decoder which
// authentication flow is in progress, so password and SASL messages
// decode to the right types.
func SetAuthType(authType uint32) pgmock.Step {
	return funcStep(func(backend *pgproto3.Backend) error {
		return backend.SetAuthType(authType)
	})
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends a row of data.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends ready for query status.
// status should be 'I' (idle), 'T' (in transaction), or 'E' (error).
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for connection close.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// funcStep adapts a function into a pgmock.Step.
type funcStep func(backend *pgproto3.Backend) error

func (f funcStep) Step(backend *pgproto3.Backend) error {
	return f(backend)
}

// StepFunc adapts a function into a pgmock.Step for custom script
// logic, e.g. a scripted SASL verifier.
func StepFunc(fn func(backend *pgproto3.Backend) error) pgmock.Step {
	return funcStep(fn)
}

// Sleep returns a step that pauses the script, e.g. to let a client
// timeout fire before the response arrives.
func Sleep(d time.Duration) pgmock.Step {
	return funcStep(func(*pgproto3.Backend) error {
		time.Sleep(d)
		return nil
	})
}

// Expect returns a step that expects exactly the given frontend message.
func Expect(msg pgproto3.FrontendMessage) pgmock.Step {
	return pgmock.ExpectMessage(msg)
}

// Send returns a step that sends the given backend message.
func Send(msg pgproto3.BackendMessage) pgmock.Step {
	return pgmock.SendMessage(msg)
}

// SimpleQuerySteps returns a common pattern: expect query, return result, ready for query.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// SimpleSelectSteps returns steps for a simple SELECT query with results.
func SimpleSelectSteps(query string, fields []pgproto3.FieldDescription, rows [][]byte, tag string) []pgmock.Step {
	steps := []pgmock.Step{
		ExpectQuery(query),
		SendRowDescription(fields),
	}
	if len(rows) > 0 {
		steps = append(steps, SendDataRow(rows))
	}
	steps = append(steps,
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	)
	return steps
}
