package client

import (
	"net"
	"testing"
	"time"

	pgproto3v2 "github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgclient/pkg/config"
	"github.com/justjake/pgclient/pkg/pgmocktest"
)

func TestCancelActiveQuerySendsCancelRequest(t *testing.T) {
	ctx := testContext(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)

	cancelRequests := make(chan *pgproto3v2.CancelRequest, 1)

	// First connection: the session. Second: the cancel request.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		backend := pgproto3v2.NewBackend(pgproto3v2.NewChunkReader(conn), conn)
		steps := pgmocktest.StartupSteps(42, 7)
		steps = append(steps,
			pgmocktest.ExpectQuery("SELECT pg_sleep(10)"),
			pgmocktest.WaitForClose(),
		)
		for _, step := range steps {
			if err := step.Step(backend); err != nil {
				return
			}
		}
	}()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		backend := pgproto3v2.NewBackend(pgproto3v2.NewChunkReader(conn), conn)
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return
		}
		if req, ok := msg.(*pgproto3v2.CancelRequest); ok {
			cancelRequests <- req
		}
		// The server acknowledges a CancelRequest by closing.
	}()

	c, err := New(config.Config{
		Host: addr.IP.String(),
		Port: uint16(addr.Port),
		User: "alice",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.End(ctx) })

	require.NoError(t, c.Connect(ctx))

	q := &testQuery{text: "SELECT pg_sleep(10)"}
	pending := c.Query(q)

	require.Eventually(t, func() bool { return c.ActiveQueryText() != "" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(ctx, pending))

	select {
	case req := <-cancelRequests:
		assert.Equal(t, uint32(42), req.ProcessID)
		assert.Equal(t, uint32(7), req.SecretKey)
	case <-ctx.Done():
		t.Fatal("timed out waiting for CancelRequest")
	}

	// Cancel never touches the primary connection: the query is still
	// active until the session ends.
	assert.Equal(t, "SELECT pg_sleep(10)", c.ActiveQueryText())
}

func TestCancelQueuedQueryRemovesIt(t *testing.T) {
	ctx := testContext(t)

	steps := pgmocktest.StartupSteps(1, 1)
	steps = append(steps,
		pgmocktest.ExpectQuery("SELECT pg_sleep(10)"),
		pgmocktest.WaitForClose(),
	)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))

	blocker := &testQuery{text: "SELECT pg_sleep(10)"}
	victim := &testQuery{text: "SELECT 2"}
	_ = c.Query(blocker)
	pVictim := c.Query(victim)

	require.Eventually(t, func() bool { return c.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(ctx, pVictim))
	require.ErrorIs(t, pVictim.Wait(ctx), ErrCanceled)
	assert.Equal(t, 0, c.QueueLen())
}

func TestCancelCompletedQueryIsNoOp(t *testing.T) {
	ctx := testContext(t)

	steps := pgmocktest.StartupSteps(1, 1)
	steps = append(steps, pgmocktest.SimpleQuerySteps("SELECT 1", "SELECT 1")...)
	steps = append(steps, pgmocktest.WaitForClose())

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))

	q := &testQuery{text: "SELECT 1"}
	pending := c.Query(q)
	require.NoError(t, pending.Wait(ctx))

	require.NoError(t, c.Cancel(ctx, pending))
	require.NoError(t, pending.Err())
}
