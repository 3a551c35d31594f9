package client

import (
	"testing"
	"time"

	pgproto3v2 "github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgclient/pkg/pgmocktest"
)

func TestGracefulEndSendsTerminate(t *testing.T) {
	ctx := testContext(t)

	steps := pgmocktest.StartupSteps(1, 1)
	steps = append(steps, pgmocktest.SimpleQuerySteps("SELECT 1", "SELECT 1")...)
	steps = append(steps,
		pgmocktest.Expect(&pgproto3v2.Terminate{}),
		pgmocktest.WaitForClose(),
	)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	serverErr := server.ServeBackground()

	c, ev := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))

	q := &testQuery{text: "SELECT 1"}
	require.NoError(t, c.Query(q).Wait(ctx))

	require.NoError(t, c.End(ctx))

	// The script only succeeds if Terminate actually arrived.
	require.NoError(t, <-serverErr)
	require.Eventually(t, func() bool { return ev.ends.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestForcedEndWithActiveQuery(t *testing.T) {
	ctx := testContext(t)

	steps := pgmocktest.StartupSteps(1, 1)
	steps = append(steps,
		pgmocktest.ExpectQuery("SELECT pg_sleep(10)"),
		// No response: the query stays active until the client ends.
		pgmocktest.WaitForClose(),
	)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, ev := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))

	q := &testQuery{text: "SELECT pg_sleep(10)"}
	pending := c.Query(q)

	// Let the query reach the wire before ending.
	require.Eventually(t, func() bool { return c.ActiveQueryText() != "" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.End(ctx))

	require.ErrorIs(t, pending.Wait(ctx), ErrTerminated)
	assert.Len(t, q.errors(), 1)
	require.Eventually(t, func() bool { return ev.ends.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestEndIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	server := pgmocktest.NewMockServer(t, append(
		pgmocktest.StartupSteps(1, 1),
		pgmocktest.WaitForClose(),
	)...)
	defer server.Close()
	go server.Serve()

	c, ev := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.End(ctx))
	require.NoError(t, c.End(ctx))
	require.NoError(t, c.End(ctx))

	require.Eventually(t, func() bool { return ev.ends.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ev.ends.Load())
}

func TestEndNeverConnected(t *testing.T) {
	ctx := testContext(t)
	server := pgmocktest.NewMockServer(t)
	defer server.Close()

	c, _ := newTestClient(t, server, nil)
	require.NoError(t, c.End(ctx))
}

func TestEndDuringConnect(t *testing.T) {
	ctx := testContext(t)

	server := pgmocktest.NewMockServer(t,
		pgmocktest.ExpectStartup(),
		pgmocktest.Sleep(500*time.Millisecond),
	)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, nil)

	connectResult := make(chan error, 1)
	go func() { connectResult <- c.Connect(ctx) }()

	// Give the dial a moment, then shut down mid-handshake.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.End(ctx))

	require.ErrorIs(t, <-connectResult, ErrClosed)
}
