package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// cancelDrainTimeout bounds the wait for the server to close the
// cancellation connection.
const cancelDrainTimeout = 5 * time.Second

// Cancel asks the backend to abort the given query. When the query is
// still queued it is simply removed and fails with ErrCanceled. When it
// is active, a second short-lived connection to the same address sends
// a CancelRequest with this session's BackendKeyData; the primary
// connection is never touched. The canceled query still completes
// through the normal path (usually with a "query canceled" backend
// error).
func (c *Client) Cancel(ctx context.Context, pending *Pending) error {
	var isActive bool
	var processID, secretKey uint32

	c.call(func() {
		if c.active == pending {
			isActive = true
			processID = c.processID
			secretKey = c.secretKey
			return
		}
		if c.removeFromQueue(pending) {
			c.later(func() {
				if !pending.finished {
					pending.handler.HandleError(ErrCanceled)
					c.finishQuery(pending, ErrCanceled)
				}
			})
		}
	})

	if !isActive {
		return nil
	}

	network, address := c.addr()
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("failed to open cancel connection: %w", err)
	}
	defer conn.Close()

	frontend := pgproto3.NewFrontend(conn, conn)
	frontend.Send(&pgproto3.CancelRequest{
		ProcessID: processID,
		SecretKey: secretKey,
	})
	if err := frontend.Flush(); err != nil {
		return fmt.Errorf("failed to send CancelRequest: %w", err)
	}

	// The server acknowledges by closing the connection.
	deadline := time.Now().Add(cancelDrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, _ = conn.Read(make([]byte, 1))

	return nil
}
