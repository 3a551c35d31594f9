package client

import (
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/pgclient/pkg/config"
)

// handleBackendMessage routes one decoded backend frame. Runs on the
// loop. Between ReadyForQuery boundaries every query-scoped message
// belongs to the single active query; a query-scoped message with no
// owner is a protocol violation.
func (c *Client) handleBackendMessage(msg pgproto3.BackendMessage) {
	switch msg := msg.(type) {
	case *pgproto3.AuthenticationOk,
		*pgproto3.AuthenticationCleartextPassword,
		*pgproto3.AuthenticationMD5Password,
		*pgproto3.AuthenticationSASL,
		*pgproto3.AuthenticationSASLContinue,
		*pgproto3.AuthenticationSASLFinal:
		c.handleAuthMessage(msg)

	case *pgproto3.BackendKeyData:
		// Write-once.
		if !c.keyDataSet {
			c.processID = msg.ProcessID
			c.secretKey = msg.SecretKey
			c.keyDataSet = true
		}

	case *pgproto3.ParameterStatus:
		c.parameterStatuses[msg.Name] = msg.Value

	case *pgproto3.NegotiateProtocolVersion:
		// Tolerated during startup: the server picked an older minor
		// protocol version. Nothing to do on our side.
		c.logger.Debug("server negotiated protocol version")

	case *pgproto3.NoticeResponse:
		c.later(func() {
			emit2(c.cfg.OnNotice, &config.Notice{
				Severity: msg.Severity,
				Code:     msg.Code,
				Message:  msg.Message,
				Detail:   msg.Detail,
				Hint:     msg.Hint,
			})
		})

	case *pgproto3.NotificationResponse:
		c.later(func() {
			emit2(c.cfg.OnNotification, &config.Notification{
				PID:     msg.PID,
				Channel: msg.Channel,
				Payload: msg.Payload,
			})
		})

	case *pgproto3.ReadyForQuery:
		c.handleReadyForQuery()

	case *pgproto3.ErrorResponse:
		c.handleErrorResponse(newPgError(msg))

	case *pgproto3.ParseComplete:
		// Record name → text so a future query with the same name can
		// skip its Parse frame on this connection.
		if c.active == nil {
			c.sessionError(protocolViolationError(msg))
			return
		}
		if name, text := c.active.handler.Describe(); name != "" {
			c.preparedStatements[name] = text
		}

	case *pgproto3.RowDescription:
		forward(c, msg, func(h QueryHandler) { h.HandleRowDescription(msg) })
	case *pgproto3.DataRow:
		forward(c, msg, func(h QueryHandler) { h.HandleDataRow(msg) })
	case *pgproto3.PortalSuspended:
		forward(c, msg, func(h QueryHandler) { h.HandlePortalSuspended(msg) })
	case *pgproto3.EmptyQueryResponse:
		forward(c, msg, func(h QueryHandler) { h.HandleEmptyQueryResponse(msg) })
	case *pgproto3.CommandComplete:
		forward(c, msg, func(h QueryHandler) { h.HandleCommandComplete(msg) })
	case *pgproto3.CopyInResponse:
		forward(c, msg, func(h QueryHandler) { h.HandleCopyInResponse(msg) })
	case *pgproto3.CopyData:
		forward(c, msg, func(h QueryHandler) { h.HandleCopyData(msg) })

	case *pgproto3.BindComplete, *pgproto3.CloseComplete,
		*pgproto3.ParameterDescription, *pgproto3.NoData,
		*pgproto3.CopyOutResponse, *pgproto3.CopyDone,
		*pgproto3.CopyBothResponse:
		// Window bookkeeping frames the query objects in this module
		// don't consume. Harmless between boundaries.

	default:
		c.logger.Debug("ignoring unhandled backend message", "type", fmt.Sprintf("%T", msg))
	}
}

// forward delivers a query-scoped message to the active query, or
// raises a protocol violation when there is none. Timed-out queries
// stay active until their window closes but no longer receive events.
func forward(c *Client, msg pgproto3.BackendMessage, deliver func(QueryHandler)) {
	if c.active == nil {
		c.sessionError(protocolViolationError(msg))
		return
	}
	if c.active.finished {
		return
	}
	deliver(c.active.handler)
}

// handleReadyForQuery closes the current response window.
func (c *Client) handleReadyForQuery() {
	if c.connecting {
		c.completeConnect()
		c.readyForQuery = true
		c.pulse()
		return
	}

	departing := c.active
	c.active = nil
	c.readyForQuery = true

	if departing != nil {
		if !departing.finished {
			departing.handler.HandleReadyForQuery()
		}
		c.finishQuery(departing, nil)
	}

	c.pulse()
}

// handleErrorResponse routes a backend error. During connect it is a
// connect-phase error; during execution it belongs to the active query;
// otherwise it is a session error.
func (c *Client) handleErrorResponse(pgErr *PgError) {
	if c.connecting {
		c.failConnectPhase(pgErr)
		return
	}

	if c.active != nil {
		failing := c.active
		c.active = nil
		// The backend still sends ReadyForQuery after an error; the
		// window close pulses the queue.
		if !failing.finished {
			failing.handler.HandleError(pgErr)
		}
		c.finishQuery(failing, pgErr)
		return
	}

	c.sessionError(pgErr)
}

// sessionError handles an error that compromises the session rather
// than a single query.
func (c *Client) sessionError(err error) {
	c.logger.Error("session error", "error", err)
	c.metrics.SessionErrorsTotal.Inc()
	c.later(func() { emit2(c.cfg.OnError, err) })
}

// handleTransportError handles a failed read from the socket. Runs on
// the loop.
func (c *Client) handleTransportError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.handleTransportEnd()
		return
	}
	if c.ending || c.ended {
		// Destroying the socket on purpose makes the reader fail.
		c.handleTransportEnd()
		return
	}

	if c.connecting {
		c.failConnectPhase(err)
		c.handleTransportEnd()
		return
	}

	// The wire is compromised: nothing queued or active can complete.
	c.queryable = false
	c.broken = true
	c.failAllQueries(err)
	c.sessionError(err)
	c.destroyTransport()
	c.handleTransportEnd()
}

// handleTransportEnd observes the transport closing and transitions the
// session to its terminal state. Runs on the loop.
func (c *Client) handleTransportEnd() {
	if c.ended {
		return
	}
	c.ended = true
	c.queryable = false
	if c.connected {
		c.metrics.SessionsActive.Dec()
	}
	c.stopConnectTimer()
	c.destroyTransport()

	switch {
	case c.broken:
		// handleTransportError already surfaced the error and failed
		// outstanding work.
	case c.ending:
		c.failAllQueries(ErrTerminated)
	default:
		// The server hung up on us.
		if !c.connecting {
			c.broken = true
		}
		if c.connecting && !c.connectionError {
			c.failConnectPhase(ErrTerminatedUnexpectedly)
		} else if !c.connecting {
			c.sessionError(ErrTerminatedUnexpectedly)
		}
		c.failAllQueries(ErrTerminatedUnexpectedly)
	}
	c.connecting = false

	for _, pending := range c.endPendings {
		p := pending
		c.later(func() { close(p.done) })
	}
	c.endPendings = nil

	c.later(func() { emit(c.cfg.OnEnd) })
	c.later(func() { c.exitLoop = true })
}

// startEnd initiates shutdown. Runs on the loop.
func (c *Client) startEnd(pending *Pending) {
	if c.ended {
		close(pending.done)
		return
	}
	c.endPendings = append(c.endPendings, pending)
	if c.ending {
		return
	}
	c.ending = true

	if c.conn == nil {
		// Never connected (or still dialing): nothing to terminate.
		if c.connectPending != nil {
			c.failConnectPhase(ErrClosed)
		}
		c.handleTransportEnd()
		return
	}

	if c.active != nil || !c.queryable || c.connecting {
		// Forced shutdown: destroy the socket. The read loop notices
		// and drives handleTransportEnd.
		if c.connecting && !c.connectionError {
			c.failConnectPhase(ErrClosed)
			c.handleTransportEnd()
			return
		}
		c.destroyTransport()
		return
	}

	// Graceful shutdown: tell the backend, then close.
	c.queryable = false
	c.frontend.Send(&pgproto3.Terminate{})
	if err := c.frontend.Flush(); err != nil {
		c.logger.Debug("error sending Terminate", "error", err)
	}
	c.destroyTransport()
}
