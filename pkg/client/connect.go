package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// addr resolves the dial network and address from the configured host.
// A host beginning with "/" is a directory holding a Unix socket named
// for the port.
func (c *Client) addr() (network, address string) {
	if len(c.cfg.Host) > 0 && c.cfg.Host[0] == '/' {
		return "unix", filepath.Join(c.cfg.Host, ".s.PGSQL."+strconv.Itoa(int(c.cfg.Port)))
	}
	return "tcp", net.JoinHostPort(c.cfg.Host, strconv.Itoa(int(c.cfg.Port)))
}

// startConnect begins the connect phase. Runs on the loop.
func (c *Client) startConnect(pending *Pending) {
	if c.connecting || c.connected || c.ended {
		pending.err = ErrAlreadyConnected
		close(pending.done)
		return
	}

	c.connecting = true
	c.connectPending = pending
	c.metrics.ConnectsTotal.Inc()

	if c.cfg.ConnectTimeout > 0 {
		c.connectTimer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
			c.post(c.handleConnectTimeout)
		})
	}

	// Dialing and the optional TLS upgrade block, so they run off the
	// loop; the result is posted back.
	go c.dial()
}

// dial opens the transport and negotiates TLS. Runs on its own
// goroutine; every outcome is posted to the loop.
func (c *Client) dial() {
	network, address := c.addr()

	dialer := &net.Dialer{}
	if c.cfg.KeepAlive {
		dialer.KeepAlive = 15 * time.Second
		if c.cfg.KeepAliveInitialDelay > 0 {
			dialer.KeepAlive = c.cfg.KeepAliveInitialDelay
		}
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.Dial(network, address)
	if err != nil {
		c.post(func() { c.failConnectPhase(fmt.Errorf("failed to connect to %s: %w", address, err)) })
		return
	}

	var tlsState *tls.ConnectionState
	if network == "tcp" && c.cfg.SSL.Enabled() {
		tlsConn, err := c.negotiateTLS(conn)
		if err != nil {
			conn.Close()
			c.post(func() { c.failConnectPhase(err) })
			return
		}
		if tlsConn != nil {
			conn = tlsConn
			state := tlsConn.ConnectionState()
			tlsState = &state
		}
	}

	c.post(func() { c.onDialed(conn, tlsState) })
}

// negotiateTLS sends an SSLRequest and upgrades the connection when the
// server accepts. Returns (nil, nil) when the server declines and the
// configuration tolerates plaintext.
func (c *Client) negotiateTLS(conn net.Conn) (*tls.Conn, error) {
	frontend := pgproto3.NewFrontend(conn, conn)
	frontend.Send(&pgproto3.SSLRequest{})
	if err := frontend.Flush(); err != nil {
		return nil, fmt.Errorf("failed to send SSLRequest: %w", err)
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, fmt.Errorf("failed to read SSLRequest response: %w", err)
	}

	switch response[0] {
	case 'S':
	case 'N':
		if c.cfg.SSL.Required() {
			return nil, errors.New("server refuses SSL but sslmode requires it")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected SSLRequest response byte %q", response[0])
	}

	tlsConfig, err := c.cfg.SSL.NewClientTLS(c.cfg.Host)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// onDialed installs the transport and sends the startup message. Runs
// on the loop.
func (c *Client) onDialed(conn net.Conn, tlsState *tls.ConnectionState) {
	if c.ended || c.connectionError {
		// The deadline fired or End arrived while dialing.
		conn.Close()
		return
	}

	c.conn = conn
	c.tlsState = tlsState
	c.frontend = pgproto3.NewFrontend(conn, conn)
	c.enableTracing()

	c.frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      AssembleStartup(&c.cfg),
	})
	if err := c.frontend.Flush(); err != nil {
		c.failConnectPhase(fmt.Errorf("failed to send startup message: %w", err))
		return
	}

	c.readerStarted = true
	go c.readLoop()
}

// readLoop decodes backend frames and hands them to the event loop one
// at a time. Decoded messages reuse the codec's buffers, so the reader
// blocks until the loop acknowledges each message before receiving the
// next.
func (c *Client) readLoop() {
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			select {
			case c.readErrs <- err:
			case <-c.loopExited:
			}
			return
		}

		select {
		case c.msgs <- msg:
		case <-c.loopExited:
			return
		}

		select {
		case <-c.msgAck:
		case <-c.loopExited:
			return
		}
	}
}

// handleConnectTimeout destroys the transport when the connect deadline
// expires. Runs on the loop.
func (c *Client) handleConnectTimeout() {
	if !c.connecting || c.connectionError {
		return
	}
	c.failConnectPhase(ErrConnectTimeout)
}

// failConnectPhase latches the first connect-phase error, delivers it
// to the Connect caller, and destroys the transport. Subsequent
// connect-phase errors are swallowed (logged at debug). Runs on the
// loop.
func (c *Client) failConnectPhase(err error) {
	if c.connectionError {
		c.logger.Debug("swallowed connect-phase error after the first", "error", err)
		return
	}
	c.connectionError = true
	c.queryable = false
	c.metrics.ConnectErrorsTotal.Inc()

	c.stopConnectTimer()
	c.destroyTransport()
	if !c.readerStarted {
		// No read loop exists to observe the closed transport and drive
		// the terminal transition.
		c.later(c.handleTransportEnd)
	}

	if pending := c.connectPending; pending != nil {
		c.connectPending = nil
		c.later(func() {
			pending.err = err
			close(pending.done)
		})
	} else {
		c.later(func() { emit2(c.cfg.OnError, err) })
	}
}

// completeConnect transitions Connecting → Ready on the first
// ReadyForQuery. Runs on the loop.
func (c *Client) completeConnect() {
	c.connecting = false
	c.connected = true
	c.queryable = true
	c.stopConnectTimer()
	c.metrics.SessionsActive.Inc()

	c.logger = c.logger.With("pid", c.processID)
	c.logger.Debug("connected")

	if pending := c.connectPending; pending != nil {
		c.connectPending = nil
		c.later(func() { close(pending.done) })
	}
	c.later(func() { emit(c.cfg.OnConnect) })
}

func (c *Client) stopConnectTimer() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// destroyTransport closes the socket immediately. The read loop's
// resulting error is expected and ignored.
func (c *Client) destroyTransport() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("error closing transport", "error", err)
		}
	}
}

// emit2 invokes a one-argument event callback, tolerating nil.
func emit2[T any](fn func(T), arg T) {
	if fn != nil {
		fn(arg)
	}
}
