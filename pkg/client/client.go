// Package client implements the session core of a PostgreSQL client:
// one backend connection, the startup and authentication handshake, a
// strict FIFO query queue with at most one query on the wire, and
// failure propagation when the socket, a timeout, or the backend kills
// outstanding work.
//
// A Client is single-use: it owns exactly one connection for its entire
// lifetime. All session state is owned by one event-loop goroutine;
// public methods hand work to the loop through a mailbox, so no field
// is ever locked.
package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/pgclient/pkg/config"
	"github.com/justjake/pgclient/pkg/observability"
	"github.com/justjake/pgclient/pkg/scram"
)

// command is a unit of work executed on the event loop.
type command func()

// Client is a session with one PostgreSQL backend.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	commands   chan command
	loopExited chan struct{}

	// postMu gates the mailbox during shutdown so no command is lost
	// or stranded when the loop exits.
	postMu   sync.Mutex
	posting  int
	terminal bool

	// reader goroutine → loop
	msgs     chan pgproto3.BackendMessage
	msgAck   chan struct{}
	readErrs chan error

	// Everything below is owned by the event loop. The fields are
	// frozen once loopExited closes.
	conn          net.Conn
	frontend      *pgproto3.Frontend
	tlsState      *tls.ConnectionState
	readerStarted bool

	connecting      bool
	connected       bool
	ending          bool
	ended           bool
	broken          bool
	connectionError bool
	readyForQuery   bool
	queryable       bool
	hasExecuted     bool

	processID  uint32
	secretKey  uint32
	keyDataSet bool

	parameterStatuses  map[string]string
	preparedStatements map[string]string

	scramSession     *scram.Session
	password         string
	passwordResolved bool

	connectTimer   *time.Timer
	connectPending *Pending
	endPendings    []*Pending

	queue  []*Pending
	active *Pending

	// deferred holds work scheduled by the loop itself, run after the
	// current event is fully handled.
	deferred []command
	exitLoop bool

	warnQueueOnce  sync.Once
	warnActiveOnce sync.Once
}

// Pending is the handle for an in-flight operation: a queued or active
// query, or a pending End. It completes exactly once.
type Pending struct {
	handler QueryHandler

	done chan struct{}
	err  error

	// query bookkeeping, owned by the loop
	timer    *time.Timer
	finished bool
}

// Wait blocks until the operation completes or ctx is done. A ctx error
// abandons the wait only; the operation itself continues.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the operation completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the operation's outcome. Valid only after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func newPending(h QueryHandler) *Pending {
	return &Pending{handler: h, done: make(chan struct{})}
}

// New creates an unconnected Client for the given configuration.
func New(cfg config.Config) (*Client, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", cfg.User, "database", cfg.Database)

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.Default(),

		commands:   make(chan command, 16),
		loopExited: make(chan struct{}),
		msgs:       make(chan pgproto3.BackendMessage),
		msgAck:     make(chan struct{}),
		readErrs:   make(chan error, 1),

		parameterStatuses:  make(map[string]string),
		preparedStatements: make(map[string]string),
	}
	go c.run()
	return c, nil
}

// run is the session event loop. It owns every mutable field.
func (c *Client) run() {
	for {
		select {
		case cmd := <-c.commands:
			cmd()
		case msg := <-c.msgs:
			c.handleBackendMessage(msg)
			c.msgAck <- struct{}{}
		case err := <-c.readErrs:
			c.handleTransportError(err)
		}

		// Deferred work runs only after the triggering event is fully
		// handled, so callers never observe a completion synchronously
		// from within a message handler.
		for len(c.deferred) > 0 {
			cmd := c.deferred[0]
			c.deferred = c.deferred[1:]
			cmd()
		}

		if c.exitLoop {
			break
		}
	}
	c.shutdownMailbox()
}

// shutdownMailbox closes the mailbox once no sender is mid-send, then
// drains anything that slipped in first. After this, post runs commands
// inline against the frozen terminal state.
func (c *Client) shutdownMailbox() {
	for {
		c.postMu.Lock()
		if c.posting == 0 {
			c.terminal = true
			c.postMu.Unlock()
			break
		}
		c.postMu.Unlock()

		select {
		case cmd := <-c.commands:
			cmd()
		default:
		}
	}
	close(c.loopExited)

	for {
		select {
		case cmd := <-c.commands:
			cmd()
		default:
			return
		}
	}
}

// post hands work to the event loop from any goroutine. After the loop
// exits the session is terminal and its fields are frozen, so the work
// runs inline.
func (c *Client) post(cmd command) {
	c.postMu.Lock()
	if c.terminal {
		c.postMu.Unlock()
		cmd()
		return
	}
	c.posting++
	c.postMu.Unlock()

	c.commands <- cmd

	c.postMu.Lock()
	c.posting--
	c.postMu.Unlock()
}

// later schedules work from within the loop to run after the current
// event is fully handled. Once the session is terminal there is no
// next event, so the work runs immediately.
func (c *Client) later(cmd command) {
	if c.terminal {
		cmd()
		return
	}
	c.deferred = append(c.deferred, cmd)
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) {
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	<-done
}

// Connect opens the transport, performs the startup and authentication
// handshake, and returns once the backend signals the first
// ReadyForQuery. It completes exactly once: with nil on success, or
// with the first connect-phase error. Calling Connect on a client that
// already connected fails with ErrAlreadyConnected.
//
// A ctx error abandons the wait; use Config.ConnectTimeout to bound the
// connect phase itself.
func (c *Client) Connect(ctx context.Context) error {
	pending := newPending(nil)
	c.post(func() { c.startConnect(pending) })
	return pending.Wait(ctx)
}

// Query enqueues a query. The handler's frames are written once every
// earlier query's response window has closed; backend messages inside
// this query's window are forwarded to the handler. The returned
// Pending completes when the query's window closes or the query fails.
func (c *Client) Query(h QueryHandler) *Pending {
	pending := newPending(h)
	if h == nil {
		pending.err = errQueryNil
		close(pending.done)
		return pending
	}
	c.post(func() { c.enqueue(pending) })
	return pending
}

// End shuts the session down. It is idempotent. When the session is
// idle, a Terminate message is sent and the transport closed; when a
// query is active or the wire is broken, the transport is destroyed and
// outstanding queries fail. End returns when the transport has closed.
func (c *Client) End(ctx context.Context) error {
	pending := newPending(nil)
	c.post(func() { c.startEnd(pending) })
	return pending.Wait(ctx)
}

// ProcessID returns the backend process ID from BackendKeyData, or 0
// before connect.
func (c *Client) ProcessID() uint32 {
	var pid uint32
	c.call(func() { pid = c.processID })
	return pid
}

// SecretKey returns the cancellation key from BackendKeyData, or 0
// before connect.
func (c *Client) SecretKey() uint32 {
	var key uint32
	c.call(func() { key = c.secretKey })
	return key
}

// ParameterStatus returns the most recent backend-reported value for a
// runtime parameter such as server_version or TimeZone.
func (c *Client) ParameterStatus(key string) string {
	var value string
	c.call(func() { value = c.parameterStatuses[key] })
	return value
}

// Connected reports whether the session reached Ready and has not ended.
func (c *Client) Connected() bool {
	var connected bool
	c.call(func() { connected = c.connected && !c.ended })
	return connected
}

// QueueLen returns the number of queries waiting behind the active one.
//
// Deprecated: observation window for diagnostics only. Queue state
// belongs to the session; do not build control flow on it.
func (c *Client) QueueLen() int {
	c.warnQueueOnce.Do(func() {
		c.logger.Warn("QueueLen is deprecated; queue state belongs to the session")
	})
	var n int
	c.call(func() { n = len(c.queue) })
	return n
}

// ActiveQueryText returns the SQL text of the query currently on the
// wire, or "" when idle.
//
// Deprecated: observation window for diagnostics only.
func (c *Client) ActiveQueryText() string {
	c.warnActiveOnce.Do(func() {
		c.logger.Warn("ActiveQueryText is deprecated; the active query belongs to the session")
	})
	var text string
	c.call(func() {
		if c.active != nil {
			_, text = c.active.handler.Describe()
		}
	})
	return text
}

// emit invokes an event callback, tolerating nil.
func emit(fn func()) {
	if fn != nil {
		fn()
	}
}
