// Package config holds connection configuration for a pgclient session:
// the target address, credentials, TLS settings, timeouts, and the
// startup parameters forwarded to the backend.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Replication selects the replication mode requested in the startup
// message. The empty string requests the backend default (no
// replication).
type Replication string

const (
	ReplicationNone     Replication = ""
	ReplicationTrue     Replication = "true"
	ReplicationDatabase Replication = "database"
)

// Config describes a single backend connection. A Config is consumed by
// client.New; the zero value connects to localhost:5432 once Normalize
// is applied.
type Config struct {
	// Host is the server hostname or IP address. A host beginning with
	// "/" is a directory containing a Unix socket named
	// ".s.PGSQL.<port>".
	Host string `json:"host,omitzero"`

	// Port is the server port. Defaults to 5432.
	Port uint16 `json:"port,omitzero"`

	// Database is the database to connect to. Defaults to User.
	Database string `json:"database,omitzero"`

	// User is the role to authenticate as.
	User string `json:"user,omitzero"`

	// Password authenticates User. Leave empty to use PasswordFunc, or
	// to fall back to a ~/.pgpass lookup at the moment the server
	// issues an authentication challenge.
	Password Secret `json:"password,omitzero"`

	// PasswordRef resolves the password from an external secret source
	// (AWS Secrets Manager, an environment variable, ...). Takes
	// precedence over Password when set. Used by config files, which
	// should never embed credentials.
	PasswordRef *SecretRef `json:"password_ref,omitzero"`

	// PasswordFunc is invoked at the moment of the authentication
	// challenge. Its result replaces Password for the rest of the
	// session. Not settable from JSON.
	PasswordFunc func(ctx context.Context) (string, error) `json:"-"`

	// SSL configures TLS negotiation with the server.
	SSL TLSConfig `json:"ssl,omitzero"`

	// EnableChannelBinding permits selecting SCRAM-SHA-256-PLUS when
	// the server offers it over a TLS connection.
	EnableChannelBinding bool `json:"enable_channel_binding,omitzero"`

	// KeepAlive enables TCP keep-alive probes on the connection.
	KeepAlive bool `json:"keep_alive,omitzero"`

	// KeepAliveInitialDelay is the delay before the first keep-alive
	// probe. Zero uses the OS default.
	KeepAliveInitialDelay time.Duration `json:"keep_alive_initial_delay,omitzero"`

	// ConnectTimeout bounds the whole connect phase, from dial through
	// the first ReadyForQuery. Zero disables the deadline.
	ConnectTimeout time.Duration `json:"connect_timeout,omitzero"`

	// QueryTimeout is the default per-query read timeout. Zero disables
	// it. Individual queries may override.
	QueryTimeout time.Duration `json:"query_timeout,omitzero"`

	// Startup parameters forwarded to the backend (see client.AssembleStartup).
	StatementTimeoutMillis                int         `json:"statement_timeout,omitzero"`
	LockTimeoutMillis                     int         `json:"lock_timeout,omitzero"`
	IdleInTransactionSessionTimeoutMillis int         `json:"idle_in_transaction_session_timeout,omitzero"`
	ApplicationName                       string      `json:"application_name,omitzero"`
	FallbackApplicationName               string      `json:"fallback_application_name,omitzero"`
	Options                               string      `json:"options,omitzero"`
	Replication                           Replication `json:"replication,omitzero"`

	// BinaryResults requests binary-format result values for every
	// query unless the query overrides.
	BinaryResults bool `json:"binary_results,omitzero"`

	// Service names an entry in the connection service file
	// (~/.pg_service.conf or PGSERVICEFILE). Settings from the service
	// entry fill any fields left zero here.
	Service string `json:"service,omitzero"`

	// Types is the type-parser registry attached to query results.
	// Nil decodes every value as raw text. Not settable from JSON.
	Types *pgtype.Map `json:"-"`

	// Logger receives session logs. Nil uses slog.Default().
	Logger *slog.Logger `json:"-"`

	// Event callbacks, all optional, all invoked from the session's
	// event loop. See the client package for delivery guarantees.
	OnNotice       func(notice *Notice)             `json:"-"`
	OnNotification func(notification *Notification) `json:"-"`
	OnError        func(err error)                  `json:"-"`
	OnConnect      func()                           `json:"-"`
	OnEnd          func()                           `json:"-"`
	OnDrain        func()                           `json:"-"`
}

// Notice is an asynchronous warning from the backend.
type Notice struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// Notification is a NOTIFY payload from the backend.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// ParseConfig parses a JSON configuration string.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Normalize applies defaults and the service-file lookup. It returns a
// copy; the receiver is not modified.
func (c Config) Normalize() (Config, error) {
	if c.Service != "" {
		if err := applyServiceFile(&c); err != nil {
			return c, fmt.Errorf("service %q: %w", c.Service, err)
		}
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.User == "" {
		c.User = os.Getenv("PGUSER")
	}
	if c.Database == "" {
		c.Database = c.User
	}
	return c, nil
}

// Validate checks the configuration for contradictions. It does not
// stop at the first error; all errors are accumulated and returned
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Password != "" && c.PasswordFunc != nil {
		errs = append(errs, errors.New("password and password_func are mutually exclusive"))
	}
	if c.PasswordRef != nil {
		if err := c.PasswordRef.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("password_ref: %w", err))
		}
	}
	if err := c.SSL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ssl: %w", err))
	}
	if c.EnableChannelBinding && !c.SSL.Enabled() {
		errs = append(errs, errors.New("enable_channel_binding requires ssl"))
	}

	return errors.Join(errs...)
}

// ResolvePassword resolves PasswordRef into Password using the given
// secret cache. It is a no-op when PasswordRef is nil.
func (c *Config) ResolvePassword(ctx context.Context, secrets *SecretCache) error {
	if c.PasswordRef == nil {
		return nil
	}
	value, err := secrets.Get(ctx, *c.PasswordRef)
	if err != nil {
		return err
	}
	c.Password = Secret(value)
	return nil
}
