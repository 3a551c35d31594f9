package client

import (
	"strconv"

	"github.com/justjake/pgclient/pkg/config"
)

// AssembleStartup builds the key/value parameters for the
// StartupMessage from the connection configuration. Only keys with a
// configured value are emitted.
func AssembleStartup(cfg *config.Config) map[string]string {
	params := map[string]string{
		"user": cfg.User,
	}

	if cfg.Database != "" {
		params["database"] = cfg.Database
	}

	switch {
	case cfg.ApplicationName != "":
		params["application_name"] = cfg.ApplicationName
	case cfg.FallbackApplicationName != "":
		params["application_name"] = cfg.FallbackApplicationName
	}

	// Replication is coerced to a string; the empty string means
	// "default" and is omitted.
	if cfg.Replication != config.ReplicationNone {
		params["replication"] = string(cfg.Replication)
	}

	if cfg.StatementTimeoutMillis > 0 {
		params["statement_timeout"] = strconv.Itoa(cfg.StatementTimeoutMillis)
	}
	if cfg.LockTimeoutMillis > 0 {
		params["lock_timeout"] = strconv.Itoa(cfg.LockTimeoutMillis)
	}
	if cfg.IdleInTransactionSessionTimeoutMillis > 0 {
		params["idle_in_transaction_session_timeout"] = strconv.Itoa(cfg.IdleInTransactionSessionTimeoutMillis)
	}

	if cfg.Options != "" {
		params["options"] = cfg.Options
	}

	return params
}
