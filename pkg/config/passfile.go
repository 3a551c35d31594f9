package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// LookupPassfile consults the PostgreSQL password file for a password
// matching the connection target. The file is PGPASSFILE or ~/.pgpass.
// A missing or unreadable file is not an error; it returns ("", false).
// This is the last-resort credential source, consulted only when the
// server asks for a password and none was configured.
func LookupPassfile(host string, port uint16, database, user string) (string, bool) {
	path := os.Getenv("PGPASSFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, ".pgpass")
	}

	passfile, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", false
	}

	password := passfile.FindPassword(host, strconv.Itoa(int(port)), database, user)
	if password == "" {
		return "", false
	}
	return password, true
}

// applyServiceFile fills zero-valued connection fields from the named
// entry in the connection service file (PGSERVICEFILE or
// ~/.pg_service.conf).
func applyServiceFile(c *Config) error {
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot locate service file: %w", err)
		}
		path = filepath.Join(home, ".pg_service.conf")
	}

	servicefile, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return fmt.Errorf("failed to read service file %q: %w", path, err)
	}

	service, err := servicefile.GetService(c.Service)
	if err != nil {
		return err
	}

	for key, value := range service.Settings {
		switch key {
		case "host":
			if c.Host == "" {
				c.Host = value
			}
		case "port":
			if c.Port == 0 {
				port, err := strconv.ParseUint(value, 10, 16)
				if err != nil {
					return fmt.Errorf("invalid port %q in service file: %w", value, err)
				}
				c.Port = uint16(port)
			}
		case "dbname":
			if c.Database == "" {
				c.Database = value
			}
		case "user":
			if c.User == "" {
				c.User = value
			}
		case "password":
			if c.Password == "" {
				c.Password = Secret(value)
			}
		case "application_name":
			if c.ApplicationName == "" {
				c.ApplicationName = value
			}
		case "sslmode":
			if c.SSL.SSLMode == "" {
				c.SSL.SSLMode = SSLMode(value)
			}
		}
	}

	return nil
}
