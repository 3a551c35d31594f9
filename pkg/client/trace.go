package client

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgproto3"
)

// enableTracing enables pgproto3 protocol tracing if debug logging is
// enabled.
func (c *Client) enableTracing() {
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.frontend.Trace(&slogTraceWriter{client: c}, pgproto3.TracerOptions{
			SuppressTimestamps: true,
		})
	}
}

// slogTraceWriter implements io.Writer to convert pgproto3 trace output
// to slog debug calls. It references the Client directly so it picks up
// logger metadata updates.
type slogTraceWriter struct {
	client *Client
	buf    bytes.Buffer
}

// Write implements io.Writer. It buffers input and logs complete lines.
func (w *slogTraceWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// No complete line yet, put the partial data back
			w.buf.Write(line)
			break
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(line) > 0 {
			w.client.logger.Debug("pgproto3", "trace", string(line))
		}
	}

	return n, nil
}
