package client

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/pgclient/pkg/config"
	"github.com/justjake/pgclient/pkg/scram"
)

// handleAuthMessage responds to one authentication-request variant from
// the backend. Runs on the loop; any failure here is a connect-phase
// error because authentication only happens while connecting.
func (c *Client) handleAuthMessage(msg pgproto3.BackendMessage) {
	switch msg := msg.(type) {
	case *pgproto3.AuthenticationOk:
		// Startup continues; ReadyForQuery completes the connect.

	case *pgproto3.AuthenticationCleartextPassword:
		c.withPassword(func(password string) {
			c.sendAuthResponse(&pgproto3.PasswordMessage{Password: password})
		})

	case *pgproto3.AuthenticationMD5Password:
		salt := msg.Salt
		c.withPassword(func(password string) {
			c.sendAuthResponse(&pgproto3.PasswordMessage{
				Password: computeMD5Password(c.cfg.User, password, salt),
			})
		})

	case *pgproto3.AuthenticationSASL:
		mechanisms := append([]string(nil), msg.AuthMechanisms...)
		c.withPassword(func(password string) {
			binding := scram.ChannelBinding{}
			if c.cfg.EnableChannelBinding && c.tlsState != nil {
				binding.Supported = true
				if len(c.tlsState.PeerCertificates) > 0 {
					binding.PeerCert = c.tlsState.PeerCertificates[0]
				}
			}

			session, err := scram.Start(mechanisms, binding)
			if err != nil {
				c.failConnectPhase(err)
				return
			}
			c.scramSession = session
			c.metrics.SASLExchangesTotal.WithLabelValues(session.Mechanism).Inc()
			c.sendAuthResponse(&pgproto3.SASLInitialResponse{
				AuthMechanism: session.Mechanism,
				Data:          []byte(session.Response()),
			})
		})

	case *pgproto3.AuthenticationSASLContinue:
		if c.scramSession == nil {
			c.failConnectPhase(fmt.Errorf("received SASLContinue with no SASL exchange in progress"))
			return
		}
		if err := c.scramSession.Continue(c.password, string(msg.Data)); err != nil {
			c.failConnectPhase(err)
			return
		}
		c.sendAuthResponse(&pgproto3.SASLResponse{Data: []byte(c.scramSession.Response())})

	case *pgproto3.AuthenticationSASLFinal:
		if c.scramSession == nil {
			c.failConnectPhase(fmt.Errorf("received SASLFinal with no SASL exchange in progress"))
			return
		}
		err := c.scramSession.Finalize(string(msg.Data))
		// Single-use: the exchange is discarded whatever the outcome.
		c.scramSession = nil
		if err != nil {
			c.failConnectPhase(err)
		}
	}
}

// withPassword resolves the password for the current auth challenge and
// invokes fn with it on the loop. Resolution order: a previously
// resolved value, the producer function (awaited off the loop, its
// result replacing the stored password for the rest of the session),
// the configured literal, and finally a best-effort password-file
// lookup.
func (c *Client) withPassword(fn func(password string)) {
	if c.passwordResolved {
		fn(c.password)
		return
	}

	if c.cfg.PasswordFunc != nil {
		go func() {
			password, err := c.cfg.PasswordFunc(context.Background())
			c.post(func() {
				if err != nil {
					c.failConnectPhase(fmt.Errorf("password function failed: %w", err))
					return
				}
				c.password = password
				c.passwordResolved = true
				fn(password)
			})
		}()
		return
	}

	password := c.cfg.Password.Reveal()
	if password == "" {
		if found, ok := config.LookupPassfile(c.cfg.Host, c.cfg.Port, c.cfg.Database, c.cfg.User); ok {
			password = found
		}
	}
	c.password = password
	c.passwordResolved = true
	fn(password)
}

// sendAuthResponse writes one frontend auth message. Runs on the loop.
func (c *Client) sendAuthResponse(msg pgproto3.FrontendMessage) {
	c.frontend.Send(msg)
	if err := c.frontend.Flush(); err != nil {
		c.failConnectPhase(fmt.Errorf("failed to send auth response: %w", err))
	}
}

// computeMD5Password computes the MD5 password response.
// Format: "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt [4]byte) string {
	h1 := md5.New()
	h1.Write([]byte(password))
	h1.Write([]byte(user))
	inner := fmt.Sprintf("%x", h1.Sum(nil))

	h2 := md5.New()
	h2.Write([]byte(inner))
	h2.Write(salt[:])
	return "md5" + fmt.Sprintf("%x", h2.Sum(nil))
}
