package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// SSLMode controls TLS negotiation with the server. These mirror
// libpq's sslmode settings.
type SSLMode string

const (
	// SSLModeDisable never sends an SSLRequest; only plaintext.
	SSLModeDisable SSLMode = "disable"
	// SSLModeAllow tries plaintext first but accepts a server that
	// demands TLS. In this client it behaves like prefer.
	SSLModeAllow SSLMode = "allow"
	// SSLModePrefer sends an SSLRequest and falls back to plaintext if
	// the server declines.
	SSLModePrefer SSLMode = "prefer"
	// SSLModeRequire fails the connection if the server declines TLS.
	// The server certificate is not verified.
	SSLModeRequire SSLMode = "require"
	// SSLModeVerifyCA requires TLS and verifies the certificate chain
	// against the configured root CAs.
	SSLModeVerifyCA SSLMode = "verify-ca"
	// SSLModeVerifyFull additionally verifies the server hostname.
	SSLModeVerifyFull SSLMode = "verify-full"
)

// TLSConfig configures TLS toward the server.
type TLSConfig struct {
	// SSLMode controls whether TLS is attempted, required, or disabled.
	SSLMode SSLMode `json:"sslmode,omitzero"`

	// RootCAPath is a PEM file of root certificates used for
	// verify-ca and verify-full.
	RootCAPath string `json:"root_ca_path,omitzero"`

	// CertPath and KeyPath configure a client certificate in PEM format.
	CertPath string `json:"cert_path,omitzero"`
	KeyPath  string `json:"key_path,omitzero"`
}

// Validate checks that the TLS configuration is valid.
func (c *TLSConfig) Validate() error {
	mode := c.SSLMode
	if mode == "" {
		mode = SSLModeDisable
	}

	switch mode {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
	default:
		return fmt.Errorf("invalid sslmode %q: must be one of: disable, allow, prefer, require, verify-ca, verify-full", c.SSLMode)
	}

	if mode == SSLModeDisable {
		return nil
	}

	hasCertPath := c.CertPath != ""
	hasKeyPath := c.KeyPath != ""
	if hasCertPath != hasKeyPath {
		return errors.New("cert_path and key_path must both be set or both be empty")
	}

	if (mode == SSLModeVerifyCA || mode == SSLModeVerifyFull) && c.RootCAPath == "" {
		return fmt.Errorf("sslmode %q requires root_ca_path", mode)
	}

	return nil
}

// Enabled returns true if an SSLRequest will be sent.
func (c *TLSConfig) Enabled() bool {
	switch c.SSLMode {
	case SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// Required returns true if a server that declines TLS fails the connection.
func (c *TLSConfig) Required() bool {
	switch c.SSLMode {
	case SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// NewClientTLS builds the tls.Config used to upgrade the connection
// after the server accepts the SSLRequest. serverName is the host the
// connection was dialed to, used for verify-full.
// The caller should call Validate() before calling NewClientTLS().
func (c *TLSConfig) NewClientTLS(serverName string) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	switch c.SSLMode {
	case SSLModeAllow, SSLModePrefer, SSLModeRequire:
		// The connection is encrypted but the peer is not verified.
		cfg.InsecureSkipVerify = true
	case SSLModeVerifyCA:
		// Chain verification without hostname verification is not a
		// built-in mode; skip the default verifier and check the chain
		// ourselves.
		cfg.InsecureSkipVerify = true
		roots, err := loadRootCAs(c.RootCAPath)
		if err != nil {
			return nil, err
		}
		cfg.VerifyPeerCertificate = verifyChainOnly(roots)
	case SSLModeVerifyFull:
		roots, err := loadRootCAs(c.RootCAPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = roots
	}

	if c.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return pool, nil
}

func verifyChainOnly(roots *x509.CertPool) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs[i] = cert
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}
