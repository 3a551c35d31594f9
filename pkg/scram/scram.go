// Package scram implements the client side of SCRAM-SHA-256 and
// SCRAM-SHA-256-PLUS (RFC 5802, RFC 7677) as used by PostgreSQL SASL
// authentication, including tls-server-end-point channel binding
// (RFC 5929).
package scram

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MechanismSHA256 is SCRAM-SHA-256 without channel binding.
	MechanismSHA256 = "SCRAM-SHA-256"
	// MechanismSHA256Plus is SCRAM-SHA-256 with tls-server-end-point
	// channel binding.
	MechanismSHA256Plus = "SCRAM-SHA-256-PLUS"
)

// Phase tracks where the exchange is in its three-step lifecycle.
type Phase int

const (
	PhaseInitialSent Phase = iota
	PhaseResponseSent
	PhaseDone
)

// ChannelBinding describes the TLS channel available for binding.
// The zero value means no TLS channel is offered to the exchange.
type ChannelBinding struct {
	// Supported is true when the connection is TLS and the client is
	// willing to bind to it.
	Supported bool

	// PeerCert is the server's leaf certificate. When non-nil (and
	// Supported), SCRAM-SHA-256-PLUS becomes selectable.
	PeerCert *x509.Certificate
}

// Session is a single-use SCRAM exchange. Create with Start, advance
// with Continue, and check the server's proof with Finalize.
type Session struct {
	// Mechanism is the SASL mechanism selected at Start.
	Mechanism string

	phase       Phase
	binding     ChannelBinding
	clientNonce string

	// serverSignature is the base64 signature Finalize must observe.
	serverSignature string

	// response is the most recent outgoing payload.
	response string
}

// nonceSize is the number of random bytes behind the client nonce.
const nonceSize = 18

// newNonce is swapped out by tests that need a deterministic exchange.
var newNonce = func() (string, error) {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate client nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Start selects a mechanism from the server's offer and produces the
// client-first message. Mechanism priority: SCRAM-SHA-256-PLUS when a
// peer certificate is available, then SCRAM-SHA-256.
func Start(offered []string, binding ChannelBinding) (*Session, error) {
	var candidates []string
	if binding.Supported && binding.PeerCert != nil {
		candidates = append(candidates, MechanismSHA256Plus)
	}
	candidates = append(candidates, MechanismSHA256)

	mechanism := ""
	for _, candidate := range candidates {
		for _, offer := range offered {
			if offer == candidate {
				mechanism = candidate
				break
			}
		}
		if mechanism != "" {
			break
		}
	}
	if mechanism == "" {
		return nil, errors.New("SASL: only SCRAM-SHA-256(-PLUS) is currently supported")
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	s := &Session{
		Mechanism:   mechanism,
		phase:       PhaseInitialSent,
		binding:     binding,
		clientNonce: nonce,
	}
	s.response = s.gs2Header() + clientFirstBare(nonce)
	return s, nil
}

// Response returns the payload to transmit for the current phase.
func (s *Session) Response() string {
	return s.response
}

// gs2Header describes channel-binding intent per RFC 5802.
func (s *Session) gs2Header() string {
	switch {
	case s.Mechanism == MechanismSHA256Plus:
		return "p=tls-server-end-point,,"
	case s.binding.Supported:
		// Client could bind but the server did not offer PLUS.
		return "y,,"
	default:
		return "n,,"
	}
}

func clientFirstBare(nonce string) string {
	return "n=*,r=" + nonce
}

var (
	// Nonce: printable ASCII excluding comma.
	nonceRegexp = regexp.MustCompile(`^[\x21-\x2b\x2d-\x7e]+$`)
	// Standard base64 with canonical padding.
	base64Regexp = regexp.MustCompile(`^(?:[A-Za-z0-9+/]{4})*(?:[A-Za-z0-9+/]{2}==|[A-Za-z0-9+/]{3}=)?$`)
)

// serverFirst holds the parsed attributes of a server-first-message.
type serverFirst struct {
	nonce      string
	salt       string
	iterations int
}

func parseServerFirst(msg string) (serverFirst, error) {
	attrs := parseAttributes(msg)

	nonce, ok := attrs["r"]
	if !ok || !nonceRegexp.MatchString(nonce) {
		return serverFirst{}, errors.New("SASL: SCRAM-SERVER-FIRST-MESSAGE: nonce missing/unprintable")
	}

	salt, ok := attrs["s"]
	if !ok || !base64Regexp.MatchString(salt) || salt == "" {
		return serverFirst{}, errors.New("SASL: SCRAM-SERVER-FIRST-MESSAGE: salt must be base64")
	}

	iterRaw, ok := attrs["i"]
	if !ok {
		return serverFirst{}, errors.New("SASL: SCRAM-SERVER-FIRST-MESSAGE: missing iteration count")
	}
	iterations, err := strconv.Atoi(iterRaw)
	if err != nil || iterations <= 0 {
		return serverFirst{}, errors.New("SASL: SCRAM-SERVER-FIRST-MESSAGE: invalid iteration count")
	}

	return serverFirst{nonce: nonce, salt: salt, iterations: iterations}, nil
}

// Continue consumes the server-first-message and produces the
// client-final-message carrying the proof.
func (s *Session) Continue(password, serverFirstMsg string) error {
	if s.phase != PhaseInitialSent {
		return errors.New("SASL: session is not expecting a server-first-message")
	}

	sv, err := parseServerFirst(serverFirstMsg)
	if err != nil {
		return err
	}

	// The server nonce must strictly extend ours or the exchange is
	// being replayed.
	if !strings.HasPrefix(sv.nonce, s.clientNonce) || len(sv.nonce) <= len(s.clientNonce) {
		return errors.New("SASL: SCRAM-SERVER-FIRST-MESSAGE: server nonce does not start with client nonce")
	}

	cbind, err := s.channelBindingToken()
	if err != nil {
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(sv.salt)
	if err != nil {
		return fmt.Errorf("SASL: SCRAM-SERVER-FIRST-MESSAGE: salt must be base64: %w", err)
	}

	clientFinalWithoutProof := "c=" + cbind + ",r=" + sv.nonce
	authMessage := clientFirstBare(s.clientNonce) +
		"," + "r=" + sv.nonce + ",s=" + sv.salt + ",i=" + strconv.Itoa(sv.iterations) +
		"," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, sv.iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))

	s.serverSignature = base64.StdEncoding.EncodeToString(serverSignature)
	s.response = clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	s.phase = PhaseResponseSent
	return nil
}

// channelBindingToken computes the c= attribute of the
// client-final-message.
func (s *Session) channelBindingToken() (string, error) {
	if s.Mechanism != MechanismSHA256Plus {
		if s.binding.Supported {
			return base64.StdEncoding.EncodeToString([]byte("y,,")), nil
		}
		return base64.StdEncoding.EncodeToString([]byte("n,,")), nil
	}

	certHash, err := hashPeerCertificate(s.binding.PeerCert)
	if err != nil {
		return "", err
	}

	cbindData := append([]byte("p=tls-server-end-point,,"), certHash...)
	return base64.StdEncoding.EncodeToString(cbindData), nil
}

// hashPeerCertificate digests the DER certificate with the hash named
// by its signature algorithm. MD5 and SHA-1 are substituted with
// SHA-256, matching the PostgreSQL server's tls-server-end-point rule;
// changing this breaks interop with the server's own computation.
func hashPeerCertificate(cert *x509.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, errors.New("SASL: channel binding requires the server certificate")
	}

	hash := crypto.SHA256
	switch cert.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		hash = crypto.SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		hash = crypto.SHA512
	}

	digest := hash.New()
	digest.Write(cert.Raw)
	return digest.Sum(nil), nil
}

// Finalize consumes the server-final-message and verifies the server
// signature, completing mutual authentication.
func (s *Session) Finalize(serverFinalMsg string) error {
	if s.phase != PhaseResponseSent {
		return errors.New("SASL: session is not expecting a server-final-message")
	}

	attrs := parseAttributes(serverFinalMsg)

	if failure, ok := attrs["e"]; ok {
		return fmt.Errorf("SASL: server rejected authentication: %s", failure)
	}

	signature, ok := attrs["v"]
	if !ok || !base64Regexp.MatchString(signature) || signature == "" {
		return errors.New("SASL: SCRAM-SERVER-FINAL-MESSAGE: server signature must be base64")
	}

	if !hmac.Equal([]byte(signature), []byte(s.serverSignature)) {
		return errors.New("SASL: SCRAM-SERVER-FINAL-MESSAGE: server signature does not match")
	}

	s.phase = PhaseDone
	return nil
}

// parseAttributes parses a comma-separated list of key=value attributes.
func parseAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

// hmacSHA256 computes HMAC-SHA256.
func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
