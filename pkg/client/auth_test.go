package client

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgmock"
	pgproto3v2 "github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/justjake/pgclient/pkg/config"
	"github.com/justjake/pgclient/pkg/pgmocktest"
)

func finishAuthSteps(processID, secretKey uint32) []pgmock.Step {
	return []pgmock.Step{
		pgmocktest.Send(&pgproto3v2.AuthenticationOk{}),
		pgmocktest.Send(&pgproto3v2.BackendKeyData{ProcessID: processID, SecretKey: secretKey}),
		pgmocktest.SendReadyForQuery('I'),
		pgmocktest.WaitForClose(),
	}
}

func TestCleartextPasswordAuth(t *testing.T) {
	ctx := testContext(t)

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationCleartextPassword{}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeCleartextPassword),
		pgmocktest.Expect(&pgproto3v2.PasswordMessage{Password: "s3cret"}),
	}
	steps = append(steps, finishAuthSteps(1, 1)...)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.Password = config.Secret("s3cret")
	})
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.End(ctx))
}

func TestMD5PasswordAuth(t *testing.T) {
	ctx := testContext(t)

	salt := [4]byte{0x01, 0x02, 0x03, 0x04}

	// "md5" + md5(md5(password + user) + salt), derived independently.
	inner := fmt.Sprintf("%x", md5.Sum([]byte("s3cret"+"alice")))
	outer := md5.Sum(append([]byte(inner), salt[:]...))
	expected := "md5" + fmt.Sprintf("%x", outer)

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationMD5Password{Salt: salt}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeMD5Password),
		pgmocktest.Expect(&pgproto3v2.PasswordMessage{Password: expected}),
	}
	steps = append(steps, finishAuthSteps(1, 1)...)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.Password = config.Secret("s3cret")
	})
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.End(ctx))
}

// scramVerifier is a minimal test-side SCRAM-SHA-256 server. It accepts
// whatever client nonce arrives and checks the proof against the known
// password.
type scramVerifier struct {
	password   string
	iterations int

	clientFirstBare string
	serverFirst     string
	combinedNonce   string
	salt            []byte
}

func (v *scramVerifier) handleClientFirst(clientFirst string) (string, error) {
	parts := strings.SplitN(clientFirst, ",", 3)
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed client-first-message: %q", clientFirst)
	}
	v.clientFirstBare = parts[2]

	var clientNonce string
	for _, attr := range strings.Split(v.clientFirstBare, ",") {
		if strings.HasPrefix(attr, "r=") {
			clientNonce = attr[2:]
		}
	}
	if clientNonce == "" {
		return "", fmt.Errorf("missing client nonce in %q", clientFirst)
	}

	serverNonce := make([]byte, 18)
	if _, err := rand.Read(serverNonce); err != nil {
		return "", err
	}
	v.combinedNonce = clientNonce + base64.StdEncoding.EncodeToString(serverNonce)

	v.salt = make([]byte, 16)
	if _, err := rand.Read(v.salt); err != nil {
		return "", err
	}

	v.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		v.combinedNonce, base64.StdEncoding.EncodeToString(v.salt), v.iterations)
	return v.serverFirst, nil
}

func (v *scramVerifier) handleClientFinal(clientFinal string) (string, error) {
	attrs := map[string]string{}
	for _, attr := range strings.Split(clientFinal, ",") {
		if len(attr) >= 2 && attr[1] == '=' {
			attrs[attr[:1]] = attr[2:]
		}
	}

	if attrs["r"] != v.combinedNonce {
		return "", fmt.Errorf("nonce mismatch: %q", attrs["r"])
	}
	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	if err != nil {
		return "", err
	}

	withoutProof := clientFinal[:strings.LastIndex(clientFinal, ",p=")]
	authMessage := v.clientFirstBare + "," + v.serverFirst + "," + withoutProof

	saltedPassword := pbkdf2.Key([]byte(v.password), v.salt, v.iterations, 32, sha256.New)
	mac := hmac.New(sha256.New, saltedPassword)
	mac.Write([]byte("Client Key"))
	clientKey := mac.Sum(nil)
	storedKey := sha256.Sum256(clientKey)

	mac = hmac.New(sha256.New, storedKey[:])
	mac.Write([]byte(authMessage))
	clientSignature := mac.Sum(nil)

	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ clientSignature[i]
	}
	recoveredStored := sha256.Sum256(recovered)
	if !hmac.Equal(storedKey[:], recoveredStored[:]) {
		return "", fmt.Errorf("client proof verification failed")
	}

	mac = hmac.New(sha256.New, saltedPassword)
	mac.Write([]byte("Server Key"))
	serverKey := mac.Sum(nil)
	mac = hmac.New(sha256.New, serverKey)
	mac.Write([]byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func TestSCRAMAuth(t *testing.T) {
	ctx := testContext(t)

	verifier := &scramVerifier{password: "pencil", iterations: 4096}

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeSASL),
		pgmocktest.StepFunc(func(backend *pgproto3v2.Backend) error {
			msg, err := backend.Receive()
			if err != nil {
				return err
			}
			initial, ok := msg.(*pgproto3v2.SASLInitialResponse)
			if !ok {
				return fmt.Errorf("expected SASLInitialResponse, got %T", msg)
			}
			if initial.AuthMechanism != "SCRAM-SHA-256" {
				return fmt.Errorf("unexpected mechanism %q", initial.AuthMechanism)
			}
			serverFirst, err := verifier.handleClientFirst(string(initial.Data))
			if err != nil {
				return err
			}
			return backend.Send(&pgproto3v2.AuthenticationSASLContinue{Data: []byte(serverFirst)})
		}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeSASLContinue),
		pgmocktest.StepFunc(func(backend *pgproto3v2.Backend) error {
			msg, err := backend.Receive()
			if err != nil {
				return err
			}
			response, ok := msg.(*pgproto3v2.SASLResponse)
			if !ok {
				return fmt.Errorf("expected SASLResponse, got %T", msg)
			}
			serverFinal, err := verifier.handleClientFinal(string(response.Data))
			if err != nil {
				return err
			}
			return backend.Send(&pgproto3v2.AuthenticationSASLFinal{Data: []byte(serverFinal)})
		}),
	}
	steps = append(steps, finishAuthSteps(1, 1)...)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	serverErr := server.ServeBackground()

	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.Password = config.Secret("pencil")
	})
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.End(ctx))
	require.NoError(t, <-serverErr)
}

func TestSCRAMRejectsTamperedServerSignature(t *testing.T) {
	ctx := testContext(t)

	verifier := &scramVerifier{password: "pencil", iterations: 4096}

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeSASL),
		pgmocktest.StepFunc(func(backend *pgproto3v2.Backend) error {
			msg, err := backend.Receive()
			if err != nil {
				return err
			}
			initial := msg.(*pgproto3v2.SASLInitialResponse)
			serverFirst, err := verifier.handleClientFirst(string(initial.Data))
			if err != nil {
				return err
			}
			return backend.Send(&pgproto3v2.AuthenticationSASLContinue{Data: []byte(serverFirst)})
		}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeSASLContinue),
		pgmocktest.StepFunc(func(backend *pgproto3v2.Backend) error {
			if _, err := backend.Receive(); err != nil {
				return err
			}
			// A signature computed with the wrong key.
			forged := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
			return backend.Send(&pgproto3v2.AuthenticationSASLFinal{Data: []byte("v=" + forged)})
		}),
	}

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.Password = config.Secret("pencil")
	})
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server signature")
}

func TestPasswordFunc(t *testing.T) {
	ctx := testContext(t)

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationCleartextPassword{}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeCleartextPassword),
		pgmocktest.Expect(&pgproto3v2.PasswordMessage{Password: "produced"}),
	}
	steps = append(steps, finishAuthSteps(1, 1)...)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	var calls atomic.Int32
	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.PasswordFunc = func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "produced", nil
		}
	})
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, c.End(ctx))
}

func TestPasswordFuncFailure(t *testing.T) {
	ctx := testContext(t)

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationCleartextPassword{}),
	}

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	c, _ := newTestClient(t, server, func(cfg *config.Config) {
		cfg.PasswordFunc = func(ctx context.Context) (string, error) {
			return "", fmt.Errorf("vault unavailable")
		}
	})
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault unavailable")
}

func TestPassfileFallback(t *testing.T) {
	ctx := testContext(t)

	dir := t.TempDir()
	passfile := filepath.Join(dir, "pgpass")
	require.NoError(t, os.WriteFile(passfile, []byte("*:*:*:alice:from-passfile\n"), 0o600))
	t.Setenv("PGPASSFILE", passfile)

	steps := []pgmock.Step{
		pgmocktest.ExpectStartup(),
		pgmocktest.Send(&pgproto3v2.AuthenticationCleartextPassword{}),
		pgmocktest.SetAuthType(pgproto3v2.AuthTypeCleartextPassword),
		pgmocktest.Expect(&pgproto3v2.PasswordMessage{Password: "from-passfile"}),
	}
	steps = append(steps, finishAuthSteps(1, 1)...)

	server := pgmocktest.NewMockServer(t, steps...)
	defer server.Close()
	go server.Serve()

	// No password configured at all: the passfile is the last resort.
	c, _ := newTestClient(t, server, nil)
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.End(ctx))
}
