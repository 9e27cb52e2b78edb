// Package token adapts the PKCS#11 token that holds the CA key to the
// external tools that sign with it. The key never leaves the token: tools
// reach it through the OpenSSL pkcs11 engine, and the PIN reaches the tools
// through an inherited pipe, never through argv, the environment or a file.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/tokenca/pipeline"
)

const (
	// DefaultEngine is the OpenSSL engine id of libp11.
	DefaultEngine = "pkcs11"

	// ModulePathEnv is read by the libp11 engine to locate the PKCS#11
	// module.
	ModulePathEnv = "PKCS11_MODULE_PATH"
)

// ErrNoKey is returned when no key URI is configured.
var ErrNoKey = errors.New("no CA key URI configured")

// Config describes how to reach the CA key.
type Config struct {
	// ModulePath is the PKCS#11 shared library, e.g.
	// /usr/lib/softhsm/libsofthsm2.so.
	ModulePath string

	// KeyURI is the RFC 7512 locator of the CA private key.
	KeyURI string

	// Engine is the OpenSSL engine id. Defaults to DefaultEngine.
	Engine string

	// OpenSSL is the openssl binary used for raw signatures. Defaults to
	// "openssl" on PATH.
	OpenSSL string

	Logger *slog.Logger
}

// Operation names the flags a particular openssl subcommand uses for its
// signing key and CA certificate.
type Operation struct {
	KeyFlag     string // e.g. -key, -CAkey, -keyfile, -inkey
	KeyFormFlag string // e.g. -keyform, -CAkeyform
	CertFlag    string // optional, e.g. -CA or -cert
	CACert      []byte // PEM, required when CertFlag is set
}

// Backend builds signing invocations against the token.
type Backend struct {
	cfg Config
	pin *PIN
}

// NewBackend returns a backend for cfg using pin.
func NewBackend(cfg Config, pin *PIN) *Backend {
	if cfg.Engine == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.OpenSSL == "" {
		cfg.OpenSSL = "openssl"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{cfg: cfg, pin: pin}
}

// KeyURI returns the configured CA key locator.
func (b *Backend) KeyURI() string {
	return b.cfg.KeyURI
}

// EngineArgs prepares inv to sign with the CA key and returns the
// arguments to append to the openssl command line. The PIN and the CA
// certificate are attached to inv as input channels; argv only carries
// their /dev/fd paths. For a given operation and channel layout the
// result is deterministic.
func (b *Backend) EngineArgs(inv *pipeline.Invocation, op Operation) ([]string, error) {
	if b.cfg.KeyURI == "" {
		return nil, ErrNoKey
	}
	if op.KeyFlag == "" || op.KeyFormFlag == "" {
		return nil, fmt.Errorf("signing operation needs key and key form flags")
	}
	if op.CertFlag != "" && len(op.CACert) == 0 {
		return nil, fmt.Errorf("signing operation %s needs the CA certificate", op.CertFlag)
	}

	if b.cfg.ModulePath != "" {
		inv.Setenv(ModulePathEnv + "=" + b.cfg.ModulePath)
	}

	pin, err := b.pin.Copy()
	if err != nil {
		return nil, err
	}
	pinCh, err := inv.Input("pin", pin, pipeline.Secret())
	if err != nil {
		return nil, fmt.Errorf("opening PIN channel: %w", err)
	}

	args := []string{
		"-engine", b.cfg.Engine,
		op.KeyFormFlag, "engine",
		op.KeyFlag, b.cfg.KeyURI,
		"-passin", "file:" + pinCh.Path(),
	}

	if op.CertFlag != "" {
		certCh, err := inv.Input("ca-cert", op.CACert)
		if err != nil {
			return nil, fmt.Errorf("opening CA certificate channel: %w", err)
		}
		args = append(args, op.CertFlag, certCh.Path())
	}
	return args, nil
}

// KeyURIFor builds the RFC 7512 URI of a private key object on a token.
func KeyURIFor(tokenLabel, objectLabel string) string {
	var sb strings.Builder
	sb.WriteString("pkcs11:")
	if tokenLabel != "" {
		sb.WriteString("token=" + escapeURIValue(tokenLabel) + ";")
	}
	sb.WriteString("object=" + escapeURIValue(objectLabel) + ";type=private")
	return sb.String()
}

// escapeURIValue percent-encodes everything outside the RFC 7512 pchar
// unreserved set.
func escapeURIValue(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~', c == ':', c == '[', c == ']',
			c == '@', c == '!', c == '$', c == '\'', c == '(', c == ')', c == '*',
			c == '+', c == ',', c == '=', c == '&':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}
