// Package toolchain drives the external certificate tools, openssl and
// ssh-keygen, through pipeline invocations. Every certificate, key, CSR,
// configuration file and PIN is handed to the tools as an inherited
// descriptor; nothing sensitive is written to a named temporary file.
package toolchain

import (
	"log/slog"

	"github.com/jmcleod/tokenca/pipeline"
	"github.com/jmcleod/tokenca/token"
)

// Config locates the external tools.
type Config struct {
	OpenSSL   string // defaults to "openssl"
	SSHKeygen string // defaults to "ssh-keygen"

	// Backend signs with the CA key on the token. Required for the
	// operations that sign: SelfSign, SignCSR and GenerateCRL.
	Backend *token.Backend

	Logger *slog.Logger
}

// Toolchain runs openssl and ssh-keygen.
type Toolchain struct {
	openssl   string
	sshKeygen string
	backend   *token.Backend
	logger    *slog.Logger
}

// New returns a Toolchain for cfg.
func New(cfg Config) *Toolchain {
	t := &Toolchain{
		openssl:   cfg.OpenSSL,
		sshKeygen: cfg.SSHKeygen,
		backend:   cfg.Backend,
		logger:    cfg.Logger,
	}
	if t.openssl == "" {
		t.openssl = "openssl"
	}
	if t.sshKeygen == "" {
		t.sshKeygen = "ssh-keygen"
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Toolchain) command(program string, opts ...pipeline.Option) *pipeline.Invocation {
	return pipeline.New(program, append([]pipeline.Option{pipeline.WithLogger(t.logger)}, opts...)...)
}
