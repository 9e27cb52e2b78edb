package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/tokenca/ca"
	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/token"
	"github.com/jmcleod/tokenca/toolchain"
)

// resolveKeyURI returns the configured key URI, falling back to the one
// recorded in identity.yaml by init-ca.
func resolveKeyURI() (string, error) {
	if cfg.KeyURI != "" {
		return cfg.KeyURI, nil
	}
	ident, err := ca.LoadIdentity(cfg.StateDir)
	if err != nil {
		if errors.Is(err, ca.ErrNotInitialized) {
			return "", nil
		}
		return "", err
	}
	return ident.KeyURI, nil
}

func newPIN() *token.PIN {
	return token.NewPIN(cfg.PINEnv)
}

// newAuthority wires the engine to the token, the external tools and the
// state repository.
func newAuthority() (*ca.Authority, error) {
	keyURI, err := resolveKeyURI()
	if err != nil {
		return nil, err
	}

	backend := token.NewBackend(token.Config{
		ModulePath: cfg.ModulePath,
		KeyURI:     keyURI,
		OpenSSL:    cfg.OpenSSL,
		Logger:     logger,
	}, newPIN())

	tools := toolchain.New(toolchain.Config{
		OpenSSL:   cfg.OpenSSL,
		SSHKeygen: cfg.SSHKeygen,
		Backend:   backend,
		Logger:    logger,
	})

	repo := checkpoint.New(cfg.StateDir,
		checkpoint.WithGit(cfg.Git),
		checkpoint.WithAuthor(cfg.AuthorName, cfg.AuthorEmail),
		checkpoint.WithLogger(logger),
	)

	a, err := ca.New(ca.Options{
		Dir:              cfg.StateDir,
		Tools:            tools,
		Signer:           ca.TokenSigner(backend),
		Checkpoint:       repo,
		Logger:           logger,
		KeyURI:           keyURI,
		X509ValidityDays: cfg.X509ValidityDays,
		SSHValidity:      cfg.SSHValidity,
		CRLDays:          cfg.CRLDays,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up CA: %w", err)
	}
	logger.Debug("CA configured",
		slog.String("state_dir", cfg.StateDir),
		slog.String("key_uri", keyURI),
		slog.String("module", cfg.ModulePath))
	return a, nil
}
