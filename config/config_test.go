package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenca/config"
)

func flagsFor(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("state-dir", ".", "")
	fs.String("module", "", "")
	fs.String("key-uri", "", "")
	fs.Bool("verbose", false, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load(flagsFor(t, "--state-dir", dir))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, "TOKENCA_PIN", cfg.PINEnv)
	assert.Equal(t, "openssl", cfg.OpenSSL)
	assert.Equal(t, 365, cfg.X509ValidityDays)
	assert.Equal(t, 24*time.Hour, cfg.SSHValidity)
	assert.Equal(t, 3650, cfg.CRLDays)
	assert.False(t, cfg.Verbose)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(`
module_path: /usr/lib/softhsm/libsofthsm2.so
key_uri: "pkcs11:object=from-file;type=private"
token_label: ca
x509:
  validity_days: 90
ssh:
  validity: 8h
checkpoint:
  author_name: CA Operator
`), 0o644))

	t.Setenv("TOKENCA_X509_VALIDITY_DAYS", "30")

	cfg, err := config.Load(flagsFor(t, "--state-dir", dir, "--key-uri", "pkcs11:object=from-flag;type=private", "--verbose"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.ModulePath)
	assert.Equal(t, "pkcs11:object=from-flag;type=private", cfg.KeyURI)
	assert.Equal(t, "ca", cfg.TokenLabel)
	assert.Equal(t, 30, cfg.X509ValidityDays)
	assert.Equal(t, 8*time.Hour, cfg.SSHValidity)
	assert.Equal(t, "CA Operator", cfg.AuthorName)
	assert.True(t, cfg.Verbose)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("crl:\n  days: 0\n"), 0o644))

	_, err := config.Load(flagsFor(t, "--state-dir", dir))
	assert.Error(t, err)
}

func TestWriteTemplate(t *testing.T) {
	dir := t.TempDir()

	created, err := config.WriteTemplate(dir)
	require.NoError(t, err)
	assert.True(t, created)

	cfg, err := config.Load(flagsFor(t, "--state-dir", dir))
	require.NoError(t, err)
	assert.Equal(t, 365, cfg.X509ValidityDays)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("git: /usr/bin/git\n"), 0o644))
	created, err = config.WriteTemplate(dir)
	require.NoError(t, err)
	assert.False(t, created)
	data, err := os.ReadFile(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	assert.Equal(t, "git: /usr/bin/git\n", string(data))
}
