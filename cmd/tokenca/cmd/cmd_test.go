package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/tokenca/ca"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testRecords() []ca.Record {
	day := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	return []ca.Record{
		{Family: ca.FamilyX509, Serial: "1000", Status: "valid", Subject: "/CN=web", Expires: day},
		{Family: ca.FamilySSH, Serial: "42", Status: "revoked", KeyID: "alice", Principals: []string{"alice", "root"}, IssuedAt: day, RevokedAt: day.AddDate(0, 0, 1)},
	}
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.Execute()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWriteRecords_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, testRecords(), "table"))

	out := buf.String()
	assert.Contains(t, out, "FAMILY")
	assert.Contains(t, out, "expires 2030-01-02")
	assert.Contains(t, out, "/CN=web")
	assert.Contains(t, out, "alice (alice,root)")
	assert.Contains(t, out, "revoked 2030-01-03")
}

func TestWriteRecords_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, testRecords(), "yaml"))

	var decoded []ca.Record
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "1000", decoded[0].Serial)
	assert.Equal(t, []string{"alice", "root"}, decoded[1].Principals)
	assert.NotContains(t, buf.String(), "revoked_at: 0001")
}

func TestWriteRecords_UnknownFormat(t *testing.T) {
	assert.Error(t, writeRecords(&bytes.Buffer{}, nil, "json"))
}

func TestCertPathFor(t *testing.T) {
	assert.Equal(t, "/home/alice/.ssh/id_ed25519-cert.pub", certPathFor("/home/alice/.ssh/id_ed25519.pub"))
	assert.Equal(t, "key-cert.pub", certPathFor("key"))
}

func TestInitCommand_Idempotent(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("TOKENCA_CHECKPOINT_AUTHOR_NAME", "tokenca test")
	t.Setenv("TOKENCA_CHECKPOINT_AUTHOR_EMAIL", "ca@example.com")
	dir := filepath.Join(t.TempDir(), "ca")

	require.NoError(t, runCLI(t, "--state-dir", dir, "init"))
	for _, name := range []string{ca.X509IndexFile, ca.SSHIndexFile, ca.SerialFile, ca.CRLNumberFile, "tokenca.yaml"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.DirExists(t, filepath.Join(dir, ".git"))
	head := func() string {
		out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
		require.NoError(t, err)
		return string(out)
	}
	first := head()

	require.NoError(t, runCLI(t, "--state-dir", dir, "init"))
	assert.Equal(t, first, head())
}

func TestListRequiresInit(t *testing.T) {
	err := runCLI(t, "--state-dir", t.TempDir(), "list")
	assert.ErrorIs(t, err, ca.ErrNotInitialized)
}
