package checkpoint_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenca/checkpoint"
)

func newRepo(t *testing.T) *checkpoint.Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	return checkpoint.New(t.TempDir(), checkpoint.WithAuthor("tokenca test", "ca@example.com"))
}

func gitLog(t *testing.T, dir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "log", "--format=%B%x00").Output()
	require.NoError(t, err)
	return string(out)
}

func TestMessageString(t *testing.T) {
	m := checkpoint.Message{Subject: "Revoke SSH certificate", Body: []string{"serial 42"}, OperationID: "abc"}
	assert.Equal(t, "Revoke SSH certificate\n\nserial 42\n\nOperation-Id: abc\n", m.String())
	assert.Equal(t, "Init\n", checkpoint.Message{Subject: "Init"}.String())
}

func TestInitIsIdempotent(t *testing.T) {
	r := newRepo(t)

	created, err := r.Init(t.Context())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Init(t.Context())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCommitOnlyWhenChanged(t *testing.T) {
	r := newRepo(t)
	_, err := r.Init(t.Context())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "serial"), []byte("1000\n"), 0o644))
	committed, err := r.Commit(t.Context(), checkpoint.Message{Subject: "Initialize CA state", OperationID: "op-1"}, "serial")
	require.NoError(t, err)
	assert.True(t, committed)
	head, err := r.Head(t.Context())
	require.NoError(t, err)

	committed, err = r.Commit(t.Context(), checkpoint.Message{Subject: "No-op"}, "serial")
	require.NoError(t, err)
	assert.False(t, committed)
	head2, err := r.Head(t.Context())
	require.NoError(t, err)
	assert.Equal(t, head, head2)

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "serial"), []byte("1001\n"), 0o644))
	committed, err = r.Commit(t.Context(), checkpoint.Message{Subject: "Issue X.509 certificate 1000", OperationID: "op-2"})
	require.NoError(t, err)
	assert.True(t, committed)

	log := gitLog(t, r.Dir())
	assert.Contains(t, log, "Issue X.509 certificate 1000")
	assert.Contains(t, log, "Operation-Id: op-2")
	assert.Equal(t, 2, strings.Count(log, "\x00"))
}

func TestCommitRequiresRepository(t *testing.T) {
	r := newRepo(t)
	_, err := r.Commit(t.Context(), checkpoint.Message{Subject: "x"})
	assert.ErrorIs(t, err, checkpoint.ErrNotRepository)
}
