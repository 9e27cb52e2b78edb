package token_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenca/pipeline"
	"github.com/jmcleod/tokenca/token"
)

const testKeyURI = "pkcs11:token=ca;object=tokenca-test;type=private"

// fakeOpenSSL writes a script that records its argv and environment to
// argsFile and prints the PIN read from -passin, a '|' and the -in data.
func fakeOpenSSL(t *testing.T) (bin, argsFile string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "openssl")
	script := `#!/bin/sh
echo "$@" > '` + argsFile + `'
echo "module=$PKCS11_MODULE_PATH" >> '` + argsFile + `'
pass=""
in=""
while [ $# -gt 0 ]; do
	case "$1" in
	-passin) pass="${2#file:}"; shift ;;
	-in) in="$2"; shift ;;
	esac
	shift
done
cat "$pass"
printf '|'
cat "$in"
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func staticPIN(s string) *token.PIN {
	return token.StaticPIN([]byte(s))
}

func TestEngineArgs_Deterministic(t *testing.T) {
	b := token.NewBackend(token.Config{KeyURI: testKeyURI}, staticPIN("1234"))
	op := token.Operation{KeyFlag: "-CAkey", KeyFormFlag: "-CAkeyform", CertFlag: "-CA", CACert: []byte("cert")}

	var got [][]string
	for i := 0; i < 2; i++ {
		inv := pipeline.New("openssl")
		args, err := b.EngineArgs(inv, op)
		require.NoError(t, err)
		require.NoError(t, inv.Close())
		got = append(got, args)
	}

	want := []string{
		"-engine", "pkcs11",
		"-CAkeyform", "engine",
		"-CAkey", testKeyURI,
		"-passin", "file:/dev/fd/3",
		"-CA", "/dev/fd/4",
	}
	assert.Equal(t, want, got[0])
	assert.Equal(t, got[0], got[1])
	assert.NotContains(t, strings.Join(got[0], " "), "1234")
}

func TestEngineArgs_Validation(t *testing.T) {
	pin := staticPIN("1234")

	_, err := token.NewBackend(token.Config{}, pin).EngineArgs(pipeline.New("openssl"), token.Operation{KeyFlag: "-key", KeyFormFlag: "-keyform"})
	assert.ErrorIs(t, err, token.ErrNoKey)

	b := token.NewBackend(token.Config{KeyURI: testKeyURI}, pin)
	_, err = b.EngineArgs(pipeline.New("openssl"), token.Operation{KeyFlag: "-key"})
	assert.Error(t, err)

	_, err = b.EngineArgs(pipeline.New("openssl"), token.Operation{KeyFlag: "-key", KeyFormFlag: "-keyform", CertFlag: "-CA"})
	assert.Error(t, err)
}

func TestEngineArgs_PINTravelsOverDescriptor(t *testing.T) {
	bin, argsFile := fakeOpenSSL(t)

	b := token.NewBackend(token.Config{KeyURI: testKeyURI, ModulePath: "/usr/lib/softhsm/libsofthsm2.so"}, staticPIN("s3cret-pin"))
	inv := pipeline.New(bin)
	engine, err := b.EngineArgs(inv, token.Operation{KeyFlag: "-key", KeyFormFlag: "-keyform"})
	require.NoError(t, err)
	in, err := inv.Input("data", []byte("payload"))
	require.NoError(t, err)

	out, err := inv.Run(t.Context(), append([]string{"req", "-in", in.Path()}, engine...)...)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pin|payload", string(out))

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(recorded), "s3cret-pin")
	assert.Contains(t, string(recorded), "module=/usr/lib/softhsm/libsofthsm2.so")
}

func TestSigner_RSAUsesDigestOption(t *testing.T) {
	bin, argsFile := fakeOpenSSL(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	b := token.NewBackend(token.Config{KeyURI: testKeyURI, OpenSSL: bin}, staticPIN("0000"))
	s, err := b.Signer(t.Context(), &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, &key.PublicKey, s.Public())

	digest := sha256.Sum256([]byte("message"))
	sig, err := s.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("0000|"), digest[:]...), sig)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "pkeyutl -sign -in /dev/fd/4")
	assert.Contains(t, string(recorded), "-inkey "+testKeyURI)
	assert.Contains(t, string(recorded), "-pkeyopt digest:sha256")
}

func TestSigner_ECDSAHasNoDigestOption(t *testing.T) {
	bin, argsFile := fakeOpenSSL(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	b := token.NewBackend(token.Config{KeyURI: testKeyURI, OpenSSL: bin}, staticPIN("0000"))
	s, err := b.Signer(t.Context(), &key.PublicKey)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("message"))
	_, err = s.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(recorded), "-pkeyopt")
}

func TestSigner_Rejects(t *testing.T) {
	b := token.NewBackend(token.Config{KeyURI: testKeyURI}, staticPIN("0000"))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = b.Signer(t.Context(), pub)
	assert.ErrorIs(t, err, token.ErrUnsupportedKey)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s, err := b.Signer(t.Context(), &key.PublicKey)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("m"))
	_, err = s.Sign(rand.Reader, digest[:], &rsa.PSSOptions{Hash: crypto.SHA256})
	assert.ErrorIs(t, err, token.ErrUnsupportedKey)

	_, err = s.Sign(rand.Reader, digest[:20], crypto.SHA256)
	assert.Error(t, err)
}

func TestSigner_ProcessFailure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	bin, err := exec.LookPath("false")
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	b := token.NewBackend(token.Config{KeyURI: testKeyURI, OpenSSL: bin}, staticPIN("0000"))
	s, err := b.Signer(t.Context(), &key.PublicKey)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("m"))
	_, err = s.Sign(rand.Reader, digest[:], crypto.SHA256)
	var pf *pipeline.ProcessFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, 1, pf.ExitCode)
}

func TestPIN_FromEnvironment(t *testing.T) {
	t.Setenv("TOKENCA_TEST_PIN", "4321")
	prompted := false
	pin := token.NewPIN("TOKENCA_TEST_PIN", token.WithPrompter(func() ([]byte, error) {
		prompted = true
		return []byte("wrong"), nil
	}))

	b, err := pin.Copy()
	require.NoError(t, err)
	assert.Equal(t, "4321", string(b))
	assert.False(t, prompted)

	_, set := os.LookupEnv("TOKENCA_TEST_PIN")
	assert.False(t, set, "PIN variable should be removed from the environment")

	b, err = pin.Copy()
	require.NoError(t, err)
	assert.Equal(t, "4321", string(b))
}

func TestPIN_PromptsOnce(t *testing.T) {
	calls := 0
	pin := token.NewPIN("TOKENCA_TEST_PIN_UNSET", token.WithPrompter(func() ([]byte, error) {
		calls++
		return []byte("9999"), nil
	}))

	for i := 0; i < 3; i++ {
		b, err := pin.Copy()
		require.NoError(t, err)
		assert.Equal(t, "9999", string(b))
	}
	assert.Equal(t, 1, calls)
}

func TestPIN_Unavailable(t *testing.T) {
	pin := token.NewPIN("TOKENCA_TEST_PIN_UNSET", token.WithPrompter(func() ([]byte, error) {
		return nil, token.ErrNoPIN
	}))
	_, err := pin.Copy()
	assert.ErrorIs(t, err, token.ErrNoPIN)

	empty := token.NewPIN("TOKENCA_TEST_PIN_UNSET", token.WithPrompter(func() ([]byte, error) {
		return nil, nil
	}))
	_, err = empty.Copy()
	assert.ErrorIs(t, err, token.ErrNoPIN)
}

func TestKeyURIFor(t *testing.T) {
	assert.Equal(t, "pkcs11:token=ca;object=tokenca-1;type=private", token.KeyURIFor("ca", "tokenca-1"))
	assert.Equal(t, "pkcs11:object=key;type=private", token.KeyURIFor("", "key"))
	assert.Equal(t, "pkcs11:token=My%20Token;object=a%2Fb;type=private", token.KeyURIFor("My Token", "a/b"))
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]string{
		"":         token.AlgorithmECP256,
		"ec":       token.AlgorithmECP256,
		"ECDSA":    token.AlgorithmECP256,
		"rsa":      token.AlgorithmRSA3072,
		"rsa-3072": token.AlgorithmRSA3072,
	} {
		got, err := token.ParseAlgorithm(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := token.ParseAlgorithm("dsa")
	assert.ErrorIs(t, err, token.ErrUnsupportedKey)
}
