package toolchain_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/jmcleod/tokenca/pipeline"
	"github.com/jmcleod/tokenca/toolchain"
	"github.com/jmcleod/tokenca/token"
)

const testKeyURI = "pkcs11:token=ca;object=tokenca-test;type=private"

type fake struct {
	bin  string
	args string
	dump string
}

func (f fake) recordedArgs(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(f.args)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func (f fake) dumped(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(f.dump)
	require.NoError(t, err)
	return string(b)
}

// fakeOpenSSL writes a stand-in for openssl that records its argv, dumps
// the content of every input channel passed after a known flag, writes
// FAKE-OUT to -out and prints FAKE-STDOUT. extra runs before exiting.
func fakeOpenSSL(t *testing.T, extra string) fake {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	f := fake{
		bin:  filepath.Join(dir, "openssl"),
		args: filepath.Join(dir, "args"),
		dump: filepath.Join(dir, "dump"),
	}
	script := `#!/bin/sh
echo "$@" > '` + f.args + `'
: > '` + f.dump + `'
prev=""
for a in "$@"; do
	case "$a" in
	/dev/fd/*|file:/dev/fd/*)
		case "$prev" in
		-out) printf 'FAKE-OUT' > "$a" ;;
		*) echo "== $prev" >> '` + f.dump + `'; cat "${a#file:}" >> '` + f.dump + `'; echo >> '` + f.dump + `' ;;
		esac
		;;
	esac
	prev="$a"
done
` + extra + `
printf 'FAKE-STDOUT'
`
	require.NoError(t, os.WriteFile(f.bin, []byte(script), 0o755))
	return f
}

func newToolchain(openssl string) *toolchain.Toolchain {
	backend := token.NewBackend(token.Config{KeyURI: testKeyURI}, token.StaticPIN([]byte("0000")))
	return toolchain.New(toolchain.Config{OpenSSL: openssl, Backend: backend})
}

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return p
}

func TestSelfSign_Arguments(t *testing.T) {
	f := fakeOpenSSL(t, "")
	tc := newToolchain(f.bin)

	out, err := tc.SelfSign(t.Context(), toolchain.SelfSignRequest{Subject: "/O=Example/CN=Example CA", Days: 3650})
	require.NoError(t, err)
	assert.Equal(t, "FAKE-STDOUT", string(out))

	args := f.recordedArgs(t)
	assert.True(t, strings.HasPrefix(args, "req -new -x509 -config /dev/fd/4 -extensions v3_ca -subj /O=Example/CN=Example CA -days 3650 -sha256"), args)
	assert.Contains(t, args, "-engine pkcs11 -keyform engine -key "+testKeyURI+" -passin file:/dev/fd/3")
	assert.NotContains(t, args, "0000")

	dump := f.dumped(t)
	assert.Contains(t, dump, "basicConstraints = critical, CA:true")
	assert.Contains(t, dump, "== -passin\n0000")
}

func TestSignCSR_Arguments(t *testing.T) {
	f := fakeOpenSSL(t, "")
	tc := newToolchain(f.bin)

	out, err := tc.SignCSR(t.Context(), toolchain.SignRequest{
		CSR:     []byte("CSR-PEM"),
		CACert:  []byte("CA-PEM"),
		Serial:  big.NewInt(1000),
		Days:    30,
		Profile: toolchain.ProfileServer,
		SANs: toolchain.SubjectAltNames{
			DNS: []string{"host.example.com", "alt.example.com"},
			IP:  []net.IP{net.ParseIP("10.0.0.1")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "FAKE-STDOUT", string(out))

	assert.Equal(t,
		"x509 -req -in /dev/fd/5 -set_serial 1000 -days 30 -sha256 -extfile /dev/fd/6 -extensions v3_leaf "+
			"-engine pkcs11 -CAkeyform engine -CAkey "+testKeyURI+" -passin file:/dev/fd/3 -CA /dev/fd/4",
		f.recordedArgs(t))

	dump := f.dumped(t)
	assert.Contains(t, dump, "== -in\nCSR-PEM")
	assert.Contains(t, dump, "== -CA\nCA-PEM")
	assert.Contains(t, dump, "extendedKeyUsage = serverAuth\n")
	assert.Contains(t, dump, "subjectAltName = @alt_names")
	assert.Contains(t, dump, "DNS.1 = host.example.com\nDNS.2 = alt.example.com\nIP.1 = 10.0.0.1\n")
}

func TestSignCSR_Validation(t *testing.T) {
	tc := newToolchain("openssl")

	_, err := tc.SignCSR(t.Context(), toolchain.SignRequest{CSR: []byte("x"), CACert: []byte("y"), Days: 1})
	assert.Error(t, err)

	_, err = tc.SignCSR(t.Context(), toolchain.SignRequest{CSR: []byte("x"), CACert: []byte("y"), Serial: big.NewInt(1)})
	assert.Error(t, err)

	_, err = tc.SignCSR(t.Context(), toolchain.SignRequest{
		CSR: []byte("x"), CACert: []byte("y"), Serial: big.NewInt(1), Days: 1,
		SANs: toolchain.SubjectAltNames{DNS: []string{"evil\nbasicConstraints = CA:true"}},
	})
	assert.Error(t, err)

	_, err = toolchain.New(toolchain.Config{}).SignCSR(t.Context(), toolchain.SignRequest{})
	assert.ErrorIs(t, err, toolchain.ErrNoBackend)
}

func TestGenerateCRL_CounterShim(t *testing.T) {
	state := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(state, "index.txt"), nil, 0o644))

	// openssl ca rotates the counter file; the fake does the same.
	shim := filepath.Join(state, ".crlnumber")
	f := fakeOpenSSL(t, `cat '`+shim+`' >> "$0.crlnumber"; echo 03E9 > '`+shim+`.new'; mv '`+shim+`' '`+shim+`.old'; mv '`+shim+`.new' '`+shim+`'`)
	tc := newToolchain(f.bin)

	out, err := tc.GenerateCRL(t.Context(), toolchain.CRLRequest{StateDir: state, CACert: []byte("CA-PEM"), Days: 3650, Number: 1000})
	require.NoError(t, err)
	assert.Equal(t, "FAKE-STDOUT", string(out))

	number, err := os.ReadFile(f.bin + ".crlnumber")
	require.NoError(t, err)
	assert.Equal(t, "03E8\n", string(number))

	args := f.recordedArgs(t)
	assert.True(t, strings.HasPrefix(args, "ca -gencrl -batch -config /dev/fd/5 -crldays 3650"), args)
	assert.Contains(t, args, "-keyform engine -keyfile "+testKeyURI)
	assert.Contains(t, args, "-cert /dev/fd/4")

	dump := f.dumped(t)
	abs, err := filepath.Abs(state)
	require.NoError(t, err)
	assert.Contains(t, dump, "database = "+filepath.Join(abs, "index.txt"))
	assert.Contains(t, dump, "default_crl_days = 3650")

	for _, name := range []string{".crlnumber", ".crlnumber.old", ".crlnumber.new"} {
		_, err := os.Stat(filepath.Join(state, name))
		assert.True(t, os.IsNotExist(err), "%s should be removed", name)
	}
}

func TestGenerateCRL_FailureCleansUp(t *testing.T) {
	bin := requireBinary(t, "false")
	state := t.TempDir()
	tc := newToolchain(bin)

	_, err := tc.GenerateCRL(t.Context(), toolchain.CRLRequest{StateDir: state, CACert: []byte("CA-PEM"), Days: 1, Number: 1})
	var pf *pipeline.ProcessFailure
	require.True(t, errors.As(err, &pf))

	_, err = os.Stat(filepath.Join(state, ".crlnumber"))
	assert.True(t, os.IsNotExist(err))
}

func TestGenerateKeyAndCSR(t *testing.T) {
	requireBinary(t, "openssl")
	tc := toolchain.New(toolchain.Config{})

	key, err := tc.GenerateKey(t.Context(), token.AlgorithmECP256)
	require.NoError(t, err)
	block, _ := pem.Decode(key)
	require.NotNil(t, block)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)

	keyCopy := bytes.Clone(key)
	csrPEM, err := tc.CreateCSR(t.Context(), keyCopy, "/O=Example/CN=host.example.com")
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(key)), keyCopy, "key handed to openssl should be wiped")

	block, _ = pem.Decode(csrPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "host.example.com", csr.Subject.CommonName)
	assert.Equal(t, []string{"Example"}, csr.Subject.Organization)

	_, err = tc.GenerateKey(t.Context(), "dsa")
	assert.Error(t, err)
}

func selfSignedCert(t *testing.T) ([]byte, []byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		key
}

func TestExtractPublicKey(t *testing.T) {
	requireBinary(t, "openssl")
	certPEM, _, key := selfSignedCert(t)

	out, err := toolchain.New(toolchain.Config{}).ExtractPublicKey(t.Context(), certPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(out)
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestPKCS12(t *testing.T) {
	requireBinary(t, "openssl")
	certPEM, keyPEM, _ := selfSignedCert(t)

	pass := []byte("bundle-pass")
	p12, err := toolchain.New(toolchain.Config{}).PKCS12(t.Context(), toolchain.PKCS12Request{
		Name:       "host",
		CertPEM:    certPEM,
		KeyPEM:     keyPEM,
		CACertPEM:  certPEM,
		Passphrase: pass,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p12)
	assert.Equal(t, byte(0x30), p12[0], "PKCS#12 is a DER SEQUENCE")
	assert.Equal(t, make([]byte, len("bundle-pass")), pass)
}

func sshCert(t *testing.T, ca ssh.Signer, serial uint64) []byte {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	cert := &ssh.Certificate{
		Key:             sshPub,
		Serial:          serial,
		CertType:        ssh.UserCert,
		KeyId:           "test",
		ValidPrincipals: []string{"test"},
		ValidAfter:      uint64(time.Now().Add(-time.Minute).Unix()),
		ValidBefore:     uint64(time.Now().Add(time.Hour).Unix()),
	}
	require.NoError(t, cert.SignCert(rand.Reader, ca))
	return ssh.MarshalAuthorizedKey(cert)
}

func TestGenerateKRL(t *testing.T) {
	keygen := requireBinary(t, "ssh-keygen")

	_, caPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ca, err := ssh.NewSignerFromKey(caPriv)
	require.NoError(t, err)
	caPub := ssh.MarshalAuthorizedKey(ca.PublicKey())

	krl, err := toolchain.New(toolchain.Config{SSHKeygen: keygen}).
		GenerateKRL(t.Context(), caPub, []byte("serial: 7\nserial: 42\n"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(krl, []byte("SSHKRL\n\x00")), "unexpected KRL magic")

	dir := t.TempDir()
	krlPath := filepath.Join(dir, "krl.bin")
	require.NoError(t, os.WriteFile(krlPath, krl, 0o644))

	for serial, revoked := range map[uint64]bool{7: true, 9: false, 42: true} {
		certPath := filepath.Join(dir, "cert.pub")
		require.NoError(t, os.WriteFile(certPath, sshCert(t, ca, serial), 0o644))
		err := exec.Command(keygen, "-Q", "-f", krlPath, certPath).Run()
		if revoked {
			assert.Error(t, err, "serial %d should be revoked", serial)
		} else {
			assert.NoError(t, err, "serial %d should not be revoked", serial)
		}
	}
}

func TestGenerateKRL_MissingCAKey(t *testing.T) {
	_, err := toolchain.New(toolchain.Config{}).GenerateKRL(t.Context(), nil, []byte("serial: 1\n"))
	assert.Error(t, err)
}

func TestSubjectRoundTrip(t *testing.T) {
	name, err := toolchain.ParseSubject("/C=nz/ST=Wellington/O=Example Ltd/OU=Ops/OU=Infra/CN=host.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"NZ"}, name.Country)
	assert.Equal(t, []string{"Ops", "Infra"}, name.OrganizationalUnit)
	assert.Equal(t, "host.example.com", name.CommonName)
	assert.Equal(t, "/C=NZ/ST=Wellington/O=Example Ltd/OU=Ops/OU=Infra/CN=host.example.com", toolchain.FormatSubject(name))

	name, err = toolchain.ParseSubject(`CN=a\/b`)
	require.NoError(t, err)
	assert.Equal(t, "a/b", name.CommonName)
	assert.Equal(t, `/CN=a\/b`, toolchain.FormatSubject(name))
}

func TestParseSubjectRejects(t *testing.T) {
	for _, s := range []string{"", "/", "/CN", "/CN=", "/XX=y", "/C=NZL", "/CN=a/CN=b", "/CN=a\tb"} {
		_, err := toolchain.ParseSubject(s)
		assert.Error(t, err, s)
	}
}

func TestParseProfile(t *testing.T) {
	p, err := toolchain.ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, toolchain.ProfileBoth, p)
	p, err = toolchain.ParseProfile("client")
	require.NoError(t, err)
	assert.Equal(t, toolchain.ProfileClient, p)
	_, err = toolchain.ParseProfile("codesign")
	assert.Error(t, err)
}
