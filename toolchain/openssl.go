package toolchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmcleod/tokenca/ledger"
	"github.com/jmcleod/tokenca/pipeline"
	"github.com/jmcleod/tokenca/token"
)

// ErrNoBackend is returned by signing operations when the toolchain was
// built without a token backend.
var ErrNoBackend = errors.New("no signing backend configured")

// SelfSignRequest describes the self-signed CA certificate.
type SelfSignRequest struct {
	Subject string // slash form, see FormatSubject
	Days    int
	Serial  *big.Int
}

// SelfSign creates the self-signed CA certificate with the token key and
// returns it PEM encoded.
func (t *Toolchain) SelfSign(ctx context.Context, req SelfSignRequest) ([]byte, error) {
	if t.backend == nil {
		return nil, ErrNoBackend
	}
	if req.Days <= 0 {
		return nil, fmt.Errorf("self-signed certificate needs a positive validity, got %d days", req.Days)
	}

	inv := t.command(t.openssl)
	defer inv.Close()

	engine, err := t.backend.EngineArgs(inv, token.Operation{KeyFlag: "-key", KeyFormFlag: "-keyform"})
	if err != nil {
		return nil, err
	}
	conf, err := inv.Input("req.cnf", []byte(reqConfig()))
	if err != nil {
		return nil, err
	}

	args := []string{
		"req", "-new", "-x509",
		"-config", conf.Path(),
		"-extensions", caExtSection,
		"-subj", req.Subject,
		"-days", strconv.Itoa(req.Days),
		"-sha256",
	}
	if req.Serial != nil {
		args = append(args, "-set_serial", req.Serial.String())
	}
	args = append(args, engine...)

	out, err := inv.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	return out, nil
}

// ExtractPublicKey returns the PEM SubjectPublicKeyInfo of certPEM.
func (t *Toolchain) ExtractPublicKey(ctx context.Context, certPEM []byte) ([]byte, error) {
	inv := t.command(t.openssl)
	defer inv.Close()

	in, err := inv.Input("cert", certPEM)
	if err != nil {
		return nil, err
	}
	out, err := inv.Run(ctx, "x509", "-noout", "-pubkey", "-in", in.Path())
	if err != nil {
		return nil, fmt.Errorf("extracting public key: %w", err)
	}
	return out, nil
}

// GenerateKey generates a software private key for a leaf certificate and
// returns it PEM encoded. The key only ever exists in memory.
func (t *Toolchain) GenerateKey(ctx context.Context, algorithm string) ([]byte, error) {
	var keyArgs []string
	switch algorithm {
	case "", token.AlgorithmECP256:
		keyArgs = []string{"-algorithm", "EC", "-pkeyopt", "ec_paramgen_curve:P-256"}
	case token.AlgorithmRSA3072:
		keyArgs = []string{"-algorithm", "RSA", "-pkeyopt", "rsa_keygen_bits:3072"}
	default:
		return nil, fmt.Errorf("unsupported leaf key algorithm %q", algorithm)
	}

	inv := t.command(t.openssl)
	defer inv.Close()

	out, err := inv.Output("key")
	if err != nil {
		return nil, err
	}
	args := append([]string{"genpkey"}, keyArgs...)
	args = append(args, "-out", out.Path())
	if _, err := inv.Run(ctx, args...); err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	key := out.Bytes()
	if len(key) == 0 {
		return nil, fmt.Errorf("generating leaf key: no key written")
	}
	return key, nil
}

// CreateCSR creates a certificate signing request for keyPEM. The key is
// passed as a secret channel and the caller's copy is wiped.
func (t *Toolchain) CreateCSR(ctx context.Context, keyPEM []byte, subject string) ([]byte, error) {
	inv := t.command(t.openssl)
	defer inv.Close()

	key, err := inv.Input("key", keyPEM, pipeline.Secret())
	if err != nil {
		return nil, err
	}
	conf, err := inv.Input("req.cnf", []byte(reqConfig()))
	if err != nil {
		return nil, err
	}
	out, err := inv.Run(ctx, "req", "-new", "-config", conf.Path(), "-key", key.Path(), "-subj", subject, "-sha256")
	if err != nil {
		return nil, fmt.Errorf("creating CSR: %w", err)
	}
	return out, nil
}

// SignRequest describes a CSR to be signed by the CA.
type SignRequest struct {
	CSR     []byte // PEM
	CACert  []byte // PEM
	Serial  *big.Int
	Days    int
	Profile Profile
	SANs    SubjectAltNames
}

// SignCSR signs a CSR with the CA key on the token and returns the PEM
// certificate.
func (t *Toolchain) SignCSR(ctx context.Context, req SignRequest) ([]byte, error) {
	if t.backend == nil {
		return nil, ErrNoBackend
	}
	if req.Serial == nil || req.Serial.Sign() <= 0 {
		return nil, fmt.Errorf("signing CSR: serial must be positive")
	}
	if req.Days <= 0 {
		return nil, fmt.Errorf("signing CSR: validity must be positive, got %d days", req.Days)
	}
	ext, err := leafExtensions(req.Profile, req.SANs)
	if err != nil {
		return nil, err
	}

	inv := t.command(t.openssl)
	defer inv.Close()

	engine, err := t.backend.EngineArgs(inv, token.Operation{
		KeyFlag:     "-CAkey",
		KeyFormFlag: "-CAkeyform",
		CertFlag:    "-CA",
		CACert:      req.CACert,
	})
	if err != nil {
		return nil, err
	}
	csr, err := inv.Input("csr", req.CSR)
	if err != nil {
		return nil, err
	}
	extfile, err := inv.Input("ext.cnf", []byte(ext))
	if err != nil {
		return nil, err
	}

	args := []string{
		"x509", "-req",
		"-in", csr.Path(),
		"-set_serial", req.Serial.String(),
		"-days", strconv.Itoa(req.Days),
		"-sha256",
		"-extfile", extfile.Path(),
		"-extensions", leafExtSection,
	}
	args = append(args, engine...)

	out, err := inv.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("signing CSR: %w", err)
	}
	return out, nil
}

// PKCS12Request describes a PKCS#12 bundle.
type PKCS12Request struct {
	Name       string
	CertPEM    []byte
	KeyPEM     []byte // wiped once handed to openssl
	CACertPEM  []byte
	Passphrase []byte // wiped once handed to openssl
}

// PKCS12 bundles a certificate, its private key and the CA certificate.
func (t *Toolchain) PKCS12(ctx context.Context, req PKCS12Request) ([]byte, error) {
	inv := t.command(t.openssl)
	defer inv.Close()

	cert, err := inv.Input("cert", req.CertPEM)
	if err != nil {
		return nil, err
	}
	key, err := inv.Input("key", req.KeyPEM, pipeline.Secret())
	if err != nil {
		return nil, err
	}
	ca, err := inv.Input("ca", req.CACertPEM)
	if err != nil {
		return nil, err
	}
	pass, err := inv.Input("passout", req.Passphrase, pipeline.Secret())
	if err != nil {
		return nil, err
	}
	out, err := inv.Output("p12")
	if err != nil {
		return nil, err
	}

	args := []string{
		"pkcs12", "-export",
		"-in", cert.Path(),
		"-inkey", key.Path(),
		"-certfile", ca.Path(),
		"-passout", "file:" + pass.Path(),
		"-out", out.Path(),
	}
	if req.Name != "" {
		args = append(args, "-name", req.Name)
	}
	if _, err := inv.Run(ctx, args...); err != nil {
		return nil, fmt.Errorf("exporting PKCS#12: %w", err)
	}
	return out.Bytes(), nil
}

// CRL number working files. openssl ca insists on reading and rotating a
// hex counter file; the shim is created next to the database for one run
// and removed afterwards.
const crlNumberShim = ".crlnumber"

// CRLRequest describes a CRL over the CA database in StateDir.
type CRLRequest struct {
	StateDir string
	Database string // defaults to index.txt in StateDir
	CACert   []byte
	Days     int
	Number   uint64
}

// GenerateCRL signs a CRL over the revoked entries of the CA database and
// returns it PEM encoded.
func (t *Toolchain) GenerateCRL(ctx context.Context, req CRLRequest) ([]byte, error) {
	if t.backend == nil {
		return nil, ErrNoBackend
	}
	dir, err := filepath.Abs(req.StateDir)
	if err != nil {
		return nil, err
	}
	database := req.Database
	if database == "" {
		database = filepath.Join(dir, "index.txt")
	}
	shim := filepath.Join(dir, crlNumberShim)

	conf, err := crlConfig(database, shim, req.Days)
	if err != nil {
		return nil, err
	}

	number := ledger.FormatSerialHex(new(big.Int).SetUint64(req.Number))
	if err := os.WriteFile(shim, []byte(number+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing CRL number: %w", err)
	}
	defer removeCRLShim(shim)

	inv := t.command(t.openssl)
	defer inv.Close()

	engine, err := t.backend.EngineArgs(inv, token.Operation{
		KeyFlag:     "-keyfile",
		KeyFormFlag: "-keyform",
		CertFlag:    "-cert",
		CACert:      req.CACert,
	})
	if err != nil {
		return nil, err
	}
	confCh, err := inv.Input("ca.cnf", []byte(conf))
	if err != nil {
		return nil, err
	}

	args := []string{"ca", "-gencrl", "-batch", "-config", confCh.Path(), "-crldays", strconv.Itoa(req.Days)}
	args = append(args, engine...)

	out, err := inv.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("generating CRL: %w", err)
	}
	return out, nil
}

func removeCRLShim(shim string) {
	for _, p := range []string{shim, shim + ".new", shim + ".old"} {
		os.Remove(p)
	}
}
