package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/internal/util"
	"github.com/jmcleod/tokenca/ledger"
	"github.com/jmcleod/tokenca/toolchain"
)

// Identity describes the CA key and certificate, stored as identity.yaml.
type Identity struct {
	KeyURI      string    `yaml:"key_uri"`
	KeyLabel    string    `yaml:"key_label,omitempty"`
	Subject     string    `yaml:"subject"`
	Algorithm   string    `yaml:"algorithm"`
	CreatedAt   time.Time `yaml:"created_at"`
	NotAfter    time.Time `yaml:"not_after"`
	Fingerprint string    `yaml:"sha256_fingerprint"`
}

// InitCARequest describes the CA certificate to create.
type InitCARequest struct {
	Subject       pkix.Name
	ValidityYears int
	KeyLabel      string
}

// DefaultCAValidityYears is the CA certificate lifetime when none is given.
const DefaultCAValidityYears = 10

// InitCA self-signs the CA certificate with the token key and records the
// CA identity: identity.yaml, ca.crt and ca.pub.
func (a *Authority) InitCA(ctx context.Context, req InitCARequest) (*Identity, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	if a.keyURI == "" {
		return nil, ErrNoKey
	}
	for _, name := range []string{IdentityFile, CACertFile, CAPubFile} {
		if _, err := os.Stat(a.path(name)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, a.path(name))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if req.Subject.CommonName == "" {
		return nil, fmt.Errorf("CA subject needs a common name")
	}
	years := req.ValidityYears
	if years <= 0 {
		years = DefaultCAValidityYears
	}

	id, log := a.operation("init-ca")
	now := a.now().UTC()
	subject := toolchain.FormatSubject(req.Subject)
	days := int(now.AddDate(years, 0, 0).Sub(now).Hours() / 24)

	serial, err := randomCertSerial()
	if err != nil {
		return nil, err
	}

	certPEM, err := a.tools.SelfSign(ctx, toolchain.SelfSignRequest{Subject: subject, Days: days, Serial: serial})
	if err != nil {
		return nil, err
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: self-signed certificate: %v", ErrToolOutput, err)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("%w: CA certificate does not verify under its own key: %v", ErrToolOutput, err)
	}

	pubPEM, err := a.tools.ExtractPublicKey(ctx, certPEM)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: no PUBLIC KEY block in extracted key", ErrToolOutput)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: extracted public key: %v", ErrToolOutput, err)
	}
	if k, ok := pub.(interface{ Equal(crypto.PublicKey) bool }); !ok || !k.Equal(cert.PublicKey) {
		return nil, fmt.Errorf("%w: extracted public key differs from certificate key", ErrToolOutput)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting CA key to OpenSSH format: %w", err)
	}

	digest := sha256.Sum256(cert.Raw)
	ident := &Identity{
		KeyURI:      a.keyURI,
		KeyLabel:    req.KeyLabel,
		Subject:     subject,
		Algorithm:   keyAlgorithmString(pub),
		CreatedAt:   now.Truncate(time.Second),
		NotAfter:    cert.NotAfter.UTC(),
		Fingerprint: util.Fingerprint(digest[:]),
	}
	identYAML, err := yaml.Marshal(ident)
	if err != nil {
		return nil, fmt.Errorf("encoding CA identity: %w", err)
	}

	writes := []struct {
		name string
		data []byte
	}{
		{CACertFile, certPEM},
		{CAPubFile, ssh.MarshalAuthorizedKey(sshPub)},
		{IdentityFile, identYAML},
	}
	for _, w := range writes {
		if err := ledger.WriteFileAtomic(a.path(w.name), w.data, 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", w.name, err)
		}
	}

	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: "Initialize CA identity",
		Body: []string{
			"subject: " + subject,
			"key: " + a.keyURI,
			"fingerprint: " + ident.Fingerprint,
		},
	}, CACertFile, CAPubFile, IdentityFile)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "CA initialized",
		slog.String("subject", subject),
		slog.String("algorithm", ident.Algorithm),
		slog.Time("not_after", ident.NotAfter))
	return ident, nil
}

// Identity reads identity.yaml.
func (a *Authority) Identity() (*Identity, error) {
	return LoadIdentity(a.dir)
}

// LoadIdentity reads identity.yaml from the state directory dir.
func LoadIdentity(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, IdentityFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no CA identity, run init-ca", ErrNotInitialized)
		}
		return nil, err
	}
	var ident Identity
	if err := yaml.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", IdentityFile, err)
	}
	return &ident, nil
}

// CACertificate returns the parsed CA certificate and its PEM encoding.
func (a *Authority) CACertificate() (*x509.Certificate, []byte, error) {
	data, err := os.ReadFile(a.path(CACertFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: no CA certificate, run init-ca", ErrNotInitialized)
		}
		return nil, nil, err
	}
	cert, err := parseCertificatePEM(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", CACertFile, err)
	}
	return cert, data, nil
}

// CAPublicKey returns the CA public key in OpenSSH form together with the
// authorized-key line stored in ca.pub.
func (a *Authority) CAPublicKey() (ssh.PublicKey, []byte, error) {
	data, err := os.ReadFile(a.path(CAPubFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: no CA public key, run init-ca", ErrNotInitialized)
		}
		return nil, nil, err
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", CAPubFile, err)
	}
	return pub, data, nil
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// randomCertSerial returns a positive 128-bit serial for the CA certificate.
func randomCertSerial() (*big.Int, error) {
	b, err := util.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}
	b[0] &= 0x7f
	b[0] |= 0x01
	return new(big.Int).SetBytes(b), nil
}

func keyAlgorithmString(pub any) string {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA " + k.Curve.Params().Name
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", k.N.BitLen())
	default:
		return fmt.Sprintf("%T", pub)
	}
}
