package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path"
	"slices"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/internal/util"
	"github.com/jmcleod/tokenca/ledger"
	"github.com/jmcleod/tokenca/toolchain"
)

// X509Request describes a leaf certificate to issue. Exactly one of CSR and
// Subject is set: a CSR is signed as given, a Subject makes the CA generate
// the leaf key in memory and bundle it as PKCS#12.
type X509Request struct {
	CSR []byte // PEM

	Subject      string // slash form, see toolchain.FormatSubject
	KeyAlgorithm string
	Passphrase   []byte // PKCS#12 passphrase, wiped after use; generated when empty

	Days     int
	Profile  toolchain.Profile
	DNSNames []string
	IPs      []net.IP
	Emails   []string
}

// X509Result is an issued certificate.
type X509Result struct {
	Serial      *big.Int
	Certificate *x509.Certificate
	CertPEM     []byte
	Path        string // relative to the state directory

	// Set when the key was generated.
	PKCS12     []byte
	Passphrase string
}

// pkcs12PassphraseLength is the length of generated PKCS#12 passphrases.
const pkcs12PassphraseLength = 24

// IssueX509 signs a leaf certificate with the CA key. The serial counter is
// advanced only once the certificate has been signed, stored and recorded.
func (a *Authority) IssueX509(ctx context.Context, req X509Request) (*X509Result, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	caCert, caPEM, err := a.CACertificate()
	if err != nil {
		return nil, err
	}
	if (len(req.CSR) == 0) == (req.Subject == "") {
		return nil, fmt.Errorf("exactly one of a CSR or a subject is required")
	}
	profile, err := toolchain.ParseProfile(string(req.Profile))
	if err != nil {
		return nil, err
	}
	days := req.Days
	if days <= 0 {
		days = a.x509Day
	}

	id, log := a.operation("issue-x509")

	var keyPEM []byte
	csrPEM := req.CSR
	if req.Subject != "" {
		keyPEM, err = a.tools.GenerateKey(ctx, req.KeyAlgorithm)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(keyPEM)
		csrPEM, err = a.tools.CreateCSR(ctx, util.CopyBytes(keyPEM), req.Subject)
		if err != nil {
			return nil, err
		}
	}
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, err
	}

	sans := toolchain.SubjectAltNames{
		DNS:   mergeStrings(csr.DNSNames, req.DNSNames),
		IP:    mergeIPs(csr.IPAddresses, req.IPs),
		Email: mergeStrings(csr.EmailAddresses, req.Emails),
	}

	next, err := a.serial.Peek()
	if err != nil {
		return nil, err
	}
	serial := new(big.Int).SetUint64(next)

	certPEM, err := a.tools.SignCSR(ctx, toolchain.SignRequest{
		CSR:     csrPEM,
		CACert:  caPEM,
		Serial:  serial,
		Days:    days,
		Profile: profile,
		SANs:    sans,
	})
	if err != nil {
		return nil, err
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: issued certificate: %v", ErrToolOutput, err)
	}
	if cert.SerialNumber.Cmp(serial) != 0 {
		return nil, fmt.Errorf("%w: issued certificate has serial %s, want %s", ErrToolOutput, cert.SerialNumber, serial)
	}
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		return nil, fmt.Errorf("%w: issued certificate does not verify under the CA: %v", ErrToolOutput, err)
	}

	res := &X509Result{
		Serial:      serial,
		Certificate: cert,
		CertPEM:     certPEM,
		Path:        path.Join(CertsDir, ledger.FormatSerialHex(serial)+".pem"),
	}

	if keyPEM != nil {
		pass := req.Passphrase
		if len(pass) == 0 {
			generated, err := util.RandomChars(pkcs12PassphraseLength)
			if err != nil {
				return nil, err
			}
			res.Passphrase = generated
			pass = []byte(generated)
		}
		res.PKCS12, err = a.tools.PKCS12(ctx, toolchain.PKCS12Request{
			Name:       cert.Subject.CommonName,
			CertPEM:    certPEM,
			KeyPEM:     util.CopyBytes(keyPEM),
			CACertPEM:  caPEM,
			Passphrase: pass,
		})
		if err != nil {
			return nil, err
		}
	}

	certFile := a.path(res.Path)
	if err := writeNewFile(certFile, certPEM); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	entry := ledger.X509Entry{
		Status:  ledger.StatusValid,
		Expires: cert.NotAfter,
		Serial:  serial,
		Subject: toolchain.FormatSubject(cert.Subject),
	}
	// The serial is spent once a certificate carries it.
	if err := a.serial.Advance(next); err != nil {
		os.Remove(certFile)
		return nil, err
	}
	if err := a.x509.Append(entry); err != nil {
		os.Remove(certFile)
		return nil, err
	}

	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: fmt.Sprintf("Issue X.509 certificate %s", serial),
		Body: []string{
			"subject: " + entry.Subject,
			"serial: " + ledger.FormatSerialHex(serial),
			"expires: " + cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		},
	}, X509IndexFile, SerialFile, res.Path)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "issued X.509 certificate",
		slog.String("serial", serial.String()),
		slog.String("subject", entry.Subject),
		slog.Time("expires", cert.NotAfter),
		slog.Bool("generated_key", keyPEM != nil))
	return res, nil
}

func parseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("%w: no CERTIFICATE REQUEST block", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// writeNewFile writes data to a file that must not exist yet.
func writeNewFile(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func mergeStrings(a, b []string) []string {
	var out []string
	for _, s := range slices.Concat(a, b) {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func mergeIPs(a, b []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range slices.Concat(a, b) {
		if ip == nil {
			continue
		}
		if !slices.ContainsFunc(out, ip.Equal) {
			out = append(out, ip)
		}
	}
	return out
}
