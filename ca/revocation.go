package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/ledger"
	"github.com/jmcleod/tokenca/toolchain"
)

// KRLSpec renders the ssh-keygen KRL specification for the revoked entries
// of seq, one "serial: N" line per entry in ledger order. Valid entries are
// skipped; the first ledger error aborts.
func KRLSpec(seq iter.Seq2[ledger.SSHEntry, error]) ([]byte, int, error) {
	var buf bytes.Buffer
	n := 0
	for e, err := range seq {
		if err != nil {
			return nil, 0, err
		}
		if e.Status != ledger.StatusRevoked {
			continue
		}
		buf.WriteString("serial: ")
		buf.WriteString(strconv.FormatUint(e.Serial, 10))
		buf.WriteByte('\n')
		n++
	}
	return buf.Bytes(), n, nil
}

// GenerateKRL builds the OpenSSH key revocation list over every revoked
// SSH certificate, writes it to krl.bin and checkpoints it.
func (a *Authority) GenerateKRL(ctx context.Context) ([]byte, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	_, caPub, err := a.CAPublicKey()
	if err != nil {
		return nil, err
	}
	spec, count, err := KRLSpec(a.ssh.Entries(ledger.StatusRevoked))
	if err != nil {
		return nil, err
	}

	id, log := a.operation("genkrl")
	krl, err := a.tools.GenerateKRL(ctx, caPub, spec)
	if err != nil {
		return nil, err
	}
	if len(krl) == 0 {
		return nil, fmt.Errorf("%w: empty KRL", ErrToolOutput)
	}
	if err := ledger.WriteFileAtomic(a.path(KRLFile), krl, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", KRLFile, err)
	}

	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: "Generate KRL",
		Body:    []string{fmt.Sprintf("revoked serials: %d", count)},
	}, KRLFile)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "generated KRL", slog.Int("revoked", count), slog.Int("bytes", len(krl)))
	return krl, nil
}

// CRLResult is a freshly generated CRL.
type CRLResult struct {
	Number *big.Int
	PEM    []byte
	List   *x509.RevocationList
}

// GenerateCRL signs a CRL over the revoked X.509 certificates, writes it to
// crl.pem and checkpoints it. The crlnumber counter is advanced only after
// the CRL has been checked against the ledger.
func (a *Authority) GenerateCRL(ctx context.Context) (*CRLResult, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	caCert, caPEM, err := a.CACertificate()
	if err != nil {
		return nil, err
	}
	number, err := a.crlNumber.Peek()
	if err != nil {
		return nil, err
	}

	id, log := a.operation("gencrl")
	crlPEM, err := a.tools.GenerateCRL(ctx, toolchain.CRLRequest{
		StateDir: a.dir,
		Database: a.x509.Path(),
		CACert:   caPEM,
		Days:     a.crlDays,
		Number:   number,
	})
	if err != nil {
		return nil, err
	}

	list, err := a.checkCRL(crlPEM, caCert, number)
	if err != nil {
		return nil, err
	}

	if err := ledger.WriteFileAtomic(a.path(CRLFile), crlPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", CRLFile, err)
	}
	if err := a.crlNumber.Advance(number); err != nil {
		return nil, err
	}

	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: fmt.Sprintf("Generate CRL %d", number),
		Body: []string{
			fmt.Sprintf("revoked certificates: %d", len(list.RevokedCertificateEntries)),
			"next update: " + list.NextUpdate.UTC().Format("2006-01-02T15:04:05Z"),
		},
	}, CRLFile, CRLNumberFile)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "generated CRL",
		slog.Uint64("number", number),
		slog.Int("revoked", len(list.RevokedCertificateEntries)),
		slog.Time("next_update", list.NextUpdate))
	return &CRLResult{Number: list.Number, PEM: crlPEM, List: list}, nil
}

// checkCRL verifies that crlPEM is signed by the CA, carries number and
// lists exactly the revoked ledger entries.
func (a *Authority) checkCRL(crlPEM []byte, caCert *x509.Certificate, number uint64) (*x509.RevocationList, error) {
	block, _ := pem.Decode(crlPEM)
	if block == nil || block.Type != "X509 CRL" {
		return nil, fmt.Errorf("%w: no X509 CRL block", ErrToolOutput)
	}
	list, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CRL: %v", ErrToolOutput, err)
	}
	if err := list.CheckSignatureFrom(caCert); err != nil {
		return nil, fmt.Errorf("%w: CRL does not verify under the CA: %v", ErrToolOutput, err)
	}
	if list.Number == nil || !list.Number.IsUint64() || list.Number.Uint64() != number {
		return nil, fmt.Errorf("%w: CRL number %v, want %d", ErrToolOutput, list.Number, number)
	}

	revoked, err := ledger.Collect(a.x509.Entries(ledger.StatusRevoked))
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(revoked))
	for _, e := range revoked {
		want[e.Serial.String()] = struct{}{}
	}
	for _, rc := range list.RevokedCertificateEntries {
		if _, ok := want[rc.SerialNumber.String()]; !ok {
			return nil, fmt.Errorf("%w: CRL lists serial %s which the ledger does not mark revoked", ErrToolOutput, rc.SerialNumber)
		}
		delete(want, rc.SerialNumber.String())
	}
	if len(want) > 0 {
		return nil, fmt.Errorf("%w: CRL misses %d revoked certificates", ErrToolOutput, len(want))
	}
	return list, nil
}
