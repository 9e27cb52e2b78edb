package ca

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/internal/util"
	"github.com/jmcleod/tokenca/ledger"
)

// SSHRequest describes an SSH certificate to issue.
type SSHRequest struct {
	PublicKey  []byte // authorized_keys line
	KeyID      string
	Principals []string // defaults to KeyID
	Host       bool
	Validity   time.Duration

	// Critical options of user certificates.
	ForceCommand  string
	SourceAddress string
}

// SSHResult is an issued SSH certificate.
type SSHResult struct {
	Serial      uint64
	Certificate *ssh.Certificate
	Authorized  []byte // certificate as an authorized_keys line
}

// backdate is subtracted from ValidAfter to tolerate clock skew between
// the CA and the hosts that check the certificate.
const backdate = 5 * time.Minute

var defaultUserExtensions = map[string]string{
	"permit-X11-forwarding":   "",
	"permit-agent-forwarding": "",
	"permit-port-forwarding":  "",
	"permit-pty":              "",
	"permit-user-rc":          "",
}

// IssueSSH certifies an SSH public key with the CA key on the token.
func (a *Authority) IssueSSH(ctx context.Context, req SSHRequest) (*SSHResult, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	if a.signer == nil {
		return nil, fmt.Errorf("no CA signer configured")
	}
	caCert, _, err := a.CACertificate()
	if err != nil {
		return nil, err
	}
	caPub, _, err := a.CAPublicKey()
	if err != nil {
		return nil, err
	}

	pub, comment, _, _, err := ssh.ParseAuthorizedKey(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if _, ok := pub.(*ssh.Certificate); ok {
		return nil, fmt.Errorf("%w: key is already a certificate", ErrInvalidPublicKey)
	}

	keyID := util.Normalize(strings.TrimSpace(req.KeyID))
	if keyID == "" {
		return nil, fmt.Errorf("SSH certificate needs a key id")
	}
	principals := make([]string, 0, len(req.Principals))
	for _, p := range req.Principals {
		if p = util.Normalize(strings.TrimSpace(p)); p != "" {
			principals = append(principals, p)
		}
	}
	if len(principals) == 0 {
		principals = []string{keyID}
	}
	validity := req.Validity
	if validity <= 0 {
		validity = a.sshTTL
	}

	id, log := a.operation("issue-ssh")

	serial, err := ledger.RandomSerial()
	if err != nil {
		return nil, err
	}
	if taken, err := a.ssh.Contains(serial); err != nil {
		return nil, err
	} else if taken {
		log.WarnContext(ctx, "SSH serial already present in ledger", slog.Uint64("serial", serial))
	}

	now := a.now()
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          serial,
		KeyId:           keyID,
		ValidPrincipals: principals,
		ValidAfter:      uint64(now.Add(-backdate).Unix()),
		ValidBefore:     uint64(now.Add(validity).Unix()),
	}
	if req.Host {
		cert.CertType = ssh.HostCert
	} else {
		cert.CertType = ssh.UserCert
		cert.Permissions.Extensions = make(map[string]string, len(defaultUserExtensions))
		for k, v := range defaultUserExtensions {
			cert.Permissions.Extensions[k] = v
		}
		if req.ForceCommand != "" || req.SourceAddress != "" {
			cert.Permissions.CriticalOptions = map[string]string{}
			if req.ForceCommand != "" {
				cert.Permissions.CriticalOptions["force-command"] = req.ForceCommand
			}
			if req.SourceAddress != "" {
				cert.Permissions.CriticalOptions["source-address"] = req.SourceAddress
			}
		}
	}

	entry := ledger.SSHEntry{
		Status:     ledger.StatusValid,
		Serial:     serial,
		IssuedAt:   now,
		PublicKey:  pub.Marshal(),
		Principals: principals,
		KeyID:      keyID,
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH certificate request: %w", err)
	}

	signer, err := a.sshSigner(ctx, caCert.PublicKey, caPub)
	if err != nil {
		return nil, err
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return nil, fmt.Errorf("signing SSH certificate: %w", err)
	}

	if err := a.ssh.Append(entry); err != nil {
		return nil, err
	}

	kind := "user"
	if req.Host {
		kind = "host"
	}
	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: fmt.Sprintf("Issue SSH %s certificate %d", kind, serial),
		Body: []string{
			"id: " + keyID,
			"principals: " + strings.Join(principals, ","),
			"valid before: " + time.Unix(int64(cert.ValidBefore), 0).UTC().Format(time.RFC3339),
		},
	}, SSHIndexFile)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "issued SSH certificate",
		slog.String("serial", strconv.FormatUint(serial, 10)),
		slog.String("type", kind),
		slog.String("key_id", keyID),
		slog.Any("principals", principals))

	line := ssh.MarshalAuthorizedKey(cert)
	if comment != "" {
		line = append(line[:len(line)-1], []byte(" "+comment+"\n")...)
	}
	return &SSHResult{Serial: serial, Certificate: cert, Authorized: line}, nil
}

// sshSigner wraps the token signer for SSH. RSA CA keys sign with
// rsa-sha2-512.
func (a *Authority) sshSigner(ctx context.Context, pub any, caPub ssh.PublicKey) (ssh.Signer, error) {
	cs, err := a.signer(ctx, pub)
	if err != nil {
		return nil, err
	}
	s, err := ssh.NewSignerFromSigner(cs)
	if err != nil {
		return nil, fmt.Errorf("wrapping CA signer: %w", err)
	}
	if string(s.PublicKey().Marshal()) != string(caPub.Marshal()) {
		return nil, fmt.Errorf("CA signer key does not match %s", CAPubFile)
	}
	if s.PublicKey().Type() == ssh.KeyAlgoRSA {
		as, ok := s.(ssh.AlgorithmSigner)
		if !ok {
			return nil, fmt.Errorf("CA signer cannot choose RSA signature algorithms")
		}
		return ssh.NewSignerWithAlgorithms(as, []string{ssh.KeyAlgoRSASHA512})
	}
	return s, nil
}
