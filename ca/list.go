package ca

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jmcleod/tokenca/ledger"
)

// Family selects a certificate family.
type Family string

const (
	FamilyX509 Family = "x509"
	FamilySSH  Family = "ssh"
)

// ParseFamily validates a family name. An empty name selects both.
func ParseFamily(s string) ([]Family, error) {
	switch Family(s) {
	case "":
		return []Family{FamilyX509, FamilySSH}, nil
	case FamilyX509, FamilySSH:
		return []Family{Family(s)}, nil
	}
	return nil, fmt.Errorf("unknown certificate family %q (valid: x509, ssh)", s)
}

// Record is one ledger entry in a family-neutral shape for listing.
type Record struct {
	Family     Family    `yaml:"family"`
	Serial     string    `yaml:"serial"`
	Status     string    `yaml:"status"`
	Subject    string    `yaml:"subject,omitempty"`
	KeyID      string    `yaml:"key_id,omitempty"`
	Principals []string  `yaml:"principals,omitempty"`
	Key        string    `yaml:"key,omitempty"`
	IssuedAt   time.Time `yaml:"issued_at,omitempty"`
	Expires    time.Time `yaml:"expires,omitempty"`
	RevokedAt  time.Time `yaml:"revoked_at,omitempty"`
	Reason     string    `yaml:"reason,omitempty"`
}

// List returns the ledger entries of the given families, optionally
// restricted to one status, in ledger order.
func (a *Authority) List(families []Family, status *ledger.Status) ([]Record, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	var out []Record
	for _, f := range families {
		switch f {
		case FamilyX509:
			seq := a.x509.All()
			if status != nil {
				seq = a.x509.Entries(*status)
			}
			for e, err := range seq {
				if err != nil {
					return nil, err
				}
				out = append(out, x509Record(e))
			}
		case FamilySSH:
			seq := a.ssh.All()
			if status != nil {
				seq = a.ssh.Entries(*status)
			}
			for e, err := range seq {
				if err != nil {
					return nil, err
				}
				out = append(out, sshRecord(e))
			}
		default:
			return nil, fmt.Errorf("unknown certificate family %q", f)
		}
	}
	return out, nil
}

func x509Record(e ledger.X509Entry) Record {
	return Record{
		Family:    FamilyX509,
		Serial:    e.Serial.String(),
		Status:    e.Status.String(),
		Subject:   e.Subject,
		Expires:   e.Expires.UTC(),
		RevokedAt: e.RevokedAt.UTC(),
		Reason:    e.Reason,
	}
}

func sshRecord(e ledger.SSHEntry) Record {
	r := Record{
		Family:     FamilySSH,
		Serial:     strconv.FormatUint(e.Serial, 10),
		Status:     e.Status.String(),
		KeyID:      e.KeyID,
		Principals: e.Principals,
		IssuedAt:   e.IssuedAt.UTC(),
	}
	if pub, err := ssh.ParsePublicKey(e.PublicKey); err == nil {
		r.Key = pub.Type() + " " + ssh.FingerprintSHA256(pub)
	}
	return r
}
