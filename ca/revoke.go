package ca

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/internal/util"
	"github.com/jmcleod/tokenca/ledger"
)

// CRL reason keywords accepted in the OpenSSL CA database.
var crlReasons = []string{
	"unspecified",
	"keyCompromise",
	"CACompromise",
	"affiliationChanged",
	"superseded",
	"cessationOfOperation",
	"certificateHold",
	"removeFromCRL",
}

// ParseReason validates a CRL reason keyword, case-insensitively. An empty
// reason is allowed and records none.
func ParseReason(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	for _, r := range crlReasons {
		if strings.EqualFold(r, s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown revocation reason %q (valid: %s)", s, strings.Join(crlReasons, ", "))
}

// RevokeX509 marks the given X.509 serials revoked. Unknown and already
// revoked serials are ignored; nothing is committed when no entry changed.
func (a *Authority) RevokeX509(ctx context.Context, serials []*big.Int, reason string) ([]ledger.X509Entry, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	reason, err := ParseReason(reason)
	if err != nil {
		return nil, err
	}
	id, log := a.operation("revoke-x509")

	revoked, err := a.x509.Revoke(serials, a.now(), reason)
	if err != nil {
		return nil, err
	}
	if len(revoked) == 0 {
		log.InfoContext(ctx, "no valid X.509 certificate matched, nothing revoked")
		return nil, nil
	}

	numbers := make([]string, len(revoked))
	body := make([]string, len(revoked))
	for i, e := range revoked {
		numbers[i] = e.Serial.String()
		body[i] = fmt.Sprintf("%s %s", ledger.FormatSerialHex(e.Serial), e.Subject)
	}
	if reason != "" {
		body = append(body, "reason: "+reason)
	}
	err = a.commit(ctx, log, id, checkpoint.Message{
		Subject: "Revoke X.509 " + plural(len(revoked), "certificate") + " " + strings.Join(numbers, ", "),
		Body:    body,
	}, X509IndexFile)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "revoked X.509 certificates", slog.Any("serials", numbers), slog.String("reason", reason))
	return revoked, nil
}

// RevokeSSH marks the given SSH serials revoked.
func (a *Authority) RevokeSSH(ctx context.Context, serials []uint64) ([]ledger.SSHEntry, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	id, log := a.operation("revoke-ssh")
	revoked, err := a.ssh.Revoke(serials)
	if err != nil {
		return nil, err
	}
	return revoked, a.commitSSHRevocation(ctx, log, id, revoked)
}

// RevokeSSHKeyID marks every valid SSH certificate issued to keyID revoked.
func (a *Authority) RevokeSSHKeyID(ctx context.Context, keyID string) ([]ledger.SSHEntry, error) {
	if err := a.requireBootstrapped(); err != nil {
		return nil, err
	}
	keyID = util.Normalize(strings.TrimSpace(keyID))
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	id, log := a.operation("revoke-ssh")
	revoked, err := a.ssh.RevokeKeyID(keyID)
	if err != nil {
		return nil, err
	}
	return revoked, a.commitSSHRevocation(ctx, log.With(slog.String("key_id", keyID)), id, revoked)
}

func (a *Authority) commitSSHRevocation(ctx context.Context, log *slog.Logger, id string, revoked []ledger.SSHEntry) error {
	if len(revoked) == 0 {
		log.InfoContext(ctx, "no valid SSH certificate matched, nothing revoked")
		return nil
	}
	serials := make([]string, len(revoked))
	body := make([]string, len(revoked))
	for i, e := range revoked {
		serials[i] = strconv.FormatUint(e.Serial, 10)
		body[i] = fmt.Sprintf("%d %s", e.Serial, e.KeyID)
	}
	err := a.commit(ctx, log, id, checkpoint.Message{
		Subject: "Revoke SSH " + plural(len(revoked), "certificate") + " " + strings.Join(serials, ", "),
		Body:    body,
	}, SSHIndexFile)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "revoked SSH certificates", slog.Any("serials", serials))
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// ParseX509Serials parses serials given in decimal or as 0x-prefixed hex.
func ParseX509Serials(args []string) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(args))
	for _, arg := range args {
		base, digits := 10, arg
		if h, found := strings.CutPrefix(strings.ToLower(arg), "0x"); found {
			base, digits = 16, h
		}
		n, ok := new(big.Int).SetString(digits, base)
		if !ok || n.Sign() <= 0 {
			return nil, fmt.Errorf("invalid X.509 serial %q", arg)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseSSHSerials parses decimal SSH serials.
func ParseSSHSerials(args []string) ([]uint64, error) {
	out := make([]uint64, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SSH serial %q", arg)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}
