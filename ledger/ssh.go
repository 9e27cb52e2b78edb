package ledger

import (
	"encoding/base64"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/tokenca/internal/util"
)

// SSH ledger line layout:
//
//	<V|R> serial:<decimal> added:<RFC 3339 UTC> pub:<base64 key blob> principals:<csv> id:<key id>
//
// The key id is last so it may contain spaces.
const (
	sshSerialPrefix     = "serial:"
	sshAddedPrefix      = "added:"
	sshPubPrefix        = "pub:"
	sshPrincipalsPrefix = "principals:"
	sshIDPrefix         = "id:"
)

// SSHEntry records one issued SSH certificate.
type SSHEntry struct {
	Status     Status
	Serial     uint64
	IssuedAt   time.Time
	PublicKey  []byte // SSH wire-format public key of the certified key
	Principals []string
	KeyID      string
}

// Validate checks that the entry can be written as a single ledger line.
func (e SSHEntry) Validate() error {
	if _, ok := parseMarker(byte(e.Status)); !ok {
		return fmt.Errorf("invalid status %q", byte(e.Status))
	}
	if len(e.PublicKey) == 0 {
		return fmt.Errorf("missing public key")
	}
	if strings.ContainsAny(e.KeyID, "\r\n") {
		return fmt.Errorf("key id %q contains a line break", e.KeyID)
	}
	if strings.Contains(e.KeyID, " "+sshSerialPrefix) {
		return fmt.Errorf("key id %q contains a %q field", e.KeyID, sshSerialPrefix)
	}
	for _, p := range e.Principals {
		if p == "" || strings.ContainsAny(p, ", \t\r\n") {
			return fmt.Errorf("invalid principal %q", p)
		}
	}
	return nil
}

// String formats the entry as a ledger line without its terminator.
func (e SSHEntry) String() string {
	return fmt.Sprintf("%c %s%d %s%s %s%s %s%s %s%s",
		byte(e.Status),
		sshSerialPrefix, e.Serial,
		sshAddedPrefix, e.IssuedAt.UTC().Format(time.RFC3339),
		sshPubPrefix, base64.StdEncoding.EncodeToString(e.PublicKey),
		sshPrincipalsPrefix, strings.Join(e.Principals, ","),
		sshIDPrefix, e.KeyID,
	)
}

// ParseSSHEntry parses one SSH ledger line.
func ParseSSHEntry(line string) (SSHEntry, error) {
	var e SSHEntry
	parts := strings.SplitN(line, " ", 6)
	if len(parts) != 6 {
		return e, fmt.Errorf("%w: expected 6 fields, got %d", ErrMalformedEntry, len(parts))
	}
	if len(parts[0]) != 1 {
		return e, fmt.Errorf("%w: bad status field %q", ErrMalformedEntry, parts[0])
	}
	status, ok := parseMarker(parts[0][0])
	if !ok {
		return e, fmt.Errorf("%w: bad status %q", ErrMalformedEntry, parts[0])
	}
	e.Status = status

	field := func(s, prefix string) (string, error) {
		v, ok := strings.CutPrefix(s, prefix)
		if !ok {
			return "", fmt.Errorf("%w: expected %q field, got %q", ErrMalformedEntry, prefix, s)
		}
		return v, nil
	}

	v, err := field(parts[1], sshSerialPrefix)
	if err != nil {
		return e, err
	}
	if e.Serial, err = strconv.ParseUint(v, 10, 64); err != nil {
		return e, fmt.Errorf("%w: serial %q: %v", ErrMalformedEntry, v, err)
	}

	if v, err = field(parts[2], sshAddedPrefix); err != nil {
		return e, err
	}
	if e.IssuedAt, err = time.Parse(time.RFC3339, v); err != nil {
		return e, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedEntry, v, err)
	}
	e.IssuedAt = e.IssuedAt.UTC()

	if v, err = field(parts[3], sshPubPrefix); err != nil {
		return e, err
	}
	if e.PublicKey, err = base64.StdEncoding.DecodeString(v); err != nil || len(e.PublicKey) == 0 {
		return e, fmt.Errorf("%w: public key %q", ErrMalformedEntry, v)
	}

	if v, err = field(parts[4], sshPrincipalsPrefix); err != nil {
		return e, err
	}
	if v != "" {
		e.Principals = strings.Split(v, ",")
	}

	if e.KeyID, err = field(parts[5], sshIDPrefix); err != nil {
		return e, err
	}
	if strings.Contains(e.KeyID, " "+sshSerialPrefix) {
		return e, fmt.Errorf("%w: key id %q runs into another entry", ErrMalformedEntry, e.KeyID)
	}
	return e, nil
}

// RandomSerial returns a uniformly random 64-bit SSH certificate serial.
// It is never re-drawn; callers may report a collision with Contains.
func RandomSerial() (uint64, error) {
	return util.RandomUint64()
}

// SSHLedger is the SSH certificate ledger (ssh-index.txt).
type SSHLedger struct {
	path string
}

// NewSSHLedger returns the ledger stored at path.
func NewSSHLedger(path string) *SSHLedger {
	return &SSHLedger{path: path}
}

// Path returns the ledger file path.
func (l *SSHLedger) Path() string {
	return l.path
}

// Append records a newly issued certificate.
func (l *SSHLedger) Append(e SSHEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("appending SSH entry: %w", err)
	}
	return appendLine(l.path, e.String())
}

// All yields every entry in file order.
func (l *SSHLedger) All() iter.Seq2[SSHEntry, error] {
	return scan(l.path, ParseSSHEntry, nil)
}

// Entries yields the entries with the given status.
func (l *SSHLedger) Entries(status Status) iter.Seq2[SSHEntry, error] {
	return scan(l.path, ParseSSHEntry, func(e SSHEntry) bool { return e.Status == status })
}

// Contains reports whether any entry carries serial.
func (l *SSHLedger) Contains(serial uint64) (bool, error) {
	for e, err := range l.All() {
		if err != nil {
			return false, err
		}
		if e.Serial == serial {
			return true, nil
		}
	}
	return false, nil
}

// Revoke marks every valid entry whose serial is in serials as revoked and
// returns the entries it changed. Serials that are unknown or already
// revoked are ignored. Only the status marker of matching lines changes;
// every other byte of the file is preserved.
func (l *SSHLedger) Revoke(serials []uint64) ([]SSHEntry, error) {
	set := make(map[uint64]struct{}, len(serials))
	for _, s := range serials {
		set[s] = struct{}{}
	}
	return l.revoke(func(e SSHEntry) bool {
		_, ok := set[e.Serial]
		return ok
	})
}

// RevokeKeyID revokes every valid entry issued for key id.
func (l *SSHLedger) RevokeKeyID(keyID string) ([]SSHEntry, error) {
	return l.revoke(func(e SSHEntry) bool { return e.KeyID == keyID })
}

func (l *SSHLedger) revoke(match func(SSHEntry) bool) ([]SSHEntry, error) {
	lines, err := readLines(l.path)
	if err != nil {
		return nil, err
	}

	var revoked []SSHEntry
	for i, line := range lines {
		if line == "" {
			continue
		}
		e, err := ParseSSHEntry(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", l.path, i+1, err)
		}
		if e.Status != StatusValid || !match(e) {
			continue
		}
		lines[i] = string(StatusRevoked) + line[1:]
		e.Status = StatusRevoked
		revoked = append(revoked, e)
	}

	if len(revoked) == 0 {
		return nil, nil
	}
	if err := rewriteLines(l.path, lines); err != nil {
		return nil, fmt.Errorf("rewriting %s: %w", l.path, err)
	}
	return revoked, nil
}
