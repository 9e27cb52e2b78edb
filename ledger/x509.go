package ledger

import (
	"fmt"
	"iter"
	"math/big"
	"strings"
	"time"
)

// X.509 ledger lines use the OpenSSL CA database layout so that
// `openssl ca -gencrl` can consume the file directly:
//
//	<V|R>\t<expiry>\t<revocation date[,reason]>\t<serial hex>\t<filename>\t<subject>
const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
	unknownFilename       = "unknown"
)

// X509Entry records one issued X.509 certificate.
type X509Entry struct {
	Status    Status
	Expires   time.Time
	RevokedAt time.Time // zero unless Status is StatusRevoked
	Reason    string    // optional CRL reason keyword
	Serial    *big.Int
	Filename  string
	Subject   string // OpenSSL one-line form, e.g. /CN=host/O=Org
}

// String formats the entry as a ledger line without its terminator.
func (e X509Entry) String() string {
	revoked := ""
	if e.Status == StatusRevoked {
		revoked = formatASN1Time(e.RevokedAt)
		if e.Reason != "" {
			revoked += "," + e.Reason
		}
	}
	filename := e.Filename
	if filename == "" {
		filename = unknownFilename
	}
	return strings.Join([]string{
		string(e.Status),
		formatASN1Time(e.Expires),
		revoked,
		FormatSerialHex(e.Serial),
		filename,
		e.Subject,
	}, "\t")
}

// ParseX509Entry parses one X.509 ledger line.
func ParseX509Entry(line string) (X509Entry, error) {
	var e X509Entry
	parts := strings.Split(line, "\t")
	if len(parts) != 6 {
		return e, fmt.Errorf("%w: expected 6 tab-separated fields, got %d", ErrMalformedEntry, len(parts))
	}
	if len(parts[0]) != 1 {
		return e, fmt.Errorf("%w: bad status field %q", ErrMalformedEntry, parts[0])
	}
	status, ok := parseMarker(parts[0][0])
	if !ok {
		return e, fmt.Errorf("%w: bad status %q", ErrMalformedEntry, parts[0])
	}
	e.Status = status

	var err error
	if e.Expires, err = parseASN1Time(parts[1]); err != nil {
		return e, fmt.Errorf("%w: expiry %q: %v", ErrMalformedEntry, parts[1], err)
	}

	switch {
	case e.Status == StatusRevoked && parts[2] == "":
		return e, fmt.Errorf("%w: revoked entry without revocation date", ErrMalformedEntry)
	case e.Status == StatusValid && parts[2] != "":
		return e, fmt.Errorf("%w: valid entry with revocation date %q", ErrMalformedEntry, parts[2])
	case e.Status == StatusRevoked:
		date, reason, _ := strings.Cut(parts[2], ",")
		if e.RevokedAt, err = parseASN1Time(date); err != nil {
			return e, fmt.Errorf("%w: revocation date %q: %v", ErrMalformedEntry, date, err)
		}
		e.Reason = reason
	}

	serial, ok := new(big.Int).SetString(parts[3], 16)
	if !ok || parts[3] == "" {
		return e, fmt.Errorf("%w: serial %q", ErrMalformedEntry, parts[3])
	}
	e.Serial = serial
	e.Filename = parts[4]
	e.Subject = parts[5]
	return e, nil
}

// FormatSerialHex renders a serial the way OpenSSL stores it: upper-case
// hex with an even number of digits.
func FormatSerialHex(serial *big.Int) string {
	if serial == nil {
		return "00"
	}
	s := strings.ToUpper(serial.Text(16))
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}

func formatASN1Time(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 1950 && t.Year() < 2050 {
		return t.Format(utcTimeLayout)
	}
	return t.Format(generalizedTimeLayout)
}

func parseASN1Time(s string) (time.Time, error) {
	switch len(s) {
	case len(utcTimeLayout):
		t, err := time.Parse(utcTimeLayout, s)
		if err != nil {
			return time.Time{}, err
		}
		// UTCTime years 50-99 are 19xx.
		if t.Year() >= 2050 {
			t = t.AddDate(-100, 0, 0)
		}
		return t, nil
	case len(generalizedTimeLayout):
		return time.Parse(generalizedTimeLayout, s)
	}
	return time.Time{}, fmt.Errorf("unexpected time length %d", len(s))
}

// X509Ledger is the X.509 certificate ledger (index.txt).
type X509Ledger struct {
	path string
}

// NewX509Ledger returns the ledger stored at path.
func NewX509Ledger(path string) *X509Ledger {
	return &X509Ledger{path: path}
}

// Path returns the ledger file path.
func (l *X509Ledger) Path() string {
	return l.path
}

// Append records a newly issued certificate.
func (l *X509Ledger) Append(e X509Entry) error {
	if e.Serial == nil {
		return fmt.Errorf("appending X.509 entry: missing serial")
	}
	if strings.ContainsAny(e.Subject, "\t\r\n") {
		return fmt.Errorf("appending X.509 entry: subject %q contains a tab or line break", e.Subject)
	}
	return appendLine(l.path, e.String())
}

// All yields every entry in file order.
func (l *X509Ledger) All() iter.Seq2[X509Entry, error] {
	return scan(l.path, ParseX509Entry, nil)
}

// Entries yields the entries with the given status.
func (l *X509Ledger) Entries(status Status) iter.Seq2[X509Entry, error] {
	return scan(l.path, ParseX509Entry, func(e X509Entry) bool { return e.Status == status })
}

// Lookup returns the entry with serial, if any.
func (l *X509Ledger) Lookup(serial *big.Int) (X509Entry, bool, error) {
	for e, err := range l.All() {
		if err != nil {
			return X509Entry{}, false, err
		}
		if e.Serial.Cmp(serial) == 0 {
			return e, true, nil
		}
	}
	return X509Entry{}, false, nil
}

// Revoke marks the valid entries whose serial is in serials as revoked at
// the given time and returns the entries it changed. Unknown or already
// revoked serials are ignored. Lines that do not match are left as they are.
func (l *X509Ledger) Revoke(serials []*big.Int, at time.Time, reason string) ([]X509Entry, error) {
	set := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		set[FormatSerialHex(s)] = struct{}{}
	}

	lines, err := readLines(l.path)
	if err != nil {
		return nil, err
	}

	var revoked []X509Entry
	for i, line := range lines {
		if line == "" {
			continue
		}
		e, err := ParseX509Entry(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", l.path, i+1, err)
		}
		if e.Status != StatusValid {
			continue
		}
		if _, ok := set[FormatSerialHex(e.Serial)]; !ok {
			continue
		}
		e.Status = StatusRevoked
		e.RevokedAt = at.UTC().Truncate(time.Second)
		e.Reason = reason
		lines[i] = e.String()
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
