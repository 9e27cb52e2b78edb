// Package ledger keeps the authoritative record of every certificate the CA
// has issued, one flat text file per certificate family, plus the decimal
// counter files used for serial and CRL numbers.
//
// The files are designed to live under version control: appends never
// rewrite earlier lines, and revocation rewrites the whole file atomically
// (temp file + rename) so a crash leaves either the old or the new content.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrMalformedEntry is returned when a ledger line or counter file does
	// not parse. It is fatal: entries are never silently skipped.
	ErrMalformedEntry = errors.New("malformed ledger entry")

	// ErrMissingFile is returned when a state file that must already exist
	// is absent.
	ErrMissingFile = errors.New("missing state file")

	// ErrCounterMoved is returned by Counter.Advance when the counter no
	// longer holds the value the caller reserved.
	ErrCounterMoved = errors.New("counter changed since it was read")
)

// Status is the validity marker of a ledger entry.
type Status byte

const (
	StatusValid   Status = 'V'
	StatusRevoked Status = 'R'
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("Status(%q)", byte(s))
	}
}

// ParseStatus accepts "valid"/"revoked" or the single-letter markers.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "valid", "V":
		return StatusValid, nil
	case "revoked", "R":
		return StatusRevoked, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func parseMarker(b byte) (Status, bool) {
	switch Status(b) {
	case StatusValid, StatusRevoked:
		return Status(b), true
	}
	return 0, false
}

// readLines returns the file's lines without their terminators.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// appendLine appends one line to an existing file and syncs it. A missing
// terminator on the file's last line is restored first so the new record
// never merges into it.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return err
	}
	terminated, err := endsWithNewline(f)
	if err != nil {
		f.Close()
		return err
	}
	if !terminated {
		line = "\n" + line
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// endsWithNewline reports whether f is empty or its last byte is '\n'.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// WriteFileAtomic replaces path with data by writing a temporary file in
// the same directory, syncing it and renaming it over the target.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	d.Sync()
	return nil
}

// rewriteLines atomically rewrites path with lines, keeping its mode and
// whether its last line was terminated.
func rewriteLines(path string, lines []string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	terminated, err := endsWithNewline(f)
	f.Close()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for i, l := range lines {
		buf.WriteString(l)
		if i < len(lines)-1 || terminated {
			buf.WriteByte('\n')
		}
	}
	return WriteFileAtomic(path, buf.Bytes(), info.Mode().Perm())
}
