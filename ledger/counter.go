package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Counter is a decimal ASCII counter file such as `serial` or `crlnumber`.
// The file holds the next value to hand out.
type Counter struct {
	path string
}

// NewCounter returns the counter stored at path.
func NewCounter(path string) *Counter {
	return &Counter{path: path}
}

// Path returns the counter file path.
func (c *Counter) Path() string {
	return c.path
}

// InitCounter creates the counter file with start if it does not exist.
// An existing file is left untouched and created is false.
func InitCounter(path string, start uint64) (created bool, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", start); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

// Peek returns the value the next allocation will hand out without
// consuming it.
func (c *Counter) Peek() (uint64, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrMissingFile, c.path)
		}
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: counter %q", ErrMalformedEntry, c.path, s)
	}
	return v, nil
}

// Advance consumes value, which must be what Peek returned.
func (c *Counter) Advance(value uint64) error {
	cur, err := c.Peek()
	if err != nil {
		return err
	}
	if cur != value {
		return fmt.Errorf("%w: %s holds %d, expected %d", ErrCounterMoved, c.path, cur, value)
	}
	if value == ^uint64(0) {
		return fmt.Errorf("%s: counter exhausted", c.path)
	}
	return WriteFileAtomic(c.path, []byte(strconv.FormatUint(value+1, 10)+"\n"), 0o644)
}

// Next reads, increments and persists the counter, returning the value
// that was consumed.
func (c *Counter) Next() (uint64, error) {
	v, err := c.Peek()
	if err != nil {
		return 0, err
	}
	if err := c.Advance(v); err != nil {
		return 0, err
	}
	return v, nil
}
