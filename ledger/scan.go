package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
)

// scan lazily parses path line by line, yielding the entries keep accepts.
// Every range over the returned sequence re-opens the file, so it can be
// consumed any number of times. A parse failure is yielded once and ends
// the sequence.
func scan[E any](path string, parse func(string) (E, error), keep func(E) bool) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s", ErrMissingFile, path)
			}
			yield(zero, err)
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := sc.Text()
			if line == "" {
				continue
			}
			e, err := parse(line)
			if err != nil {
				yield(zero, fmt.Errorf("%s:%d: %w", path, lineNo, err))
				return
			}
			if keep != nil && !keep(e) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(zero, err)
		}
	}
}

// Collect drains a ledger sequence into a slice, stopping at the first error.
func Collect[E any](seq iter.Seq2[E, error]) ([]E, error) {
	var out []E
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
