//go:build !linux

package pipeline

import "os"

func newAnonymousFile(string, []byte) (*os.File, error) {
	return nil, errAnonymousFileUnsupported
}
