package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

var errAnonymousFileUnsupported = errors.New("anonymous files not supported")

// ProcessFailure is returned by Run when the external program exits with a
// non-zero status. Stdout and Stderr hold everything the program printed so
// it can be surfaced to the operator verbatim.
type ProcessFailure struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", shellescape.QuoteCommand(e.Args), e.ExitCode)
	if s := strings.TrimSpace(string(e.Stderr)); s != "" {
		msg += ": " + s
	}
	return msg
}

// IsExitCode reports whether err is a ProcessFailure with the given status.
func IsExitCode(err error, code int) bool {
	var pf *ProcessFailure
	return errors.As(err, &pf) && pf.ExitCode == code
}
