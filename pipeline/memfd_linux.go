//go:build linux

package pipeline

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// newAnonymousFile returns a memfd holding data, rewound to offset zero.
// The child reopening /dev/fd/<n> gets a fresh description at offset zero,
// so the content can be read any number of times.
func newAnonymousFile(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate("tokenca-"+name, unix.MFD_CLOEXEC)
	if err != nil {
		if err == unix.ENOSYS {
			return nil, errAnonymousFileUnsupported
		}
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "memfd:"+name)
	for written := 0; written < len(data); {
		n, err := f.Write(data[written:])
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("writing memfd: %w", err)
		}
		written += n
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewinding memfd: %w", err)
	}
	return f, nil
}
