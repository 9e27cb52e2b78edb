package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/awnumar/memguard"
)

type inputOptions struct {
	secret   bool
	seekable bool
}

// InputOption configures an input channel.
type InputOption func(*inputOptions)

// Secret marks the input as sensitive. The channel takes ownership of the
// bytes: they are moved into a memguard LockedBuffer (wiping the caller's
// slice) and destroyed as soon as they have been written to the child.
func Secret() InputOption {
	return func(o *inputOptions) {
		o.secret = true
	}
}

// Seekable backs the channel with an anonymous in-memory file instead of a
// pipe, for programs that open the path more than once or seek in it.
// Where anonymous files are unavailable a pipe is used.
func Seekable() InputOption {
	return func(o *inputOptions) {
		o.seekable = true
	}
}

// InputChannel feeds a byte buffer to the child through an inherited
// descriptor.
type InputChannel struct {
	name string
	fd   int

	child  *os.File // read end (or memfd) inherited by the child
	parent *os.File // write end kept by the parent; nil for memfd channels

	data   []byte
	locked *memguard.LockedBuffer

	once sync.Once
}

func newInputChannel(name string, fd int, data []byte, o inputOptions) (*InputChannel, error) {
	ch := &InputChannel{name: name, fd: fd}

	payload := data
	if o.secret {
		// NewBufferFromBytes wipes data.
		ch.locked = memguard.NewBufferFromBytes(data)
		payload = ch.locked.Bytes()
	} else {
		ch.data = data
	}

	if o.seekable {
		f, err := newAnonymousFile(name, payload)
		if err == nil {
			ch.child = f
			ch.destroySecret()
			return ch, nil
		}
		if err != errAnonymousFileUnsupported {
			ch.destroySecret()
			return nil, err
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		ch.destroySecret()
		return nil, err
	}
	ch.child = r
	ch.parent = w
	return ch, nil
}

// Name returns the channel name.
func (c *InputChannel) Name() string { return c.name }

// FD returns the descriptor number the child sees.
func (c *InputChannel) FD() int { return c.fd }

// Path returns the path under which the child opens the channel.
func (c *InputChannel) Path() string {
	return fmt.Sprintf("/dev/fd/%d", c.fd)
}

func (c *InputChannel) payload() []byte {
	if c.locked != nil {
		return c.locked.Bytes()
	}
	return c.data
}

// feed writes the whole payload to the pipe and closes it. A child that
// stops reading early is not an error.
func (c *InputChannel) feed() error {
	if c.parent == nil {
		return nil
	}
	defer c.release()

	// io.Copy retries short writes until the reader is drained.
	_, err := io.Copy(c.parent, bytes.NewReader(c.payload()))
	if err != nil && !isClosedPipe(err) {
		return fmt.Errorf("writing %s: %w", c.name, err)
	}
	return nil
}

func (c *InputChannel) release() {
	c.once.Do(func() {
		if c.parent != nil {
			c.parent.Close()
		}
		c.child.Close()
		c.destroySecret()
		c.data = nil
	})
}

func (c *InputChannel) destroySecret() {
	if c.locked != nil {
		c.locked.Destroy()
	}
}

// OutputChannel collects everything the child writes to it.
type OutputChannel struct {
	name string
	fd   int

	child  *os.File // write end inherited by the child
	parent *os.File // read end drained by the parent

	mu   sync.Mutex
	buf  bytes.Buffer
	once sync.Once
}

func newOutputChannel(name string, fd int) (*OutputChannel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &OutputChannel{name: name, fd: fd, child: w, parent: r}, nil
}

// Name returns the channel name.
func (c *OutputChannel) Name() string { return c.name }

// FD returns the descriptor number the child sees.
func (c *OutputChannel) FD() int { return c.fd }

// Path returns the path under which the child opens the channel.
func (c *OutputChannel) Path() string {
	return fmt.Sprintf("/dev/fd/%d", c.fd)
}

// Bytes returns a copy of what the child wrote.
func (c *OutputChannel) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func (c *OutputChannel) drain() error {
	defer c.release()
	tmp := make([]byte, 32*1024)
	for {
		n, err := c.parent.Read(tmp)
		if n > 0 {
			c.mu.Lock()
			c.buf.Write(tmp[:n])
			c.mu.Unlock()
		}
		if err == io.EOF || (err != nil && isClosedPipe(err)) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.name, err)
		}
	}
}

func (c *OutputChannel) release() {
	c.once.Do(func() {
		c.parent.Close()
		c.child.Close()
	})
}

func isEPIPE(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
