package token

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/term"
)

// DefaultPINEnv is the environment variable consulted for the token PIN
// when no other name is configured.
const DefaultPINEnv = "TOKENCA_PIN"

// ErrNoPIN is returned when no PIN is available from the environment and
// standard input is not a terminal.
var ErrNoPIN = errors.New("no token PIN: set the PIN environment variable or run interactively")

// Prompter reads a PIN from the operator.
type Prompter func() ([]byte, error)

// PIN is the process-scoped token PIN. It is obtained at most once, kept
// encrypted in a memguard Enclave and only decrypted while a copy is
// handed to a pipeline channel.
type PIN struct {
	envName string
	prompt  Prompter

	mu      sync.Mutex
	enclave *memguard.Enclave
}

// PINOption configures a PIN.
type PINOption func(*PIN)

// WithPrompter replaces the interactive terminal prompt.
func WithPrompter(p Prompter) PINOption {
	return func(pin *PIN) {
		pin.prompt = p
	}
}

// NewPIN returns a PIN sourced from the environment variable envName,
// falling back to an interactive prompt.
func NewPIN(envName string, opts ...PINOption) *PIN {
	if envName == "" {
		envName = DefaultPINEnv
	}
	p := &PIN{envName: envName, prompt: terminalPrompt}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StaticPIN returns a PIN that always yields value. The caller's slice is
// wiped.
func StaticPIN(value []byte) *PIN {
	return &PIN{enclave: memguard.NewEnclave(value)}
}

// Copy returns a fresh copy of the PIN. The caller owns the slice and is
// expected to hand it to a pipeline.Secret channel, which wipes it.
func (p *PIN) Copy() ([]byte, error) {
	enclave, err := p.load()
	if err != nil {
		return nil, err
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening PIN enclave: %w", err)
	}
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

func (p *PIN) load() (*memguard.Enclave, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enclave != nil {
		return p.enclave, nil
	}

	if v, ok := os.LookupEnv(p.envName); ok && v != "" {
		// Keep the PIN out of the environment of every tool we spawn.
		os.Unsetenv(p.envName)
		p.enclave = memguard.NewEnclave([]byte(v))
		return p.enclave, nil
	}

	if p.prompt == nil {
		return nil, ErrNoPIN
	}
	b, err := p.prompt()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrNoPIN
	}
	p.enclave = memguard.NewEnclave(b)
	return p.enclave, nil
}

func terminalPrompt() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoPIN
	}
	fmt.Fprint(os.Stderr, "Token PIN: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading PIN: %w", err)
	}
	return b, nil
}
