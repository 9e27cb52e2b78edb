// Package ca is the certificate lifecycle engine. It allocates serials,
// drives the toolchain to sign X.509 and SSH certificates with the CA key
// on the token, records every issuance and revocation in the ledgers and
// closes each mutating operation with a checkpoint commit.
//
// The engine is single-operator: operations are expected to run one at a
// time against a state directory.
package ca

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/tokenca/checkpoint"
	"github.com/jmcleod/tokenca/internal/uuid"
	"github.com/jmcleod/tokenca/ledger"
	"github.com/jmcleod/tokenca/token"
	"github.com/jmcleod/tokenca/toolchain"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrAlreadyInitialized is returned by InitCA when the state directory
	// already holds a CA identity.
	ErrAlreadyInitialized = errors.New("CA identity already exists")

	// ErrNotInitialized is returned when an operation needs state that
	// Bootstrap or InitCA has not created yet.
	ErrNotInitialized = errors.New("CA is not initialized")

	// ErrNoKey is returned when no CA key URI is configured.
	ErrNoKey = token.ErrNoKey

	// ErrInvalidPublicKey is returned when an SSH public key to certify does
	// not parse.
	ErrInvalidPublicKey = errors.New("invalid SSH public key")

	// ErrInvalidCSR is returned when a certificate signing request does not
	// parse or its self-signature does not verify.
	ErrInvalidCSR = errors.New("invalid certificate signing request")

	// ErrToolOutput is returned when a tool succeeded but produced output
	// that does not check out, such as a certificate not signed by the CA.
	ErrToolOutput = errors.New("unexpected toolchain output")
)

// ---------------------------------------------------------------------------
// State directory layout
// ---------------------------------------------------------------------------

const (
	X509IndexFile = "index.txt"
	SSHIndexFile  = "ssh-index.txt"
	SerialFile    = "serial"
	CRLNumberFile = "crlnumber"
	CertsDir      = "certs"
	IdentityFile  = "identity.yaml"
	CACertFile    = "ca.crt"
	CAPubFile     = "ca.pub"
	CRLFile       = "crl.pem"
	KRLFile       = "krl.bin"
	GitignoreFile = ".gitignore"

	// InitialCounter is the first value of the serial and crlnumber
	// counters.
	InitialCounter = 1000
)

const gitignore = `# transient files left by interrupted operations
.crlnumber
.crlnumber.*
.*.tmp-*
`

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Toolchain is the set of external certificate operations the engine uses.
// *toolchain.Toolchain implements it.
type Toolchain interface {
	SelfSign(ctx context.Context, req toolchain.SelfSignRequest) ([]byte, error)
	ExtractPublicKey(ctx context.Context, certPEM []byte) ([]byte, error)
	GenerateKey(ctx context.Context, algorithm string) ([]byte, error)
	CreateCSR(ctx context.Context, keyPEM []byte, subject string) ([]byte, error)
	SignCSR(ctx context.Context, req toolchain.SignRequest) ([]byte, error)
	PKCS12(ctx context.Context, req toolchain.PKCS12Request) ([]byte, error)
	GenerateCRL(ctx context.Context, req toolchain.CRLRequest) ([]byte, error)
	GenerateKRL(ctx context.Context, caPub, spec []byte) ([]byte, error)
}

var _ Toolchain = (*toolchain.Toolchain)(nil)

// SignerFunc returns a crypto.Signer for the CA key whose public half is
// pub.
type SignerFunc func(ctx context.Context, pub crypto.PublicKey) (crypto.Signer, error)

// TokenSigner adapts a token backend to a SignerFunc.
func TokenSigner(b *token.Backend) SignerFunc {
	return func(ctx context.Context, pub crypto.PublicKey) (crypto.Signer, error) {
		s, err := b.Signer(ctx, pub)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Checkpointer commits state changes. *checkpoint.Repo implements it.
type Checkpointer interface {
	Init(ctx context.Context) (bool, error)
	Commit(ctx context.Context, msg checkpoint.Message, paths ...string) (bool, error)
}

var _ Checkpointer = (*checkpoint.Repo)(nil)

// ---------------------------------------------------------------------------
// Authority
// ---------------------------------------------------------------------------

// Options configures an Authority.
type Options struct {
	Dir        string
	Tools      Toolchain
	Signer     SignerFunc
	Checkpoint Checkpointer
	Logger     *slog.Logger

	// KeyURI locates the CA key on the token; recorded by InitCA.
	KeyURI string

	X509ValidityDays int
	SSHValidity      time.Duration
	CRLDays          int

	// Now and OperationID are replaceable for tests.
	Now         func() time.Time
	OperationID func() string
}

// Authority runs CA operations against one state directory.
type Authority struct {
	dir     string
	tools   Toolchain
	signer  SignerFunc
	repo    Checkpointer
	logger  *slog.Logger
	keyURI  string
	x509Day int
	sshTTL  time.Duration
	crlDays int
	now     func() time.Time
	opID    func() string

	x509      *ledger.X509Ledger
	ssh       *ledger.SSHLedger
	serial    *ledger.Counter
	crlNumber *ledger.Counter
}

// New returns an Authority for opts.
func New(opts Options) (*Authority, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("toolchain is required")
	}
	if opts.Checkpoint == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	a := &Authority{
		dir:     opts.Dir,
		tools:   opts.Tools,
		signer:  opts.Signer,
		repo:    opts.Checkpoint,
		logger:  opts.Logger,
		keyURI:  opts.KeyURI,
		x509Day: opts.X509ValidityDays,
		sshTTL:  opts.SSHValidity,
		crlDays: opts.CRLDays,
		now:     opts.Now,
		opID:    opts.OperationID,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.x509Day <= 0 {
		a.x509Day = 365
	}
	if a.sshTTL <= 0 {
		a.sshTTL = 24 * time.Hour
	}
	if a.crlDays <= 0 {
		a.crlDays = 3650
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.opID == nil {
		a.opID = uuid.New
	}

	a.x509 = ledger.NewX509Ledger(a.path(X509IndexFile))
	a.ssh = ledger.NewSSHLedger(a.path(SSHIndexFile))
	a.serial = ledger.NewCounter(a.path(SerialFile))
	a.crlNumber = ledger.NewCounter(a.path(CRLNumberFile))
	return a, nil
}

// Dir returns the state directory.
func (a *Authority) Dir() string {
	return a.dir
}

// X509Ledger returns the X.509 ledger.
func (a *Authority) X509Ledger() *ledger.X509Ledger {
	return a.x509
}

// SSHLedger returns the SSH ledger.
func (a *Authority) SSHLedger() *ledger.SSHLedger {
	return a.ssh
}

func (a *Authority) path(name ...string) string {
	return filepath.Join(append([]string{a.dir}, name...)...)
}

// operation starts a mutating operation: a fresh id and a logger carrying it.
func (a *Authority) operation(name string) (string, *slog.Logger) {
	id := a.opID()
	return id, a.logger.With(slog.String("operation", name), slog.String("operation_id", id))
}

func (a *Authority) commit(ctx context.Context, log *slog.Logger, id string, msg checkpoint.Message, paths ...string) error {
	msg.OperationID = id
	committed, err := a.repo.Commit(ctx, msg, paths...)
	if err != nil {
		return fmt.Errorf("checkpoint %q: %w", msg.Subject, err)
	}
	if !committed {
		log.DebugContext(ctx, "no state change to checkpoint")
	}
	return nil
}

// requireBootstrapped reports ErrNotInitialized unless Bootstrap has laid
// out the ledgers.
func (a *Authority) requireBootstrapped() error {
	for _, name := range []string{X509IndexFile, SSHIndexFile, SerialFile, CRLNumberFile} {
		if _, err := os.Stat(a.path(name)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s is missing, run init", ErrNotInitialized, name)
			}
			return err
		}
	}
	return nil
}
