package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/tokenca/pipeline"
)

// ErrUnsupportedKey is returned for CA keys the pkeyutl signer cannot
// drive, such as Ed25519.
var ErrUnsupportedKey = errors.New("unsupported CA key type")

// Signer is a crypto.Signer whose private half lives on the token. Each
// Sign call runs `openssl pkeyutl -sign` through the pkcs11 engine.
type Signer struct {
	ctx     context.Context
	backend *Backend
	pub     crypto.PublicKey
}

var _ crypto.Signer = (*Signer)(nil)

// Signer returns a crypto.Signer for the CA key whose public half is pub.
// ctx bounds every signing subprocess.
func (b *Backend) Signer(ctx context.Context, pub crypto.PublicKey) (*Signer, error) {
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return &Signer{ctx: ctx, backend: b, pub: pub}, nil
}

// Public returns the CA public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs digest with the token key. RSA keys produce PKCS #1 v1.5
// signatures, ECDSA keys produce ASN.1 DER signatures, matching what
// crypto.Signer callers expect.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, fmt.Errorf("%w: RSA-PSS", ErrUnsupportedKey)
	}

	var extra []string
	if _, ok := s.pub.(*rsa.PublicKey); ok {
		name, err := digestName(opts.HashFunc())
		if err != nil {
			return nil, err
		}
		extra = append(extra, "-pkeyopt", "digest:"+name)
	}
	if h := opts.HashFunc(); h != 0 && len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %s", len(digest), h)
	}

	inv := pipeline.New(s.backend.cfg.OpenSSL, pipeline.WithLogger(s.backend.cfg.Logger))
	defer inv.Close()

	engine, err := s.backend.EngineArgs(inv, Operation{KeyFlag: "-inkey", KeyFormFlag: "-keyform"})
	if err != nil {
		return nil, err
	}
	in, err := inv.Input("digest", digest)
	if err != nil {
		return nil, err
	}

	args := append([]string{"pkeyutl", "-sign", "-in", in.Path()}, engine...)
	args = append(args, extra...)
	sig, err := inv.Run(s.ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("signing with token key: %w", err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("signing with token key: empty signature")
	}
	return sig, nil
}

func digestName(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA1:
		return "sha1", nil
	case crypto.SHA256:
		return "sha256", nil
	case crypto.SHA384:
		return "sha384", nil
	case crypto.SHA512:
		return "sha512", nil
	}
	return "", fmt.Errorf("%w: hash %v", ErrUnsupportedKey, h)
}
