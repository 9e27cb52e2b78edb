package token

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPKCS11NotCompiled is returned by key generation in builds without the
// pkcs11 build tag.
var ErrPKCS11NotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// Key algorithms supported by GenerateKey.
const (
	AlgorithmECP256  = "ec-p256"
	AlgorithmRSA3072 = "rsa-3072"
)

// KeyGenConfig describes a key pair to create on the token.
type KeyGenConfig struct {
	ModulePath string
	TokenLabel string
	SlotNumber *int

	// Label is the CKA_LABEL of the new key pair; a tokenca-<uuid> label
	// is generated when empty.
	Label     string
	Algorithm string
}

// GeneratedKey describes a key pair created on the token.
type GeneratedKey struct {
	Label     string
	Algorithm string
	URI       string
}

// ParseAlgorithm normalizes a user-supplied key algorithm name.
func ParseAlgorithm(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "ec", "ecdsa", "p256", "ec-p256":
		return AlgorithmECP256, nil
	case "rsa", "rsa3072", "rsa-3072":
		return AlgorithmRSA3072, nil
	}
	return "", fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, s)
}
