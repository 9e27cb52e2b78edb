//go:build !pkcs11

package token

// GenerateKey returns ErrPKCS11NotCompiled when built without the pkcs11
// build tag.
func GenerateKey(cfg KeyGenConfig, _ *PIN) (GeneratedKey, error) {
	if _, err := ParseAlgorithm(cfg.Algorithm); err != nil {
		return GeneratedKey{}, err
	}
	return GeneratedKey{}, ErrPKCS11NotCompiled
}
