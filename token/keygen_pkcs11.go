//go:build pkcs11

package token

import (
	"crypto/elliptic"
	"fmt"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/tokenca/internal/util"
	"github.com/jmcleod/tokenca/internal/uuid"
)

// GenerateKey creates a new key pair on the token. The private key is
// generated inside the token and is never exportable.
func GenerateKey(cfg KeyGenConfig, pin *PIN) (GeneratedKey, error) {
	alg, err := ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return GeneratedKey{}, err
	}

	pinBytes, err := pin.Copy()
	if err != nil {
		return GeneratedKey{}, err
	}
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        string(pinBytes),
	}
	util.WipeBytes(pinBytes)
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
		config.TokenLabel = ""
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	defer ctx.Close()

	label := cfg.Label
	if label == "" {
		label = "tokenca-" + uuid.New()
	}

	existing, err := ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("checking for existing key %q: %w", label, err)
	}
	if existing != nil {
		return GeneratedKey{}, fmt.Errorf("key pair labelled %q already exists on the token", label)
	}

	switch alg {
	case AlgorithmRSA3072:
		_, err = ctx.GenerateRSAKeyPairWithLabel([]byte(label), []byte(label), 3072)
	default:
		_, err = ctx.GenerateECDSAKeyPairWithLabel([]byte(label), []byte(label), elliptic.P256())
	}
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("generating %s key on token: %w", alg, err)
	}

	return GeneratedKey{
		Label:     label,
		Algorithm: alg,
		URI:       KeyURIFor(cfg.TokenLabel, label),
	}, nil
}
