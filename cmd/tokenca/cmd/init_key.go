package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/token"
)

var (
	keyLabel     string
	keyAlgorithm string
	tokenLabel   string
	slotNumber   int
)

var initKeyCmd = &cobra.Command{
	Use:   "init-key",
	Short: "Generate the CA key pair on the PKCS#11 token",
	Long: `Generates an EC P-256 (default) or RSA-3072 key pair on the token and prints
its PKCS#11 URI. Set key_uri in tokenca.yaml (or pass --key-uri) to use it.
Requires a build with the pkcs11 tag.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.ModulePath == "" {
			return fmt.Errorf("a PKCS#11 module is required (--module or module_path)")
		}
		alg, err := token.ParseAlgorithm(keyAlgorithm)
		if err != nil {
			return err
		}
		label := tokenLabel
		if label == "" {
			label = cfg.TokenLabel
		}
		kc := token.KeyGenConfig{
			ModulePath: cfg.ModulePath,
			TokenLabel: label,
			Label:      keyLabel,
			Algorithm:  alg,
		}
		if cmd.Flags().Changed("slot") {
			kc.SlotNumber = &slotNumber
		}
		if kc.TokenLabel == "" && kc.SlotNumber == nil {
			return fmt.Errorf("a token is required (--token-label, token_label or --slot)")
		}

		key, err := token.GenerateKey(kc, newPIN())
		if err != nil {
			return err
		}
		fmt.Printf("Generated %s key %q\n", key.Algorithm, key.Label)
		fmt.Printf("key_uri: %s\n", key.URI)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initKeyCmd)
	initKeyCmd.Flags().StringVar(&keyLabel, "label", "", "Key label on the token (default tokenca-<uuid>)")
	initKeyCmd.Flags().StringVar(&keyAlgorithm, "algorithm", token.AlgorithmECP256, "Key algorithm: ec-p256 or rsa-3072")
	initKeyCmd.Flags().StringVar(&tokenLabel, "token-label", "", "Label of the token to create the key on")
	initKeyCmd.Flags().IntVar(&slotNumber, "slot", 0, "Slot number of the token, instead of --token-label")
}
