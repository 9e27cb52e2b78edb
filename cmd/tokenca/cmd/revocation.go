package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/ca"
)

var gencrlCmd = &cobra.Command{
	Use:   "gencrl",
	Short: "Generate and sign the X.509 certificate revocation list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAuthority()
		if err != nil {
			return err
		}
		res, err := a.GenerateCRL(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("CRL %s with %d revoked certificate(s), next update %s\n",
			res.Number, len(res.List.RevokedCertificateEntries), res.List.NextUpdate.Format("2006-01-02"))
		fmt.Printf("Wrote %s\n", filepath.Join(cfg.StateDir, ca.CRLFile))
		return nil
	},
}

var genkrlCmd = &cobra.Command{
	Use:   "genkrl",
	Short: "Generate the OpenSSH key revocation list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAuthority()
		if err != nil {
			return err
		}
		krl, err := a.GenerateKRL(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%d bytes)\n", filepath.Join(cfg.StateDir, ca.KRLFile), len(krl))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gencrlCmd)
	rootCmd.AddCommand(genkrlCmd)
}
