package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/ca"
	"github.com/jmcleod/tokenca/toolchain"
)

var (
	caSubject  string
	caYears    int
	caKeyLabel string
)

var initCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Create the self-signed CA certificate with the token key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := toolchain.ParseSubject(caSubject)
		if err != nil {
			return err
		}
		a, err := newAuthority()
		if err != nil {
			return err
		}
		ident, err := a.InitCA(cmd.Context(), ca.InitCARequest{
			Subject:       subject,
			ValidityYears: caYears,
			KeyLabel:      caKeyLabel,
		})
		if err != nil {
			return err
		}
		fmt.Printf("CA subject:     %s\n", ident.Subject)
		fmt.Printf("Key algorithm:  %s\n", ident.Algorithm)
		fmt.Printf("Valid until:    %s\n", ident.NotAfter.Format("2006-01-02"))
		fmt.Printf("SHA-256:        %s\n", ident.Fingerprint)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCACmd)
	initCACmd.Flags().StringVar(&caSubject, "subject", "", "CA subject, e.g. /O=Example/CN=Example CA")
	initCACmd.Flags().IntVar(&caYears, "years", ca.DefaultCAValidityYears, "CA certificate validity in years")
	initCACmd.Flags().StringVar(&caKeyLabel, "key-label", "", "Label of the CA key on the token, for the record")
	_ = initCACmd.MarkFlagRequired("subject")
}
