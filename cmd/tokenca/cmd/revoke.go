package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/ca"
	"github.com/jmcleod/tokenca/ledger"
)

var (
	revokeReason string
	revokeKeyID  string
)

var revokeX509Cmd = &cobra.Command{
	Use:   "revoke-x509 <serial>...",
	Short: "Revoke X.509 certificates by serial",
	Long: `Marks certificates revoked in the X.509 ledger. Serials are decimal or
0x-prefixed hex. Unknown and already revoked serials are ignored. Run gencrl
to publish the change.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serials, err := ca.ParseX509Serials(args)
		if err != nil {
			return err
		}
		a, err := newAuthority()
		if err != nil {
			return err
		}
		revoked, err := a.RevokeX509(cmd.Context(), serials, revokeReason)
		if err != nil {
			return err
		}
		if len(revoked) == 0 {
			fmt.Println("Nothing revoked")
			return nil
		}
		for _, e := range revoked {
			fmt.Printf("Revoked %s %s\n", e.Serial, e.Subject)
		}
		return nil
	},
}

var revokeSSHCmd = &cobra.Command{
	Use:   "revoke-ssh [<serial>...]",
	Short: "Revoke SSH certificates by serial or key identity",
	Long: `Marks SSH certificates revoked in the SSH ledger, either by serial or, with
--id, every valid certificate issued to a key identity. Run genkrl to publish
the change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 0) == (revokeKeyID == "") {
			return fmt.Errorf("give either serials or --id")
		}
		a, err := newAuthority()
		if err != nil {
			return err
		}

		var revoked []ledger.SSHEntry
		if revokeKeyID != "" {
			revoked, err = a.RevokeSSHKeyID(cmd.Context(), revokeKeyID)
		} else {
			var serials []uint64
			if serials, err = ca.ParseSSHSerials(args); err != nil {
				return err
			}
			revoked, err = a.RevokeSSH(cmd.Context(), serials)
		}
		if err != nil {
			return err
		}
		if len(revoked) == 0 {
			fmt.Println("Nothing revoked")
			return nil
		}
		for _, e := range revoked {
			fmt.Printf("Revoked %d %s\n", e.Serial, e.KeyID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeX509Cmd)
	rootCmd.AddCommand(revokeSSHCmd)
	revokeX509Cmd.Flags().StringVar(&revokeReason, "reason", "", "CRL reason, e.g. keyCompromise or superseded")
	revokeSSHCmd.Flags().StringVar(&revokeKeyID, "id", "", "Revoke every valid certificate with this key identity")
}
