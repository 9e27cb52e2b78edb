package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/ca"
)

var (
	sshPubFile       string
	sshKeyID         string
	sshPrincipals    []string
	sshHost          bool
	sshValidity      time.Duration
	sshForceCommand  string
	sshSourceAddress string
	sshOut           string
)

var issueSSHCmd = &cobra.Command{
	Use:   "issue-ssh",
	Short: "Issue an SSH user or host certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, err := os.ReadFile(sshPubFile)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		a, err := newAuthority()
		if err != nil {
			return err
		}
		res, err := a.IssueSSH(cmd.Context(), ca.SSHRequest{
			PublicKey:     pub,
			KeyID:         sshKeyID,
			Principals:    sshPrincipals,
			Host:          sshHost,
			Validity:      sshValidity,
			ForceCommand:  sshForceCommand,
			SourceAddress: sshSourceAddress,
		})
		if err != nil {
			return err
		}

		out := sshOut
		if out == "" {
			out = certPathFor(sshPubFile)
		}
		if out == "-" {
			os.Stdout.Write(res.Authorized)
		} else if err := os.WriteFile(out, res.Authorized, 0o644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Issued SSH certificate serial %d for %q\n", res.Serial, res.Certificate.KeyId)
		if out != "-" {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
		}
		return nil
	},
}

// certPathFor maps id_ed25519.pub to id_ed25519-cert.pub, the name ssh
// looks for next to the key.
func certPathFor(pubFile string) string {
	return strings.TrimSuffix(pubFile, ".pub") + "-cert.pub"
}

func init() {
	rootCmd.AddCommand(issueSSHCmd)
	f := issueSSHCmd.Flags()
	f.StringVar(&sshPubFile, "pub", "", "OpenSSH public key to certify")
	f.StringVar(&sshKeyID, "id", "", "Key identity recorded in the certificate")
	f.StringSliceVar(&sshPrincipals, "principals", nil, "Principals (user or host names); defaults to --id")
	f.BoolVar(&sshHost, "host", false, "Issue a host certificate")
	f.DurationVar(&sshValidity, "validity", 0, "Validity period (default ssh.validity)")
	f.StringVar(&sshForceCommand, "force-command", "", "force-command critical option")
	f.StringVar(&sshSourceAddress, "source-address", "", "source-address critical option")
	f.StringVarP(&sshOut, "out", "o", "", "Certificate output file, - for stdout (default <key>-cert.pub)")
	_ = issueSSHCmd.MarkFlagRequired("pub")
	_ = issueSSHCmd.MarkFlagRequired("id")
}
