package cmd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/ca"
	"github.com/jmcleod/tokenca/toolchain"
)

var (
	x509CSRFile     string
	x509Subject     string
	x509GenerateKey bool
	x509KeyAlg      string
	x509Days        int
	x509Profile     string
	x509DNS         []string
	x509IPs         []net.IP
	x509Emails      []string
	x509Out         string
	x509P12Out      string
)

var issueX509Cmd = &cobra.Command{
	Use:   "issue-x509",
	Short: "Issue an X.509 certificate",
	Long: `Signs a certificate signing request (--csr) or, with --subject and
--generate-key, generates the leaf key in memory and emits a PKCS#12 bundle
protected by a generated passphrase.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := ca.X509Request{
			Days:         x509Days,
			Profile:      toolchain.Profile(x509Profile),
			DNSNames:     x509DNS,
			IPs:          x509IPs,
			Emails:       x509Emails,
			KeyAlgorithm: x509KeyAlg,
		}
		switch {
		case x509CSRFile != "" && (x509Subject != "" || x509GenerateKey):
			return fmt.Errorf("--csr cannot be combined with --subject or --generate-key")
		case x509CSRFile != "":
			csr, err := os.ReadFile(x509CSRFile)
			if err != nil {
				return fmt.Errorf("failed to read CSR: %w", err)
			}
			req.CSR = csr
		case x509Subject != "" && x509GenerateKey:
			if _, err := toolchain.ParseSubject(x509Subject); err != nil {
				return err
			}
			req.Subject = x509Subject
		default:
			return fmt.Errorf("either --csr or --subject with --generate-key is required")
		}

		a, err := newAuthority()
		if err != nil {
			return err
		}
		res, err := a.IssueX509(cmd.Context(), req)
		if err != nil {
			return err
		}

		if x509Out == "" || x509Out == "-" {
			os.Stdout.Write(res.CertPEM)
		} else if err := os.WriteFile(x509Out, res.CertPEM, 0o644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Issued certificate serial %s (%s)\n", res.Serial, filepath.Join(cfg.StateDir, res.Path))

		if res.PKCS12 != nil {
			out := x509P12Out
			if out == "" {
				out = res.Certificate.Subject.CommonName + ".p12"
			}
			if err := os.WriteFile(out, res.PKCS12, 0o600); err != nil {
				return fmt.Errorf("failed to write PKCS#12 bundle: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Wrote PKCS#12 bundle %s\n", out)
			if res.Passphrase != "" {
				fmt.Fprintf(os.Stderr, "PKCS#12 passphrase: %s\n", res.Passphrase)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(issueX509Cmd)
	f := issueX509Cmd.Flags()
	f.StringVar(&x509CSRFile, "csr", "", "PEM certificate signing request to sign")
	f.StringVar(&x509Subject, "subject", "", "Subject for a generated key, e.g. /O=Example/CN=host.example.com")
	f.BoolVar(&x509GenerateKey, "generate-key", false, "Generate the leaf key and emit a PKCS#12 bundle")
	f.StringVar(&x509KeyAlg, "key-algorithm", "", "Generated key algorithm: ec-p256 (default) or rsa-3072")
	f.IntVar(&x509Days, "days", 0, "Validity in days (default x509.validity_days)")
	f.StringVar(&x509Profile, "profile", string(toolchain.ProfileBoth), "Extended key usage: server, client or both")
	f.StringSliceVar(&x509DNS, "dns", nil, "DNS subject alternative names")
	f.IPSliceVar(&x509IPs, "ip", nil, "IP subject alternative names")
	f.StringSliceVar(&x509Emails, "email", nil, "Email subject alternative names")
	f.StringVarP(&x509Out, "out", "o", "", "Certificate output file (default stdout)")
	f.StringVar(&x509P12Out, "p12-out", "", "PKCS#12 output file (default <common name>.p12)")
}
