package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/tokenca/ca"
	"github.com/jmcleod/tokenca/ledger"
)

var (
	listFamily string
	listStatus string
	listOutput string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		families, err := ca.ParseFamily(listFamily)
		if err != nil {
			return err
		}
		var status *ledger.Status
		if listStatus != "" {
			s, err := ledger.ParseStatus(listStatus)
			if err != nil {
				return err
			}
			status = &s
		}
		a, err := newAuthority()
		if err != nil {
			return err
		}
		records, err := a.List(families, status)
		if err != nil {
			return err
		}
		return writeRecords(os.Stdout, records, listOutput)
	},
}

func writeRecords(w io.Writer, records []ca.Record, format string) error {
	switch format {
	case "", "table":
		return writeTable(w, records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (valid: table, yaml)", format)
}

func writeTable(w io.Writer, records []ca.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tSERIAL\tSTATUS\tDATE\tNAME")
	for _, r := range records {
		name := r.Subject
		date := ""
		switch r.Family {
		case ca.FamilyX509:
			date = "expires " + r.Expires.Format("2006-01-02")
		case ca.FamilySSH:
			name = r.KeyID
			if len(r.Principals) > 0 {
				name += " (" + strings.Join(r.Principals, ",") + ")"
			}
			date = "issued " + r.IssuedAt.Format("2006-01-02")
		}
		if !r.RevokedAt.IsZero() {
			date = "revoked " + r.RevokedAt.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Family, r.Serial, r.Status, date, name)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listFamily, "family", "", "Certificate family: x509 or ssh (default both)")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only entries with this status: valid or revoked")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format: table or yaml")
}
