package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the CA state directory, ledgers and repository",
	Long: `Creates the state directory with empty ledgers, the serial and CRL number
counters, a configuration template and a git repository, then records the
initial checkpoint. Running it again leaves existing state untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printBanner()
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		wrote, err := config.WriteTemplate(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to write configuration template: %w", err)
		}

		a, err := newAuthority()
		if err != nil {
			return err
		}
		res, err := a.Bootstrap(cmd.Context())
		if err != nil {
			return err
		}

		if wrote {
			fmt.Printf("Wrote %s\n", config.FileName)
		}
		for _, name := range res.Created {
			fmt.Printf("Created %s\n", name)
		}
		if res.RepositoryCreated {
			fmt.Println("Initialized git repository")
		}
		if !wrote && len(res.Created) == 0 && !res.RepositoryCreated {
			fmt.Printf("CA state in %s is already initialized\n", cfg.StateDir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
