package cmd

import (
	"log/slog"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenca/config"
)

// Resolved by the root command before any subcommand runs.
var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tokenca",
	Short: "tokenca is a minimal X.509 and SSH certificate authority",
	Long: `A minimal offline certificate authority for X.509 and SSH certificates.
The CA key stays on a PKCS#11 token; CA state is kept as flat files in a
git repository and every change is recorded as a commit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		cfg = c

		level := slog.LevelInfo
		if cfg.Verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the command line and exits non-zero on failure, purging
// protected memory first.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		memguard.SafeExit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("state-dir", ".", "CA state directory (git working tree)")
	rootCmd.PersistentFlags().String("module", "", "PKCS#11 module path")
	rootCmd.PersistentFlags().String("key-uri", "", "PKCS#11 URI of the CA private key")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log external commands and other debug detail")
}
