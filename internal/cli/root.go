// Package cli implements the lockbox command tree. Every command opens
// the vault, performs one engine operation, and closes it again; the
// engine's single-session model is untouched.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockbox-cli/lockbox/internal/config"
)

var (
	cfgFile   string
	directory string
	username  string
	cfg       *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "A single-file encrypted key-value vault",
	Long: `Lockbox stores secrets in a single encrypted vault file. Values are
sealed with authenticated encryption under a random master key, the
master key is wrapped with a password-derived key, and the whole file
carries a keyed integrity check. The file format cooperates with a sync
server that only ever sees encrypted blobs.`,
	Version: "1.0.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if directory == "" {
			directory = cfg.Directory
		}
		if username == "" {
			username = cfg.Username
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lockbox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&directory, "dir", "", "directory holding vault files")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", "", "vault username")
}
