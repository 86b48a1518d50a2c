package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lockbox-cli/lockbox/internal/vault"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new vault",
	Long: `Create a new vault file for the configured user. A fresh master key
is generated and wrapped with a key derived from the password you
choose; the password itself is never stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("failed to create vault directory: %w", err)
		}

		password, err := PromptPasswordConfirm("New vault password: ")
		if err != nil {
			return err
		}

		s, err := vault.NewSessionWithParams(cfg.KDF)
		if err != nil {
			return err
		}
		if err := s.Create(directory, username, password); err != nil {
			return err
		}
		defer s.Close()

		fmt.Printf("Created vault for %s in %s\n", username, directory)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
