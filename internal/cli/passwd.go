package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockbox-cli/lockbox/internal/vault"
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault password",
	Long: `Change the vault password. The master key is kept and re-wrapped
under the new password, so stored entries are not re-encrypted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPassword, err := PromptPassword("Current password: ")
		if err != nil {
			return err
		}

		s, err := vault.NewSessionWithParams(cfg.KDF)
		if err != nil {
			return err
		}
		if err := s.Open(directory, username, oldPassword); err != nil {
			return err
		}
		defer s.Close()

		newPassword, err := PromptPasswordConfirm("New password: ")
		if err != nil {
			return err
		}

		if err := s.ChangePassword(oldPassword, newPassword); err != nil {
			return err
		}
		fmt.Println("Password changed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}
