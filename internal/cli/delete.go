package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete an entry from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		if cfg.ConfirmDestructive {
			ok, err := PromptConfirm(fmt.Sprintf("Delete %q?", key))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted")
				return nil
			}
		}

		s, closer, err := openSession()
		if err != nil {
			return err
		}
		defer closer()

		if err := s.Delete(key); err != nil {
			return err
		}
		fmt.Printf("Deleted %q\n", key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
