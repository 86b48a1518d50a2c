package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockbox-cli/lockbox/internal/clipboard"
)

var getCopy bool

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Retrieve an entry's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		s, closer, err := openSession()
		if err != nil {
			return err
		}
		defer closer()

		if err := s.OpenKey(key); err != nil {
			return err
		}
		value, typ, err := s.ReadValue()
		if err != nil {
			return err
		}

		if getCopy {
			if !clipboard.IsAvailable() {
				return fmt.Errorf("clipboard not available")
			}
			if err := clipboard.CopyWithTimeout(string(value), cfg.ClipboardTTL); err != nil {
				return err
			}
			fmt.Printf("Copied %q to clipboard (clears in %s)\n", key, cfg.ClipboardTTL)
			return nil
		}

		mtime, err := s.LastModified(key)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", value)
		fmt.Printf("type=%d mtime=%d\n", typ, mtime)
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVarP(&getCopy, "copy", "c", false, "copy value to clipboard instead of printing")
	rootCmd.AddCommand(getCmd)
}
