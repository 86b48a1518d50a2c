package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	addType   uint8
	addValue  string
	addUpdate bool
)

var addCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Add a new entry to the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		value := addValue
		if value == "" {
			var err error
			value, err = PromptPassword(fmt.Sprintf("Value for %q: ", key))
			if err != nil {
				return err
			}
		}

		s, closer, err := openSession()
		if err != nil {
			return err
		}
		defer closer()

		mtime := uint64(time.Now().Unix())
		if addUpdate {
			err = s.Update(addType, key, []byte(value), mtime)
		} else {
			err = s.Add(addType, key, []byte(value), mtime)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Stored %q\n", key)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <key>",
	Short: "Replace an existing entry's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addUpdate = true
		return addCmd.RunE(cmd, args)
	},
}

func init() {
	addCmd.Flags().Uint8VarP(&addType, "type", "t", 1, "entry type byte")
	addCmd.Flags().StringVar(&addValue, "value", "", "value (prompted when omitted)")
	updateCmd.Flags().Uint8VarP(&addType, "type", "t", 1, "entry type byte")
	updateCmd.Flags().StringVar(&addValue, "value", "", "value (prompted when omitted)")
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateCmd)
}
