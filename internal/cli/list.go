package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closer, err := openSession()
		if err != nil {
			return err
		}
		defer closer()

		keys, err := s.Keys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		n, err := s.NumKeys()
		if err != nil {
			return err
		}
		fmt.Printf("%d entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
