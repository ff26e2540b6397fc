package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "список блоков NVRAM",
	RunE: func(cmd *cobra.Command, args []string) error {
		nv, err := storage.OpenReadOnly(dbPath)
		if err != nil {
			return err
		}
		defer nv.Close()

		blocks, err := nv.Blocks(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, b := range blocks {
			fmt.Fprintf(out, "%-12s %5d\n", b.ID, b.Size)
		}
		fmt.Fprintf(out, "всего блоков: %d\n", len(blocks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(blocksCmd)
}
