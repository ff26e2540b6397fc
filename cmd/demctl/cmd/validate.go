package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serebryakov7/j1708-dem/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config.yaml]",
	Short: "проверка конфигурации DEM",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("не указан файл конфигурации")
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), red("FAIL %v", err))
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("OK %s: событий %d, записей памяти %d, J1939 %d",
			path, cfg.EventCount(), cfg.EntryCount(), len(cfg.J1939Events())))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
