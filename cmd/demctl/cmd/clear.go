package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "удалить все блоки образа памяти",
	Long:  `Удаляет все блоки NVRAM. Агент должен быть остановлен: база открывается на запись.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("для удаления укажите --yes")
		}
		nv, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer nv.Close()

		if err := nv.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), yellow("образ памяти %s очищен", dbPath))
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "подтвердить удаление")
	rootCmd.AddCommand(clearCmd)
}
