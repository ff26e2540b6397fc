package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/serebryakov7/j1708-dem/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "demctl",
	Short: "Инспекция образа памяти неисправностей DEM",
	Long:  `Чтение блоков NVRAM агента, разбор записей памяти событий и проверка YAML-конфигурации.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if debug {
			level = "debug"
		}
		observability.InitLogger(level, "")
	},
	SilenceUsage: true,
}

// Execute выполняет корневую команду. Вызывается из main.main.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var (
	dbPath     string
	configPath string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "f", "j1939_dem.db", "bbolt база образа памяти")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML конфигурация DEM (для имен событий)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug mode")
}
