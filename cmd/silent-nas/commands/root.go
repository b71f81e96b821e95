package commands

import (
	"context"
	"fmt"
	"os"

	"silentnas/pkg/app"
	"silentnas/pkg/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// NAS 是全局应用实例，供子命令使用
	NAS *app.App
)

var rootCmd = &cobra.Command{
	Use:   "silent-nas",
	Short: "SilentNAS: incremental content-addressed storage with node sync",
	// PersistentPreRunE 在所有子命令执行前统一装配 App
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		var err error
		NAS, err = app.NewApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize silent-nas: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if NAS != nil {
			NAS.Close()
		}
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.silentnas/config.yaml)")

	rootCmd.PersistentFlags().String("data-dir", "", "base directory for chunks, metadata and wal")
	if err := viper.BindPFlag("node.data_dir", rootCmd.PersistentFlags().Lookup("data-dir")); err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().String("node-id", "", "node identity used by the sync layer")
	if err := viper.BindPFlag("node.id", rootCmd.PersistentFlags().Lookup("node-id")); err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if viper.GetBool("log.pretty") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
