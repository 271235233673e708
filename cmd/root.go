// Package cmd contains the CLI setup and commands exposed to the user
package cmd

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"qqchat/config"
)

var (
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "qqchat",
	Short:         "Multi-user chat server with friends, groups and image transfer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		v, err := config.New(configFile)
		if err != nil {
			return err
		}
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logger = cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/qqchat/qqchat.toml)")
}
