package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/config"
	"github.com/elpendex123/ec2-creator-local/internal/logging"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "provisiond",
	Short: "Provision and track compute instances across backends",
	Long: `provisiond creates, starts, stops and destroys compute instances through
pluggable backends (aws CLI scripts, terraform, docker, an in-process
simulator) and keeps a local record of every instance it manages.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver (badger or sqlite)")
	rootCmd.PersistentFlags().String("store-path", "", "store location")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = v.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store-path"))

	rootCmd.AddCommand(serveCmd, migrateCmd, orphansCmd)
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
