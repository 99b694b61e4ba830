package main

import (
	"context"
	"fmt"
	"os"

	"forum-automod/bot"
	"forum-automod/config"
	"forum-automod/database"
	"forum-automod/handlers"
	"forum-automod/utils"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var RootCmd = &cobra.Command{
	Use:           "forum-automod",
	Short:         "Moderation and cleanup for Discord forum channels",
	RunE:          runCmdF,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and moderate registered forums",
	RunE:  runCmdF,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE:  migrateCmdF,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default ./config.yaml)")
	RootCmd.AddCommand(runCmd, migrateCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't load configuration")
	}
	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't build logger")
	}
	return cfg, logger, nil
}

func runCmdF(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	return errors.Wrap(bot.Run(cfg, logger, handlers.Register), "bot stopped with an error")
}

func migrateCmdF(command *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(context.Background(), cfg.Database.Path, logger)
	if err != nil {
		return errors.Wrapf(err, "can't migrate %s", cfg.Database.Path)
	}
	defer db.Close()
	fmt.Fprintf(command.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)
	return nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
