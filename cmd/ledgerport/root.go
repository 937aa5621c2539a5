package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/logging"
)

// cli carries state shared by every subcommand once the root has loaded it.
type cli struct {
	envFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "ledgerport",
		Short:         "Resumable QuickBooks Online migration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	cmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newReportCmd(c))
	cmd.AddCommand(newFailuresCmd(c))
	cmd.AddCommand(newProgressCmd(c))
	cmd.AddCommand(newRequeueCmd(c))
	cmd.AddCommand(newResetCmd(c))
	cmd.AddCommand(newLoadCmd(c))
	cmd.AddCommand(newServeCmd(c))
	return cmd
}

// load reads .env (overwriting existing variables), loads and validates the
// configuration and sets up logging.
func (c *cli) load() error {
	if err := godotenv.Overload(c.envFile); err != nil {
		slog.Debug("no .env file found, using environment variables", "path", c.envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	c.cfg = cfg
	return nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
