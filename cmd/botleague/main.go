// Command botleague runs the Botleague liaison: the service evaluators call
// back into, and the gate that decides whether problem changes may merge.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/logger"
)

var (
	configPath string
	logLevel   string
	backend    string

	// cfg is loaded before any subcommand runs.
	cfg       *config.Config
	logCloser logger.Closer

	rootCmd = &cobra.Command{
		Use:           "botleague",
		Short:         "Botleague liaison: evaluation coordination and problem CI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags := config.CLIFlags{ConfigPath: &configPath}
			if cmd.Flags().Changed("log-level") {
				flags.LogLevel = &logLevel
			}
			if cmd.Flags().Changed("backend") {
				flags.Backend = &backend
			}
			if cmd.Flags().Changed("port") {
				flags.Port = &servePort
			}
			loaded, path, err := config.LoadWithCLI(flags)
			if err != nil {
				return err
			}
			cfg = loaded

			var log *slog.Logger
			log, logCloser = logger.New(cfg.Logging)
			slog.SetDefault(log)
			slog.Debug("config loaded", "path", path, "backend", cfg.Store.Backend)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "record store backend (nats, postgres, badger)")

	rootCmd.AddCommand(serveCmd, migrateCmd, ledgerCmd, cohortCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}
