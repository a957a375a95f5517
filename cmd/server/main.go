package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"guardianrails/internal/config"
)

const programName = "guardianrails"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if globalFlags.debug {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("program", programName).
		Logger()
}

func configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Service.HMACSecret != "" {
				redacted.Service.HMACSecret = "<redacted>"
			}
			if redacted.Chain.PrivateKey != "" {
				redacted.Chain.PrivateKey = "<redacted>"
			}
			if redacted.Store.PostgresDSN != "" {
				redacted.Store.PostgresDSN = "<redacted>"
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Guardian relationship API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(configCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
