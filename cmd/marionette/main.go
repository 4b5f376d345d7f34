package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/store/memory"
	"github.com/go-go-golems/marionette/pkg/store/pebble"
	"github.com/go-go-golems/marionette/pkg/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "marionette",
	Short: "Branching dialog engine with streaming generation",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
		return nil
	},
}

func initConfig() {
	viper.SetConfigName("marionette")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.config/marionette")
	}
	viper.SetEnvPrefix("MARIONETTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("could not read config file")
		}
	}
}

// openBackend selects the persistence layer from config.
func openBackend() (dialog.Backend, func(), error) {
	switch viper.GetString("backend") {
	case "", "memory":
		return memory.NewBackend(), func() {}, nil
	case "sqlite":
		backend, err := sqlite.NewBackend(viper.GetString("db-path"))
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case "pebble":
		backend, err := pebble.NewBackend(viper.GetString("db-path"))
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", viper.GetString("backend"))
	}
}

func main() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "zerolog level (trace, debug, info, warn, error)")
	flags.String("backend", "memory", "dialog backend (memory, sqlite, pebble)")
	flags.String("db-path", "marionette.db", "database path for sqlite/pebble backends")
	flags.String("model", "gpt-4o-mini", "model to generate with")
	flags.String("api-key", "", "OpenAI API key (or MARIONETTE_API_KEY)")
	flags.String("base-url", "", "override the OpenAI API base URL")
	cobra.CheckErr(viper.BindPFlags(flags))

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newListCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
