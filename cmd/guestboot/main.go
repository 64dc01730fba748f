// Command guestboot prepares x86 Linux boot state for a guest and inspects
// its legacy I/O port layout.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tinyrange/guestboot/internal/config"
)

const (
	flagLogLevel = "log-level"
	flagConfig   = "config"
)

var rootCmd = &cobra.Command{
	Use:               "guestboot",
	Short:             "x86 guest boot structure builder",
	Long:              "guestboot builds the zero page, E820 map, command line and initial vCPU state for an x86 Linux guest",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var logger *slog.Logger

func setup(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString(flagLogLevel))); err != nil {
		return fmt.Errorf("parse %s: %w", flagLogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	logger = logger.With("command", cmd.Name())
	slog.SetDefault(logger)
	return nil
}

// loadProfile reads the profile named by --config, or returns the default
// profile when none was given.
func loadProfile() (config.Profile, error) {
	path := viper.GetString(flagConfig)
	if path == "" {
		logger.Debug("guestboot: using default profile")
		return config.Default(), nil
	}
	p, err := config.Load(path)
	if err != nil {
		return config.Profile{}, err
	}
	logger.Debug("guestboot: loaded profile", "path", path, "regions", len(p.Memory.Regions))
	return p, nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("guestboot")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warn, info, debug)")
	pf.StringP(flagConfig, "c", "", "boot profile (default: built-in profile)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "guestboot: %v\n", err)
		os.Exit(1)
	}
}
