// Package cmd implements the CLI commands for hlsvault.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/hlsvault/internal/config"
	"github.com/jmylchreest/hlsvault/internal/observability"
	"github.com/jmylchreest/hlsvault/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hlsvault",
	Short:   "HLS-to-local-file download engine for media servers",
	Version: version.Short(),
	Long: `hlsvault is a service that downloads HLS streams to local fragmented MP4
files for media servers like Plex, Jellyfin, and Emby.

It fetches media playlists and segments over HTTP, remuxes the result with
ffmpeg into a faststart-ready file, and serves the finished download back
over HTTP Range requests. Downloads are queued, retried, and retained
according to configurable policy.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hlsvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Bind flags to viper
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Set default configuration values before reading config file
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".hlsvault" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hlsvault")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hlsvault")
	}

	// Environment variables
	viper.SetEnvPrefix("HLSVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog logger based on configuration, using the
// observability package so sensitive fields (passwords, tokens, API keys)
// in URLs and log attributes are redacted before anything is written.
func initLogging() error {
	level := strings.ToLower(viper.GetString("log.level"))
	if level == "warning" {
		level = "warn"
	}

	logCfg := config.LoggingConfig{
		Level:  level,
		Format: strings.ToLower(viper.GetString("log.format")),
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// This helper ensures lint-compliant error handling for viper.BindPFlag.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
