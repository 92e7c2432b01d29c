package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/journal"
	_ "github.com/lucasew/disklru/journal/sqlitejournal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "disklru",
	Short: "A persistent LRU blob cache on local disk",
	Long: `disklru keeps blobs in a directory under a byte budget, evicting the least
recently used ones, and survives restarts through an append-only journal.

It runs as an HTTP cache and caching proxy (server), or operates on a cache
directory directly (get, put, stats). A directory must not be used by two
processes at once.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (YAML, TOML or JSON)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("cache-dir", "./cache", "Directory to store cached files")
	flags.String("max-cache-size", "1GiB", "Cache budget, e.g. 500MB or 2GiB")
	flags.String("journal", "file", "Journal backend ("+strings.Join(journal.Names(), ", ")+")")
	flags.Bool("no-sync", false, "Do not fsync the journal on every append")

	mustBindPFlag("log-level", flags.Lookup("log-level"))
	mustBindPFlag("cache-dir", flags.Lookup("cache-dir"))
	mustBindPFlag("max-cache-size", flags.Lookup("max-cache-size"))
	mustBindPFlag("journal", flags.Lookup("journal"))
	mustBindPFlag("no-sync", flags.Lookup("no-sync"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			errutil.ReportError(err, "Failed to read config file", "path", cfgFile)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("DISKLRU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q: %v", key, err))
	}
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// sizeFlag reads a human readable byte size from viper. Empty means zero.
func sizeFlag(key string) (int64, error) {
	s := strings.TrimSpace(viper.GetString(key))
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return int64(n), nil
}

// openCache opens the configured cache directory for a one-shot command.
func openCache() (*disklru.Cache, error) {
	maxBytes, err := sizeFlag("max-cache-size")
	if err != nil {
		return nil, err
	}
	dir := viper.GetString("cache-dir")
	j, err := journal.Open(viper.GetString("journal"), journal.Config{Dir: dir, NoSync: viper.GetBool("no-sync")})
	if err != nil {
		return nil, err
	}
	c, err := disklru.New(dir, j, maxBytes)
	if err != nil {
		errutil.LogMsg(j.Close(), "Failed to close journal")
		return nil, err
	}
	return c, nil
}
