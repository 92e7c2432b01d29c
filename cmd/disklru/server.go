package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/disklru/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the HTTP cache and caching proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxCacheSize, err := sizeFlag("max-cache-size")
		if err != nil {
			return err
		}
		softCacheSize, err := sizeFlag("soft-cache-size")
		if err != nil {
			return err
		}
		minFreeSpace, err := sizeFlag("min-free-space")
		if err != nil {
			return err
		}

		cfg := app.Config{
			Port:             viper.GetInt("port"),
			CacheDir:         viper.GetString("cache-dir"),
			MaxCacheSize:     maxCacheSize,
			SoftCacheSize:    softCacheSize,
			MinFreeSpace:     minFreeSpace,
			EvictionInterval: viper.GetDuration("eviction-interval"),
			Journal:          viper.GetString("journal"),
			NoSync:           viper.GetBool("no-sync"),
			Upstreams:        viper.GetStringSlice("upstream"),
			ProxyRules:       viper.GetStringSlice("proxy-rule"),
			FetchTimeout:     viper.GetDuration("fetch-timeout"),
			CaCertPath:       viper.GetString("ca-cert"),
			CaKeyPath:        viper.GetString("ca-key"),
			CaCertContent:    viper.GetString("ca-cert-content"),
			CaKeyContent:     viper.GetString("ca-key-content"),
		}

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.Flags()
	flags.Int("port", 8080, "Port to run the server on")
	flags.String("soft-cache-size", "", "Size the background eviction trims to, below max-cache-size")
	flags.String("min-free-space", "", "Min free disk space to keep on the cache volume, e.g. 5GiB")
	flags.Duration("eviction-interval", time.Minute, "Interval to check for evictions")
	flags.StringSlice("upstream", []string{}, "Upstream disklru servers")
	flags.StringSlice("proxy-rule", []string{}, "Regex of proxied GET URLs to cache; a (?P<key>...) group names the key")
	flags.Duration("fetch-timeout", 0, "Timeout for upstream and origin requests (0 = none)")
	flags.String("ca-cert", "", "CA certificate file for HTTPS interception")
	flags.String("ca-key", "", "CA private key file for HTTPS interception")
	flags.String("ca-cert-content", "", "CA certificate PEM content")
	flags.String("ca-key-content", "", "CA private key PEM content")

	for _, name := range []string{
		"port", "soft-cache-size", "min-free-space", "eviction-interval", "upstream",
		"proxy-rule", "fetch-timeout", "ca-cert", "ca-key", "ca-cert-content", "ca-key-content",
	} {
		mustBindPFlag(name, flags.Lookup(name))
	}
}
