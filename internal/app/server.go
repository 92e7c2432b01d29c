package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/internal/eviction"
	"github.com/lucasew/disklru/internal/eviction/policy"
	"github.com/lucasew/disklru/internal/eviction/policy/maxsize"
	"github.com/lucasew/disklru/internal/eviction/policy/minfree"
	"github.com/lucasew/disklru/internal/fetcher"
	"github.com/lucasew/disklru/internal/handler"
	"github.com/lucasew/disklru/internal/httpclient"
	"github.com/lucasew/disklru/internal/proxy"
	"github.com/lucasew/disklru/internal/repository"
	"github.com/lucasew/disklru/journal"
	_ "github.com/lucasew/disklru/journal/sqlitejournal"
)

type Config struct {
	Port     int
	CacheDir string
	// MaxCacheSize is the hard budget enforced on every write.
	MaxCacheSize int64
	// SoftCacheSize, when set, is a lower target the eviction manager trims to.
	SoftCacheSize    int64
	MinFreeSpace     int64
	EvictionInterval time.Duration
	Journal          string
	NoSync           bool
	Upstreams        []string
	ProxyRules       []string
	FetchTimeout     time.Duration
	CaCertPath       string
	CaKeyPath        string
	CaCertContent    string
	CaKeyContent     string
}

// DefaultProxyRule caches URLs carrying a sha256 digest in their path, verified.
var DefaultProxyRule = proxy.NewRegexRule(regexp.MustCompile(`sha256/(?P<hash>[a-f0-9]{64})`), "sha256")

func NewServer(cfg Config) (*http.Server, func(), error) {
	j, err := journal.Open(cfg.Journal, journal.Config{Dir: cfg.CacheDir, NoSync: cfg.NoSync})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	cache, err := disklru.New(cfg.CacheDir, j, cfg.MaxCacheSize)
	if err != nil {
		errutil.LogMsg(j.Close(), "Failed to close journal")
		return nil, nil, err
	}

	rules := []proxy.Rule{DefaultProxyRule}
	for _, expr := range cfg.ProxyRules {
		re, err := regexp.Compile(expr)
		if err != nil {
			errutil.LogMsg(cache.Close(), "Failed to close cache")
			return nil, nil, fmt.Errorf("invalid proxy rule %q: %w", expr, err)
		}
		rules = append(rules, proxy.NewRegexRule(re, ""))
	}

	caCert, err := proxy.LoadCA(cfg.CaCertContent, cfg.CaKeyContent, cfg.CaCertPath, cfg.CaKeyPath)
	if err != nil {
		errutil.LogMsg(cache.Close(), "Failed to close cache")
		return nil, nil, err
	}

	var policies []policy.Policy
	if cfg.SoftCacheSize > 0 {
		slog.Info("Adding MaxCacheSize policy", "max_size", humanize.IBytes(uint64(cfg.SoftCacheSize)))
		policies = append(policies, &maxsize.Policy{TargetBytes: cfg.SoftCacheSize})
	}
	if cfg.MinFreeSpace > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", humanize.IBytes(uint64(cfg.MinFreeSpace)))
		policies = append(policies, &minfree.Policy{
			Path:         cfg.CacheDir,
			MinFreeBytes: cfg.MinFreeSpace,
		})
	}
	if len(policies) == 0 {
		slog.Info("No eviction policies configured, relying on the cache budget")
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := eviction.NewManager(cache, policies, cfg.EvictionInterval)
	go mgr.Start(ctx)

	client := httpclient.NewClient(caCert, cfg.FetchTimeout)

	localRepo := repository.NewLocalRepository(cache)
	var upstreamRepos []*repository.UpstreamRepository
	for _, u := range cfg.Upstreams {
		upstreamRepos = append(upstreamRepos, repository.NewUpstreamRepository(u, client))
	}

	fetchService := fetcher.NewService(client, upstreamRepos)
	cacheHandler := handler.NewCacheHandler(localRepo, fetchService)

	proxyServer := proxy.NewServer(localRepo, fetchService, rules, cacheHandler, caCert)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting server (Proxy + Cache)",
		"addr", addr,
		"cache_dir", cfg.CacheDir,
		"journal", cfg.Journal,
		"max_size", humanize.IBytes(uint64(cfg.MaxCacheSize)),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 30 * time.Second,
	}

	cleanup := func() {
		cancel()
		errutil.ReportError(cache.Close(), "Failed to close cache")
	}

	return server, cleanup, nil
}
