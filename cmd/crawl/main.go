// Command crawl runs a single source crawl outside the queue and prints the
// result as JSON. It is meant for checking an adapter against a live site.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/seed-scraper/internal/adapters"
	"github.com/maltedev/seed-scraper/internal/browser"
	"github.com/maltedev/seed-scraper/internal/config"
	"github.com/maltedev/seed-scraper/internal/crawl"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/ratepolicy"
	"github.com/maltedev/seed-scraper/internal/storage"
)

func main() {
	var (
		adapterName = flag.String("adapter", "", "Adapter name (see -list)")
		sourceURL   = flag.String("url", "", "Listing URL to crawl")
		startPage   = flag.Int("start", 0, "First page (test mode when set with -end)")
		endPage     = flag.Int("end", 0, "Last page")
		maxPages    = flag.Int("max", 0, "Hard page cap (0 = engine default)")
		fullSite    = flag.Bool("full", false, "Follow every listing page the site advertises")
		outFile     = flag.String("out", "", "Merge products into this JSON snapshot file")
		useBrowser  = flag.Bool("browser", false, "Allow the headless browser for adapters that need it")
		list        = flag.Bool("list", false, "List adapters and exit")
	)
	flag.Parse()

	registry := adapters.DefaultRegistry()
	if *list {
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return
	}

	if *adapterName == "" || *sourceURL == "" {
		fmt.Fprintln(os.Stderr, "Please provide -adapter and -url")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := registry.Get(*adapterName)
	if err != nil {
		logger.Error("unknown adapter", "adapter", *adapterName, "error", err)
		os.Exit(1)
	}

	var engineOpts []crawl.Option
	if *useBrowser && adapters.RequiresBrowser(adapter) {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Crawl.Headless
		opts.UserAgent = cfg.Crawl.UserAgent
		b, err := browser.New(opts, logger)
		if err != nil {
			logger.Error("failed to initialize browser", "error", err)
			os.Exit(1)
		}
		defer b.Close()
		engineOpts = append(engineOpts, crawl.WithBrowser(b))
	}

	resolver := ratepolicy.NewResolver(nil, ratepolicy.Config{
		UserAgent:  cfg.Crawl.UserAgent,
		MinDelay:   cfg.Crawl.MinDelay,
		MaxDelay:   cfg.Crawl.MaxDelay,
		DefaultRPM: cfg.Crawl.DefaultRPM,
	}, logger)
	engine := crawl.New(resolver,
		crawl.NewHTTPFetcher(&http.Client{Timeout: cfg.Crawl.RequestTimeout}, cfg.Crawl.UserAgent),
		crawl.Config{
			RequestTimeout:   cfg.Crawl.RequestTimeout,
			MaxRetries:       cfg.Crawl.MaxRetries,
			RateLimitBackoff: cfg.Crawl.RateLimitBackoff,
			MaxPages:         *maxPages,
		}, logger, engineOpts...)

	opts := crawl.Options{
		Mode:          models.ModeManual,
		FullSiteCrawl: *fullSite,
		OnProgress: func(p crawl.Progress) {
			logger.Info("progress", "percent", p.Percent, "pages", p.PagesVisited, "products", p.Products)
		},
	}
	if *startPage > 0 && *endPage >= *startPage {
		opts.Mode = models.ModeTest
		opts.StartPage = *startPage
		opts.EndPage = *endPage
	}

	source := models.ScrapingSource{
		Name:        adapter.Name(),
		URL:         *sourceURL,
		AdapterName: adapter.Name(),
	}
	result, err := engine.Run(ctx, adapter, source, opts)
	if err != nil {
		logger.Error("crawl failed", "error", err)
		os.Exit(1)
	}

	if *outFile != "" {
		snapshot, err := storage.Open(*outFile)
		if err != nil {
			logger.Error("failed to open snapshot", "error", err)
			os.Exit(1)
		}
		added, err := snapshot.Merge(result.Products)
		if err != nil {
			logger.Error("failed to write snapshot", "error", err)
			os.Exit(1)
		}
		logger.Info("snapshot updated", "file", *outFile, "new", added, "total", snapshot.Len())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
}
