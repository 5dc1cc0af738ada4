// Command gateway serves live vehicle updates to map clients. It normally
// subscribes to a running fetcher's push channel; with --file or --url it
// instead loads a single realtime feed at startup and serves that.
package main

import (
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/gateway"
	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
)

func main() {
	var cfg gateway.Config
	flag.StringVar(&cfg.FeedURL, "url", "", "load one realtime feed from this URL instead of a fetcher")
	flag.StringVar(&cfg.FeedFile, "file", "", "load one realtime feed from this file instead of a fetcher")
	flag.StringVar(&cfg.FetcherURL, "fetcher-url", "ws://localhost:8765",
		"fetcher push server URL")
	flag.StringVar(&cfg.Host, "host", "localhost", "listen host")
	flag.IntVar(&cfg.Port, "port", 5000, "listen port")
	flag.IntVar(&cfg.RatePerSecond, "rate-limit", 0,
		"HTTP requests per second per remote address, 0 to disable")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A one-shot feed source replaces the fetcher subscription.
	if cfg.FeedFile != "" || cfg.FeedURL != "" {
		cfg.FetcherURL = ""
	}

	g := gateway.New(cfg, clock.RealClock{}, logger, metrics.New())

	if cfg.FeedFile != "" || cfg.FeedURL != "" {
		raw, err := loadFeed(cfg)
		if err != nil {
			logging.LogError(logger, "error loading feed", err)
			os.Exit(1)
		}
		if err := g.LoadFeed(raw); err != nil {
			logging.LogError(logger, "error ingesting feed", err)
			os.Exit(1)
		}
	}

	if err := g.Start(); err != nil {
		logging.LogError(logger, "gateway startup failed", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	g.Shutdown()
}

func loadFeed(cfg gateway.Config) ([]byte, error) {
	if cfg.FeedFile != "" {
		return os.ReadFile(cfg.FeedFile)
	}
	resp, err := http.Get(cfg.FeedURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
