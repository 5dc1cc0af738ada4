// Command fetcher mirrors a transit agency's GTFS feeds: it polls the
// realtime and static endpoints, archives every snapshot to a rotating SQLite
// file, and republishes valid snapshots over a loopback WebSocket push
// channel for the gateway.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/fetcher"
	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
)

func main() {
	var cfg fetcher.Config
	flag.StringVar(&cfg.RealtimeURL, "realtime-url", "https://www.zet.hr/gtfs-rt-protobuf",
		"upstream GTFS realtime feed URL")
	flag.StringVar(&cfg.StaticURL, "static-url", "https://www.zet.hr/gtfs-scheduled/latest",
		"upstream GTFS static feed URL")
	flag.DurationVar(&cfg.RealtimeDT, "realtime-dt", 10*time.Second,
		"target realtime polling cadence")
	flag.DurationVar(&cfg.StaticDT, "static-dt", time.Hour,
		"target static polling cadence")
	flag.StringVar(&cfg.Dir, "dir", ".", "directory for archive files")
	flag.IntVar(&cfg.WSPort, "ws-port", 8765, "loopback push server port")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	f, err := fetcher.New(cfg, clock.RealClock{}, logger, metrics.New())
	if err != nil {
		logging.LogError(logger, "fetcher startup failed", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		f.Shutdown()
	}()

	if err := f.Run(); err != nil {
		logging.LogError(logger, "fetcher failed", err)
		os.Exit(1)
	}
}
