// Package gateway implements the client-facing service: it subscribes to the
// fetcher's push channel, maintains the vehicle world model, pre-encodes both
// wire versions after every update, fans them out to connected map clients,
// and serves keyed static shape bundles over HTTP.
package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
	"zetlive.dev/internal/snapshot"
	"zetlive.dev/internal/staticidx"
	"zetlive.dev/internal/wire"
	"zetlive.dev/internal/worldmodel"
)

// maxFrameBytes caps a single push frame from the fetcher. A gzipped static
// bundle dominates frame size; 50 MiB leaves generous headroom.
const maxFrameBytes = 50 * 1024 * 1024

// Config holds the gateway's runtime configuration. Exactly one feed source
// applies: FetcherURL for the live push channel, or FeedURL/FeedFile for a
// single feed loaded at startup.
type Config struct {
	FetcherURL string
	FeedURL    string
	FeedFile   string
	Host       string
	Port       int
	// RatePerSecond limits HTTP requests per remote address; 0 disables.
	RatePerSecond int
}

// Gateway is the client-facing service. Construct with New, bind with Start.
type Gateway struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	state   *worldmodel.State
	statics *staticidx.History

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	latestMu sync.RWMutex
	latestV0 []byte
	latestV1 []byte

	httpServer *http.Server
	listener   net.Listener

	fetcherConnMu sync.Mutex
	fetcherConn   io.Closer

	shutdown     chan struct{}
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// New creates a gateway with an empty world model.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		config:   cfg,
		clock:    clk,
		logger:   logger.With(slog.String("component", "gateway")),
		metrics:  m,
		state:    worldmodel.NewState(),
		statics:  &staticidx.History{},
		clients:  make(map[*client]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start binds the HTTP server and, when a fetcher URL is configured, starts
// the subscriber goroutine. Bind failures are startup errors.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.config.Host, g.config.Port))
	if err != nil {
		return fmt.Errorf("binding gateway server: %w", err)
	}
	g.listener = listener

	g.httpServer = &http.Server{
		Handler:      g.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g.workers.Add(1)
	go func() {
		defer g.workers.Done()
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.LogError(g.logger, "gateway server stopped", err)
		}
	}()

	if g.config.FetcherURL != "" {
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			g.runFetcherClient()
		}()
	}

	logging.LogOperation(g.logger, "gateway_started",
		slog.String("addr", listener.Addr().String()),
		slog.String("fetcher_url", g.config.FetcherURL))
	return nil
}

// Addr returns the bound HTTP address, valid after Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown stops the subscriber, closes the HTTP server, and disconnects all
// map clients. Safe to call more than once.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		logging.LogOperation(g.logger, "shutting_down_gateway")
		close(g.shutdown)
		if g.httpServer != nil {
			_ = g.httpServer.Close()
		}

		g.fetcherConnMu.Lock()
		if g.fetcherConn != nil {
			_ = g.fetcherConn.Close()
		}
		g.fetcherConnMu.Unlock()

		g.clientsMu.Lock()
		for c := range g.clients {
			_ = c.conn.Close()
			delete(g.clients, c)
		}
		g.clientsMu.Unlock()
		g.metrics.ConnectedClients.Set(0)
	})
	g.workers.Wait()
}

// LoadFeed ingests one raw realtime payload, for --file and --url startup
// modes where no fetcher connection exists.
func (g *Gateway) LoadFeed(raw []byte) error {
	feed, err := worldmodel.ParseFeed(raw, g.logger)
	if err != nil {
		return err
	}
	g.applyFeed(feed)
	return nil
}

// dispatchFrame routes one push frame by kind.
func (g *Gateway) dispatchFrame(data []byte) {
	frame, err := snapshot.DecodeFrame(data)
	if err != nil {
		logging.LogError(g.logger, "error decoding push frame", err)
		return
	}
	payload, err := frame.Payload()
	if err != nil {
		logging.LogError(g.logger, "error decompressing push frame", err,
			slog.String("kind", frame.Kind))
		return
	}

	switch frame.Kind {
	case snapshot.KindRealtime:
		g.handleRealtimePayload(payload)
	case snapshot.KindStatic:
		g.handleStaticPayload(payload)
	default:
		g.logger.Warn("ignoring push frame of unknown kind", slog.String("kind", frame.Kind))
	}
}

func (g *Gateway) handleRealtimePayload(payload []byte) {
	feed, err := worldmodel.ParseFeed(payload, g.logger)
	if err != nil {
		logging.LogError(g.logger, "error parsing realtime payload", err)
		g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindRealtime, "error").Inc()
		return
	}
	g.applyFeed(feed)
}

// applyFeed runs the world model update, pre-encodes both wire versions, and
// broadcasts them.
func (g *Gateway) applyFeed(feed *worldmodel.FeedUpdate) {
	var resolver worldmodel.ShapeResolver
	var staticKey string
	if latest := g.statics.Latest(); latest != nil {
		resolver = latest.Index
		staticKey = latest.Key
	}

	g.state.Update(feed, resolver, staticKey)
	snap := g.state.Snapshot()

	v0, err := wire.EncodeV0(snap)
	if err != nil {
		logging.LogError(g.logger, "error encoding v0 update", err)
		g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindRealtime, "error").Inc()
		return
	}
	v1, err := wire.EncodeV1(snap)
	if err != nil {
		logging.LogError(g.logger, "error encoding v1 update", err)
		g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindRealtime, "error").Inc()
		return
	}

	g.latestMu.Lock()
	g.latestV0 = v0
	g.latestV1 = v1
	g.latestMu.Unlock()

	clientCount, sendDuration := g.broadcast(v0, v1)
	g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindRealtime, "ok").Inc()

	g.logger.Info("world model updated",
		slog.Int("vehicles", len(snap.Vehicles)),
		slog.Int("clients", clientCount),
		slog.Float64("send_ms", float64(sendDuration.Nanoseconds())/1e6),
		slog.Int("v0_bytes", len(v0)),
		slog.Int("v1_bytes", len(v1)))
}

func (g *Gateway) handleStaticPayload(payload []byte) {
	idx, err := staticidx.Parse(payload, g.logger)
	if err != nil {
		logging.LogError(g.logger, "error parsing static payload", err)
		g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindStatic, "error").Inc()
		return
	}
	record, err := staticidx.NewRecord(idx, g.clock.Now())
	if err != nil {
		logging.LogError(g.logger, "error encoding static bundle", err)
		g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindStatic, "error").Inc()
		return
	}

	g.statics.Append(record)
	g.metrics.StaticSnapshotsHeld.Set(float64(g.statics.Len()))
	g.metrics.FeedUpdatesTotal.WithLabelValues(snapshot.KindStatic, "ok").Inc()

	logging.LogOperation(g.logger, "static_snapshot_ingested",
		slog.String("key", record.Key),
		slog.Int("trips", len(idx.TripToShape)),
		slog.Int("shapes", len(idx.Shapes)),
		slog.Int("bundle_bytes", len(record.BundleJSON)))
}

// latestPair returns the most recent encoded updates, or nil slices before
// the first feed.
func (g *Gateway) latestPair() (v0, v1 []byte) {
	g.latestMu.RLock()
	defer g.latestMu.RUnlock()
	return g.latestV0, g.latestV1
}

// broadcast sends the version-appropriate update to every connected client
// in a single pass. Failed clients are pruned after the pass; the wall-clock
// send duration is recorded.
func (g *Gateway) broadcast(v0, v1 []byte) (int, time.Duration) {
	g.clientsMu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		targets = append(targets, c)
	}
	g.clientsMu.Unlock()

	start := time.Now()
	var failed []*client
	for _, c := range targets {
		payload := v0
		if c.version == wireVersion1 {
			payload = v1
		}
		if err := c.send(payload); err != nil {
			logging.LogError(g.logger, "send to map client failed", err,
				slog.String("remote_addr", c.conn.RemoteAddr().String()))
			failed = append(failed, c)
		}
	}
	sendDuration := time.Since(start)

	for _, c := range failed {
		g.removeClient(c)
	}

	g.metrics.BroadcastsTotal.Inc()
	g.metrics.BroadcastDuration.Observe(sendDuration.Seconds())
	return len(targets), sendDuration
}

// sleepInterruptible waits for the delay or until shutdown.
func (g *Gateway) sleepInterruptible(delay time.Duration) {
	select {
	case <-g.shutdown:
	case <-time.After(delay):
	}
}

func (g *Gateway) stopped() bool {
	select {
	case <-g.shutdown:
		return true
	default:
		return false
	}
}
