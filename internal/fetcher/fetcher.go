// Package fetcher implements the polling service that mirrors a transit
// agency's GTFS feeds. It polls the realtime and static endpoints on
// independent cadences, deduplicates identical payloads, appends every
// observation to the rotating archive, and fans valid snapshots out over the
// loopback push channel.
package fetcher

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"zetlive.dev/internal/archive"
	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
	"zetlive.dev/internal/push"
	"zetlive.dev/internal/snapshot"
)

const (
	// TopicStatic and TopicRealtime name the push channel topics. Static
	// precedes realtime in the replay order so a fresh subscriber holds the
	// schedule before the first live frame arrives.
	TopicStatic   = "static-snapshot"
	TopicRealtime = "realtime-snapshot"

	// RealtimeHistory and StaticHistory bound the per-topic replay windows.
	RealtimeHistory = 10
	StaticHistory   = 3

	maxRealtimeBody = 25 * 1024 * 1024
	maxStaticBody   = 200 * 1024 * 1024
)

// Config holds the fetcher's runtime configuration.
type Config struct {
	RealtimeURL string
	StaticURL   string
	// RealtimeDT is the target realtime polling cadence.
	RealtimeDT time.Duration
	// StaticDT is the target static polling cadence.
	StaticDT time.Duration
	// Dir is the directory holding the archive files.
	Dir string
	// WSPort is the loopback push server port.
	WSPort int
}

// Fetcher is the polling service. Construct with New, run with Run.
type Fetcher struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	realtimeClient *http.Client
	staticClient   *http.Client

	pushServer *push.Server
	store      *archive.Store

	currentRealtime *snapshot.Realtime
	currentStatic   *snapshot.Static
	lastStaticFetch time.Time

	// Pacing knobs, overridable in tests.
	shortDelay time.Duration
	maxBackoff time.Duration

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New opens the archive and binds the push server. A bind or archive
// failure here is a startup error; the process should exit non-zero.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Fetcher, error) {
	logger = logger.With(slog.String("component", "fetcher"))

	store, err := archive.Open(cfg.Dir, clk, logger, m)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	pushServer := push.New([]string{TopicStatic, TopicRealtime}, logger, m)
	if err := pushServer.Start(cfg.WSPort); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Fetcher{
		config:         cfg,
		clock:          clk,
		logger:         logger,
		metrics:        m,
		realtimeClient: newFeedClient(10 * time.Second),
		staticClient:   newFeedClient(5 * time.Minute),
		pushServer:     pushServer,
		store:          store,
		shortDelay:     time.Second,
		maxBackoff:     60 * time.Second,
		shutdown:       make(chan struct{}),
	}, nil
}

// newFeedClient builds an HTTP client with explicit timeouts and transport
// limits instead of relying on http.DefaultClient.
func newFeedClient(timeout time.Duration) *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// PushAddr returns the bound push server address.
func (f *Fetcher) PushAddr() string {
	return f.pushServer.Addr()
}

// Shutdown asks the control loop to stop at the next check. Safe to call
// from a signal handler goroutine and safe to call more than once.
func (f *Fetcher) Shutdown() {
	f.shutdownOnce.Do(func() {
		logging.LogOperation(f.logger, "shutting_down_fetcher")
		close(f.shutdown)
	})
}

// Run executes the control loop until Shutdown. It returns a non-nil error
// only for unrecoverable failures (archive writes); network and decode
// problems are logged and retried.
func (f *Fetcher) Run() error {
	logging.LogOperation(f.logger, "fetcher_started",
		slog.String("realtime_url", f.config.RealtimeURL),
		slog.String("static_url", f.config.StaticURL))

	defer func() {
		if err := f.store.Close(); err != nil {
			logging.LogError(f.logger, "error closing archive", err)
		}
	}()
	defer f.pushServer.Close()

	longDelay := f.config.RealtimeDT - time.Second
	if longDelay < f.shortDelay {
		longDelay = f.shortDelay
	}
	delay := f.shortDelay

	for !f.stopped() {
		data, err := f.fetchURL(f.realtimeClient, f.config.RealtimeURL, maxRealtimeBody)
		if err != nil {
			logging.LogError(f.logger, "error fetching realtime feed", err)
			f.metrics.FetchesTotal.WithLabelValues(snapshot.KindRealtime, "error").Inc()
			delay = f.backoff(delay)
			f.sleep(delay)
			continue
		}
		f.metrics.FetchesTotal.WithLabelValues(snapshot.KindRealtime, "ok").Inc()

		isNew, err := f.storeRealtime(data)
		if err != nil {
			return err
		}
		if isNew {
			delay = longDelay
		} else {
			delay = f.shortDelay
		}

		fetched, err := f.maybeFetchStatic()
		if err != nil {
			return err
		}
		if fetched {
			// The static download can take seconds; poll realtime again
			// immediately so the cost stays hidden.
			delay = 0
		}

		f.sleep(delay)
	}
	return nil
}

func (f *Fetcher) stopped() bool {
	select {
	case <-f.shutdown:
		return true
	default:
		return false
	}
}

// backoff doubles the delay up to the cap, starting from at least the short
// delay so a zero delay cannot wedge the loop into a busy retry.
func (f *Fetcher) backoff(delay time.Duration) time.Duration {
	if delay < f.shortDelay {
		delay = f.shortDelay
	}
	delay *= 2
	if delay > f.maxBackoff {
		delay = f.maxBackoff
	}
	return delay
}

func (f *Fetcher) fetchURL(client *http.Client, url string, maxBody int64) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, f.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("response from %s exceeds size limit of %d bytes", url, maxBody)
	}
	return body, nil
}

// storeRealtime archives the payload and publishes it when it is new and
// valid. It reports whether the payload differed from the previous one.
func (f *Fetcher) storeRealtime(raw []byte) (bool, error) {
	fetchedAt := f.clock.Now()

	if f.currentRealtime != nil && bytes.Equal(raw, f.currentRealtime.RawData) {
		dedupRow := &snapshot.Realtime{
			FetchedAt:  fetchedAt,
			SnapshotAt: f.currentRealtime.SnapshotAt,
		}
		if err := f.store.AppendRealtime(dedupRow, true); err != nil {
			return false, err
		}
		f.logger.Info("fetched realtime snapshot (same as previous)",
			slog.Time("snapshot_at", time.Unix(f.currentRealtime.SnapshotAt, 0)),
			slog.Time("fetched_at", fetchedAt))
		return false, nil
	}

	snap := snapshot.ProcessRealtime(raw, fetchedAt, f.logger)
	f.currentRealtime = snap

	if snap.IsValid() {
		f.publishRealtime(snap)
	}
	if err := f.store.AppendRealtime(snap, false); err != nil {
		return false, err
	}

	f.logger.Info("fetched realtime snapshot",
		slog.Time("snapshot_at", time.Unix(snap.SnapshotAt, 0)),
		slog.Time("fetched_at", fetchedAt),
		slog.Int("len", len(raw)),
		slog.Int("gzipped_len", len(snap.GzippedData)),
		slog.Bool("valid", snap.IsValid()))
	return true, nil
}

// storeStatic mirrors storeRealtime for the static bundle.
func (f *Fetcher) storeStatic(raw []byte) error {
	fetchedAt := f.clock.Now()

	if f.currentStatic != nil && bytes.Equal(raw, f.currentStatic.RawData) {
		dedupRow := &snapshot.Static{
			FetchedAt:    fetchedAt,
			CalendarDate: f.currentStatic.CalendarDate,
		}
		if err := f.store.AppendStatic(dedupRow, true); err != nil {
			return err
		}
		f.logger.Info("fetched static snapshot (same as previous)",
			slog.Time("calendar_date", f.currentStatic.CalendarDate),
			slog.Time("fetched_at", fetchedAt))
		return nil
	}

	snap := snapshot.ProcessStatic(raw, fetchedAt, f.logger)
	f.currentStatic = snap

	if snap.IsValid() {
		f.publishStatic(snap)
	}
	if err := f.store.AppendStatic(snap, false); err != nil {
		return err
	}

	f.logger.Info("fetched static snapshot",
		slog.Time("calendar_date", snap.CalendarDate),
		slog.Time("fetched_at", fetchedAt),
		slog.Int("len", len(raw)),
		slog.Int("gzipped_len", len(snap.GzippedData)),
		slog.Bool("valid", snap.IsValid()))
	return nil
}

func (f *Fetcher) publishRealtime(snap *snapshot.Realtime) {
	frame, err := snap.Frame()
	if err != nil {
		logging.LogError(f.logger, "error encoding realtime frame", err)
		return
	}
	if err := f.pushServer.Publish(TopicRealtime, frame, RealtimeHistory); err != nil {
		logging.LogError(f.logger, "error publishing realtime frame", err)
	}
}

func (f *Fetcher) publishStatic(snap *snapshot.Static) {
	frame, err := snap.Frame()
	if err != nil {
		logging.LogError(f.logger, "error encoding static frame", err)
		return
	}
	if err := f.pushServer.Publish(TopicStatic, frame, StaticHistory); err != nil {
		logging.LogError(f.logger, "error publishing static frame", err)
	}
}

// maybeFetchStatic fetches the static bundle when the cadence has elapsed.
// It reports whether a fetch was attempted; the returned error is non-nil
// only for archive failures.
func (f *Fetcher) maybeFetchStatic() (bool, error) {
	now := f.clock.Now()
	if !f.lastStaticFetch.IsZero() && now.Sub(f.lastStaticFetch) <= f.config.StaticDT {
		return false, nil
	}
	f.lastStaticFetch = now

	data, err := f.fetchURL(f.staticClient, f.config.StaticURL, maxStaticBody)
	if err != nil {
		logging.LogError(f.logger, "error fetching static feed", err)
		f.metrics.FetchesTotal.WithLabelValues(snapshot.KindStatic, "error").Inc()
		return true, nil
	}
	f.metrics.FetchesTotal.WithLabelValues(snapshot.KindStatic, "ok").Inc()

	return true, f.storeStatic(data)
}

// sleep waits for the delay in one-second steps, checking the shutdown flag
// between steps.
func (f *Fetcher) sleep(delay time.Duration) {
	for delay >= time.Second {
		select {
		case <-f.shutdown:
			return
		case <-time.After(time.Second):
		}
		delay -= time.Second
	}
	if delay > 0 {
		select {
		case <-f.shutdown:
		case <-time.After(delay):
		}
	}
}
