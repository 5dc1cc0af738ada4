package fetcher

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/feedtest"
	"zetlive.dev/internal/metrics"
	"zetlive.dev/internal/snapshot"
)

const testCalendar = "service_id,start_date,end_date\nSVC1,20250301,20251231\n"

func newTestFetcher(t *testing.T, cfg Config) (*Fetcher, *clock.MockClock) {
	t.Helper()
	cfg.Dir = t.TempDir()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	f, err := New(cfg, clk, slog.Default(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() {
		f.pushServer.Close()
		_ = f.store.Close()
	})
	f.shortDelay = 5 * time.Millisecond
	return f, clk
}

func subscribe(t *testing.T, f *Fetcher) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.PushAddr()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *snapshot.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := snapshot.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

func TestStoreRealtimePublishesValidSnapshot(t *testing.T) {
	f, _ := newTestFetcher(t, Config{})
	conn := subscribe(t, f)

	raw := feedtest.Feed(1717000000)
	isNew, err := f.storeRealtime(raw)
	require.NoError(t, err)
	assert.True(t, isNew)

	frame := readFrame(t, conn)
	assert.Equal(t, snapshot.KindRealtime, frame.Kind)
	payload, err := frame.Payload()
	require.NoError(t, err)
	assert.Equal(t, raw, payload)
}

func TestStoreRealtimeDeduplicatesIdenticalPayloads(t *testing.T) {
	f, _ := newTestFetcher(t, Config{})
	conn := subscribe(t, f)

	raw := feedtest.Feed(1717000000)
	isNew, err := f.storeRealtime(raw)
	require.NoError(t, err)
	assert.True(t, isNew)
	readFrame(t, conn)

	isNew, err = f.storeRealtime(raw)
	require.NoError(t, err)
	assert.False(t, isNew, "byte-identical payload is a dedup")

	// No frame was published for the dedup; the next frame on the wire is
	// the next new payload.
	next := feedtest.Feed(1717000060)
	isNew, err = f.storeRealtime(next)
	require.NoError(t, err)
	assert.True(t, isNew)

	frame := readFrame(t, conn)
	payload, err := frame.Payload()
	require.NoError(t, err)
	assert.Equal(t, next, payload)
}

func TestStoreRealtimeInvalidPayloadIsArchivedNotPublished(t *testing.T) {
	f, _ := newTestFetcher(t, Config{})
	conn := subscribe(t, f)

	isNew, err := f.storeRealtime([]byte("not a protobuf"))
	require.NoError(t, err)
	assert.True(t, isNew, "a changed payload is new even when it does not decode")

	// The only published frame is the valid snapshot that follows.
	valid := feedtest.Feed(1717000000)
	_, err = f.storeRealtime(valid)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	payload, err := frame.Payload()
	require.NoError(t, err)
	assert.Equal(t, valid, payload)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	f, _ := newTestFetcher(t, Config{})
	f.shortDelay = time.Second
	f.maxBackoff = 60 * time.Second

	assert.Equal(t, 2*time.Second, f.backoff(0), "zero delay backs off from the short delay")
	assert.Equal(t, 18*time.Second, f.backoff(9*time.Second))
	assert.Equal(t, 60*time.Second, f.backoff(40*time.Second))
	assert.Equal(t, 60*time.Second, f.backoff(60*time.Second))
}

func TestMaybeFetchStaticHonoursCadence(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(feedtest.StaticBundle(testCalendar, "", ""))
	}))
	t.Cleanup(upstream.Close)

	f, clk := newTestFetcher(t, Config{StaticURL: upstream.URL, StaticDT: time.Hour})

	fetched, err := f.maybeFetchStatic()
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.EqualValues(t, 1, hits.Load())

	fetched, err = f.maybeFetchStatic()
	require.NoError(t, err)
	assert.False(t, fetched, "cadence has not elapsed")
	assert.EqualValues(t, 1, hits.Load())

	clk.Advance(time.Hour + time.Second)
	fetched, err = f.maybeFetchStatic()
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.EqualValues(t, 2, hits.Load())
}

func TestMaybeFetchStaticNetworkErrorIsNotFatal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(upstream.Close)

	f, _ := newTestFetcher(t, Config{StaticURL: upstream.URL, StaticDT: time.Hour})

	fetched, err := f.maybeFetchStatic()
	require.NoError(t, err)
	assert.True(t, fetched)
}

func TestRunFetchesAndPublishesUntilShutdown(t *testing.T) {
	var serial atomic.Uint64
	realtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(feedtest.Feed(1717000000 + serial.Add(1)))
	}))
	t.Cleanup(realtime.Close)

	static := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(feedtest.StaticBundle(testCalendar, "", ""))
	}))
	t.Cleanup(static.Close)

	f, _ := newTestFetcher(t, Config{
		RealtimeURL: realtime.URL,
		StaticURL:   static.URL,
		RealtimeDT:  10 * time.Millisecond,
		StaticDT:    time.Hour,
	})
	conn := subscribe(t, f)

	done := make(chan error, 1)
	go func() { done <- f.Run() }()

	// The first loop iteration publishes a realtime frame and the first
	// static fetch; after that realtime frames keep coming. The subscriber
	// may see them replayed or live depending on when its registration
	// lands, so only the frame mix is asserted.
	kinds := make(map[string]int)
	for i := 0; i < 3; i++ {
		kinds[readFrame(t, conn).Kind]++
	}
	assert.Equal(t, 1, kinds[snapshot.KindStatic])
	assert.Equal(t, 2, kinds[snapshot.KindRealtime])

	f.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestFetchURLRejectsOversizedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	t.Cleanup(upstream.Close)

	f, _ := newTestFetcher(t, Config{})
	_, err := f.fetchURL(f.realtimeClient, upstream.URL, 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestFetchURLRejectsNon200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(upstream.Close)

	f, _ := newTestFetcher(t, Config{})
	_, err := f.fetchURL(f.realtimeClient, upstream.URL, 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusNotFound))
}
