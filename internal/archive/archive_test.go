package archive

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/metrics"
	"zetlive.dev/internal/snapshot"
)

func testStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	store, err := Open(t.TempDir(), clk, slog.Default(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func realtimeSnap(raw string, snapshotAt int64) *snapshot.Realtime {
	return &snapshot.Realtime{
		RawData:     []byte(raw),
		GzippedData: snapshot.GzipBytes([]byte(raw)),
		FetchedAt:   time.Date(2025, 6, 1, 10, 30, 1, 0, time.UTC),
		SnapshotAt:  snapshotAt,
	}
}

func countRows(t *testing.T, path, table string) (total int, withPayload int) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&total))
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM "+table+" WHERE length(gzipped_data) > 0").Scan(&withPayload))
	return total, withPayload
}

func TestOpenCreatesTimestampedFile(t *testing.T) {
	store, _ := testStore(t)
	assert.Equal(t, "snapshots_20250601_103000.sqlite3", filepath.Base(store.Path()))
}

func TestAppendRealtimeAndDedup(t *testing.T) {
	store, _ := testStore(t)
	snap := realtimeSnap("payload-x", 1717000000)

	require.NoError(t, store.AppendRealtime(snap, false))
	require.NoError(t, store.AppendRealtime(snap, true))
	require.NoError(t, store.AppendRealtime(snap, true))

	path := store.Path()
	require.NoError(t, store.Close())

	total, withPayload := countRows(t, path, "snapshots")
	assert.Equal(t, 3, total, "dedup rows are still appended")
	assert.Equal(t, 1, withPayload, "only the first row carries the payload")
}

func TestAppendStatic(t *testing.T) {
	store, _ := testStore(t)
	snap := &snapshot.Static{
		RawData:      []byte("zipbytes"),
		GzippedData:  snapshot.GzipBytes([]byte("zipbytes")),
		FetchedAt:    time.Date(2025, 6, 1, 10, 31, 0, 0, time.UTC),
		CalendarDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, store.AppendStatic(snap, false))

	path := store.Path()
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var calendarDate string
	require.NoError(t, db.QueryRow("SELECT calendar_date FROM static_snapshots").Scan(&calendarDate))
	assert.Equal(t, "2025-03-01", calendarDate)
}

func TestRotationAfterNewRows(t *testing.T) {
	store, clk := testStore(t)
	store.rotateAfter = 3
	firstPath := store.Path()

	require.NoError(t, store.AppendRealtime(realtimeSnap("a", 1), false))
	require.NoError(t, store.AppendRealtime(realtimeSnap("a", 1), true))
	require.NoError(t, store.AppendRealtime(realtimeSnap("b", 2), false))
	assert.Equal(t, firstPath, store.Path(), "dedup rows do not count toward rotation")

	clk.Advance(time.Minute)
	require.NoError(t, store.AppendRealtime(realtimeSnap("c", 3), false))

	secondPath := store.Path()
	assert.NotEqual(t, firstPath, secondPath)
	assert.Equal(t, "snapshots_20250601_103100.sqlite3", filepath.Base(secondPath))

	// The new file starts a fresh count and fresh tables.
	require.NoError(t, store.AppendRealtime(realtimeSnap("d", 4), false))
	require.NoError(t, store.Close())

	firstTotal, firstNew := countRows(t, firstPath, "snapshots")
	assert.Equal(t, 4, firstTotal)
	assert.Equal(t, 3, firstNew, "rotation fires when exactly rotateAfter new rows are stored")

	secondTotal, _ := countRows(t, secondPath, "snapshots")
	assert.Equal(t, 1, secondTotal)
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _ := testStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
