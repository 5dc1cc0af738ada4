// Package archive implements the fetcher's rolling on-disk snapshot store.
// Each store is a SQLite file holding two append-only tables: realtime
// snapshot rows and static snapshot rows. The file is rotated after a fixed
// number of new (non-deduplicated) realtime rows so no single archive grows
// without bound.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"zetlive.dev/internal/clock"
	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
	"zetlive.dev/internal/snapshot"
)

// MaxSnapshotCount is the number of new realtime rows after which the
// current archive file is closed and a fresh one opened.
const MaxSnapshotCount = 10000

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetched_at REAL,
	snapshot_at REAL,
	gzipped_data BLOB
);
CREATE TABLE IF NOT EXISTS static_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetched_at REAL,
	gzipped_data BLOB,
	calendar_date DATE
);`

// Store owns one SQLite archive file at a time. It is not safe for
// concurrent use; the fetcher writes from a single control loop.
type Store struct {
	dir     string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	db               *sql.DB
	path             string
	newSnapshotCount int
	rotateAfter      int
}

// Open creates a new archive file in dir and prepares both tables.
func Open(dir string, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Store, error) {
	store := &Store{
		dir:         dir,
		clock:       clk,
		logger:      logger.With(slog.String("component", "archive")),
		metrics:     m,
		rotateAfter: MaxSnapshotCount,
	}
	if err := store.openFile(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) openFile() error {
	timestamp := s.clock.Now().Format("20060102_150405")
	path := filepath.Join(s.dir, fmt.Sprintf("snapshots_%s.sqlite3", timestamp))

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		logging.SafeCloseWithLogging(db, s.logger, "archive_db")
		return fmt.Errorf("creating archive tables in %s: %w", path, err)
	}

	s.db = db
	s.path = path
	s.newSnapshotCount = 0
	logging.LogOperation(s.logger, "archive_opened", slog.String("path", path))
	return nil
}

// Path returns the path of the current archive file.
func (s *Store) Path() string {
	return s.path
}

// AppendRealtime appends one realtime row. A dedup row records that a payload
// byte-identical to the previous one was observed; it keeps the snapshot
// metadata but stores an empty blob. New rows count toward rotation.
func (s *Store) AppendRealtime(snap *snapshot.Realtime, dedup bool) error {
	gzipped := snap.GzippedData
	if dedup {
		gzipped = []byte{}
	}

	_, err := s.db.Exec(
		"INSERT INTO snapshots (fetched_at, snapshot_at, gzipped_data) VALUES (?, ?, ?)",
		epochSeconds(snap.FetchedAt), float64(snap.SnapshotAt), gzipped,
	)
	if err != nil {
		return fmt.Errorf("inserting realtime snapshot row: %w", err)
	}
	s.metrics.SnapshotsStoredTotal.WithLabelValues(snapshot.KindRealtime, dedupLabel(dedup)).Inc()

	if !dedup {
		s.newSnapshotCount++
		if s.newSnapshotCount >= s.rotateAfter {
			if err := s.rotate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendStatic appends one static row. Static rows never trigger rotation.
func (s *Store) AppendStatic(snap *snapshot.Static, dedup bool) error {
	gzipped := snap.GzippedData
	if dedup {
		gzipped = []byte{}
	}

	_, err := s.db.Exec(
		"INSERT INTO static_snapshots (fetched_at, gzipped_data, calendar_date) VALUES (?, ?, ?)",
		epochSeconds(snap.FetchedAt), gzipped, snap.CalendarDate.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("inserting static snapshot row: %w", err)
	}
	s.metrics.SnapshotsStoredTotal.WithLabelValues(snapshot.KindStatic, dedupLabel(dedup)).Inc()
	return nil
}

// rotate closes the current archive file and opens a fresh one.
func (s *Store) rotate() error {
	logging.LogOperation(s.logger, "archive_rotating",
		slog.String("path", s.path),
		slog.Int("new_rows", s.newSnapshotCount))

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing archive %s for rotation: %w", s.path, err)
	}
	if err := s.openFile(); err != nil {
		return err
	}
	s.metrics.ArchiveRotationsTotal.Inc()
	return nil
}

// Close flushes and closes the current archive file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing archive %s: %w", s.path, err)
	}
	logging.LogOperation(s.logger, "archive_closed", slog.String("path", s.path))
	return nil
}

func dedupLabel(dedup bool) string {
	if dedup {
		return "true"
	}
	return "false"
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}
