// Package snapshot defines the immutable feed snapshot records exchanged
// between the fetcher and the gateway, and the processors that derive them
// from raw upstream payloads. A snapshot always keeps the raw and gzipped
// bytes even when the payload is unparseable, so the archive never loses data.
package snapshot

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	gogtfs "github.com/OneBusAway/go-gtfs"
	"github.com/klauspost/compress/gzip"

	"zetlive.dev/internal/logging"
)

const (
	// KindRealtime and KindStatic tag push frames on the wire.
	KindRealtime = "realtime"
	KindStatic   = "static"
)

// InvalidCalendarDate is the sentinel for a static snapshot whose
// calendar.txt could not be parsed.
var InvalidCalendarDate = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// InvalidTimestamp marks a realtime snapshot whose feed header could not be
// decoded.
const InvalidTimestamp int64 = 0

// Realtime is one fetched GTFS-RT payload.
type Realtime struct {
	RawData     []byte
	GzippedData []byte
	FetchedAt   time.Time
	// SnapshotAt is the feed-declared header timestamp in epoch seconds,
	// or InvalidTimestamp when the payload did not decode.
	SnapshotAt int64
}

// IsValid reports whether the payload decoded to a usable feed.
func (s *Realtime) IsValid() bool {
	return s.SnapshotAt > InvalidTimestamp
}

// Static is one fetched GTFS static (zip) payload.
type Static struct {
	RawData     []byte
	GzippedData []byte
	FetchedAt   time.Time
	// CalendarDate is the minimum start_date in calendar.txt, or
	// InvalidCalendarDate when the bundle did not parse.
	CalendarDate time.Time
}

// IsValid reports whether the bundle parsed to a usable schedule.
func (s *Static) IsValid() bool {
	return s.CalendarDate.After(InvalidCalendarDate)
}

// ProcessRealtime gzips the raw payload and reads the feed header timestamp.
// Decode failures are logged and produce an invalid snapshot that still
// carries the bytes.
func ProcessRealtime(raw []byte, fetchedAt time.Time, logger *slog.Logger) *Realtime {
	timestamp := InvalidTimestamp

	feed, err := gogtfs.ParseRealtime(raw, &gogtfs.ParseRealtimeOptions{})
	if err != nil {
		logging.LogError(logger, "error parsing GTFS realtime data", err)
	} else if feed.CreatedAt.IsZero() {
		logger.Error("GTFS realtime feed has no header timestamp")
	} else {
		timestamp = feed.CreatedAt.Unix()
	}

	return &Realtime{
		RawData:     raw,
		GzippedData: GzipBytes(raw),
		FetchedAt:   fetchedAt,
		SnapshotAt:  timestamp,
	}
}

// ProcessStatic gzips the raw zip bundle and extracts the minimum start_date
// from calendar.txt. Parse failures are logged and produce an invalid
// snapshot that still carries the bytes.
func ProcessStatic(raw []byte, fetchedAt time.Time, logger *slog.Logger) *Static {
	calendarDate, err := minimumCalendarDate(raw)
	if err != nil {
		logging.LogError(logger, "error processing GTFS static data", err)
		calendarDate = InvalidCalendarDate
	}

	return &Static{
		RawData:      raw,
		GzippedData:  GzipBytes(raw),
		FetchedAt:    fetchedAt,
		CalendarDate: calendarDate,
	}
}

func minimumCalendarDate(raw []byte) (time.Time, error) {
	zipReader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("opening static bundle: %w", err)
	}

	file, err := zipReader.Open("calendar.txt")
	if err != nil {
		return time.Time{}, fmt.Errorf("opening calendar.txt: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading calendar.txt header: %w", err)
	}

	startDateCol := -1
	for i, name := range header {
		if name == "start_date" {
			startDateCol = i
		}
	}
	if startDateCol < 0 {
		return time.Time{}, fmt.Errorf("calendar.txt has no start_date column")
	}

	minDate := InvalidCalendarDate
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("reading calendar.txt row: %w", err)
		}
		if startDateCol >= len(row) {
			return time.Time{}, fmt.Errorf("calendar.txt row is missing start_date")
		}
		date, err := time.ParseInLocation("20060102", row[startDateCol], time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing start_date %q: %w", row[startDateCol], err)
		}
		if minDate.Equal(InvalidCalendarDate) || date.Before(minDate) {
			minDate = date
		}
	}

	return minDate, nil
}

// Frame is the JSON push frame sent from the fetcher to the gateway.
type Frame struct {
	Kind        string  `json:"kind"`
	FetchedAt   float64 `json:"fetched_at"`
	GzippedData string  `json:"gzipped_data"`
}

// Frame encodes the realtime snapshot as a push frame.
func (s *Realtime) Frame() ([]byte, error) {
	return json.Marshal(Frame{
		Kind:        KindRealtime,
		FetchedAt:   epochSeconds(s.FetchedAt),
		GzippedData: hex.EncodeToString(s.GzippedData),
	})
}

// Frame encodes the static snapshot as a push frame.
func (s *Static) Frame() ([]byte, error) {
	return json.Marshal(Frame{
		Kind:        KindStatic,
		FetchedAt:   epochSeconds(s.FetchedAt),
		GzippedData: hex.EncodeToString(s.GzippedData),
	})
}

// DecodeFrame parses a push frame received from the fetcher.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decoding push frame: %w", err)
	}
	return &frame, nil
}

// Payload hex-decodes and gunzips the frame body back to the raw upstream
// bytes.
func (f *Frame) Payload() ([]byte, error) {
	compressed, err := hex.DecodeString(f.GzippedData)
	if err != nil {
		return nil, fmt.Errorf("hex-decoding frame payload: %w", err)
	}
	return GunzipBytes(compressed)
}

// GzipBytes compresses data in memory. Writes to a bytes.Buffer cannot fail,
// so the result is returned without an error.
func GzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	_, _ = writer.Write(data)
	_ = writer.Close()
	return buf.Bytes()
}

// GunzipBytes decompresses gzip data in memory.
func GunzipBytes(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}
