// Package staticidx builds the gateway's view of a GTFS static bundle: the
// trip to shape mapping, the shape polylines, and the pre-encoded shape
// bundle served to map clients under a minute-granular key.
package staticidx

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"zetlive.dev/internal/snapshot"
)

// MaxHistory is the number of static snapshot records the gateway retains.
const MaxHistory = 3

// KeyFormat is the minute-granular layout of a static snapshot key.
const KeyFormat = "2006-01-02-15-04"

// Polyline is an ordered route geometry.
type Polyline struct {
	Lat []float64
	Lon []float64
}

// Index is the parsed static bundle: trips joined to shapes, shapes to
// polylines ordered by shape_pt_sequence.
type Index struct {
	TripToShape map[string]string
	Shapes      map[string]Polyline
}

// ShapeID returns the shape for a trip, or ok=false when the bundle does not
// map it.
func (idx *Index) ShapeID(tripID string) (string, bool) {
	shapeID, ok := idx.TripToShape[tripID]
	return shapeID, ok
}

type shapePoint struct {
	sequence int
	lat      float64
	lon      float64
}

// Parse reads trips.txt and shapes.txt from a static zip bundle. Malformed
// rows are skipped with a log; a missing table or an unreadable zip fails the
// whole parse.
func Parse(raw []byte, logger *slog.Logger) (*Index, error) {
	zipReader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("opening static bundle: %w", err)
	}

	tripToShape, err := parseTrips(zipReader, logger)
	if err != nil {
		return nil, err
	}
	shapes, err := parseShapes(zipReader, logger)
	if err != nil {
		return nil, err
	}

	return &Index{TripToShape: tripToShape, Shapes: shapes}, nil
}

func parseTrips(zipReader *zip.Reader, logger *slog.Logger) (map[string]string, error) {
	rows, columns, err := openTable(zipReader, "trips.txt")
	if err != nil {
		return nil, err
	}
	defer rows.close()

	tripCol, ok := columns["trip_id"]
	if !ok {
		return nil, fmt.Errorf("trips.txt has no trip_id column")
	}
	shapeCol, ok := columns["shape_id"]
	if !ok {
		return nil, fmt.Errorf("trips.txt has no shape_id column")
	}

	tripToShape := make(map[string]string)
	for {
		row, err := rows.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading trips.txt: %w", err)
		}
		if tripCol >= len(row) || shapeCol >= len(row) || row[tripCol] == "" || row[shapeCol] == "" {
			logger.Warn("skipping malformed trips.txt row", slog.Any("row", row))
			continue
		}
		tripToShape[row[tripCol]] = row[shapeCol]
	}
	return tripToShape, nil
}

func parseShapes(zipReader *zip.Reader, logger *slog.Logger) (map[string]Polyline, error) {
	rows, columns, err := openTable(zipReader, "shapes.txt")
	if err != nil {
		return nil, err
	}
	defer rows.close()

	idCol, ok := columns["shape_id"]
	if !ok {
		return nil, fmt.Errorf("shapes.txt has no shape_id column")
	}
	latCol, ok := columns["shape_pt_lat"]
	if !ok {
		return nil, fmt.Errorf("shapes.txt has no shape_pt_lat column")
	}
	lonCol, ok := columns["shape_pt_lon"]
	if !ok {
		return nil, fmt.Errorf("shapes.txt has no shape_pt_lon column")
	}
	seqCol, ok := columns["shape_pt_sequence"]
	if !ok {
		return nil, fmt.Errorf("shapes.txt has no shape_pt_sequence column")
	}

	points := make(map[string][]shapePoint)
	for {
		row, err := rows.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading shapes.txt: %w", err)
		}
		point, shapeID, ok := parseShapeRow(row, idCol, latCol, lonCol, seqCol)
		if !ok {
			logger.Warn("skipping malformed shapes.txt row", slog.Any("row", row))
			continue
		}
		points[shapeID] = append(points[shapeID], point)
	}

	shapes := make(map[string]Polyline, len(points))
	for shapeID, shapePoints := range points {
		// The column order in shapes.txt carries no guarantee; sequence
		// numbers define the polyline order.
		sort.SliceStable(shapePoints, func(i, j int) bool {
			return shapePoints[i].sequence < shapePoints[j].sequence
		})
		polyline := Polyline{
			Lat: make([]float64, len(shapePoints)),
			Lon: make([]float64, len(shapePoints)),
		}
		for i, p := range shapePoints {
			polyline.Lat[i] = p.lat
			polyline.Lon[i] = p.lon
		}
		shapes[shapeID] = polyline
	}
	return shapes, nil
}

func parseShapeRow(row []string, idCol, latCol, lonCol, seqCol int) (shapePoint, string, bool) {
	maxCol := idCol
	for _, col := range []int{latCol, lonCol, seqCol} {
		if col > maxCol {
			maxCol = col
		}
	}
	if maxCol >= len(row) || row[idCol] == "" {
		return shapePoint{}, "", false
	}
	lat, err := strconv.ParseFloat(row[latCol], 64)
	if err != nil {
		return shapePoint{}, "", false
	}
	lon, err := strconv.ParseFloat(row[lonCol], 64)
	if err != nil {
		return shapePoint{}, "", false
	}
	sequence, err := strconv.Atoi(row[seqCol])
	if err != nil {
		return shapePoint{}, "", false
	}
	return shapePoint{sequence: sequence, lat: lat, lon: lon}, row[idCol], true
}

type tableRows struct {
	file   io.ReadCloser
	reader *csv.Reader
}

func (t *tableRows) next() ([]string, error) { return t.reader.Read() }
func (t *tableRows) close()                  { _ = t.file.Close() }

// openTable opens one CSV table inside the zip and maps header names to
// column positions. A UTF-8 BOM on the first header cell is stripped.
func openTable(zipReader *zip.Reader, name string) (*tableRows, map[string]int, error) {
	file, err := zipReader.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", name, err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("reading %s header: %w", name, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	columns := make(map[string]int, len(header))
	for i, columnName := range header {
		columns[strings.TrimSpace(columnName)] = i
	}
	return &tableRows{file: file, reader: reader}, columns, nil
}

// Record is one ingested static snapshot: the index plus the pre-encoded
// shape bundle addressable by Key.
type Record struct {
	Key        string
	Index      *Index
	BundleJSON []byte
	// BundleGzip is the gzipped bundle, served as-is to clients that accept
	// gzip encoding.
	BundleGzip []byte
}

type bundleShape struct {
	Lat []float64 `json:"lat"`
	Lon []float64 `json:"lon"`
}

type bundle struct {
	Shapes map[string]bundleShape `json:"shapes"`
}

// NewRecord keys the index at minute granularity and pre-encodes the shape
// bundle.
func NewRecord(idx *Index, at time.Time) (*Record, error) {
	shapes := make(map[string]bundleShape, len(idx.Shapes))
	for shapeID, polyline := range idx.Shapes {
		shapes[shapeID] = bundleShape{Lat: polyline.Lat, Lon: polyline.Lon}
	}
	encoded, err := json.Marshal(bundle{Shapes: shapes})
	if err != nil {
		return nil, fmt.Errorf("encoding shape bundle: %w", err)
	}

	return &Record{
		Key:        at.Format(KeyFormat),
		Index:      idx,
		BundleJSON: encoded,
		BundleGzip: snapshot.GzipBytes(encoded),
	}, nil
}

// History retains the most recent static snapshot records, oldest dropped.
// Safe for concurrent use; the ingest path appends while HTTP handlers read.
type History struct {
	mu      sync.RWMutex
	records []*Record
}

// Append adds a record, evicting the oldest beyond MaxHistory.
func (h *History) Append(record *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	if len(h.records) > MaxHistory {
		h.records = h.records[len(h.records)-MaxHistory:]
	}
}

// Latest returns the most recent record, or nil when none was ingested yet.
func (h *History) Latest() *Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return nil
	}
	return h.records[len(h.records)-1]
}

// Get returns the record with the given key, or nil.
func (h *History) Get(key string) *Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, record := range h.records {
		if record.Key == key {
			return record
		}
	}
	return nil
}

// Keys returns the retained keys, oldest first.
func (h *History) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, len(h.records))
	for i, record := range h.records {
		keys[i] = record.Key
	}
	return keys
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
