package staticidx

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zetlive.dev/internal/feedtest"
	"zetlive.dev/internal/snapshot"
)

const (
	tripsTable = "route_id,service_id,trip_id,shape_id\n" +
		"1,SVC1,trip-a,shape-1\n" +
		"2,SVC1,trip-b,shape-2\n"

	// Points arrive out of sequence order on purpose.
	shapesTable = "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
		"shape-1,45.803,16.003,3\n" +
		"shape-1,45.801,16.001,1\n" +
		"shape-1,45.802,16.002,2\n" +
		"shape-2,45.900,15.900,1\n"
)

func parseBundle(t *testing.T, trips, shapes string) *Index {
	t.Helper()
	raw := feedtest.StaticBundle("", trips, shapes)
	idx, err := Parse(raw, slog.Default())
	require.NoError(t, err)
	return idx
}

func TestParseJoinsTripsAndOrdersShapes(t *testing.T) {
	idx := parseBundle(t, tripsTable, shapesTable)

	shapeID, ok := idx.ShapeID("trip-a")
	require.True(t, ok)
	assert.Equal(t, "shape-1", shapeID)

	_, ok = idx.ShapeID("trip-unknown")
	assert.False(t, ok)

	polyline := idx.Shapes["shape-1"]
	assert.Equal(t, []float64{45.801, 45.802, 45.803}, polyline.Lat)
	assert.Equal(t, []float64{16.001, 16.002, 16.003}, polyline.Lon)
}

func TestParseColumnOrderIndependence(t *testing.T) {
	shuffled := "shape_pt_sequence,shape_pt_lon,shape_id,shape_pt_lat\n" +
		"2,16.002,shape-1,45.802\n" +
		"1,16.001,shape-1,45.801\n"
	idx := parseBundle(t, tripsTable, shuffled)

	polyline := idx.Shapes["shape-1"]
	assert.Equal(t, []float64{45.801, 45.802}, polyline.Lat)
	assert.Equal(t, []float64{16.001, 16.002}, polyline.Lon)
}

func TestParseSkipsMalformedRows(t *testing.T) {
	broken := "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
		"shape-1,45.801,16.001,1\n" +
		"shape-1,not-a-number,16.002,2\n" +
		"shape-1,45.803,16.003,not-a-sequence\n" +
		"shape-1,45.804,16.004,4\n"
	idx := parseBundle(t, tripsTable, broken)

	polyline := idx.Shapes["shape-1"]
	assert.Equal(t, []float64{45.801, 45.804}, polyline.Lat)
}

func TestParseStripsHeaderBOM(t *testing.T) {
	idx := parseBundle(t, "\ufeff"+tripsTable, shapesTable)
	_, ok := idx.ShapeID("trip-a")
	assert.True(t, ok)
}

func TestParseFailsWithoutTables(t *testing.T) {
	raw := feedtest.StaticBundle("service_id,start_date,end_date\nSVC1,20250301,20251231\n", "", "")
	_, err := Parse(raw, slog.Default())
	require.Error(t, err)
}

func TestNewRecordKeyAndBundle(t *testing.T) {
	idx := parseBundle(t, tripsTable, shapesTable)
	record, err := NewRecord(idx, time.Date(2025, 6, 1, 10, 37, 42, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "2025-06-01-10-37", record.Key)
	assert.Contains(t, string(record.BundleJSON), `"shapes":{"shape-1":{"lat":[45.801,45.802,45.803]`)

	raw, err := snapshot.GunzipBytes(record.BundleGzip)
	require.NoError(t, err)
	assert.Equal(t, record.BundleJSON, raw)
}

func TestHistoryBoundedAndKeyed(t *testing.T) {
	idx := parseBundle(t, tripsTable, shapesTable)
	history := &History{}
	assert.Nil(t, history.Latest())

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var keys []string
	for i := 0; i < 4; i++ {
		record, err := NewRecord(idx, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		history.Append(record)
		keys = append(keys, record.Key)
	}

	assert.Equal(t, MaxHistory, history.Len())
	assert.Nil(t, history.Get(keys[0]), "oldest record is evicted")
	for _, key := range keys[1:] {
		require.NotNil(t, history.Get(key), fmt.Sprintf("key %s should be retained", key))
	}
	assert.Equal(t, keys[3], history.Latest().Key)
}
