// Package wire encodes world model snapshots into the two versioned JSON
// formats pushed to map clients. v0 is an array of vehicle objects with
// plain coordinates; v1 is a structure-of-arrays object with delta-compressed
// integer coordinates against a fixed city-center reference.
package wire

import (
	"encoding/json"
	"math"

	"zetlive.dev/internal/worldmodel"
)

const (
	// RefLat and RefLon anchor the v1 delta compression. They sit near the
	// agency's city center so first deltas stay small.
	RefLat = 45.815
	RefLon = 15.9819

	// TrajectoryOutputLength bounds the tail length on the wire.
	TrajectoryOutputLength = 6

	coordFactor = 1e6
)

type v0Vehicle struct {
	RouteID          int       `json:"routeId"`
	Timestamp        int64     `json:"timestamp"`
	Lat              []float64 `json:"lat"`
	Lon              []float64 `json:"lon"`
	DirectionDegrees *int      `json:"directionDegrees"`
}

// EncodeV0 renders the fresh vehicles as a JSON array. Tails carry the most
// recent positions in oldest-to-newest order; an unknown heading serializes
// as null, never omitted.
func EncodeV0(snap *worldmodel.Snapshot) ([]byte, error) {
	vehicles := make([]v0Vehicle, 0, len(snap.Vehicles))
	for _, v := range snap.Vehicles {
		if v.NoUpdateCounter != 0 {
			continue
		}
		vehicles = append(vehicles, v0Vehicle{
			RouteID:          v.RouteID,
			Timestamp:        v.Timestamp,
			Lat:              reversedTail(v.Lat),
			Lon:              reversedTail(v.Lon),
			DirectionDegrees: directionDegrees(v.DirectionRadians),
		})
	}
	return json.Marshal(vehicles)
}

type v1Vehicles struct {
	RouteIDs         []int     `json:"routeIds"`
	ShapeIDs         []*string `json:"shapeIds"`
	Timestamps       []int64   `json:"timestamps"`
	CompressedLats   [][]int64 `json:"compressedLats"`
	CompressedLons   [][]int64 `json:"compressedLons"`
	DirectionDegrees []*int    `json:"directionDegrees"`
}

type v1Message struct {
	Vehicles        v1Vehicles `json:"vehicles"`
	Timestamp       int64      `json:"timestamp"`
	LatestStaticKey *string    `json:"latestStaticKey"`
}

// EncodeV1 renders the fresh vehicles as a structure-of-arrays object.
// Coordinates are newest-first integer deltas against the fixed reference and
// the rolling predecessor; timestamps are deltas below the feed timestamp.
func EncodeV1(snap *worldmodel.Snapshot) ([]byte, error) {
	message := v1Message{
		Vehicles: v1Vehicles{
			RouteIDs:         make([]int, 0, len(snap.Vehicles)),
			ShapeIDs:         make([]*string, 0, len(snap.Vehicles)),
			Timestamps:       make([]int64, 0, len(snap.Vehicles)),
			CompressedLats:   make([][]int64, 0, len(snap.Vehicles)),
			CompressedLons:   make([][]int64, 0, len(snap.Vehicles)),
			DirectionDegrees: make([]*int, 0, len(snap.Vehicles)),
		},
		Timestamp: snap.Timestamp,
	}
	if snap.LatestStaticKey != "" {
		key := snap.LatestStaticKey
		message.LatestStaticKey = &key
	}

	for _, v := range snap.Vehicles {
		if v.NoUpdateCounter != 0 {
			continue
		}
		message.Vehicles.RouteIDs = append(message.Vehicles.RouteIDs, v.RouteID)
		message.Vehicles.ShapeIDs = append(message.Vehicles.ShapeIDs, v.ShapeID)
		message.Vehicles.Timestamps = append(message.Vehicles.Timestamps, snap.Timestamp-v.Timestamp)
		message.Vehicles.CompressedLats = append(message.Vehicles.CompressedLats,
			compressCoords(tail(v.Lat), RefLat))
		message.Vehicles.CompressedLons = append(message.Vehicles.CompressedLons,
			compressCoords(tail(v.Lon), RefLon))
		message.Vehicles.DirectionDegrees = append(message.Vehicles.DirectionDegrees,
			directionDegrees(v.DirectionRadians))
	}
	return json.Marshal(message)
}

// tail returns the up-to-TrajectoryOutputLength newest positions, newest
// first, as stored.
func tail(coords []float64) []float64 {
	if len(coords) > TrajectoryOutputLength {
		coords = coords[:TrajectoryOutputLength]
	}
	return coords
}

// reversedTail returns the same window in oldest-to-newest order.
func reversedTail(coords []float64) []float64 {
	window := tail(coords)
	out := make([]float64, len(window))
	for i, c := range window {
		out[len(window)-1-i] = c
	}
	return out
}

// compressCoords emits the first value as a rounded micro-degree delta from
// the reference, then each further value as a delta from its predecessor.
// Deltas are taken against the reconstructed predecessor so quantization
// errors never accumulate past half a micro-degree.
func compressCoords(coords []float64, ref float64) []int64 {
	out := make([]int64, len(coords))
	previous := ref
	for i, c := range coords {
		out[i] = int64(math.Round((c - previous) * coordFactor))
		previous += float64(out[i]) / coordFactor
	}
	return out
}

// DecompressCoords inverts compressCoords; clients rebuild tails with it.
func DecompressCoords(deltas []int64, ref float64) []float64 {
	out := make([]float64, len(deltas))
	previous := ref
	for i, d := range deltas {
		previous += float64(d) / coordFactor
		out[i] = previous
	}
	return out
}

func directionDegrees(radians *float64) *int {
	if radians == nil {
		return nil
	}
	degrees := int(math.Round(*radians * 180 / math.Pi))
	return &degrees
}
