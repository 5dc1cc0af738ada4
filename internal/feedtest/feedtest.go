// Package feedtest builds small GTFS payloads for tests: realtime protobuf
// feeds and static zip bundles.
package feedtest

import (
	"archive/zip"
	"bytes"
	"fmt"

	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"google.golang.org/protobuf/proto"
)

// VehicleSpec describes one vehicle position entity in a test feed.
type VehicleSpec struct {
	TripID    string
	RouteID   string
	Timestamp uint64
	Lat       float32
	Lon       float32
	// OmitPosition and OmitTrip produce malformed entities for
	// drop-row tests.
	OmitPosition bool
	OmitTrip     bool
}

// Feed marshals a GTFS-RT FeedMessage with the given header timestamp and
// vehicle entities.
func Feed(headerTimestamp uint64, vehicles ...VehicleSpec) []byte {
	message := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(headerTimestamp),
		},
	}

	for i, spec := range vehicles {
		vehicle := &gtfsrt.VehiclePosition{
			Timestamp: proto.Uint64(spec.Timestamp),
		}
		if !spec.OmitTrip {
			vehicle.Trip = &gtfsrt.TripDescriptor{
				TripId:  proto.String(spec.TripID),
				RouteId: proto.String(spec.RouteID),
			}
		}
		if !spec.OmitPosition {
			vehicle.Position = &gtfsrt.Position{
				Latitude:  proto.Float32(spec.Lat),
				Longitude: proto.Float32(spec.Lon),
			}
		}
		message.Entity = append(message.Entity, &gtfsrt.FeedEntity{
			Id:      proto.String(fmt.Sprintf("entity-%d", i)),
			Vehicle: vehicle,
		})
	}

	data, err := proto.Marshal(message)
	if err != nil {
		panic(err)
	}
	return data
}

// Zip builds an in-memory zip archive from file name to contents.
func Zip(files map[string]string) []byte {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, contents := range files {
		f, err := writer.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write([]byte(contents)); err != nil {
			panic(err)
		}
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// StaticBundle builds a minimal GTFS static zip with the given calendar,
// trips, and shapes tables. Empty strings omit the table.
func StaticBundle(calendar, trips, shapes string) []byte {
	files := map[string]string{}
	if calendar != "" {
		files["calendar.txt"] = calendar
	}
	if trips != "" {
		files["trips.txt"] = trips
	}
	if shapes != "" {
		files["shapes.txt"] = shapes
	}
	return Zip(files)
}
