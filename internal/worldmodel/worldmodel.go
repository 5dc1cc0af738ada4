// Package worldmodel maintains the gateway's in-memory picture of currently
// tracked vehicles: a short trajectory tail per vehicle, a derived heading,
// staleness-based eviction, and the join from trips to static route shapes.
package worldmodel

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"google.golang.org/protobuf/proto"

	"zetlive.dev/internal/geo"
)

const (
	// MaxTrajectoryLength bounds the per-vehicle position tail.
	MaxTrajectoryLength = 30
	// EvictAfterMissedFeeds is the number of consecutive feeds a vehicle may
	// be absent from before it is dropped.
	EvictAfterMissedFeeds = 30
	// DirectionThresholdMeters is the minimum displacement before a heading
	// is derived; GPS jitter at rest would otherwise produce random headings.
	DirectionThresholdMeters = 20.0
)

// VehicleUpdate is one well-formed vehicle row parsed from a realtime feed.
type VehicleUpdate struct {
	TripID    string
	RouteID   int
	Timestamp int64
	Lat       float64
	Lon       float64
}

// FeedUpdate is one parsed realtime feed: the header timestamp and the
// vehicle rows that carried every required field.
type FeedUpdate struct {
	Timestamp int64
	Vehicles  []VehicleUpdate
}

// ParseFeed decodes a raw GTFS-RT payload into a FeedUpdate. Vehicle rows
// missing the trip, position, timestamp, or a numeric route id are dropped
// with a log; the feed itself fails only when the protobuf does not decode.
func ParseFeed(raw []byte, logger *slog.Logger) (*FeedUpdate, error) {
	var message gtfsrt.FeedMessage
	if err := proto.Unmarshal(raw, &message); err != nil {
		return nil, fmt.Errorf("decoding realtime feed: %w", err)
	}

	feed := &FeedUpdate{Timestamp: int64(message.GetHeader().GetTimestamp())}
	for _, entity := range message.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}
		trip := vehicle.GetTrip()
		position := vehicle.GetPosition()
		if trip == nil || position == nil || trip.TripId == nil || trip.RouteId == nil ||
			vehicle.Timestamp == nil || position.Latitude == nil || position.Longitude == nil {
			logger.Warn("dropping incomplete vehicle row", slog.String("entity_id", entity.GetId()))
			continue
		}
		routeID, err := strconv.Atoi(trip.GetRouteId())
		if err != nil {
			logger.Warn("dropping vehicle row with non-numeric route id",
				slog.String("route_id", trip.GetRouteId()),
				slog.String("trip_id", trip.GetTripId()))
			continue
		}
		feed.Vehicles = append(feed.Vehicles, VehicleUpdate{
			TripID:    trip.GetTripId(),
			RouteID:   routeID,
			Timestamp: int64(vehicle.GetTimestamp()),
			Lat:       float64(position.GetLatitude()),
			Lon:       float64(position.GetLongitude()),
		})
	}
	return feed, nil
}

// ShapeResolver maps a trip to its route shape. A nil resolver means no
// static data has arrived yet.
type ShapeResolver interface {
	ShapeID(tripID string) (string, bool)
}

// trajectory is a fixed ring of positions with newest-first indexing.
type trajectory struct {
	lat  [MaxTrajectoryLength]float64
	lon  [MaxTrajectoryLength]float64
	head int
	size int
}

func (t *trajectory) push(lat, lon float64) {
	t.head = (t.head - 1 + MaxTrajectoryLength) % MaxTrajectoryLength
	t.lat[t.head] = lat
	t.lon[t.head] = lon
	if t.size < MaxTrajectoryLength {
		t.size++
	}
}

// at returns the i-th position, 0 being the newest.
func (t *trajectory) at(i int) (lat, lon float64) {
	idx := (t.head + i) % MaxTrajectoryLength
	return t.lat[idx], t.lon[idx]
}

func (t *trajectory) len() int { return t.size }

type vehicle struct {
	routeID          int
	shapeID          *string
	timestamp        int64
	tail             trajectory
	directionRadians *float64
	noUpdateCounter  int
}

// heading scans from the newest position to older ones and returns the
// bearing from the first point farther than the threshold, or nil.
func (v *vehicle) heading() *float64 {
	newestLat, newestLon := v.tail.at(0)
	for i := 1; i < v.tail.len(); i++ {
		lat, lon := v.tail.at(i)
		if geo.HaversineDistanceMeters(newestLat, newestLon, lat, lon) > DirectionThresholdMeters {
			bearing := geo.Bearing(lat, lon, newestLat, newestLon)
			return &bearing
		}
	}
	return nil
}

// State is the mutable world model. All mutation happens inside Update's
// critical section; readers take Snapshot.
type State struct {
	mu              sync.Mutex
	vehicles        map[string]*vehicle
	timestamp       int64
	latestStaticKey string
}

// NewState creates an empty world model.
func NewState() *State {
	return &State{vehicles: make(map[string]*vehicle)}
}

// Update ingests one feed under the state lock: ages every tracked vehicle,
// merges the incoming rows, evicts vehicles absent for too many feeds, and
// records the feed timestamp and the current static key.
func (s *State) Update(feed *FeedUpdate, static ShapeResolver, staticKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.vehicles {
		v.noUpdateCounter++
	}

	for _, update := range feed.Vehicles {
		v, ok := s.vehicles[update.TripID]
		if !ok {
			v = &vehicle{routeID: update.RouteID}
			if static != nil {
				if shapeID, found := static.ShapeID(update.TripID); found {
					v.shapeID = &shapeID
				}
			}
			s.vehicles[update.TripID] = v
		}

		v.tail.push(update.Lat, update.Lon)
		v.timestamp = update.Timestamp
		v.noUpdateCounter = 0
		v.directionRadians = v.heading()
		if v.shapeID == nil && static != nil {
			if shapeID, found := static.ShapeID(update.TripID); found {
				v.shapeID = &shapeID
			}
		}
	}

	for tripID, v := range s.vehicles {
		if v.noUpdateCounter >= EvictAfterMissedFeeds {
			delete(s.vehicles, tripID)
		}
	}

	s.timestamp = feed.Timestamp
	s.latestStaticKey = staticKey
}

// VehicleSnapshot is an immutable copy of one tracked vehicle. Lat and Lon
// are newest first.
type VehicleSnapshot struct {
	TripID           string
	RouteID          int
	ShapeID          *string
	Timestamp        int64
	Lat              []float64
	Lon              []float64
	DirectionRadians *float64
	NoUpdateCounter  int
}

// Snapshot is an immutable copy of the whole state, vehicles ordered by trip
// id so the encoded outputs are deterministic.
type Snapshot struct {
	Vehicles        []VehicleSnapshot
	Timestamp       int64
	LatestStaticKey string
}

// Snapshot copies the state under the lock.
func (s *State) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Vehicles:        make([]VehicleSnapshot, 0, len(s.vehicles)),
		Timestamp:       s.timestamp,
		LatestStaticKey: s.latestStaticKey,
	}
	for tripID, v := range s.vehicles {
		lat := make([]float64, v.tail.len())
		lon := make([]float64, v.tail.len())
		for i := 0; i < v.tail.len(); i++ {
			lat[i], lon[i] = v.tail.at(i)
		}
		snap.Vehicles = append(snap.Vehicles, VehicleSnapshot{
			TripID:           tripID,
			RouteID:          v.routeID,
			ShapeID:          v.shapeID,
			Timestamp:        v.timestamp,
			Lat:              lat,
			Lon:              lon,
			DirectionRadians: v.directionRadians,
			NoUpdateCounter:  v.noUpdateCounter,
		})
	}
	sort.Slice(snap.Vehicles, func(i, j int) bool {
		return snap.Vehicles[i].TripID < snap.Vehicles[j].TripID
	})
	return snap
}

// Len returns the number of tracked vehicles.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vehicles)
}
