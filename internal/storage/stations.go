package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrStationNotFound is returned when no station matches the identity.
var ErrStationNotFound = errors.New("charging station not found")

// StationRepository handles charging station persistence operations
type StationRepository struct {
	collection *mongo.Collection
	boots      *mongo.Collection
}

// NewStationRepository creates a new station repository
func NewStationRepository(db *MongoDBClient) *StationRepository {
	return &StationRepository{
		collection: db.StationsCollection,
		boots:      db.BootsCollection,
	}
}

// Get retrieves a station by (tenant, ChargeBoxIdentity)
func (r *StationRepository) Get(ctx context.Context, tenantID, stationID string) (*ChargingStation, error) {
	filter := bson.M{
		"tenant_id":  tenantID,
		"station_id": stationID,
	}

	var station ChargingStation
	err := r.collection.FindOne(ctx, filter).Decode(&station)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStationNotFound
		}
		return nil, fmt.Errorf("failed to get station: %w", err)
	}

	return &station, nil
}

// Save upserts the full station document. Connectors are re-sorted by id
// before writing, so the array is in ascending connector id order; missing
// ids are not filled in.
func (r *StationRepository) Save(ctx context.Context, station *ChargingStation) error {
	sort.Slice(station.Connectors, func(i, j int) bool {
		return station.Connectors[i].ConnectorID < station.Connectors[j].ConnectorID
	})

	now := time.Now()
	if station.CreatedAt.IsZero() {
		station.CreatedAt = now
	}
	station.UpdatedAt = now

	filter := bson.M{
		"tenant_id":  station.TenantID,
		"station_id": station.StationID,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, filter, station, opts); err != nil {
		return fmt.Errorf("failed to save station: %w", err)
	}

	return nil
}

// UpdateLastSeen is the hot compact write touching only liveness fields.
func (r *StationRepository) UpdateLastSeen(ctx context.Context, tenantID, stationID string, lastSeen time.Time, clientIP string) error {
	filter := bson.M{
		"tenant_id":  tenantID,
		"station_id": stationID,
	}

	set := bson.M{"last_seen": lastSeen}
	if clientIP != "" {
		set["current_ip"] = clientIP
	}

	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrStationNotFound
	}

	return nil
}

// SaveBootRecord persists the raw boot notification for diagnostics
func (r *StationRepository) SaveBootRecord(ctx context.Context, record *BootRecord) error {
	if _, err := r.boots.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to save boot record: %w", err)
	}
	return nil
}
