package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MeterValueRepository persists normalized meter value samples
type MeterValueRepository struct {
	collection *mongo.Collection
}

// NewMeterValueRepository creates a new meter value repository
func NewMeterValueRepository(db *MongoDBClient) *MeterValueRepository {
	return &MeterValueRepository{
		collection: db.MeterValuesCollection,
	}
}

// SaveMany inserts a batch of samples in arrival order
func (r *MeterValueRepository) SaveMany(ctx context.Context, records []MeterValueRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	docs := make([]interface{}, 0, len(records))
	for i := range records {
		records[i].CreatedAt = now
		docs = append(docs, records[i])
	}

	opts := options.InsertMany().SetOrdered(true)
	if _, err := r.collection.InsertMany(ctx, docs, opts); err != nil {
		return fmt.Errorf("failed to save meter values: %w", err)
	}

	return nil
}
