package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConsumptionRepository handles consumption interval persistence
type ConsumptionRepository struct {
	collection *mongo.Collection
}

// NewConsumptionRepository creates a new consumption repository
func NewConsumptionRepository(db *MongoDBClient) *ConsumptionRepository {
	return &ConsumptionRepository{
		collection: db.ConsumptionsCollection,
	}
}

// Save inserts one consumption interval
func (r *ConsumptionRepository) Save(ctx context.Context, consumption *Consumption) error {
	consumption.CreatedAt = time.Now()

	if _, err := r.collection.InsertOne(ctx, consumption); err != nil {
		return fmt.Errorf("failed to save consumption: %w", err)
	}

	return nil
}

// ListByTransaction returns a transaction's intervals in time order
func (r *ConsumptionRepository) ListByTransaction(ctx context.Context, tenantID string, transactionID int) ([]Consumption, error) {
	filter := bson.M{
		"tenant_id":      tenantID,
		"transaction_id": transactionID,
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions: %w", err)
	}
	defer cursor.Close(ctx)

	consumptions := make([]Consumption, 0)
	if err := cursor.All(ctx, &consumptions); err != nil {
		return nil, fmt.Errorf("failed to decode consumptions: %w", err)
	}

	return consumptions, nil
}

// SumByTransaction aggregates the total consumed Wh over a transaction's
// intervals.
func (r *ConsumptionRepository) SumByTransaction(ctx context.Context, tenantID string, transactionID int) (float64, error) {
	pipeline := []bson.M{
		{"$match": bson.M{"tenant_id": tenantID, "transaction_id": transactionID}},
		{"$group": bson.M{
			"_id":       nil,
			"total_wh":  bson.M{"$sum": "$consumption_wh"},
			"intervals": bson.M{"$sum": 1},
		}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate consumptions: %w", err)
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		var result struct {
			TotalWh float64 `bson:"total_wh"`
		}
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("failed to decode aggregation result: %w", err)
		}
		return result.TotalWh, nil
	}

	return 0, nil
}
