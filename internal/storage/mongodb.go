package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/roiko/ev-server/internal/config"
)

// MongoDBClient represents a MongoDB client with all collections used by the
// OCPP core.
type MongoDBClient struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig
	logger   *slog.Logger

	// Collections
	TenantsCollection      *mongo.Collection
	StationsCollection     *mongo.Collection
	TransactionsCollection *mongo.Collection
	ConsumptionsCollection *mongo.Collection
	MeterValuesCollection  *mongo.Collection
	TagsCollection         *mongo.Collection
	UsersCollection        *mongo.Collection
	TokensCollection       *mongo.Collection
	BootsCollection        *mongo.Collection
	LocksCollection        *mongo.Collection
	CountersCollection     *mongo.Collection
}

// NewMongoDBClient creates a new MongoDB client and establishes connection
func NewMongoDBClient(ctx context.Context, cfg *config.MongoDBConfig, logger *slog.Logger) (*MongoDBClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Connecting to MongoDB",
		"uri", cfg.URI,
		"database", cfg.Database,
	)

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetServerSelectionTimeout(cfg.ConnectionTimeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctxPing, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	mongoClient := &MongoDBClient{
		client:                 client,
		database:               database,
		cfg:                    cfg,
		logger:                 logger,
		TenantsCollection:      database.Collection(cfg.Collections.Tenants),
		StationsCollection:     database.Collection(cfg.Collections.Stations),
		TransactionsCollection: database.Collection(cfg.Collections.Transactions),
		ConsumptionsCollection: database.Collection(cfg.Collections.Consumptions),
		MeterValuesCollection:  database.Collection(cfg.Collections.MeterValues),
		TagsCollection:         database.Collection(cfg.Collections.Tags),
		UsersCollection:        database.Collection(cfg.Collections.Users),
		TokensCollection:       database.Collection(cfg.Collections.Tokens),
		BootsCollection:        database.Collection(cfg.Collections.Boots),
		LocksCollection:        database.Collection(cfg.Collections.Locks),
		CountersCollection:     database.Collection(cfg.Collections.Counters),
	}

	if err := mongoClient.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return mongoClient, nil
}

// createIndexes creates all necessary indexes
func (m *MongoDBClient) createIndexes(ctx context.Context) error {
	stationsIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "station_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "site_area_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "last_seen", Value: -1}},
		},
	}
	if _, err := m.StationsCollection.Indexes().CreateMany(ctx, stationsIndexes); err != nil {
		return fmt.Errorf("failed to create stations indexes: %w", err)
	}

	transactionsIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "charge_box_id", Value: 1},
				{Key: "connector_id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "tag_id", Value: 1}},
		},
	}
	if _, err := m.TransactionsCollection.Indexes().CreateMany(ctx, transactionsIndexes); err != nil {
		return fmt.Errorf("failed to create transactions indexes: %w", err)
	}

	consumptionsIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "transaction_id", Value: 1},
				{Key: "started_at", Value: 1},
			},
		},
	}
	if _, err := m.ConsumptionsCollection.Indexes().CreateMany(ctx, consumptionsIndexes); err != nil {
		return fmt.Errorf("failed to create consumptions indexes: %w", err)
	}

	meterValuesIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "transaction_id", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
	}
	if _, err := m.MeterValuesCollection.Indexes().CreateMany(ctx, meterValuesIndexes); err != nil {
		return fmt.Errorf("failed to create meter values indexes: %w", err)
	}

	tagsIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "tag_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.TagsCollection.Indexes().CreateMany(ctx, tagsIndexes); err != nil {
		return fmt.Errorf("failed to create tags indexes: %w", err)
	}

	tokensIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.TokensCollection.Indexes().CreateMany(ctx, tokensIndexes); err != nil {
		return fmt.Errorf("failed to create tokens indexes: %w", err)
	}

	locksIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.LocksCollection.Indexes().CreateMany(ctx, locksIndexes); err != nil {
		return fmt.Errorf("failed to create locks indexes: %w", err)
	}

	return nil
}

// Ping checks if the MongoDB connection is alive
func (m *MongoDBClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (m *MongoDBClient) Close(ctx context.Context) error {
	m.logger.Info("Closing MongoDB connection")

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	return nil
}

// GetDatabase returns the database instance
func (m *MongoDBClient) GetDatabase() *mongo.Database {
	return m.database
}
