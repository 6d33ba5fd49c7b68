package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrTransactionNotFound is returned when no transaction matches the id.
var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository handles transaction persistence operations
type TransactionRepository struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *MongoDBClient) *TransactionRepository {
	return &TransactionRepository{
		collection: db.TransactionsCollection,
		counters:   db.CountersCollection,
	}
}

// NextID allocates the next dense transaction id for a tenant using an
// atomic counter increment.
func (r *TransactionRepository) NextID(ctx context.Context, tenantID string) (int, error) {
	filter := bson.M{"_id": tenantID + "~transaction"}
	update := bson.M{"$inc": bson.M{"seq": 1}}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int `bson:"seq"`
	}
	if err := r.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, fmt.Errorf("failed to allocate transaction id: %w", err)
	}

	return counter.Seq, nil
}

// Create inserts a new transaction
func (r *TransactionRepository) Create(ctx context.Context, transaction *Transaction) error {
	now := time.Now()
	transaction.CreatedAt = now
	transaction.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, transaction); err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// Save replaces the full transaction document
func (r *TransactionRepository) Save(ctx context.Context, transaction *Transaction) error {
	transaction.UpdatedAt = time.Now()

	filter := bson.M{
		"tenant_id":      transaction.TenantID,
		"transaction_id": transaction.ID,
	}

	result, err := r.collection.ReplaceOne(ctx, filter, transaction)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// Get retrieves a transaction by its tenant-scoped id
func (r *TransactionRepository) Get(ctx context.Context, tenantID string, transactionID int) (*Transaction, error) {
	filter := bson.M{
		"tenant_id":      tenantID,
		"transaction_id": transactionID,
	}

	var transaction Transaction
	err := r.collection.FindOne(ctx, filter).Decode(&transaction)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &transaction, nil
}

// GetActiveOnConnector retrieves the open transaction for a connector, or nil
func (r *TransactionRepository) GetActiveOnConnector(ctx context.Context, tenantID, stationID string, connectorID int) (*Transaction, error) {
	filter := bson.M{
		"tenant_id":     tenantID,
		"charge_box_id": stationID,
		"connector_id":  connectorID,
		"stop":          bson.M{"$exists": false},
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var transaction Transaction
	err := r.collection.FindOne(ctx, filter, opts).Decode(&transaction)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active transaction: %w", err)
	}

	return &transaction, nil
}

// GetLastOnConnector retrieves the most recent transaction on a connector,
// stopped or not, or nil.
func (r *TransactionRepository) GetLastOnConnector(ctx context.Context, tenantID, stationID string, connectorID int) (*Transaction, error) {
	filter := bson.M{
		"tenant_id":     tenantID,
		"charge_box_id": stationID,
		"connector_id":  connectorID,
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var transaction Transaction
	err := r.collection.FindOne(ctx, filter, opts).Decode(&transaction)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last transaction: %w", err)
	}

	return &transaction, nil
}

// Delete removes a transaction, used only by the stale-session recovery when
// nothing was consumed.
func (r *TransactionRepository) Delete(ctx context.Context, tenantID string, transactionID int) error {
	filter := bson.M{
		"tenant_id":      tenantID,
		"transaction_id": transactionID,
	}

	result, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrTransactionNotFound
	}

	return nil
}
