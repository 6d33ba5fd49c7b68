package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrLockHeld is returned when a named lock is already held and not expired.
var ErrLockHeld = errors.New("lock already held")

// LockService implements named distributed locks on a collection with a
// unique (tenant_id, name) index. An expired lock can be taken over; a live
// one refuses acquisition.
type LockService struct {
	collection *mongo.Collection
}

// NewLockService creates a new lock service
func NewLockService(db *MongoDBClient) *LockService {
	return &LockService{
		collection: db.LocksCollection,
	}
}

// Acquire takes the named lock for at most ttl. Returns ErrLockHeld when the
// lock is live in someone else's hands.
func (s *LockService) Acquire(ctx context.Context, tenantID, name string, ttl time.Duration) (*Lock, error) {
	now := time.Now()
	lock := &Lock{
		TenantID:   tenantID,
		Name:       name,
		Token:      uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	_, err := s.collection.InsertOne(ctx, lock)
	if err == nil {
		return lock, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	// Held by someone. Take over only if expired.
	filter := bson.M{
		"tenant_id":  tenantID,
		"name":       name,
		"expires_at": bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{
		"token":       lock.Token,
		"acquired_at": lock.AcquiredAt,
		"expires_at":  lock.ExpiresAt,
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("failed to take over lock %s: %w", name, err)
	}
	if result.ModifiedCount == 0 {
		return nil, ErrLockHeld
	}

	return lock, nil
}

// Release frees the lock if the caller still owns it. Releasing a lock that
// expired and was taken over is a no-op.
func (s *LockService) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}

	filter := bson.M{
		"tenant_id": lock.TenantID,
		"name":      lock.Name,
		"token":     lock.Token,
	}

	if _, err := s.collection.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lock.Name, err)
	}

	return nil
}
