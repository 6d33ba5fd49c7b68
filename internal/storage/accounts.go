package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Sentinel errors for identity resolution.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTagNotFound    = errors.New("tag not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrTokenNotFound  = errors.New("registration token not found")
)

// AccountRepository resolves tenants, tags, users and registration tokens
type AccountRepository struct {
	tenants *mongo.Collection
	tags    *mongo.Collection
	users   *mongo.Collection
	tokens  *mongo.Collection
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *MongoDBClient) *AccountRepository {
	return &AccountRepository{
		tenants: db.TenantsCollection,
		tags:    db.TagsCollection,
		users:   db.UsersCollection,
		tokens:  db.TokensCollection,
	}
}

// GetTenant retrieves a tenant by id
func (r *AccountRepository) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenant Tenant
	err := r.tenants.FindOne(ctx, bson.M{"_id": tenantID}).Decode(&tenant)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return &tenant, nil
}

// GetTag retrieves a tag by its OCPP idTag
func (r *AccountRepository) GetTag(ctx context.Context, tenantID, tagID string) (*Tag, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"tag_id":    tagID,
	}

	var tag Tag
	err := r.tags.FindOne(ctx, filter).Decode(&tag)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTagNotFound
		}
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}

	return &tag, nil
}

// GetUser retrieves a user by id
func (r *AccountRepository) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"user_id":   userID,
	}

	var user User
	err := r.users.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// ClearDefaultCar unsets the user's last-selected car. Called at transaction
// start when the car component is active.
func (r *AccountRepository) ClearDefaultCar(ctx context.Context, tenantID, userID string) error {
	filter := bson.M{
		"tenant_id": tenantID,
		"user_id":   userID,
	}

	_, err := r.users.UpdateOne(ctx, filter, bson.M{"$unset": bson.M{"default_car_id": ""}})
	if err != nil {
		return fmt.Errorf("failed to clear default car: %w", err)
	}

	return nil
}

// GetToken retrieves a registration token
func (r *AccountRepository) GetToken(ctx context.Context, tenantID, token string) (*RegistrationToken, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"token":     token,
	}

	var registration RegistrationToken
	err := r.tokens.FindOne(ctx, filter).Decode(&registration)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get registration token: %w", err)
	}

	return &registration, nil
}
