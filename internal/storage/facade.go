package storage

import (
	"context"
	"time"
)

// Facade flattens the per-aggregate repositories into the single surface the
// OCPP handlers consume. Handlers depend on narrow interfaces satisfied by
// this type, so tests swap in in-memory fakes.
type Facade struct {
	Stations     *StationRepository
	Transactions *TransactionRepository
	Consumptions *ConsumptionRepository
	MeterValues  *MeterValueRepository
	Accounts     *AccountRepository
}

// NewFacade wires a facade over a connected MongoDB client
func NewFacade(db *MongoDBClient) *Facade {
	return &Facade{
		Stations:     NewStationRepository(db),
		Transactions: NewTransactionRepository(db),
		Consumptions: NewConsumptionRepository(db),
		MeterValues:  NewMeterValueRepository(db),
		Accounts:     NewAccountRepository(db),
	}
}

// GetTenant resolves a tenant by id
func (f *Facade) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return f.Accounts.GetTenant(ctx, tenantID)
}

// GetStation resolves a station by (tenant, ChargeBoxIdentity)
func (f *Facade) GetStation(ctx context.Context, tenantID, stationID string) (*ChargingStation, error) {
	return f.Stations.Get(ctx, tenantID, stationID)
}

// SaveStation persists the full station document
func (f *Facade) SaveStation(ctx context.Context, station *ChargingStation) error {
	return f.Stations.Save(ctx, station)
}

// UpdateStationLastSeen performs the compact liveness write
func (f *Facade) UpdateStationLastSeen(ctx context.Context, tenantID, stationID string, lastSeen time.Time, clientIP string) error {
	return f.Stations.UpdateLastSeen(ctx, tenantID, stationID, lastSeen, clientIP)
}

// SaveBootRecord persists a raw boot notification
func (f *Facade) SaveBootRecord(ctx context.Context, record *BootRecord) error {
	return f.Stations.SaveBootRecord(ctx, record)
}

// GetToken resolves a registration token
func (f *Facade) GetToken(ctx context.Context, tenantID, token string) (*RegistrationToken, error) {
	return f.Accounts.GetToken(ctx, tenantID, token)
}

// GetTag resolves a tag by idTag
func (f *Facade) GetTag(ctx context.Context, tenantID, tagID string) (*Tag, error) {
	return f.Accounts.GetTag(ctx, tenantID, tagID)
}

// GetUser resolves a user by id
func (f *Facade) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	return f.Accounts.GetUser(ctx, tenantID, userID)
}

// ClearDefaultCar unsets a user's last-selected car
func (f *Facade) ClearDefaultCar(ctx context.Context, tenantID, userID string) error {
	return f.Accounts.ClearDefaultCar(ctx, tenantID, userID)
}

// NextTransactionID allocates the next dense transaction id
func (f *Facade) NextTransactionID(ctx context.Context, tenantID string) (int, error) {
	return f.Transactions.NextID(ctx, tenantID)
}

// CreateTransaction inserts a new transaction
func (f *Facade) CreateTransaction(ctx context.Context, transaction *Transaction) error {
	return f.Transactions.Create(ctx, transaction)
}

// SaveTransaction replaces a transaction document
func (f *Facade) SaveTransaction(ctx context.Context, transaction *Transaction) error {
	return f.Transactions.Save(ctx, transaction)
}

// GetTransaction retrieves a transaction by id
func (f *Facade) GetTransaction(ctx context.Context, tenantID string, transactionID int) (*Transaction, error) {
	return f.Transactions.Get(ctx, tenantID, transactionID)
}

// GetActiveTransaction retrieves the open transaction on a connector, or nil
func (f *Facade) GetActiveTransaction(ctx context.Context, tenantID, stationID string, connectorID int) (*Transaction, error) {
	return f.Transactions.GetActiveOnConnector(ctx, tenantID, stationID, connectorID)
}

// GetLastTransaction retrieves the most recent transaction on a connector, or nil
func (f *Facade) GetLastTransaction(ctx context.Context, tenantID, stationID string, connectorID int) (*Transaction, error) {
	return f.Transactions.GetLastOnConnector(ctx, tenantID, stationID, connectorID)
}

// DeleteTransaction removes a transaction
func (f *Facade) DeleteTransaction(ctx context.Context, tenantID string, transactionID int) error {
	return f.Transactions.Delete(ctx, tenantID, transactionID)
}

// SaveConsumption persists one consumption interval
func (f *Facade) SaveConsumption(ctx context.Context, consumption *Consumption) error {
	return f.Consumptions.Save(ctx, consumption)
}

// SaveMeterValues persists a batch of normalized samples
func (f *Facade) SaveMeterValues(ctx context.Context, records []MeterValueRecord) error {
	return f.MeterValues.SaveMany(ctx, records)
}
