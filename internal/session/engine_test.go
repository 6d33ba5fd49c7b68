package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/roiko/ev-server/internal/config"
	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// fakeStore is an in-memory Store for engine tests
type fakeStore struct {
	stations     map[string]*storage.ChargingStation
	transactions map[int]*storage.Transaction
	consumptions []storage.Consumption
	meterValues  []storage.MeterValueRecord
	tags         map[string]*storage.Tag
	users        map[string]*storage.User
	nextID       int
	carCleared   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stations:     make(map[string]*storage.ChargingStation),
		transactions: make(map[int]*storage.Transaction),
		tags:         make(map[string]*storage.Tag),
		users:        make(map[string]*storage.User),
	}
}

func (f *fakeStore) GetStation(_ context.Context, _, stationID string) (*storage.ChargingStation, error) {
	station, ok := f.stations[stationID]
	if !ok {
		return nil, storage.ErrStationNotFound
	}
	return station, nil
}

func (f *fakeStore) SaveStation(_ context.Context, station *storage.ChargingStation) error {
	f.stations[station.StationID] = station
	return nil
}

func (f *fakeStore) UpdateStationLastSeen(_ context.Context, _, stationID string, lastSeen time.Time, _ string) error {
	if station, ok := f.stations[stationID]; ok {
		station.LastSeen = lastSeen
	}
	return nil
}

func (f *fakeStore) GetTag(_ context.Context, _, tagID string) (*storage.Tag, error) {
	tag, ok := f.tags[tagID]
	if !ok {
		return nil, storage.ErrTagNotFound
	}
	return tag, nil
}

func (f *fakeStore) GetUser(_ context.Context, _, userID string) (*storage.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) ClearDefaultCar(_ context.Context, _, _ string) error {
	f.carCleared = true
	return nil
}

func (f *fakeStore) NextTransactionID(_ context.Context, _ string) (int, error) {
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) CreateTransaction(_ context.Context, transaction *storage.Transaction) error {
	f.transactions[transaction.ID] = transaction
	return nil
}

func (f *fakeStore) SaveTransaction(_ context.Context, transaction *storage.Transaction) error {
	if _, ok := f.transactions[transaction.ID]; !ok {
		return storage.ErrTransactionNotFound
	}
	f.transactions[transaction.ID] = transaction
	return nil
}

func (f *fakeStore) GetTransaction(_ context.Context, _ string, transactionID int) (*storage.Transaction, error) {
	transaction, ok := f.transactions[transactionID]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	return transaction, nil
}

func (f *fakeStore) GetActiveTransaction(_ context.Context, _, stationID string, connectorID int) (*storage.Transaction, error) {
	for _, transaction := range f.transactions {
		if transaction.ChargeBoxID == stationID && transaction.ConnectorID == connectorID && transaction.Stop == nil {
			return transaction, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetLastTransaction(_ context.Context, _, stationID string, connectorID int) (*storage.Transaction, error) {
	var last *storage.Transaction
	for _, transaction := range f.transactions {
		if transaction.ChargeBoxID != stationID || transaction.ConnectorID != connectorID {
			continue
		}
		if last == nil || transaction.Timestamp.After(last.Timestamp) {
			last = transaction
		}
	}
	return last, nil
}

func (f *fakeStore) DeleteTransaction(_ context.Context, _ string, transactionID int) error {
	if _, ok := f.transactions[transactionID]; !ok {
		return storage.ErrTransactionNotFound
	}
	delete(f.transactions, transactionID)
	return nil
}

func (f *fakeStore) SaveConsumption(_ context.Context, consumption *storage.Consumption) error {
	f.consumptions = append(f.consumptions, *consumption)
	return nil
}

func (f *fakeStore) SaveMeterValues(_ context.Context, records []storage.MeterValueRecord) error {
	f.meterValues = append(f.meterValues, records...)
	return nil
}

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig() *config.OCPPConfig {
	return &config.OCPPConfig{
		HeartbeatIntervalOCPPSSecs: 180,
		HeartbeatIntervalOCPPJSecs: 3600,
		BootRejectRetrySecs:        600,
		NotifEndOfChargeEnabled:    true,
		PerCallTimeoutMs:           1000,
		InactivityWarningSecs:      1800,
		InactivityErrorSecs:        3600,
	}
}

func newTestEngine(store *fakeStore) *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	engine := NewEngine(EngineDeps{
		Store:  store,
		Pricer: integration.NewSimplePricer(0.25, "EUR"),
		Config: testConfig(),
		Logger: logger,
	})
	engine.Now = func() time.Time { return testStart }
	return engine
}

func seedStation(store *fakeStore) (*storage.Tenant, *storage.ChargingStation) {
	tenant := &storage.Tenant{ID: "t1", Name: "Test Tenant"}
	station := &storage.ChargingStation{
		TenantID:           "t1",
		StationID:          "CP-0001",
		Vendor:             "VendorX",
		Model:              "ModelY",
		OcppVersion:        "1.6",
		OcppTransport:      "JSON",
		RegistrationStatus: "Accepted",
		CurrentType:        "AC",
		Voltage:            230,
		Connectors: []storage.Connector{
			{ConnectorID: 1, Status: "Available", Type: "T2", Power: 22000, NumberOfPhases: 3},
		},
	}
	store.stations[station.StationID] = station

	store.tags["TAG-1"] = &storage.Tag{TenantID: "t1", ID: "TAG-1", UserID: "u1", Active: true}
	store.users["u1"] = &storage.User{TenantID: "t1", ID: "u1", Name: "Doe", FirstName: "Jo", Status: storage.UserStatusActive}

	return tenant, station
}

func testReqCtx() ocpp.RequestContext {
	return ocpp.RequestContext{
		TenantID:    "t1",
		ChargeBoxID: "CP-0001",
		ClientIP:    "10.0.0.9",
		Version:     ocpp.Version16,
		Transport:   ocpp.TransportJSON,
		ReceivedAt:  testStart,
	}
}

func startTestTransaction(t *testing.T, engine *Engine, tenant *storage.Tenant) int {
	t.Helper()

	resp, err := engine.HandleStartTransaction(context.Background(), testReqCtx(), tenant, &ocpp.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG-1",
		MeterStart:  0,
		Timestamp:   ocpp.NewDateTime(testStart),
	})
	if err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusAccepted {
		t.Fatalf("StartTransaction not accepted: %s", resp.IdTagInfo.Status)
	}
	if resp.TransactionId == 0 {
		t.Fatal("StartTransaction allocated transactionId 0")
	}
	return resp.TransactionId
}

func energySample(ts time.Time, wh float64) ocpp.MeterValue {
	return ocpp.MeterValue{
		Timestamp: ocpp.NewDateTime(ts),
		SampledValue: []ocpp.SampledValue{
			{Value: fmt.Sprintf("%g", wh), Measurand: ocpp.MeasurandEnergyActiveImportRegister, Unit: ocpp.UnitOfMeasureWh},
		},
	}
}

// TestStartTransactionHappyPath tests the basic start flow
func TestStartTransactionHappyPath(t *testing.T) {
	store := newFakeStore()
	tenant, station := seedStation(store)
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	transaction := store.transactions[transactionID]
	if transaction == nil {
		t.Fatal("Transaction not persisted")
	}
	if transaction.TagID != "TAG-1" || transaction.UserID != "u1" {
		t.Errorf("Transaction linkage wrong: tag=%s user=%s", transaction.TagID, transaction.UserID)
	}

	connector := station.ConnectorByID(1)
	if connector.CurrentTransactionID != transactionID {
		t.Errorf("Connector not linked to transaction: %d", connector.CurrentTransactionID)
	}
	if connector.CurrentTagID != "TAG-1" {
		t.Errorf("Connector tag mismatch: %s", connector.CurrentTagID)
	}

	// The synthetic Transaction.Begin interval exists.
	if len(store.consumptions) != 1 {
		t.Fatalf("Expected 1 begin consumption, got %d", len(store.consumptions))
	}
	if store.consumptions[0].ConsumptionWh != 0 {
		t.Errorf("Begin consumption should be zero, got %f", store.consumptions[0].ConsumptionWh)
	}
}

// TestStartTransactionTagBoundaries tests the 20-byte idTag limit
func TestStartTransactionTagBoundaries(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	tag20 := "12345678901234567890"
	tag21 := tag20 + "1"

	store.tags[tag20] = &storage.Tag{TenantID: "t1", ID: tag20, UserID: "u1", Active: true}

	resp, err := engine.HandleAuthorize(context.Background(), testReqCtx(), tenant, &ocpp.AuthorizeRequest{IdTag: ocpp.IdToken(tag20)})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusAccepted {
		t.Errorf("20-char tag should be Accepted, got %s", resp.IdTagInfo.Status)
	}

	resp, err = engine.HandleAuthorize(context.Background(), testReqCtx(), tenant, &ocpp.AuthorizeRequest{IdTag: ocpp.IdToken(tag21)})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusInvalid {
		t.Errorf("21-char tag should be Invalid, got %s", resp.IdTagInfo.Status)
	}

	resp, err = engine.HandleAuthorize(context.Background(), testReqCtx(), tenant, &ocpp.AuthorizeRequest{IdTag: ""})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusInvalid {
		t.Errorf("Empty tag should be Invalid, got %s", resp.IdTagInfo.Status)
	}

	startResp, err := engine.HandleStartTransaction(context.Background(), testReqCtx(), tenant, &ocpp.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       ocpp.IdToken(tag21),
		Timestamp:   ocpp.NewDateTime(testStart),
	})
	if err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	if startResp.TransactionId != 0 || startResp.IdTagInfo.Status != ocpp.AuthorizationStatusInvalid {
		t.Errorf("Over-long tag start should answer {0, Invalid}, got {%d, %s}", startResp.TransactionId, startResp.IdTagInfo.Status)
	}
}

// TestMeterValuesScenario runs 14 intervals of 60s: 12 with energy, 2 idle.
func TestMeterValuesScenario(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	// Two samples repeat the previous cumulative value: idle minutes.
	samples := []float64{120, 250, 360, 360, 500, 640, 770, 910, 1040, 1040, 1180, 1320, 1460, 1500}

	for i, wh := range samples {
		ts := testStart.Add(time.Duration(i+1) * time.Minute)
		req := &ocpp.MeterValuesRequest{
			ConnectorId:   1,
			TransactionId: &transactionID,
			MeterValue:    []ocpp.MeterValue{energySample(ts, wh)},
		}
		if _, err := engine.HandleMeterValues(context.Background(), testReqCtx(), tenant, req); err != nil {
			t.Fatalf("MeterValues %d failed: %v", i, err)
		}
	}

	transaction := store.transactions[transactionID]
	if transaction.CurrentTotalConsumptionWh != 1500 {
		t.Errorf("Expected running total 1500 Wh, got %f", transaction.CurrentTotalConsumptionWh)
	}
	if transaction.CurrentTotalInactivitySecs != 120 {
		t.Errorf("Expected 120s inactivity, got %d", transaction.CurrentTotalInactivitySecs)
	}
	if transaction.NumberOfMeterValues != 14 {
		t.Errorf("Expected 14 meter values, got %d", transaction.NumberOfMeterValues)
	}

	// Stop at t+14min with the final reading.
	stopResp, err := engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, &ocpp.StopTransactionRequest{
		TransactionId: transactionID,
		IdTag:         "TAG-1",
		MeterStop:     1500,
		Timestamp:     ocpp.NewDateTime(testStart.Add(14 * time.Minute)),
	})
	if err != nil {
		t.Fatalf("StopTransaction failed: %v", err)
	}
	if stopResp.IdTagInfo.Status != ocpp.AuthorizationStatusAccepted {
		t.Errorf("Stop not accepted: %s", stopResp.IdTagInfo.Status)
	}

	stop := transaction.Stop
	if stop == nil {
		t.Fatal("Stop block missing")
	}
	if stop.TotalConsumptionWh != 1500 {
		t.Errorf("Expected total 1500 Wh, got %f", stop.TotalConsumptionWh)
	}
	if stop.TotalInactivitySecs != 120 {
		t.Errorf("Expected 120s total inactivity, got %d", stop.TotalInactivitySecs)
	}
	if stop.TotalDurationSecs != 840 {
		t.Errorf("Expected 840s duration, got %d", stop.TotalDurationSecs)
	}
	if stop.InactivityStatus != storage.InactivityStatusInfo {
		t.Errorf("Expected inactivity status Info, got %s", stop.InactivityStatus)
	}

	// Flat tariff: 0.25/kWh over 1.5 kWh.
	if stop.Price < 0.374 || stop.Price > 0.376 {
		t.Errorf("Expected price 0.375, got %f", stop.Price)
	}
	if stop.PriceUnit != "EUR" {
		t.Errorf("Expected EUR, got %s", stop.PriceUnit)
	}

	// Consumption rows sum to the stop total (begin row is zero).
	var sum float64
	for _, c := range store.consumptions {
		sum += c.ConsumptionWh
	}
	if sum != stop.TotalConsumptionWh {
		t.Errorf("Consumption rows sum %f != stop total %f", sum, stop.TotalConsumptionWh)
	}

	// The user snapshot landed on the stop block.
	if stop.UserName != "Jo Doe" {
		t.Errorf("Expected user snapshot 'Jo Doe', got %q", stop.UserName)
	}
}

// TestSampleClockSkipped tests that a Sample.Clock reading never yields an
// interval but is persisted.
func TestSampleClockSkipped(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)
	beginRows := len(store.consumptions)

	t1 := testStart.Add(60 * time.Second)
	t2 := testStart.Add(90 * time.Second)
	t3 := testStart.Add(120 * time.Second)

	clock := ocpp.MeterValue{
		Timestamp: ocpp.NewDateTime(t2),
		SampledValue: []ocpp.SampledValue{
			{Value: "100", Measurand: ocpp.MeasurandEnergyActiveImportRegister, Context: ocpp.ReadingContextSampleClock},
		},
	}

	req := &ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &transactionID,
		MeterValue:    []ocpp.MeterValue{energySample(t1, 100), clock, energySample(t3, 200)},
	}
	if _, err := engine.HandleMeterValues(context.Background(), testReqCtx(), tenant, req); err != nil {
		t.Fatalf("MeterValues failed: %v", err)
	}

	intervals := store.consumptions[beginRows:]
	if len(intervals) != 2 {
		t.Fatalf("Expected 2 intervals, got %d", len(intervals))
	}

	// The second interval spans t1..t3, untouched by the clock sample.
	second := intervals[1]
	if !second.StartedAt.Equal(t1) || !second.EndedAt.Equal(t3) {
		t.Errorf("Second interval spans %v..%v, expected %v..%v", second.StartedAt, second.EndedAt, t1, t3)
	}

	// The clock sample was persisted as a meter value.
	found := false
	for _, record := range store.meterValues {
		if record.Context == string(ocpp.ReadingContextSampleClock) {
			found = true
		}
	}
	if !found {
		t.Error("Clock sample was not persisted")
	}
}

// TestStopTransactionIdZero tests the transactionId=0 firmware bug handling
func TestStopTransactionIdZero(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	resp, err := engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, &ocpp.StopTransactionRequest{
		TransactionId: 0,
		MeterStop:     100,
		Timestamp:     ocpp.NewDateTime(testStart),
	})
	if err != nil {
		t.Fatalf("StopTransaction failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusAccepted {
		t.Errorf("Expected Accepted, got %s", resp.IdTagInfo.Status)
	}
	if len(store.transactions) != 0 || len(store.consumptions) != 0 {
		t.Error("transactionId=0 must not mutate state")
	}
}

// TestStopTransactionTwice tests the idempotent rejection of a duplicate stop
func TestStopTransactionTwice(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	stop := &ocpp.StopTransactionRequest{
		TransactionId: transactionID,
		IdTag:         "TAG-1",
		MeterStop:     500,
		Timestamp:     ocpp.NewDateTime(testStart.Add(10 * time.Minute)),
	}

	if _, err := engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, stop); err != nil {
		t.Fatalf("First stop failed: %v", err)
	}

	firstStop := *store.transactions[transactionID].Stop

	if _, err := engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, stop); err == nil {
		t.Fatal("Second stop must fail")
	}

	if *store.transactions[transactionID].Stop != firstStop {
		t.Error("Second stop mutated the stop block")
	}
}

// TestStopWrongVersionTransactionData tests the protocol-version shape check
func TestStopWrongVersionTransactionData(t *testing.T) {
	store := newFakeStore()
	tenant, station := seedStation(store)
	station.OcppVersion = "1.5"
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	// 1.6-shaped transactionData on a station registered as 1.5.
	stop := &ocpp.StopTransactionRequest{
		TransactionId:   transactionID,
		IdTag:           "TAG-1",
		MeterStop:       500,
		Timestamp:       ocpp.NewDateTime(testStart.Add(10 * time.Minute)),
		TransactionData: ocpp.TransactionData(`[{"timestamp":"2024-03-01T10:10:00Z","sampledValue":[{"value":"500"}]}]`),
	}

	resp, err := engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, stop)
	if err != nil {
		t.Fatalf("Stop failed hard, expected soft Invalid: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusInvalid {
		t.Errorf("Expected Invalid, got %s", resp.IdTagInfo.Status)
	}
	if store.transactions[transactionID].Stop != nil {
		t.Error("Rejected stop must not write the stop block")
	}

	// A follow-up stop without transactionData succeeds.
	stop.TransactionData = nil
	resp, err = engine.HandleStopTransaction(context.Background(), testReqCtx(), tenant, stop)
	if err != nil {
		t.Fatalf("Follow-up stop failed: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationStatusAccepted {
		t.Errorf("Expected Accepted, got %s", resp.IdTagInfo.Status)
	}
}

// TestRecoveryStopsOrDeletes tests the stale-session cleanup
func TestRecoveryStopsOrDeletes(t *testing.T) {
	store := newFakeStore()
	tenant, station := seedStation(store)
	engine := newTestEngine(store)

	// A session with consumption is soft-stopped from its last cumulative.
	withEnergy := &storage.Transaction{
		TenantID:                  "t1",
		ID:                        42,
		ChargeBoxID:               station.StationID,
		ConnectorID:               1,
		TagID:                     "TAG-1",
		Timestamp:                 testStart.Add(-30 * time.Minute),
		MeterStart:                0,
		CurrentTotalConsumptionWh: 900,
		LastConsumption:           &storage.LastConsumption{Timestamp: testStart.Add(-5 * time.Minute), Value: 900},
	}
	store.transactions[42] = withEnergy
	station.ConnectorByID(1).CurrentTransactionID = 42

	if err := engine.StopOrDeleteActiveTransactions(context.Background(), tenant, station, 1); err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}

	if withEnergy.Stop == nil {
		t.Fatal("Transaction with consumption should be soft-stopped")
	}
	if withEnergy.Stop.MeterStop != 900 {
		t.Errorf("Soft stop meterStop should be the last cumulative, got %d", withEnergy.Stop.MeterStop)
	}

	// A session without consumption is deleted.
	empty := &storage.Transaction{
		TenantID:    "t1",
		ID:          43,
		ChargeBoxID: station.StationID,
		ConnectorID: 1,
		Timestamp:   testStart.Add(-2 * time.Minute),
	}
	store.transactions[43] = empty

	if err := engine.StopOrDeleteActiveTransactions(context.Background(), tenant, station, 1); err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}
	if _, ok := store.transactions[43]; ok {
		t.Error("Transaction without consumption should be deleted")
	}
}

// TestExtraInactivityOnce tests the at-most-once extra inactivity accounting
func TestExtraInactivityOnce(t *testing.T) {
	store := newFakeStore()
	tenant, station := seedStation(store)
	engine := newTestEngine(store)

	stopAt := testStart.Add(-10 * time.Minute)
	transaction := &storage.Transaction{
		TenantID:    "t1",
		ID:          7,
		ChargeBoxID: station.StationID,
		ConnectorID: 1,
		Timestamp:   stopAt.Add(-20 * time.Minute),
		Stop: &storage.TransactionStop{
			Timestamp:           stopAt,
			MeterStop:           1000,
			TotalConsumptionWh:  1000,
			TotalInactivitySecs: 60,
		},
	}
	store.transactions[7] = transaction

	availableAt := stopAt.Add(5 * time.Minute)
	if err := engine.ApplyExtraInactivity(context.Background(), tenant, station, 1, availableAt); err != nil {
		t.Fatalf("ApplyExtraInactivity failed: %v", err)
	}

	stop := transaction.Stop
	if !stop.ExtraInactivityComputed {
		t.Fatal("ExtraInactivityComputed not set")
	}
	if stop.ExtraInactivitySecs != 300 {
		t.Errorf("Expected 300s extra inactivity, got %d", stop.ExtraInactivitySecs)
	}
	if stop.TotalInactivitySecs != 360 {
		t.Errorf("Expected 360s total inactivity, got %d", stop.TotalInactivitySecs)
	}

	rows := len(store.consumptions)

	// A second Available notification must not double the accounting.
	if err := engine.ApplyExtraInactivity(context.Background(), tenant, station, 1, availableAt.Add(time.Minute)); err != nil {
		t.Fatalf("Second ApplyExtraInactivity failed: %v", err)
	}
	if stop.ExtraInactivitySecs != 300 || stop.TotalInactivitySecs != 360 {
		t.Error("Extra inactivity was applied twice")
	}
	if len(store.consumptions) != rows {
		t.Error("Extra inactivity interval was appended twice")
	}
}

// TestMeterValuesIdempotentReplay tests that replaying the same payload
// produces no additional intervals
func TestMeterValuesIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	req := &ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &transactionID,
		MeterValue:    []ocpp.MeterValue{energySample(testStart.Add(time.Minute), 200)},
	}

	if _, err := engine.HandleMeterValues(context.Background(), testReqCtx(), tenant, req); err != nil {
		t.Fatalf("MeterValues failed: %v", err)
	}
	rows := len(store.consumptions)

	if _, err := engine.HandleMeterValues(context.Background(), testReqCtx(), tenant, req); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(store.consumptions) != rows {
		t.Errorf("Replay produced %d extra intervals", len(store.consumptions)-rows)
	}
}

// TestCarClearedOnStart tests the one-shot car selection clearing
func TestCarClearedOnStart(t *testing.T) {
	store := newFakeStore()
	tenant, _ := seedStation(store)
	tenant.Components = map[string]bool{storage.ComponentCar: true}
	store.users["u1"].DefaultCarID = "car-9"
	engine := newTestEngine(store)

	transactionID := startTestTransaction(t, engine, tenant)

	if store.transactions[transactionID].CarID != "car-9" {
		t.Errorf("Transaction should carry the default car, got %q", store.transactions[transactionID].CarID)
	}
	if !store.carCleared {
		t.Error("Default car was not cleared at start")
	}
}
