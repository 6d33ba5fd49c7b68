package station

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/roiko/ev-server/internal/config"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// fakeStore is an in-memory Store for registry tests
type fakeStore struct {
	stations map[string]*storage.ChargingStation
	tokens   map[string]*storage.RegistrationToken
	boots    []storage.BootRecord
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stations: make(map[string]*storage.ChargingStation),
		tokens:   make(map[string]*storage.RegistrationToken),
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
	f.saves++
	return nil
}

func (f *fakeStore) UpdateStationLastSeen(_ context.Context, _, stationID string, lastSeen time.Time, clientIP string) error {
	station, ok := f.stations[stationID]
	if !ok {
		return storage.ErrStationNotFound
	}
	station.LastSeen = lastSeen
	if clientIP != "" {
		station.CurrentIP = clientIP
	}
	return nil
}

func (f *fakeStore) SaveBootRecord(_ context.Context, record *storage.BootRecord) error {
	f.boots = append(f.boots, *record)
	return nil
}

func (f *fakeStore) GetToken(_ context.Context, _, token string) (*storage.RegistrationToken, error) {
	registration, ok := f.tokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return registration, nil
}

// fakeSessions records SessionControl calls
type fakeSessions struct {
	recovered       []int
	extraInactivity []int
}

func (f *fakeSessions) StopOrDeleteActiveTransactions(_ context.Context, _ *storage.Tenant, _ *storage.ChargingStation, connectorID int) error {
	f.recovered = append(f.recovered, connectorID)
	return nil
}

func (f *fakeSessions) ApplyExtraInactivity(_ context.Context, _ *storage.Tenant, _ *storage.ChargingStation, connectorID int, _ time.Time) error {
	f.extraInactivity = append(f.extraInactivity, connectorID)
	return nil
}

var bootTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestRegistry(store *fakeStore, sessions SessionControl) *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := NewRegistry(RegistryDeps{
		Store:    store,
		Sessions: sessions,
		Config: &config.OCPPConfig{
			HeartbeatIntervalOCPPSSecs: 180,
			HeartbeatIntervalOCPPJSecs: 3600,
			BootRejectRetrySecs:        600,
			MaxLastSeenIntervalSecs:    540,
		},
		Logger: logger,
	})
	registry.Now = func() time.Time { return bootTime }
	return registry
}

func bootReqCtx(token string) ocpp.RequestContext {
	return ocpp.RequestContext{
		TenantID:    "t1",
		ChargeBoxID: "CP-0001",
		ClientIP:    "10.0.0.9",
		Version:     ocpp.Version16,
		Transport:   ocpp.TransportJSON,
		Token:       token,
		ReceivedAt:  bootTime,
	}
}

func bootRequest() *ocpp.BootNotificationRequest {
	return &ocpp.BootNotificationRequest{
		ChargePointVendor:       "ABB",
		ChargePointModel:        "Terra",
		ChargePointSerialNumber: "SN-1",
		FirmwareVersion:         "1.0.0",
	}
}

var testTenant = &storage.Tenant{ID: "t1", Name: "Test Tenant"}

// TestBootNewStationWithoutToken tests that an unknown station needs a token
func TestBootNewStationWithoutToken(t *testing.T) {
	store := newFakeStore()
	registry := newTestRegistry(store, nil)

	resp, err := registry.HandleBootNotification(context.Background(), bootReqCtx(""), testTenant, bootRequest())
	if err != nil {
		t.Fatalf("BootNotification failed: %v", err)
	}

	if resp.Status != ocpp.RegistrationStatusRejected {
		t.Errorf("Expected Rejected, got %s", resp.Status)
	}
	if resp.Interval != 600 {
		t.Errorf("Expected retry interval 600, got %d", resp.Interval)
	}
	if len(store.stations) != 0 {
		t.Error("Rejected boot must not create a station")
	}
	if len(store.boots) != 1 || store.boots[0].Status != "Rejected" {
		t.Error("Rejected boot must leave a boot record")
	}
}

// TestBootNewStationWithToken tests first registration
func TestBootNewStationWithToken(t *testing.T) {
	store := newFakeStore()
	store.tokens["tok-1"] = &storage.RegistrationToken{TenantID: "t1", Token: "tok-1", SiteAreaID: "sa-1"}
	registry := newTestRegistry(store, nil)

	resp, err := registry.HandleBootNotification(context.Background(), bootReqCtx("tok-1"), testTenant, bootRequest())
	if err != nil {
		t.Fatalf("BootNotification failed: %v", err)
	}

	if resp.Status != ocpp.RegistrationStatusAccepted {
		t.Fatalf("Expected Accepted, got %s", resp.Status)
	}
	if resp.Interval != 3600 {
		t.Errorf("Expected JSON heartbeat interval 3600, got %d", resp.Interval)
	}
	if !resp.CurrentTime.Equal(bootTime) {
		t.Errorf("currentTime should be the reboot time, got %v", resp.CurrentTime.Time)
	}

	station := store.stations["CP-0001"]
	if station == nil {
		t.Fatal("Station not created")
	}
	if station.Vendor != "ABB" || station.Model != "Terra" || station.SerialNumber != "SN-1" {
		t.Errorf("Station attributes wrong: %+v", station)
	}
	if !station.Issuer {
		t.Error("New station should be issuer")
	}
	if station.SiteAreaID != "sa-1" {
		t.Errorf("Token site area not linked: %q", station.SiteAreaID)
	}
	if station.OcppVersion != "1.6" || station.OcppTransport != "JSON" {
		t.Errorf("Protocol fields wrong: %s/%s", station.OcppVersion, station.OcppTransport)
	}

	// The ABB template applied.
	if station.CurrentType != "AC" || station.Voltage != 230 {
		t.Errorf("Template not applied: %s/%f", station.CurrentType, station.Voltage)
	}
}

// TestBootExpiredToken tests expired and revoked tokens
func TestBootExpiredToken(t *testing.T) {
	expired := bootTime.Add(-time.Hour)

	cases := map[string]*storage.RegistrationToken{
		"expired": {TenantID: "t1", Token: "tok-1", ExpirationDate: &expired},
		"revoked": {TenantID: "t1", Token: "tok-1", RevocationDate: &expired},
	}

	for name, token := range cases {
		store := newFakeStore()
		store.tokens["tok-1"] = token
		registry := newTestRegistry(store, nil)

		resp, err := registry.HandleBootNotification(context.Background(), bootReqCtx("tok-1"), testTenant, bootRequest())
		if err != nil {
			t.Fatalf("%s: BootNotification failed: %v", name, err)
		}
		if resp.Status != ocpp.RegistrationStatusRejected {
			t.Errorf("%s: expected Rejected, got %s", name, resp.Status)
		}
	}
}

// TestBootAttributeMismatch tests serial drift rejection
func TestBootAttributeMismatch(t *testing.T) {
	store := newFakeStore()
	store.stations["CP-0001"] = &storage.ChargingStation{
		TenantID:     "t1",
		StationID:    "CP-0001",
		Vendor:       "ABB",
		Model:        "Terra",
		SerialNumber: "SN-OLD",
	}
	registry := newTestRegistry(store, nil)

	req := bootRequest() // serial SN-1 != SN-OLD
	resp, err := registry.HandleBootNotification(context.Background(), bootReqCtx(""), testTenant, req)
	if err != nil {
		t.Fatalf("BootNotification failed: %v", err)
	}

	if resp.Status != ocpp.RegistrationStatusRejected {
		t.Errorf("Expected Rejected on serial mismatch, got %s", resp.Status)
	}
	if store.stations["CP-0001"].SerialNumber != "SN-OLD" {
		t.Error("Rejected boot mutated the station")
	}
}

// TestBootIdempotent tests that re-booting with the same identity accepts and
// only refreshes liveness fields
func TestBootIdempotent(t *testing.T) {
	store := newFakeStore()
	store.tokens["tok-1"] = &storage.RegistrationToken{TenantID: "t1", Token: "tok-1"}
	registry := newTestRegistry(store, nil)

	if _, err := registry.HandleBootNotification(context.Background(), bootReqCtx("tok-1"), testTenant, bootRequest()); err != nil {
		t.Fatalf("First boot failed: %v", err)
	}

	later := bootTime.Add(time.Hour)
	registry.Now = func() time.Time { return later }

	req := bootRequest()
	req.FirmwareVersion = "1.1.0"
	ctx2 := bootReqCtx("")
	ctx2.ReceivedAt = later

	resp, err := registry.HandleBootNotification(context.Background(), ctx2, testTenant, req)
	if err != nil {
		t.Fatalf("Second boot failed: %v", err)
	}
	if resp.Status != ocpp.RegistrationStatusAccepted {
		t.Fatalf("Expected Accepted, got %s", resp.Status)
	}

	station := store.stations["CP-0001"]
	if !station.LastReboot.Equal(later) || !station.LastSeen.Equal(later) {
		t.Error("Liveness fields not refreshed on re-boot")
	}
	if station.FirmwareVersion != "1.1.0" {
		t.Errorf("Firmware not refreshed: %s", station.FirmwareVersion)
	}
	if station.Vendor != "ABB" || station.Model != "Terra" {
		t.Error("Identity fields changed on re-boot")
	}
}

// TestHeartbeat tests the liveness refresh
func TestHeartbeat(t *testing.T) {
	store := newFakeStore()
	store.stations["CP-0001"] = &storage.ChargingStation{TenantID: "t1", StationID: "CP-0001"}
	registry := newTestRegistry(store, nil)

	resp, err := registry.HandleHeartbeat(context.Background(), bootReqCtx(""), testTenant, &ocpp.HeartbeatRequest{})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if !resp.CurrentTime.Equal(bootTime) {
		t.Errorf("Heartbeat should return server wallclock, got %v", resp.CurrentTime.Time)
	}
	if !store.stations["CP-0001"].LastSeen.Equal(bootTime) {
		t.Error("LastSeen not updated")
	}
}
