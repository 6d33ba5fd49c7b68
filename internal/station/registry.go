// Package station implements the station registry and the per-connector
// status state machine: boot registration, template enrichment, liveness, and
// the policies applied to status transitions.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roiko/ev-server/internal/config"
	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// Registration failure modes surfaced as a Rejected boot.
var (
	ErrInvalidToken      = errors.New("registration token invalid, expired or revoked")
	ErrAttributeMismatch = errors.New("station attributes do not match the registered record")
)

// Store is the persistence surface the registry consumes
type Store interface {
	GetStation(ctx context.Context, tenantID, stationID string) (*storage.ChargingStation, error)
	SaveStation(ctx context.Context, station *storage.ChargingStation) error
	UpdateStationLastSeen(ctx context.Context, tenantID, stationID string, lastSeen time.Time, clientIP string) error
	SaveBootRecord(ctx context.Context, record *storage.BootRecord) error
	GetToken(ctx context.Context, tenantID, token string) (*storage.RegistrationToken, error)
}

// SessionControl is the slice of the transaction engine the status state
// machine drives. The engine satisfies it; the indirection breaks the
// station/session cycle.
type SessionControl interface {
	StopOrDeleteActiveTransactions(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connectorID int) error
	ApplyExtraInactivity(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connectorID int, availableAt time.Time) error
}

// Commander pushes configuration to a station after boot. The JSON transport
// implements it for connected stations; SOAP stations are reached through
// their callback endpoint by the (external) command surface.
type Commander interface {
	// ChangeConfiguration returns the station's answer status, e.g.
	// "Accepted", "Rejected", "NotSupported".
	ChangeConfiguration(ctx context.Context, tenantID, stationID, key, value string) (string, error)
}

// Registry maintains station identity and registration
type Registry struct {
	store     Store
	sessions  SessionControl
	templates *TemplateCatalog
	roaming   integration.Roaming
	smart     integration.SmartCharging
	notifier  integration.Notifier
	scheduler *integration.Scheduler
	commander Commander
	cfg       *config.OCPPConfig
	logger    *slog.Logger

	// Now is the injected clock.
	Now func() time.Time
}

// RegistryDeps bundles the registry's collaborators
type RegistryDeps struct {
	Store     Store
	Sessions  SessionControl
	Templates *TemplateCatalog
	Roaming   integration.Roaming
	Smart     integration.SmartCharging
	Notifier  integration.Notifier
	Scheduler *integration.Scheduler
	Commander Commander
	Config    *config.OCPPConfig
	Logger    *slog.Logger
}

// NewRegistry creates a station registry
func NewRegistry(deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		store:     deps.Store,
		sessions:  deps.Sessions,
		templates: deps.Templates,
		roaming:   deps.Roaming,
		smart:     deps.Smart,
		notifier:  deps.Notifier,
		scheduler: deps.Scheduler,
		commander: deps.Commander,
		cfg:       deps.Config,
		logger:    logger,
		Now:       time.Now,
	}

	if r.templates == nil {
		r.templates = DefaultTemplateCatalog()
	}
	if r.roaming == nil {
		r.roaming = integration.NoopRoaming{}
	}
	if r.smart == nil {
		r.smart = integration.NoopSmartCharging{}
	}
	if r.notifier == nil {
		r.notifier = integration.NewLogNotifier(logger)
	}

	return r
}

// HandleBootNotification registers or re-registers a station. Any failure
// answers Rejected with the retry interval and leaves state untouched.
func (r *Registry) HandleBootNotification(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.BootNotificationRequest) (*ocpp.BootNotificationResponse, error) {
	response, err := r.bootNotification(ctx, reqCtx, tenant, req)
	if err != nil {
		r.logger.Warn("BootNotification rejected",
			"tenant", tenant.ID,
			"station", reqCtx.ChargeBoxID,
			"vendor", req.ChargePointVendor,
			"model", req.ChargePointModel,
			"error", err.Error(),
		)

		r.saveBootRecord(ctx, reqCtx, tenant, req, string(ocpp.RegistrationStatusRejected), err.Error())

		return &ocpp.BootNotificationResponse{
			Status:      ocpp.RegistrationStatusRejected,
			CurrentTime: ocpp.NewDateTime(r.Now()),
			Interval:    r.rejectRetryInterval(),
		}, nil
	}

	return response, nil
}

func (r *Registry) bootNotification(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.BootNotificationRequest) (*ocpp.BootNotificationResponse, error) {
	if req.ChargePointVendor == "" || req.ChargePointModel == "" {
		return nil, fmt.Errorf("missing vendor or model")
	}

	lastReboot := reqCtx.ReceivedAt
	if lastReboot.IsZero() {
		lastReboot = r.Now()
	}

	station, err := r.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	isNew := errors.Is(err, storage.ErrStationNotFound)
	if err != nil && !isNew {
		return nil, err
	}

	if isNew {
		station, err = r.registerNewStation(ctx, reqCtx, tenant, req)
		if err != nil {
			return nil, err
		}
	} else {
		if err := r.checkRebootAttributes(station, req); err != nil {
			return nil, err
		}

		r.warnOnDuplicateIdentity(station, reqCtx, lastReboot)

		station.SerialNumber = req.SerialNumber()
		station.FirmwareVersion = req.FirmwareVersion
		station.Deleted = false
		station.RegistrationStatus = string(ocpp.RegistrationStatusAccepted)
	}

	station.OcppVersion = string(reqCtx.Version)
	station.OcppTransport = string(reqCtx.Transport)
	station.LastReboot = lastReboot
	station.LastSeen = lastReboot
	station.CurrentIP = reqCtx.ClientIP
	if reqCtx.Endpoint != "" {
		station.Endpoint = reqCtx.Endpoint
	}

	templateResult := r.templates.Apply(station, req.FirmwareVersion)

	if err := r.store.SaveStation(ctx, station); err != nil {
		return nil, err
	}

	r.saveBootRecord(ctx, reqCtx, tenant, req, string(ocpp.RegistrationStatusAccepted), "")

	r.schedulePostBootConfiguration(tenant, station, templateResult)

	if isNew && r.scheduler != nil {
		st := *station
		r.scheduler.Submit("station-registered-notification", func(ctx context.Context) {
			r.notifier.StationRegistered(ctx, &st)
		})
	}

	r.logger.Info("BootNotification accepted",
		"tenant", tenant.ID,
		"station", station.StationID,
		"vendor", station.Vendor,
		"model", station.Model,
		"firmware", station.FirmwareVersion,
		"version", station.OcppVersion,
		"new", isNew,
	)

	return &ocpp.BootNotificationResponse{
		Status:      ocpp.RegistrationStatusAccepted,
		CurrentTime: ocpp.NewDateTime(station.LastReboot),
		Interval:    r.heartbeatInterval(reqCtx.Transport),
	}, nil
}

// registerNewStation creates the station record after validating the
// registration token.
func (r *Registry) registerNewStation(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.BootNotificationRequest) (*storage.ChargingStation, error) {
	if reqCtx.Token == "" {
		return nil, fmt.Errorf("unknown station and no registration token: %w", ErrInvalidToken)
	}

	token, err := r.store.GetToken(ctx, tenant.ID, reqCtx.Token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !token.Valid(r.Now()) {
		return nil, ErrInvalidToken
	}

	station := &storage.ChargingStation{
		TenantID:           tenant.ID,
		StationID:          reqCtx.ChargeBoxID,
		Vendor:             req.ChargePointVendor,
		Model:              req.ChargePointModel,
		SerialNumber:       req.SerialNumber(),
		FirmwareVersion:    req.FirmwareVersion,
		RegistrationStatus: string(ocpp.RegistrationStatusAccepted),
		CurrentType:        "AC",
		Issuer:             true,
		SiteAreaID:         token.SiteAreaID,
		SiteID:             token.SiteID,
	}

	return station, nil
}

// checkRebootAttributes rejects a re-boot whose identity drifted from the
// registered record. Serial numbers only count when both sides declare one.
func (r *Registry) checkRebootAttributes(station *storage.ChargingStation, req *ocpp.BootNotificationRequest) error {
	if station.Vendor != req.ChargePointVendor {
		return fmt.Errorf("vendor %q != %q: %w", req.ChargePointVendor, station.Vendor, ErrAttributeMismatch)
	}
	if station.Model != req.ChargePointModel {
		return fmt.Errorf("model %q != %q: %w", req.ChargePointModel, station.Model, ErrAttributeMismatch)
	}

	serial := req.SerialNumber()
	if serial != "" && station.SerialNumber != "" && station.SerialNumber != serial {
		return fmt.Errorf("serial %q != %q: %w", serial, station.SerialNumber, ErrAttributeMismatch)
	}

	return nil
}

// warnOnDuplicateIdentity flags a boot from a different address while the
// registered station still looks online: a likely cloned ChargeBoxIdentity.
func (r *Registry) warnOnDuplicateIdentity(station *storage.ChargingStation, reqCtx ocpp.RequestContext, now time.Time) {
	maxInterval := 540
	if r.cfg != nil && r.cfg.MaxLastSeenIntervalSecs > 0 {
		maxInterval = r.cfg.MaxLastSeenIntervalSecs
	}

	online := now.Sub(station.LastSeen) <= time.Duration(maxInterval)*time.Second
	if online && station.CurrentIP != "" && reqCtx.ClientIP != "" && station.CurrentIP != reqCtx.ClientIP {
		r.logger.Warn("Boot from a different address while station is online, possible duplicate identity",
			"tenant", station.TenantID,
			"station", station.StationID,
			"known_ip", station.CurrentIP,
			"boot_ip", reqCtx.ClientIP,
		)
	}
}

// schedulePostBootConfiguration pushes the heartbeat interval and any
// template-prescribed keys, off the hot path. Failure never un-accepts the
// boot.
func (r *Registry) schedulePostBootConfiguration(tenant *storage.Tenant, station *storage.ChargingStation, templateResult TemplateResult) {
	if r.scheduler == nil || r.commander == nil {
		return
	}

	delay := 3 * time.Second
	if r.cfg != nil && r.cfg.PostBootConfigDelayMs > 0 {
		delay = r.cfg.PostBootConfigDelay()
	}

	tenantID := tenant.ID
	stationID := station.StationID
	interval := fmt.Sprintf("%d", r.heartbeatInterval(ocpp.Transport(station.OcppTransport)))
	keys := templateResult.ConfigurationKeys

	r.scheduler.SubmitAfter(delay, "post-boot-configuration", func(ctx context.Context) {
		// Firmwares disagree on the key spelling; one accepted answer is
		// enough, an error only when both fail.
		statusA, errA := r.commander.ChangeConfiguration(ctx, tenantID, stationID, "HeartBeatInterval", interval)
		statusB, errB := r.commander.ChangeConfiguration(ctx, tenantID, stationID, "HeartbeatInterval", interval)
		if (errA != nil || statusA != "Accepted") && (errB != nil || statusB != "Accepted") {
			r.logger.Error("Failed to set heartbeat interval with both key spellings",
				"tenant", tenantID,
				"station", stationID,
				"status_a", statusA,
				"status_b", statusB,
			)
		}

		for key, value := range keys {
			status, err := r.commander.ChangeConfiguration(ctx, tenantID, stationID, key, value)
			if err != nil || status != "Accepted" {
				r.logger.Warn("Template configuration key not applied",
					"tenant", tenantID,
					"station", stationID,
					"key", key,
					"status", status,
				)
			}
		}
	})
}

// HandleHeartbeat refreshes liveness and returns the server wallclock.
func (r *Registry) HandleHeartbeat(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, _ *ocpp.HeartbeatRequest) (*ocpp.HeartbeatResponse, error) {
	now := r.Now()

	if err := r.store.UpdateStationLastSeen(ctx, tenant.ID, reqCtx.ChargeBoxID, now, reqCtx.ClientIP); err != nil {
		return nil, err
	}

	return &ocpp.HeartbeatResponse{CurrentTime: ocpp.NewDateTime(now)}, nil
}

func (r *Registry) heartbeatInterval(transport ocpp.Transport) int {
	if r.cfg == nil {
		return 3600
	}
	return r.cfg.HeartbeatInterval(string(transport))
}

func (r *Registry) rejectRetryInterval() int {
	if r.cfg == nil || r.cfg.BootRejectRetrySecs <= 0 {
		return 600
	}
	return r.cfg.BootRejectRetrySecs
}

func (r *Registry) saveBootRecord(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.BootNotificationRequest, status, reason string) {
	record := &storage.BootRecord{
		TenantID:        tenant.ID,
		StationID:       reqCtx.ChargeBoxID,
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    req.SerialNumber(),
		FirmwareVersion: req.FirmwareVersion,
		OcppVersion:     string(reqCtx.Version),
		OcppTransport:   string(reqCtx.Transport),
		ClientIP:        reqCtx.ClientIP,
		Status:          status,
		Reason:          reason,
		Timestamp:       reqCtx.ReceivedAt,
	}

	if err := r.store.SaveBootRecord(ctx, record); err != nil {
		r.logger.Warn("Failed to save boot record",
			"tenant", tenant.ID,
			"station", reqCtx.ChargeBoxID,
			"error", err.Error(),
		)
	}
}
