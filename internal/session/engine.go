// Package session implements the transaction engine: the lifecycle of a
// charging session from StartTransaction through sampled meter values to the
// stop block, plus the recovery paths vendor firmwares make necessary.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/roiko/ev-server/internal/config"
	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/storage"
)

// Store is the persistence surface the engine consumes. *storage.Facade
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetStation(ctx context.Context, tenantID, stationID string) (*storage.ChargingStation, error)
	SaveStation(ctx context.Context, station *storage.ChargingStation) error
	UpdateStationLastSeen(ctx context.Context, tenantID, stationID string, lastSeen time.Time, clientIP string) error

	GetTag(ctx context.Context, tenantID, tagID string) (*storage.Tag, error)
	GetUser(ctx context.Context, tenantID, userID string) (*storage.User, error)
	ClearDefaultCar(ctx context.Context, tenantID, userID string) error

	NextTransactionID(ctx context.Context, tenantID string) (int, error)
	CreateTransaction(ctx context.Context, transaction *storage.Transaction) error
	SaveTransaction(ctx context.Context, transaction *storage.Transaction) error
	GetTransaction(ctx context.Context, tenantID string, transactionID int) (*storage.Transaction, error)
	GetActiveTransaction(ctx context.Context, tenantID, stationID string, connectorID int) (*storage.Transaction, error)
	GetLastTransaction(ctx context.Context, tenantID, stationID string, connectorID int) (*storage.Transaction, error)
	DeleteTransaction(ctx context.Context, tenantID string, transactionID int) error

	SaveConsumption(ctx context.Context, consumption *storage.Consumption) error
	SaveMeterValues(ctx context.Context, records []storage.MeterValueRecord) error
}

// CdrPusher publishes a transaction's CDR exactly once. Implemented by
// integration.CdrDispatcher.
type CdrPusher interface {
	Push(ctx context.Context, protocol integration.Protocol, transaction *storage.Transaction, station *storage.ChargingStation, markPushed func(pushedAt time.Time)) error
}

// Engine drives transactions. One instance serves all tenants; per-request
// state travels through explicit parameters, never through the engine.
type Engine struct {
	store      Store
	pricer     integration.Pricer
	biller     integration.Biller
	roaming    integration.Roaming
	cdr        CdrPusher
	smart      integration.SmartCharging
	notifier   integration.Notifier
	classifier integration.InactivityClassifier
	scheduler  *integration.Scheduler
	cfg        *config.OCPPConfig
	logger     *slog.Logger

	// Now is the injected clock. Tests drive deterministic scenarios
	// through it.
	Now func() time.Time
}

// EngineDeps bundles the engine's collaborators
type EngineDeps struct {
	Store      Store
	Pricer     integration.Pricer
	Biller     integration.Biller
	Roaming    integration.Roaming
	Cdr        CdrPusher
	Smart      integration.SmartCharging
	Notifier   integration.Notifier
	Classifier integration.InactivityClassifier
	Scheduler  *integration.Scheduler
	Config     *config.OCPPConfig
	Logger     *slog.Logger
}

// NewEngine creates a transaction engine
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:      deps.Store,
		pricer:     deps.Pricer,
		biller:     deps.Biller,
		roaming:    deps.Roaming,
		cdr:        deps.Cdr,
		smart:      deps.Smart,
		notifier:   deps.Notifier,
		classifier: deps.Classifier,
		scheduler:  deps.Scheduler,
		cfg:        deps.Config,
		logger:     logger,
		Now:        time.Now,
	}

	if e.pricer == nil {
		e.pricer = integration.NoopPricer{}
	}
	if e.biller == nil {
		e.biller = integration.NoopBiller{}
	}
	if e.roaming == nil {
		e.roaming = integration.NoopRoaming{}
	}
	if e.smart == nil {
		e.smart = integration.NoopSmartCharging{}
	}
	if e.notifier == nil {
		e.notifier = integration.NewLogNotifier(logger)
	}
	if e.classifier == nil {
		e.classifier = integration.ThresholdClassifier{WarningSecs: 1800, ErrorSecs: 3600}
	}

	return e
}

// roamingProtocol picks the active roaming flavor for a tenant, or "".
func roamingProtocol(tenant *storage.Tenant) integration.Protocol {
	if tenant.ComponentActive(storage.ComponentOCPI) {
		return integration.ProtocolOCPI
	}
	if tenant.ComponentActive(storage.ComponentOICP) {
		return integration.ProtocolOICP
	}
	return ""
}

// priceAndBill runs the inline pricing and billing side effects. Billing
// failure is soft: logged, never escalated to the station.
func (e *Engine) priceAndBill(ctx context.Context, action integration.Action, transaction *storage.Transaction, consumption *storage.Consumption) {
	if err := e.pricer.Price(ctx, action, transaction, consumption); err != nil {
		e.logger.Error("Pricing failed",
			"tenant", transaction.TenantID,
			"transaction", transaction.ID,
			"action", string(action),
			"error", err.Error(),
		)
	}

	if err := e.biller.Bill(ctx, action, transaction); err != nil {
		e.logger.Error("Billing failed",
			"tenant", transaction.TenantID,
			"transaction", transaction.ID,
			"action", string(action),
			"error", err.Error(),
		)
	}
}

// outboundCtx bounds an outbound integration call.
func (e *Engine) outboundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := 10 * time.Second
	if e.cfg != nil && e.cfg.PerCallTimeoutMs > 0 {
		timeout = e.cfg.PerCallTimeout()
	}
	return context.WithTimeout(ctx, timeout)
}
