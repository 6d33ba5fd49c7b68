package integration

import (
	"context"
	"log/slog"

	"github.com/roiko/ev-server/internal/storage"
)

// LogNotifier is the built-in notifier: it records every event in the
// structured log. Real dispatchers (mail, push) implement Notifier outside
// the core.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier writing to the given logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// StationRegistered logs a first accepted boot
func (n *LogNotifier) StationRegistered(_ context.Context, station *storage.ChargingStation) {
	n.logger.Info("Notification: station registered",
		"tenant", station.TenantID,
		"station", station.StationID,
	)
}

// SessionStarted logs a started charging session
func (n *LogNotifier) SessionStarted(_ context.Context, transaction *storage.Transaction, station *storage.ChargingStation) {
	n.logger.Info("Notification: session started",
		"tenant", transaction.TenantID,
		"station", station.StationID,
		"transaction", transaction.ID,
	)
}

// EndOfCharge logs an end-of-charge detection
func (n *LogNotifier) EndOfCharge(_ context.Context, transaction *storage.Transaction, station *storage.ChargingStation) {
	n.logger.Info("Notification: end of charge",
		"tenant", transaction.TenantID,
		"station", station.StationID,
		"transaction", transaction.ID,
		"consumption_wh", transaction.CurrentTotalConsumptionWh,
	)
}

// OptimalChargeReached logs the optimal-charge threshold crossing
func (n *LogNotifier) OptimalChargeReached(_ context.Context, transaction *storage.Transaction, station *storage.ChargingStation) {
	n.logger.Info("Notification: optimal charge reached",
		"tenant", transaction.TenantID,
		"station", station.StationID,
		"transaction", transaction.ID,
		"soc", transaction.CurrentStateOfCharge,
	)
}

// EndOfSession logs a finished session
func (n *LogNotifier) EndOfSession(_ context.Context, transaction *storage.Transaction, station *storage.ChargingStation) {
	n.logger.Info("Notification: end of session",
		"tenant", transaction.TenantID,
		"station", station.StationID,
		"transaction", transaction.ID,
	)
}

// SignedSession logs a session that carried signed meter data
func (n *LogNotifier) SignedSession(_ context.Context, transaction *storage.Transaction, station *storage.ChargingStation) {
	n.logger.Info("Notification: signed session data",
		"tenant", transaction.TenantID,
		"station", station.StationID,
		"transaction", transaction.ID,
	)
}

// StatusError logs a faulted connector
func (n *LogNotifier) StatusError(_ context.Context, station *storage.ChargingStation, connector *storage.Connector) {
	n.logger.Warn("Notification: connector error",
		"tenant", station.TenantID,
		"station", station.StationID,
		"connector", connector.ConnectorID,
		"error_code", connector.ErrorCode,
	)
}
