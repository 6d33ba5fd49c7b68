package session

import (
	"context"
	"time"

	"github.com/roiko/ev-server/internal/storage"
)

// ApplyExtraInactivity accounts the gap between a transaction's stop and the
// connector's return to Available: the cable stayed plugged, nobody charged.
// The gap is added to the stop totals, the inactivity grade is recomputed, a
// zero-consumption interval covers it, and the roaming CDR goes out. The
// extraInactivityComputed guard makes the whole operation run at most once
// per transaction.
func (e *Engine) ApplyExtraInactivity(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connectorID int, availableAt time.Time) error {
	transaction, err := e.lastStoppedTransaction(ctx, tenant, station, connectorID)
	if err != nil || transaction == nil {
		return err
	}
	if transaction.Stop.ExtraInactivityComputed {
		return nil
	}

	extraSecs := int(availableAt.Sub(transaction.Stop.Timestamp).Seconds())
	if extraSecs < 0 {
		extraSecs = 0
	}

	stop := transaction.Stop
	stop.ExtraInactivitySecs = extraSecs
	stop.ExtraInactivityComputed = true
	stop.TotalInactivitySecs += extraSecs
	stop.TotalDurationSecs = int(availableAt.Sub(transaction.Timestamp).Seconds())
	stop.InactivityStatus = e.classifier.Classify(station, connectorID, stop.TotalInactivitySecs)

	if extraSecs > 0 {
		interval := extraInactivityInterval(transaction, availableAt)
		if err := e.store.SaveConsumption(ctx, &interval); err != nil {
			e.logger.Error("Failed to save extra-inactivity consumption",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"error", err.Error(),
			)
		}
	}

	if err := e.store.SaveTransaction(ctx, transaction); err != nil {
		return err
	}

	e.logger.Info("Extra inactivity accounted",
		"tenant", tenant.ID,
		"station", station.StationID,
		"connector", connectorID,
		"transaction", transaction.ID,
		"extra_secs", extraSecs,
		"inactivity_status", stop.InactivityStatus,
	)

	// The session is final now: publish the CDR for roaming sessions.
	e.pushCdrForTransaction(ctx, tenant, station, transaction)

	return nil
}

// lastStoppedTransaction finds the connector's most recent transaction if it
// is closed.
func (e *Engine) lastStoppedTransaction(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connectorID int) (*storage.Transaction, error) {
	transaction, err := e.store.GetLastTransaction(ctx, tenant.ID, station.StationID, connectorID)
	if err != nil {
		return nil, err
	}
	if transaction == nil || transaction.Stop == nil {
		return nil, nil
	}
	return transaction, nil
}

// pushCdrForTransaction publishes the CDR behind the per-transaction dedup
// lock. Failure is soft.
func (e *Engine) pushCdrForTransaction(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, transaction *storage.Transaction) {
	if e.cdr == nil || transactionRoamingData(transaction) == nil {
		return
	}

	protocol := roamingProtocol(tenant)
	if protocol == "" {
		return
	}

	err := e.cdr.Push(ctx, protocol, transaction, station, func(pushedAt time.Time) {
		data := transactionRoamingData(transaction)
		if data == nil {
			return
		}
		data.CdrPushed = true
		data.CdrPushedAt = &pushedAt
		if err := e.store.SaveTransaction(ctx, transaction); err != nil {
			e.logger.Error("Failed to persist CDR publication state",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"error", err.Error(),
			)
		}
	})
	if err != nil {
		e.logger.Error("CDR push failed",
			"tenant", tenant.ID,
			"transaction", transaction.ID,
			"protocol", string(protocol),
			"error", err.Error(),
		)
	}
}

func transactionRoamingData(transaction *storage.Transaction) *storage.RoamingData {
	if transaction.OcpiData != nil {
		return transaction.OcpiData
	}
	return transaction.OicpData
}
