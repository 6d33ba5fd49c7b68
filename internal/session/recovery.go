package session

import (
	"context"
	"fmt"

	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// StopOrDeleteActiveTransactions finishes or discards whatever is still open
// on a connector. Sessions that consumed nothing are deleted; the rest are
// soft-stopped with their last known cumulative value. Invoked before a new
// StartTransaction and when a connector reports Available with a session
// still attached (the ABB-class lost-stop bug).
func (e *Engine) StopOrDeleteActiveTransactions(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connectorID int) error {
	lastSeenID := 0

	for {
		transaction, err := e.store.GetActiveTransaction(ctx, tenant.ID, station.StationID, connectorID)
		if err != nil {
			return fmt.Errorf("failed to look up active transaction: %w", err)
		}
		if transaction == nil {
			return nil
		}

		// Fixed point: seeing the same id twice means neither path made
		// progress. Bail out rather than loop forever.
		if transaction.ID == lastSeenID {
			e.logger.Error("Active transaction cleanup is not converging",
				"tenant", tenant.ID,
				"station", station.StationID,
				"connector", connectorID,
				"transaction", transaction.ID,
			)
			return nil
		}
		lastSeenID = transaction.ID

		if transaction.CurrentTotalConsumptionWh <= 0 {
			e.logger.Info("Deleting stale transaction without consumption",
				"tenant", tenant.ID,
				"station", station.StationID,
				"connector", connectorID,
				"transaction", transaction.ID,
			)
			if err := e.store.DeleteTransaction(ctx, tenant.ID, transaction.ID); err != nil {
				return fmt.Errorf("failed to delete stale transaction %d: %w", transaction.ID, err)
			}
			continue
		}

		e.logger.Info("Soft-stopping stale transaction",
			"tenant", tenant.ID,
			"station", station.StationID,
			"connector", connectorID,
			"transaction", transaction.ID,
			"total_wh", transaction.CurrentTotalConsumptionWh,
		)
		if err := e.SoftStop(ctx, tenant, station, transaction, ocpp.ReasonOther); err != nil {
			return fmt.Errorf("failed to soft-stop transaction %d: %w", transaction.ID, err)
		}
	}
}
