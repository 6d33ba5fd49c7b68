package session

import (
	"context"
	"fmt"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// HandleStartTransaction processes a StartTransaction request. A refused tag
// answers {transactionId: 0} with the tag's own status; any other failure
// answers {transactionId: 0, status: Invalid}, directly or through the
// dispatcher's rejection, so the station releases the connector.
func (e *Engine) HandleStartTransaction(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.StartTransactionRequest) (*ocpp.StartTransactionResponse, error) {
	rejected := &ocpp.StartTransactionResponse{
		TransactionId: 0,
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusInvalid},
	}

	station, err := e.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	if req.ConnectorId < 1 {
		e.logger.Warn("StartTransaction with invalid connector",
			"tenant", tenant.ID,
			"station", station.StationID,
			"connector", req.ConnectorId,
		)
		return rejected, nil
	}

	auth := e.resolveAuthorization(ctx, tenant, station, req.IdTag.String())
	if !auth.Accepted() {
		return &ocpp.StartTransactionResponse{
			TransactionId: 0,
			IdTagInfo:     ocpp.IdTagInfo{Status: auth.Status},
		}, nil
	}

	// Vendor firmwares lose stop frames; anything still open on this
	// connector is finished or discarded before the new session starts.
	if err := e.StopOrDeleteActiveTransactions(ctx, tenant, station, req.ConnectorId); err != nil {
		e.logger.Error("Failed to clean up ongoing transactions",
			"tenant", tenant.ID,
			"station", station.StationID,
			"connector", req.ConnectorId,
			"error", err.Error(),
		)
		return rejected, nil
	}

	transactionID, err := e.store.NextTransactionID(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate transaction id: %w", err)
	}

	transaction := &storage.Transaction{
		TenantID:    tenant.ID,
		ID:          transactionID,
		ChargeBoxID: station.StationID,
		ConnectorID: req.ConnectorId,
		TagID:       req.IdTag.String(),
		SiteAreaID:  station.SiteAreaID,
		SiteID:      station.SiteID,
		Issuer:      true,
		Timestamp:   req.Timestamp.Time,
		MeterStart:  req.MeterStart,
	}

	if auth.User != nil {
		transaction.UserID = auth.User.ID
		if tenant.ComponentActive(storage.ComponentCar) {
			transaction.CarID = auth.User.DefaultCarID
			// The user's pre-selected car is a one-shot choice.
			if err := e.store.ClearDefaultCar(ctx, tenant.ID, auth.User.ID); err != nil {
				e.logger.Warn("Failed to clear default car",
					"tenant", tenant.ID,
					"user", auth.User.ID,
					"error", err.Error(),
				)
			}
		}
	}

	if auth.RoamingAuthorizationID != "" {
		data := &storage.RoamingData{AuthorizationID: auth.RoamingAuthorizationID}
		switch auth.RoamingProtocol {
		case integration.ProtocolOICP:
			transaction.OicpData = data
		default:
			transaction.OcpiData = data
		}
	}

	if err := e.store.CreateTransaction(ctx, transaction); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	// Synthetic Transaction.Begin interval so pricing and billing see the
	// session from second zero.
	begin := syntheticBeginInterval(transaction)
	e.priceAndBill(ctx, integration.ActionStart, transaction, &begin)
	if err := e.store.SaveConsumption(ctx, &begin); err != nil {
		e.logger.Error("Failed to save begin consumption",
			"tenant", tenant.ID,
			"transaction", transaction.ID,
			"error", err.Error(),
		)
	}

	if protocol := roamingProtocol(tenant); protocol != "" && transaction.RoamingSessionID() == "" && auth.RoamingAuthorizationID != "" {
		roamCtx, cancel := e.outboundCtx(ctx)
		if err := e.roaming.ProcessSession(roamCtx, protocol, integration.ActionStart, transaction, station); err != nil {
			e.logger.Error("Roaming session start failed",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"protocol", string(protocol),
				"error", err.Error(),
			)
		}
		cancel()
	}

	if err := e.store.SaveTransaction(ctx, transaction); err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}

	// Mirror the new session onto the connector's live fields.
	connector := station.ConnectorByID(req.ConnectorId)
	if connector == nil {
		station.Connectors = append(station.Connectors, storage.Connector{
			ConnectorID: req.ConnectorId,
			Status:      string(ocpp.ChargePointStatusUnavailable),
		})
		connector = station.ConnectorByID(req.ConnectorId)
	}
	connector.ClearSession()
	connector.CurrentTransactionID = transaction.ID
	connector.CurrentTransactionDate = transaction.Timestamp
	connector.CurrentTagID = transaction.TagID
	connector.CurrentUserID = transaction.UserID

	station.LastSeen = reqCtx.ReceivedAt
	if err := e.store.SaveStation(ctx, station); err != nil {
		return nil, fmt.Errorf("failed to save station: %w", err)
	}

	if e.scheduler != nil {
		tx := *transaction
		st := *station
		e.scheduler.Submit("session-started-notification", func(ctx context.Context) {
			e.notifier.SessionStarted(ctx, &tx, &st)
		})
	}

	e.logger.Info("Transaction started",
		"tenant", tenant.ID,
		"station", station.StationID,
		"connector", req.ConnectorId,
		"transaction", transaction.ID,
		"tag", transaction.TagID,
	)

	return &ocpp.StartTransactionResponse{
		TransactionId: transaction.ID,
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted},
	}, nil
}
