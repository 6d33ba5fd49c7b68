package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// ErrTransactionAlreadyStopped rejects a duplicate stop frame.
var ErrTransactionAlreadyStopped = errors.New("transaction already stopped")

// remoteStopWindow is how long a central remote-stop order determines the
// effective stopper tag.
const remoteStopWindow = 60 * time.Second

// stopParams carries one stop request through the shared stop path
type stopParams struct {
	meterStop  int
	timestamp  time.Time
	tagID      string
	reason     ocpp.Reason
	groups     []ocpp.MeterValue
	softStop   bool // central-system mode: no authorization, meterStop synthesized
	clientIP   string
	receivedAt time.Time
}

// HandleStopTransaction processes a StopTransaction request from the wire.
func (e *Engine) HandleStopTransaction(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.StopTransactionRequest) (*ocpp.StopTransactionResponse, error) {
	// transactionId 0 is a known firmware bug: acknowledge, touch nothing.
	if req.TransactionId == 0 {
		e.logger.Warn("StopTransaction with transactionId 0, ignoring",
			"tenant", tenant.ID,
			"station", reqCtx.ChargeBoxID,
		)
		return acceptedStop(), nil
	}

	station, err := e.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	transaction, err := e.store.GetTransaction(ctx, tenant.ID, req.TransactionId)
	if err != nil {
		return nil, fmt.Errorf("stop of unknown transaction %d: %w", req.TransactionId, err)
	}
	if transaction.Stop != nil {
		return nil, fmt.Errorf("transaction %d: %w", transaction.ID, ErrTransactionAlreadyStopped)
	}

	// TransactionData must match the protocol version the station declared.
	groups, err := req.TransactionData.Normalize(ocpp.Version(station.OcppVersion))
	if err != nil {
		if errors.Is(err, ocpp.ErrTransactionDataShape) {
			e.logger.Warn("StopTransaction with wrong-version transactionData",
				"tenant", tenant.ID,
				"station", station.StationID,
				"transaction", transaction.ID,
				"version", station.OcppVersion,
			)
			return &ocpp.StopTransactionResponse{
				IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusInvalid},
			}, nil
		}
		return nil, err
	}

	// Resolve the effective stopper tag: a recent central remote-stop order
	// wins, then the frame's tag, then the starter's.
	stopperTag := req.IdTag.String()
	if transaction.RemoteStop != nil && e.Now().Sub(transaction.RemoteStop.Timestamp) <= remoteStopWindow {
		stopperTag = transaction.RemoteStop.TagID
	}
	if stopperTag == "" {
		stopperTag = transaction.TagID
	}

	auth := e.resolveAuthorization(ctx, tenant, station, stopperTag)
	if !auth.Accepted() {
		return &ocpp.StopTransactionResponse{
			IdTagInfo: &ocpp.IdTagInfo{Status: auth.Status},
		}, nil
	}

	params := stopParams{
		meterStop:  req.MeterStop,
		timestamp:  req.Timestamp.Time,
		tagID:      stopperTag,
		reason:     req.Reason,
		groups:     groups,
		clientIP:   reqCtx.ClientIP,
		receivedAt: reqCtx.ReceivedAt,
	}

	if err := e.stopTransaction(ctx, tenant, station, transaction, params); err != nil {
		return nil, err
	}

	return acceptedStop(), nil
}

// SoftStop terminates a transaction in central-system mode: no station frame,
// no authorization, meterStop synthesized from the last known cumulative
// value. Used by the stale-session recovery and the remote command surface.
func (e *Engine) SoftStop(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, transaction *storage.Transaction, reason ocpp.Reason) error {
	if transaction.Stop != nil {
		return fmt.Errorf("transaction %d: %w", transaction.ID, ErrTransactionAlreadyStopped)
	}

	meterStop := transaction.MeterStart
	if transaction.LastConsumption != nil {
		meterStop = int(transaction.LastConsumption.Value)
	}

	now := e.Now()
	params := stopParams{
		meterStop:  meterStop,
		timestamp:  now,
		tagID:      transaction.TagID,
		reason:     reason,
		softStop:   true,
		receivedAt: now,
	}

	return e.stopTransaction(ctx, tenant, station, transaction, params)
}

// stopTransaction is the shared stop path: close the consumption stream,
// write the stop block once, free the connector, fan out.
func (e *Engine) stopTransaction(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, transaction *storage.Transaction, params stopParams) error {
	connector := station.ConnectorByID(transaction.ConnectorID)

	// Feed the closing meter values through the regular update path, then
	// make sure a final Transaction.End energy sample closes the stream.
	// The anchor makes a duplicate final sample a no-op.
	if len(params.groups) > 0 {
		values, err := ocpp.FlattenMeterValues(params.groups)
		if err != nil {
			e.logger.Warn("Ignoring malformed transactionData",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"error", err.Error(),
			)
		} else {
			e.applyMeterValues(station, transaction, values)
			e.persistMeterValueRecords(ctx, tenant, station, transaction, values)
			for _, interval := range e.buildConsumptions(station, connector, transaction, values) {
				e.priceAndBill(ctx, integration.ActionStop, transaction, &interval)
				if err := e.store.SaveConsumption(ctx, &interval); err != nil {
					e.logger.Error("Failed to save closing consumption",
						"tenant", tenant.ID,
						"transaction", transaction.ID,
						"error", err.Error(),
					)
				}
			}
		}
	}

	final := []ocpp.NormalizedValue{{
		Timestamp: params.timestamp,
		Attribute: ocpp.Attribute{
			Context:   ocpp.ReadingContextTransactionEnd,
			Format:    ocpp.ValueFormatRaw,
			Measurand: ocpp.MeasurandEnergyActiveImportRegister,
			Location:  ocpp.LocationOutlet,
			Unit:      ocpp.UnitOfMeasureWh,
		},
		Value: float64(params.meterStop),
	}}
	e.applyMeterValues(station, transaction, final)
	for _, interval := range e.buildConsumptions(station, connector, transaction, final) {
		e.priceAndBill(ctx, integration.ActionStop, transaction, &interval)
		if err := e.store.SaveConsumption(ctx, &interval); err != nil {
			e.logger.Error("Failed to save closing consumption",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"error", err.Error(),
			)
		}
	}

	totalConsumptionWh := float64(params.meterStop - transaction.MeterStart)
	if totalConsumptionWh < 0 {
		totalConsumptionWh = 0
	}

	stop := &storage.TransactionStop{
		Timestamp:           params.timestamp,
		MeterStop:           params.meterStop,
		TagID:               params.tagID,
		Reason:              string(params.reason),
		TotalConsumptionWh:  totalConsumptionWh,
		TotalInactivitySecs: transaction.CurrentTotalInactivitySecs,
		TotalDurationSecs:   int(params.timestamp.Sub(transaction.Timestamp).Seconds()),
		StateOfCharge:       transaction.CurrentStateOfCharge,
		SignedData:          transaction.EndSignedData,
		Price:               transaction.Price,
		RoundedPrice:        transaction.RoundedPrice,
		PriceUnit:           transaction.PriceUnit,
		PricingSource:       transaction.PricingSource,
	}
	stop.InactivityStatus = e.classifier.Classify(station, transaction.ConnectorID, stop.TotalInactivitySecs)

	if transaction.UserID != "" {
		if user, err := e.store.GetUser(ctx, tenant.ID, transaction.UserID); err == nil {
			stop.UserID = user.ID
			stop.UserName = user.FullName()
		}
	}

	transaction.Stop = stop

	if err := e.store.SaveTransaction(ctx, transaction); err != nil {
		return fmt.Errorf("failed to save stopped transaction: %w", err)
	}

	// Free the connector. Its status stays whatever the station last
	// reported; the station's own notification moves it on.
	if connector != nil {
		connector.ClearSession()
	}
	station.LastSeen = params.receivedAt
	if err := e.store.SaveStation(ctx, station); err != nil {
		return fmt.Errorf("failed to save station: %w", err)
	}

	if protocol := roamingProtocol(tenant); protocol != "" && transaction.RoamingSessionID() != "" {
		roamCtx, cancel := e.outboundCtx(ctx)
		if err := e.roaming.ProcessSession(roamCtx, protocol, integration.ActionStop, transaction, station); err != nil {
			e.logger.Error("Roaming session stop failed",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"protocol", string(protocol),
				"error", err.Error(),
			)
		}
		cancel()
	}

	if e.scheduler != nil {
		tx := *transaction
		st := *station
		e.scheduler.Submit("end-of-session-notification", func(ctx context.Context) {
			e.notifier.EndOfSession(ctx, &tx, &st)
			if tx.Stop != nil && tx.Stop.SignedData != "" {
				e.notifier.SignedSession(ctx, &tx, &st)
			}
		})

		if tenant.ComponentActive(storage.ComponentSmartCharging) {
			delay := 3 * time.Second
			if e.cfg != nil && e.cfg.SmartChargingDelayMs > 0 {
				delay = e.cfg.SmartChargingDelay()
			}
			siteAreaID := station.SiteAreaID
			tenantID := tenant.ID
			e.scheduler.SubmitAfter(delay, "smart-charging-after-stop", func(ctx context.Context) {
				if err := e.smart.ClearTxProfile(ctx, &tx); err != nil {
					e.logger.Warn("Failed to clear tx charging profile",
						"tenant", tenantID,
						"transaction", tx.ID,
						"error", err.Error(),
					)
				}
				if err := e.smart.ComputeAndApply(ctx, tenantID, siteAreaID); err != nil {
					e.logger.Warn("Smart charging recomputation failed",
						"tenant", tenantID,
						"site_area", siteAreaID,
						"error", err.Error(),
					)
				}
			})
		}
	}

	e.logger.Info("Transaction stopped",
		"tenant", tenant.ID,
		"station", station.StationID,
		"connector", transaction.ConnectorID,
		"transaction", transaction.ID,
		"meter_stop", params.meterStop,
		"total_wh", stop.TotalConsumptionWh,
		"soft", params.softStop,
	)

	return nil
}

func acceptedStop() *ocpp.StopTransactionResponse {
	return &ocpp.StopTransactionResponse{
		IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted},
	}
}
