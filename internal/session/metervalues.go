package session

import (
	"context"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// HandleMeterValues processes a MeterValues request: dispatch every sample
// onto the transaction, derive consumption intervals, evaluate end-of-charge,
// fan out.
func (e *Engine) HandleMeterValues(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.MeterValuesRequest) (*ocpp.MeterValuesResponse, error) {
	station, err := e.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	values, err := ocpp.FlattenMeterValues(req.MeterValue)
	if err != nil {
		return nil, err
	}

	connector := station.ConnectorByID(req.ConnectorId)

	transaction, err := e.transactionFor(ctx, tenant, station, connector, req)
	if err != nil {
		return nil, err
	}

	if transaction == nil {
		// Samples outside a session (connector 0 clock values, vendor
		// quirks) are kept for audit but feed nothing.
		e.persistMeterValueRecords(ctx, tenant, station, nil, values)
		if err := e.store.UpdateStationLastSeen(ctx, tenant.ID, station.StationID, reqCtx.ReceivedAt, reqCtx.ClientIP); err != nil {
			e.logger.Warn("Failed to update last seen", "station", station.StationID, "error", err.Error())
		}
		return &ocpp.MeterValuesResponse{}, nil
	}

	phasesKnownBefore := transaction.PhasesUsed > 0

	e.applyMeterValues(station, transaction, values)
	e.persistMeterValueRecords(ctx, tenant, station, transaction, values)

	for _, interval := range e.buildConsumptions(station, connector, transaction, values) {
		e.priceAndBill(ctx, integration.ActionUpdate, transaction, &interval)
		if err := e.store.SaveConsumption(ctx, &interval); err != nil {
			e.logger.Error("Failed to save consumption",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"error", err.Error(),
			)
		}
	}

	// First complete sample with phases known triggers a reoptimization.
	if !phasesKnownBefore && transaction.PhasesUsed > 0 &&
		tenant.ComponentActive(storage.ComponentSmartCharging) && e.scheduler != nil {
		tenantID := tenant.ID
		siteAreaID := station.SiteAreaID
		e.scheduler.Submit("smart-charging-phases-known", func(ctx context.Context) {
			if err := e.smart.ComputeAndApply(ctx, tenantID, siteAreaID); err != nil {
				e.logger.Warn("Smart charging recomputation failed",
					"tenant", tenantID,
					"site_area", siteAreaID,
					"error", err.Error(),
				)
			}
		})
	}

	e.evaluateEndOfCharge(ctx, tenant, station, transaction)

	if protocol := roamingProtocol(tenant); protocol != "" && transaction.RoamingSessionID() != "" {
		roamCtx, cancel := e.outboundCtx(ctx)
		if err := e.roaming.ProcessSession(roamCtx, protocol, integration.ActionUpdate, transaction, station); err != nil {
			e.logger.Error("Roaming session update failed",
				"tenant", tenant.ID,
				"transaction", transaction.ID,
				"protocol", string(protocol),
				"error", err.Error(),
			)
		}
		cancel()
	}

	if err := e.store.SaveTransaction(ctx, transaction); err != nil {
		return nil, err
	}

	station.LastSeen = reqCtx.ReceivedAt
	station.CurrentIP = reqCtx.ClientIP
	if err := e.store.SaveStation(ctx, station); err != nil {
		return nil, err
	}

	return &ocpp.MeterValuesResponse{}, nil
}

// transactionFor resolves the open transaction the samples belong to: the
// frame's transactionId when present, else the connector's live one.
func (e *Engine) transactionFor(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connector *storage.Connector, req *ocpp.MeterValuesRequest) (*storage.Transaction, error) {
	transactionID := 0
	if req.TransactionId != nil {
		transactionID = *req.TransactionId
	} else if connector != nil {
		transactionID = connector.CurrentTransactionID
	}

	if transactionID == 0 {
		return nil, nil
	}

	transaction, err := e.store.GetTransaction(ctx, tenant.ID, transactionID)
	if err != nil {
		e.logger.Warn("Meter values for unknown transaction",
			"tenant", tenant.ID,
			"station", station.StationID,
			"transaction", transactionID,
		)
		return nil, nil
	}
	if transaction.Stop != nil {
		e.logger.Warn("Meter values for stopped transaction, ignoring",
			"tenant", tenant.ID,
			"station", station.StationID,
			"transaction", transactionID,
		)
		return nil, nil
	}

	return transaction, nil
}

// applyMeterValues dispatches every sample onto the transaction's fields:
// signed data, state of charge, phase-resolved electrical instants, energy
// bookkeeping. The first Transaction.End sample zeroes the instants once so
// the closing stream replaces interim readings instead of piling onto them.
func (e *Engine) applyMeterValues(station *storage.ChargingStation, transaction *storage.Transaction, values []ocpp.NormalizedValue) {
	var phaseTagged *ocpp.NormalizedValue
	for i := range values {
		v := &values[i]

		if v.Attribute.Context.IsTransactionEnd() && !transaction.TransactionEndReceived {
			transaction.TransactionEndReceived = true
			zeroInstantFields(transaction)
		}

		switch v.Attribute.Measurand {
		case ocpp.MeasurandSignedData:
			switch v.Attribute.Context {
			case ocpp.ReadingContextTransactionBegin:
				transaction.SignedData = v.SignedValue
			case ocpp.ReadingContextTransactionEnd:
				transaction.EndSignedData = v.SignedValue
			}

		case ocpp.MeasurandSoC:
			switch v.Attribute.Context {
			case ocpp.ReadingContextTransactionBegin:
				transaction.StateOfCharge = int(v.Value)
			default:
				transaction.CurrentStateOfCharge = int(v.Value)
			}

		case ocpp.MeasurandVoltage:
			dispatchPhased(v.Attribute.Phase, station,
				&transaction.CurrentInstantVolts,
				&transaction.CurrentInstantVoltsL1,
				&transaction.CurrentInstantVoltsL2,
				&transaction.CurrentInstantVoltsL3,
				&transaction.CurrentInstantVoltsDC,
				v.Value)

		case ocpp.MeasurandPowerActiveImport:
			dispatchPhased(v.Attribute.Phase, station,
				&transaction.CurrentInstantWatts,
				&transaction.CurrentInstantWattsL1,
				&transaction.CurrentInstantWattsL2,
				&transaction.CurrentInstantWattsL3,
				&transaction.CurrentInstantWattsDC,
				v.Watts())

		case ocpp.MeasurandCurrentImport:
			dispatchPhased(v.Attribute.Phase, station,
				&transaction.CurrentInstantAmps,
				&transaction.CurrentInstantAmpsL1,
				&transaction.CurrentInstantAmpsL2,
				&transaction.CurrentInstantAmpsL3,
				&transaction.CurrentInstantAmpsDC,
				v.Value)
			if v.Attribute.Phase != "" {
				phaseTagged = v
			}

		case ocpp.MeasurandEnergyActiveImportRegister:
			if v.Attribute.Format == ocpp.ValueFormatRaw {
				transaction.NumberOfMeterValues++
			}
		}
	}

	// Phases are counted once every sample of the call is dispatched, so the
	// L1, L2 and L3 readings of one meter value are counted together.
	if phaseTagged != nil {
		e.detectPhases(transaction, phaseTagged)
	}
}

// dispatchPhased routes a reading to the total or the phase-resolved slot.
// DC stations carry everything on the DC rail.
func dispatchPhased(phase ocpp.Phase, station *storage.ChargingStation, total, l1, l2, l3, dc *float64, value float64) {
	if station != nil && station.CurrentType == "DC" {
		*dc = value
		if phase == "" {
			*total = value
		}
		return
	}

	switch phase.Number() {
	case 1:
		*l1 = value
	case 2:
		*l2 = value
	case 3:
		*l3 = value
	default:
		*total = value
	}
}

// detectPhases derives phasesUsed the first time phase-tagged current shows up.
func (e *Engine) detectPhases(transaction *storage.Transaction, v *ocpp.NormalizedValue) {
	if transaction.PhasesUsed > 0 || v.Attribute.Phase == "" {
		return
	}

	phases := 0
	if transaction.CurrentInstantAmpsL1 > 0 {
		phases++
	}
	if transaction.CurrentInstantAmpsL2 > 0 {
		phases++
	}
	if transaction.CurrentInstantAmpsL3 > 0 {
		phases++
	}
	if phases > 0 {
		transaction.PhasesUsed = phases
	}
}

func zeroInstantFields(transaction *storage.Transaction) {
	transaction.CurrentInstantWatts = 0
	transaction.CurrentInstantWattsL1 = 0
	transaction.CurrentInstantWattsL2 = 0
	transaction.CurrentInstantWattsL3 = 0
	transaction.CurrentInstantWattsDC = 0
	transaction.CurrentInstantVolts = 0
	transaction.CurrentInstantVoltsL1 = 0
	transaction.CurrentInstantVoltsL2 = 0
	transaction.CurrentInstantVoltsL3 = 0
	transaction.CurrentInstantVoltsDC = 0
	transaction.CurrentInstantAmps = 0
	transaction.CurrentInstantAmpsL1 = 0
	transaction.CurrentInstantAmpsL2 = 0
	transaction.CurrentInstantAmpsL3 = 0
	transaction.CurrentInstantAmpsDC = 0
	transaction.CurrentStateOfCharge = 0
}

// buildConsumptions runs the consumption builder with the engine's classifier.
func (e *Engine) buildConsumptions(station *storage.ChargingStation, connector *storage.Connector, transaction *storage.Transaction, values []ocpp.NormalizedValue) []storage.Consumption {
	builder := NewConsumptionBuilder(e.classifier)
	return builder.Build(station, connector, transaction, values)
}

// persistMeterValueRecords saves the normalized samples. Values arriving
// after the end frame are kept but flagged so they never feed consumption.
func (e *Engine) persistMeterValueRecords(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, transaction *storage.Transaction, values []ocpp.NormalizedValue) {
	records := make([]storage.MeterValueRecord, 0, len(values))
	for i := range values {
		v := &values[i]
		record := storage.MeterValueRecord{
			TenantID:    tenant.ID,
			StationID:   station.StationID,
			Timestamp:   v.Timestamp,
			Context:     string(v.Attribute.Context),
			Format:      string(v.Attribute.Format),
			Measurand:   string(v.Attribute.Measurand),
			Location:    string(v.Attribute.Location),
			Unit:        string(v.Attribute.Unit),
			Phase:       string(v.Attribute.Phase),
			Value:       v.Value,
			SignedValue: v.SignedValue,
		}
		if transaction != nil {
			record.TransactionID = transaction.ID
			record.ConnectorID = transaction.ConnectorID
			record.Ignored = transaction.TransactionEndReceived && !v.Attribute.Context.IsTransactionEnd()
		}
		records = append(records, record)
	}

	if err := e.store.SaveMeterValues(ctx, records); err != nil {
		e.logger.Error("Failed to save meter values",
			"tenant", tenant.ID,
			"station", station.StationID,
			"error", err.Error(),
		)
	}
}

// evaluateEndOfCharge applies the end-of-charge policy after every meter
// values call on an open transaction with at least two samples and some
// consumption. Notification dedup keys live on the transaction.
func (e *Engine) evaluateEndOfCharge(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, transaction *storage.Transaction) {
	if e.cfg == nil || !e.cfg.NotifEndOfChargeEnabled {
		return
	}
	if transaction.NumberOfMeterValues < 2 || transaction.CurrentTotalConsumptionWh <= 0 {
		return
	}
	if e.scheduler == nil {
		return
	}

	notifyEndOfCharge := false

	if transaction.CurrentStateOfCharge >= 100 {
		notifyEndOfCharge = true
	} else if e.lastIntervalsIdle(ctx, tenant, transaction, 3) {
		notifyEndOfCharge = true
	}

	if notifyEndOfCharge {
		if transaction.EndOfChargeNotified {
			return
		}
		transaction.EndOfChargeNotified = true
		tx := *transaction
		st := *station
		e.scheduler.Submit("end-of-charge-notification", func(ctx context.Context) {
			e.notifier.EndOfCharge(ctx, &tx, &st)
		})
		return
	}

	if e.cfg.NotifBeforeEndOfChargeEnabled &&
		transaction.CurrentStateOfCharge >= e.cfg.NotifBeforeEndOfChargePercent &&
		!transaction.OptimalChargeNotified {
		transaction.OptimalChargeNotified = true
		tx := *transaction
		st := *station
		e.scheduler.Submit("optimal-charge-notification", func(ctx context.Context) {
			e.notifier.OptimalChargeReached(ctx, &tx, &st)
		})
	}
}

// lastIntervalsIdle reports whether the most recent n intervals all carried
// zero consumption, using the running inactivity counters rather than a
// storage round trip.
func (e *Engine) lastIntervalsIdle(_ context.Context, _ *storage.Tenant, transaction *storage.Transaction, n int) bool {
	// The zero-interval streak is tracked incrementally: instant power at
	// zero and an inactivity tail at least n sampling periods long.
	if transaction.CurrentInstantWatts > 0 {
		return false
	}
	if transaction.NumberOfMeterValues < n {
		return false
	}
	return transaction.CurrentTotalInactivitySecs > 0 && transaction.ConsecutiveIdleIntervals >= n
}
