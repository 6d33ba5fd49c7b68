package session

import (
	"time"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// defaultPhaseVoltage is the nominal per-phase voltage assumed when the
// station record does not carry one.
const defaultPhaseVoltage = 230.0

// ConsumptionBuilder derives consumption intervals from cumulative energy
// readings. The transaction's lastConsumption anchor makes the derivation
// incremental in steady state and idempotent when the full sequence is
// replayed.
type ConsumptionBuilder struct {
	classifier integration.InactivityClassifier
}

// NewConsumptionBuilder creates a builder grading inactivity with the given
// classifier.
func NewConsumptionBuilder(classifier integration.InactivityClassifier) *ConsumptionBuilder {
	return &ConsumptionBuilder{classifier: classifier}
}

// Build walks the normalized samples in order and emits one interval per
// energy register reading strictly after the anchor. Clock-context samples
// and backward-dated readings never produce intervals. The transaction's
// running totals and the connector's live fields are updated from the last
// emitted interval.
func (b *ConsumptionBuilder) Build(station *storage.ChargingStation, connector *storage.Connector, transaction *storage.Transaction, values []ocpp.NormalizedValue) []storage.Consumption {
	anchor := b.anchorOf(transaction)

	var intervals []storage.Consumption

	for i := range values {
		v := &values[i]
		if !v.IsEnergyRegister() {
			continue
		}
		if v.Attribute.Context == ocpp.ReadingContextSampleClock {
			continue
		}
		if transaction.TransactionEndReceived && v.Attribute.Context != ocpp.ReadingContextTransactionEnd {
			continue
		}

		intervalSecs := v.Timestamp.Sub(anchor.Timestamp).Seconds()
		if intervalSecs <= 0 {
			continue
		}

		cumulativeWh := v.WattHours()

		consumptionWh := cumulativeWh - anchor.Value
		if consumptionWh < 0 {
			consumptionWh = 0
		}

		cumulatedWh := cumulativeWh - float64(transaction.MeterStart)
		if cumulatedWh < 0 {
			cumulatedWh = 0
		}

		instantWatts := consumptionWh * 3600 / intervalSecs

		if consumptionWh == 0 {
			transaction.CurrentTotalInactivitySecs += int(intervalSecs)
			transaction.ConsecutiveIdleIntervals++
		} else {
			transaction.ConsecutiveIdleIntervals = 0
		}

		interval := storage.Consumption{
			TenantID:      transaction.TenantID,
			TransactionID: transaction.ID,
			ChargeBoxID:   transaction.ChargeBoxID,
			ConnectorID:   transaction.ConnectorID,
			SiteAreaID:    transaction.SiteAreaID,
			SiteID:        transaction.SiteID,
			UserID:        transaction.UserID,
			StartedAt:     anchor.Timestamp,
			EndedAt:       v.Timestamp,

			ConsumptionWh:          consumptionWh,
			InstantWatts:           instantWatts,
			InstantWattsL1:         transaction.CurrentInstantWattsL1,
			InstantWattsL2:         transaction.CurrentInstantWattsL2,
			InstantWattsL3:         transaction.CurrentInstantWattsL3,
			InstantWattsDC:         transaction.CurrentInstantWattsDC,
			InstantAmps:            b.wattsToAmps(station, connector, instantWatts),
			InstantVolts:           transaction.CurrentInstantVolts,
			CumulatedConsumptionWh: cumulatedWh,
			InactivitySecs:         inactivityOf(consumptionWh, intervalSecs),
			TotalInactivitySecs:    transaction.CurrentTotalInactivitySecs,
			TotalDurationSecs:      int(v.Timestamp.Sub(transaction.Timestamp).Seconds()),

			StateOfCharge: transaction.CurrentStateOfCharge,
		}

		intervals = append(intervals, interval)

		anchor = storage.LastConsumption{Timestamp: v.Timestamp, Value: cumulativeWh}
		transaction.LastConsumption = &storage.LastConsumption{Timestamp: v.Timestamp, Value: cumulativeWh}

		transaction.CurrentInstantWatts = instantWatts
		transaction.CurrentInstantAmps = interval.InstantAmps
		transaction.CurrentTotalConsumptionWh = cumulatedWh
		transaction.CurrentInactivityStatus = b.classifier.Classify(station, transaction.ConnectorID, transaction.CurrentTotalInactivitySecs)
	}

	if connector != nil && len(intervals) > 0 {
		connector.CurrentInstantWatts = transaction.CurrentInstantWatts
		connector.CurrentTotalConsumptionWh = transaction.CurrentTotalConsumptionWh
		connector.CurrentTotalInactivitySecs = transaction.CurrentTotalInactivitySecs
		connector.CurrentInactivityStatus = transaction.CurrentInactivityStatus
		connector.CurrentStateOfCharge = transaction.CurrentStateOfCharge
	}

	return intervals
}

// anchorOf returns the last derived point, falling back to the start of the
// transaction on the very first call.
func (b *ConsumptionBuilder) anchorOf(transaction *storage.Transaction) storage.LastConsumption {
	if transaction.LastConsumption != nil {
		return *transaction.LastConsumption
	}
	return storage.LastConsumption{
		Timestamp: transaction.Timestamp,
		Value:     float64(transaction.MeterStart),
	}
}

// wattsToAmps converts instantaneous power to current using the station's
// voltage and the connector's phase count; connectors carry no voltage of
// their own. DC stations divide by the single rail voltage.
func (b *ConsumptionBuilder) wattsToAmps(station *storage.ChargingStation, connector *storage.Connector, watts float64) float64 {
	voltage := defaultPhaseVoltage
	if station != nil && station.Voltage > 0 {
		voltage = station.Voltage
	}

	if station != nil && station.CurrentType == "DC" {
		return watts / voltage
	}

	phases := 1
	if connector != nil && connector.NumberOfPhases > 0 {
		phases = connector.NumberOfPhases
	}

	return watts / (voltage * float64(phases))
}

func inactivityOf(consumptionWh, intervalSecs float64) int {
	if consumptionWh == 0 {
		return int(intervalSecs)
	}
	return 0
}

// syntheticBeginInterval builds the zero-length Transaction.Begin consumption
// persisted at start so billing sees the session from second zero.
func syntheticBeginInterval(transaction *storage.Transaction) storage.Consumption {
	return storage.Consumption{
		TenantID:      transaction.TenantID,
		TransactionID: transaction.ID,
		ChargeBoxID:   transaction.ChargeBoxID,
		ConnectorID:   transaction.ConnectorID,
		SiteAreaID:    transaction.SiteAreaID,
		SiteID:        transaction.SiteID,
		UserID:        transaction.UserID,
		StartedAt:     transaction.Timestamp,
		EndedAt:       transaction.Timestamp,
		StateOfCharge: transaction.StateOfCharge,
	}
}

// extraInactivityInterval builds the closing interval appended when a
// connector returns to Available after a stop: zero consumption, the whole
// gap as duration.
func extraInactivityInterval(transaction *storage.Transaction, availableAt time.Time) storage.Consumption {
	stop := transaction.Stop
	return storage.Consumption{
		TenantID:            transaction.TenantID,
		TransactionID:       transaction.ID,
		ChargeBoxID:         transaction.ChargeBoxID,
		ConnectorID:         transaction.ConnectorID,
		SiteAreaID:          transaction.SiteAreaID,
		SiteID:              transaction.SiteID,
		UserID:              transaction.UserID,
		StartedAt:           stop.Timestamp,
		EndedAt:             availableAt,
		CumulatedConsumptionWh: stop.TotalConsumptionWh,
		InactivitySecs:      int(availableAt.Sub(stop.Timestamp).Seconds()),
		TotalInactivitySecs: stop.TotalInactivitySecs,
		TotalDurationSecs:   int(availableAt.Sub(transaction.Timestamp).Seconds()),
		StateOfCharge:       stop.StateOfCharge,
	}
}
