package session

import (
	"testing"
	"time"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

func testBuilder() *ConsumptionBuilder {
	return NewConsumptionBuilder(integration.ThresholdClassifier{WarningSecs: 1800, ErrorSecs: 3600})
}

func energyValue(ts time.Time, wh float64) ocpp.NormalizedValue {
	return ocpp.NormalizedValue{
		Timestamp: ts,
		Attribute: ocpp.Attribute{
			Context:   ocpp.ReadingContextSamplePeriodic,
			Format:    ocpp.ValueFormatRaw,
			Measurand: ocpp.MeasurandEnergyActiveImportRegister,
			Unit:      ocpp.UnitOfMeasureWh,
		},
		Value: wh,
	}
}

func builderFixture() (*storage.ChargingStation, *storage.Connector, *storage.Transaction) {
	station := &storage.ChargingStation{
		TenantID:    "t1",
		StationID:   "CP-0001",
		CurrentType: "AC",
		Voltage:     230,
		Connectors: []storage.Connector{
			{ConnectorID: 1, NumberOfPhases: 3},
		},
	}
	transaction := &storage.Transaction{
		TenantID:    "t1",
		ID:          1,
		ChargeBoxID: "CP-0001",
		ConnectorID: 1,
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		MeterStart:  1000,
	}
	return station, station.ConnectorByID(1), transaction
}

// TestBuilderDerivesInterval tests the basic interval math
func TestBuilderDerivesInterval(t *testing.T) {
	station, connector, transaction := builderFixture()
	builder := testBuilder()

	ts := transaction.Timestamp.Add(60 * time.Second)
	intervals := builder.Build(station, connector, transaction, []ocpp.NormalizedValue{energyValue(ts, 1120)})

	if len(intervals) != 1 {
		t.Fatalf("Expected 1 interval, got %d", len(intervals))
	}

	interval := intervals[0]
	if interval.ConsumptionWh != 120 {
		t.Errorf("Expected 120 Wh, got %f", interval.ConsumptionWh)
	}
	if interval.InstantWatts != 7200 {
		t.Errorf("Expected 7200 W (120 Wh over 60s), got %f", interval.InstantWatts)
	}
	if interval.CumulatedConsumptionWh != 120 {
		t.Errorf("Expected cumulated 120 Wh, got %f", interval.CumulatedConsumptionWh)
	}

	// 7200 W over 3 phases at 230 V.
	expectedAmps := 7200.0 / (230 * 3)
	if diff := interval.InstantAmps - expectedAmps; diff > 0.001 || diff < -0.001 {
		t.Errorf("Expected %f A, got %f", expectedAmps, interval.InstantAmps)
	}

	if transaction.CurrentTotalConsumptionWh != 120 {
		t.Errorf("Running total not updated: %f", transaction.CurrentTotalConsumptionWh)
	}
	if transaction.LastConsumption == nil || transaction.LastConsumption.Value != 1120 {
		t.Error("Anchor not advanced")
	}
	if connector.CurrentTotalConsumptionWh != 120 {
		t.Errorf("Connector live field not updated: %f", connector.CurrentTotalConsumptionWh)
	}
}

// TestBuilderClampsNegativeConsumption tests meter resets clamp to zero
func TestBuilderClampsNegativeConsumption(t *testing.T) {
	station, connector, transaction := builderFixture()
	builder := testBuilder()

	ts1 := transaction.Timestamp.Add(60 * time.Second)
	ts2 := transaction.Timestamp.Add(120 * time.Second)

	builder.Build(station, connector, transaction, []ocpp.NormalizedValue{energyValue(ts1, 1200)})
	intervals := builder.Build(station, connector, transaction, []ocpp.NormalizedValue{energyValue(ts2, 900)})

	if len(intervals) != 1 {
		t.Fatalf("Expected 1 interval, got %d", len(intervals))
	}
	if intervals[0].ConsumptionWh != 0 {
		t.Errorf("Backward reading must clamp to 0, got %f", intervals[0].ConsumptionWh)
	}
}

// TestBuilderSkipsBackdatedValues tests readings at or before the anchor
func TestBuilderSkipsBackdatedValues(t *testing.T) {
	station, connector, transaction := builderFixture()
	builder := testBuilder()

	ts := transaction.Timestamp.Add(60 * time.Second)
	builder.Build(station, connector, transaction, []ocpp.NormalizedValue{energyValue(ts, 1100)})

	// Same timestamp and an earlier one: both skipped.
	intervals := builder.Build(station, connector, transaction, []ocpp.NormalizedValue{
		energyValue(ts, 1100),
		energyValue(ts.Add(-30*time.Second), 1050),
	})

	if len(intervals) != 0 {
		t.Errorf("Expected no intervals from backdated values, got %d", len(intervals))
	}
}

// TestBuilderInactivityAccumulates tests idle interval accounting
func TestBuilderInactivityAccumulates(t *testing.T) {
	station, connector, transaction := builderFixture()
	builder := testBuilder()

	base := transaction.Timestamp
	builder.Build(station, connector, transaction, []ocpp.NormalizedValue{
		energyValue(base.Add(1*time.Minute), 1100),
		energyValue(base.Add(2*time.Minute), 1100),
		energyValue(base.Add(3*time.Minute), 1100),
		energyValue(base.Add(4*time.Minute), 1200),
	})

	if transaction.CurrentTotalInactivitySecs != 120 {
		t.Errorf("Expected 120s inactivity, got %d", transaction.CurrentTotalInactivitySecs)
	}
	if transaction.ConsecutiveIdleIntervals != 0 {
		t.Errorf("Energy flow should reset the idle streak, got %d", transaction.ConsecutiveIdleIntervals)
	}
	if transaction.CurrentInactivityStatus != storage.InactivityStatusInfo {
		t.Errorf("Expected Info, got %s", transaction.CurrentInactivityStatus)
	}
}

// TestBuilderDCConversion tests amps conversion on a DC station
func TestBuilderDCConversion(t *testing.T) {
	station, connector, transaction := builderFixture()
	station.CurrentType = "DC"
	station.Voltage = 400
	builder := testBuilder()

	ts := transaction.Timestamp.Add(60 * time.Second)
	intervals := builder.Build(station, connector, transaction, []ocpp.NormalizedValue{energyValue(ts, 3000)})

	if len(intervals) != 1 {
		t.Fatalf("Expected 1 interval, got %d", len(intervals))
	}

	// 2000 Wh over 60s = 120000 W; at 400 V DC that is 300 A.
	if intervals[0].InstantAmps != 300 {
		t.Errorf("Expected 300 A, got %f", intervals[0].InstantAmps)
	}
}

// TestBuilderReplayIdempotent tests the anchor-based idempotency
func TestBuilderReplayIdempotent(t *testing.T) {
	station, connector, transaction := builderFixture()
	builder := testBuilder()

	values := []ocpp.NormalizedValue{
		energyValue(transaction.Timestamp.Add(1*time.Minute), 1100),
		energyValue(transaction.Timestamp.Add(2*time.Minute), 1250),
	}

	first := builder.Build(station, connector, transaction, values)
	if len(first) != 2 {
		t.Fatalf("Expected 2 intervals, got %d", len(first))
	}

	replay := builder.Build(station, connector, transaction, values)
	if len(replay) != 0 {
		t.Errorf("Replay produced %d intervals, expected none", len(replay))
	}
	if transaction.CurrentTotalConsumptionWh != 250 {
		t.Errorf("Replay changed the running total: %f", transaction.CurrentTotalConsumptionWh)
	}
}
