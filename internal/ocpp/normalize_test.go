package ocpp

import (
	"encoding/json"
	"testing"
	"time"
)

// TestFlattenMeterValuesDefaults tests that omitted attributes take the 1.6
// defaults
func TestFlattenMeterValuesDefaults(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	groups := []MeterValue{
		{
			Timestamp:    NewDateTime(ts),
			SampledValue: []SampledValue{{Value: "1234"}},
		},
	}

	values, err := FlattenMeterValues(groups)
	if err != nil {
		t.Fatalf("Failed to flatten: %v", err)
	}

	if len(values) != 1 {
		t.Fatalf("Expected 1 value, got %d", len(values))
	}

	v := values[0]
	if v.Attribute.Context != ReadingContextSamplePeriodic {
		t.Errorf("Expected default context Sample.Periodic, got %s", v.Attribute.Context)
	}
	if v.Attribute.Measurand != MeasurandEnergyActiveImportRegister {
		t.Errorf("Expected default measurand, got %s", v.Attribute.Measurand)
	}
	if v.Attribute.Unit != UnitOfMeasureWh {
		t.Errorf("Expected default unit Wh, got %s", v.Attribute.Unit)
	}
	if v.Attribute.Location != LocationOutlet {
		t.Errorf("Expected default location Outlet, got %s", v.Attribute.Location)
	}
	if v.Value != 1234 {
		t.Errorf("Expected value 1234, got %f", v.Value)
	}
	if !v.IsEnergyRegister() {
		t.Error("Expected an energy register sample")
	}
}

// TestFlattenMeterValuesMultipleSamples tests that samples in one group share
// the group timestamp
func TestFlattenMeterValuesMultipleSamples(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	groups := []MeterValue{
		{
			Timestamp: NewDateTime(ts),
			SampledValue: []SampledValue{
				{Value: "500", Measurand: MeasurandEnergyActiveImportRegister},
				{Value: "7000", Measurand: MeasurandPowerActiveImport, Unit: UnitOfMeasureW},
				{Value: "85", Measurand: MeasurandSoC, Unit: UnitOfMeasurePercent},
			},
		},
	}

	values, err := FlattenMeterValues(groups)
	if err != nil {
		t.Fatalf("Failed to flatten: %v", err)
	}

	if len(values) != 3 {
		t.Fatalf("Expected 3 values, got %d", len(values))
	}
	for i, v := range values {
		if !v.Timestamp.Equal(ts) {
			t.Errorf("Value %d lost the group timestamp", i)
		}
	}
}

// TestFlattenSignedData tests signed payloads stay opaque
func TestFlattenSignedData(t *testing.T) {
	groups := []MeterValue{
		{
			Timestamp: NewDateTime(time.Now()),
			SampledValue: []SampledValue{
				{
					Value:     "AABBCCDD==",
					Format:    ValueFormatSignedData,
					Context:   ReadingContextTransactionBegin,
					Measurand: MeasurandEnergyActiveImportRegister,
				},
			},
		},
	}

	values, err := FlattenMeterValues(groups)
	if err != nil {
		t.Fatalf("Failed to flatten: %v", err)
	}

	if values[0].SignedValue != "AABBCCDD==" {
		t.Errorf("Signed payload was not preserved verbatim: %q", values[0].SignedValue)
	}
	if values[0].Value != 0 {
		t.Errorf("Signed payload should not parse as a number, got %f", values[0].Value)
	}
}

// TestFlattenUnitConversion tests kWh and kW conversion to base units
func TestFlattenUnitConversion(t *testing.T) {
	groups := []MeterValue{
		{
			Timestamp: NewDateTime(time.Now()),
			SampledValue: []SampledValue{
				{Value: "1.5", Unit: UnitOfMeasureKWh},
				{Value: "11", Measurand: MeasurandPowerActiveImport, Unit: UnitOfMeasureKW},
			},
		},
	}

	values, err := FlattenMeterValues(groups)
	if err != nil {
		t.Fatalf("Failed to flatten: %v", err)
	}

	if wh := values[0].WattHours(); wh != 1500 {
		t.Errorf("Expected 1500 Wh, got %f", wh)
	}
	if w := values[1].Watts(); w != 11000 {
		t.Errorf("Expected 11000 W, got %f", w)
	}
}

// TestFlattenInvalidRawValue tests that a non-numeric raw value fails
func TestFlattenInvalidRawValue(t *testing.T) {
	groups := []MeterValue{
		{
			Timestamp:    NewDateTime(time.Now()),
			SampledValue: []SampledValue{{Value: "not-a-number"}},
		},
	}

	if _, err := FlattenMeterValues(groups); err == nil {
		t.Error("Expected error for non-numeric raw value")
	}
}

// TestTransactionDataShapes tests the version shape check of transactionData
func TestTransactionDataShapes(t *testing.T) {
	data16 := TransactionData(`[{"timestamp":"2024-03-01T12:00:00Z","sampledValue":[{"value":"100"}]}]`)
	data15 := TransactionData(`{"values":[{"timestamp":"2024-03-01T12:00:00Z","value":{"$attributes":{"unit":"Wh"},"$value":"100"}}]}`)

	// Matching shapes parse.
	groups, err := data16.Normalize(Version16)
	if err != nil {
		t.Fatalf("1.6 shape rejected for a 1.6 station: %v", err)
	}
	if len(groups) != 1 || len(groups[0].SampledValue) != 1 {
		t.Fatalf("Unexpected 1.6 group shape: %+v", groups)
	}

	groups, err = data15.Normalize(Version15)
	if err != nil {
		t.Fatalf("1.5 shape rejected for a 1.5 station: %v", err)
	}
	if len(groups) != 1 || len(groups[0].SampledValue) != 1 {
		t.Fatalf("Unexpected 1.5 group shape: %+v", groups)
	}
	if groups[0].SampledValue[0].Value != "100" {
		t.Errorf("1.5 value lost: %q", groups[0].SampledValue[0].Value)
	}

	// Crossed shapes are rejected.
	if _, err := data16.Normalize(Version15); err != ErrTransactionDataShape {
		t.Errorf("Expected shape error for 1.6 data on a 1.5 station, got %v", err)
	}
	if _, err := data15.Normalize(Version16); err != ErrTransactionDataShape {
		t.Errorf("Expected shape error for 1.5 data on a 1.6 station, got %v", err)
	}

	// Empty data passes for both.
	var empty TransactionData
	if groups, err := empty.Normalize(Version16); err != nil || groups != nil {
		t.Errorf("Empty transactionData should normalize to nil, got %v / %v", groups, err)
	}
}

// TestTransactionData15ValueArray tests that an array inside one timestamp
// expands into multiple samples
func TestTransactionData15ValueArray(t *testing.T) {
	data := TransactionData(`{"values":[{"timestamp":"2024-03-01T12:00:00Z","value":[{"$attributes":{"measurand":"Energy.Active.Import.Register"},"$value":"100"},{"$attributes":{"measurand":"SoC"},"$value":"90"}]}]}`)

	groups, err := data.Normalize(Version15)
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(groups))
	}
	if len(groups[0].SampledValue) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(groups[0].SampledValue))
	}
	if groups[0].SampledValue[1].Measurand != MeasurandSoC {
		t.Errorf("Second sample lost its measurand: %s", groups[0].SampledValue[1].Measurand)
	}
}

// TestIdTokenNumericForm tests that numeric tags decode in both forms
func TestIdTokenNumericForm(t *testing.T) {
	var req AuthorizeRequest
	if err := json.Unmarshal([]byte(`{"idTag":1234567}`), &req); err != nil {
		t.Fatalf("Numeric idTag rejected: %v", err)
	}
	if req.IdTag.String() != "1234567" {
		t.Errorf("Expected '1234567', got %q", req.IdTag.String())
	}

	if err := json.Unmarshal([]byte(`{"idTag":"ABC123"}`), &req); err != nil {
		t.Fatalf("String idTag rejected: %v", err)
	}
	if req.IdTag.String() != "ABC123" {
		t.Errorf("Expected 'ABC123', got %q", req.IdTag.String())
	}
}

// TestDateTimeRoundTrip tests the wire timestamp format
func TestDateTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	dt := NewDateTime(ts)

	data, err := json.Marshal(dt)
	if err != nil {
		t.Fatalf("Failed to marshal DateTime: %v", err)
	}
	if string(data) != `"2024-03-01T09:30:00Z"` {
		t.Errorf("Unexpected wire format: %s", data)
	}

	var parsed DateTime
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal DateTime: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("Round trip changed the instant: %v != %v", parsed.Time, ts)
	}
}
