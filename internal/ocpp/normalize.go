package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrTransactionDataShape indicates StopTransaction transactionData whose shape
// does not match the protocol version the station declared at boot.
var ErrTransactionDataShape = errors.New("transactionData shape does not match station protocol version")

// RequestContext carries the header context of an inbound frame: who is
// talking, from where, and over which protocol flavor. It is immutable and
// passed through every handler instead of ambient per-request state.
type RequestContext struct {
	TenantID    string
	ChargeBoxID string
	ClientIP    string
	Version     Version
	Transport   Transport
	Token       string
	// Endpoint is the SOAP From.Address header, when present.
	Endpoint string
	// ReceivedAt is the server wallclock when the frame was accepted.
	ReceivedAt time.Time
}

// Attribute is the attribute block of one normalized meter value. Unknown
// measurand or context strings pass through unchanged so newer firmwares keep
// working.
type Attribute struct {
	Context   ReadingContext
	Format    ValueFormat
	Measurand Measurand
	Location  Location
	Unit      UnitOfMeasure
	Phase     Phase
}

// DefaultAttribute returns the attribute block assumed when a sampled value
// omits its attributes, per the OCPP 1.6 defaults.
func DefaultAttribute() Attribute {
	return Attribute{
		Context:   ReadingContextSamplePeriodic,
		Format:    ValueFormatRaw,
		Measurand: MeasurandEnergyActiveImportRegister,
		Location:  LocationOutlet,
		Unit:      UnitOfMeasureWh,
	}
}

// NormalizedValue is one flattened meter value sample: a timestamp, an
// attribute block and a value parsed per format. SignedData values keep the
// opaque payload verbatim in SignedValue and leave Value at zero.
type NormalizedValue struct {
	Timestamp   time.Time
	Attribute   Attribute
	Value       float64
	SignedValue string
}

// IsEnergyRegister reports whether this sample is a cumulative energy reading,
// the kind consumption intervals are derived from.
func (v *NormalizedValue) IsEnergyRegister() bool {
	return v.Attribute.Measurand == MeasurandEnergyActiveImportRegister &&
		v.Attribute.Format == ValueFormatRaw
}

// WattHours returns the sample value converted to Wh.
func (v *NormalizedValue) WattHours() float64 {
	if v.Attribute.Unit == UnitOfMeasureKWh {
		return v.Value * 1000
	}
	return v.Value
}

// Watts returns the sample value converted to W.
func (v *NormalizedValue) Watts() float64 {
	if v.Attribute.Unit == UnitOfMeasureKW || v.Attribute.Unit == UnitOfMeasureKWh {
		return v.Value * 1000
	}
	return v.Value
}

// FlattenMeterValues flattens meter value groups into normalized samples.
// Each sampled value becomes one NormalizedValue carrying its own attribute
// block; omitted attributes take the 1.6 defaults. Samples inside one group
// share the group timestamp.
func FlattenMeterValues(groups []MeterValue) ([]NormalizedValue, error) {
	normalized := make([]NormalizedValue, 0, len(groups))

	for _, group := range groups {
		for _, sv := range group.SampledValue {
			nv, err := normalizeSample(group.Timestamp.Time, sv)
			if err != nil {
				return nil, err
			}
			normalized = append(normalized, nv)
		}
	}

	return normalized, nil
}

func normalizeSample(ts time.Time, sv SampledValue) (NormalizedValue, error) {
	attr := DefaultAttribute()
	if sv.Context != "" {
		attr.Context = sv.Context
	}
	if sv.Format != "" {
		attr.Format = sv.Format
	}
	if sv.Measurand != "" {
		attr.Measurand = sv.Measurand
	}
	if sv.Location != "" {
		attr.Location = sv.Location
	}
	if sv.Unit != "" {
		attr.Unit = sv.Unit
	}
	attr.Phase = sv.Phase

	nv := NormalizedValue{Timestamp: ts, Attribute: attr}

	// Signed payloads are opaque bytes, never parsed.
	if attr.Format == ValueFormatSignedData || attr.Measurand == MeasurandSignedData {
		nv.SignedValue = sv.Value
		return nv, nil
	}

	value, err := strconv.ParseFloat(sv.Value, 64)
	if err != nil {
		return NormalizedValue{}, fmt.Errorf("invalid raw value %q for %s: %w", sv.Value, attr.Measurand, err)
	}
	nv.Value = value

	return nv, nil
}

// TransactionData is the raw transactionData of a StopTransaction. It stays
// unparsed until Normalize checks its shape against the station's declared
// protocol version.
type TransactionData []byte

// UnmarshalJSON keeps the raw bytes for deferred shape checking
func (td *TransactionData) UnmarshalJSON(data []byte) error {
	*td = append((*td)[0:0], data...)
	return nil
}

// MarshalJSON renders the raw bytes back out
func (td TransactionData) MarshalJSON() ([]byte, error) {
	if len(td) == 0 {
		return []byte("null"), nil
	}
	return td, nil
}

// Empty reports whether no transactionData was provided.
func (td TransactionData) Empty() bool {
	trimmed := bytes.TrimSpace(td)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("{}"))
}

// Normalize parses transactionData into meter value groups, rejecting a
// payload whose shape belongs to the other protocol version. 1.6 carries an
// array of {timestamp, sampledValue[]}; 1.5 carries {values: [{timestamp,
// value: {$attributes,$value}}]}.
func (td TransactionData) Normalize(version Version) ([]MeterValue, error) {
	if td.Empty() {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(td)
	switch version {
	case Version16:
		if trimmed[0] != '[' {
			return nil, ErrTransactionDataShape
		}
		var groups []MeterValue
		if err := json.Unmarshal(trimmed, &groups); err != nil {
			return nil, ErrTransactionDataShape
		}
		// An array of 1.5-shaped entries is still the wrong version.
		for _, g := range groups {
			if g.SampledValue == nil {
				return nil, ErrTransactionDataShape
			}
		}
		return groups, nil

	case Version15:
		if trimmed[0] != '{' {
			return nil, ErrTransactionDataShape
		}
		var legacy transactionData15
		if err := json.Unmarshal(trimmed, &legacy); err != nil || legacy.Values == nil {
			return nil, ErrTransactionDataShape
		}
		groups := make([]MeterValue, 0, len(legacy.Values))
		for _, v := range legacy.Values {
			groups = append(groups, v.toMeterValue())
		}
		return groups, nil

	default:
		return nil, fmt.Errorf("unsupported protocol version %q", version)
	}
}

// transactionData15 mirrors the 1.5 wire shape after XML-to-JSON folding
type transactionData15 struct {
	Values []meterValue15 `json:"values"`
}

// meterValue15 is one 1.5 meter value entry: a timestamp with one value or an
// array of values, each carrying its attributes inline.
type meterValue15 struct {
	Timestamp DateTime        `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
}

type sampledValue15 struct {
	Attributes sampledValueAttributes15 `json:"$attributes"`
	Value      string                   `json:"$value"`
}

type sampledValueAttributes15 struct {
	Context   ReadingContext `json:"context,omitempty"`
	Format    ValueFormat    `json:"format,omitempty"`
	Measurand Measurand      `json:"measurand,omitempty"`
	Location  Location       `json:"location,omitempty"`
	Unit      UnitOfMeasure  `json:"unit,omitempty"`
	Phase     Phase          `json:"phase,omitempty"`
}

// UnmarshalJSON accepts both a bare string and the {$attributes,$value} form
// for the $value field, which differs between firmwares.
func (sv *sampledValue15) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &sv.Value)
	}

	type alias sampledValue15
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*sv = sampledValue15(a)
	return nil
}

// toMeterValue expands a 1.5 entry into the normalized group shape. A single
// value and an array of values inside one timestamp both become samples
// sharing that timestamp.
func (mv meterValue15) toMeterValue() MeterValue {
	group := MeterValue{Timestamp: mv.Timestamp}

	trimmed := bytes.TrimSpace(mv.Value)
	if len(trimmed) == 0 {
		return group
	}

	var entries []sampledValue15
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return group
		}
	} else {
		var single sampledValue15
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return group
		}
		entries = []sampledValue15{single}
	}

	for _, e := range entries {
		group.SampledValue = append(group.SampledValue, SampledValue{
			Value:     e.Value,
			Context:   e.Attributes.Context,
			Format:    e.Attributes.Format,
			Measurand: e.Attributes.Measurand,
			Phase:     e.Attributes.Phase,
			Location:  e.Attributes.Location,
			Unit:      e.Attributes.Unit,
		})
	}

	return group
}
