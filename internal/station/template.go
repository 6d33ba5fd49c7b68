package station

import (
	"strings"

	"github.com/roiko/ev-server/internal/storage"
)

// Template is a declarative vendor/model enrichment: connector capabilities
// plus the OCPP configuration keys the firmware should run with.
type Template struct {
	Vendor      string
	Model       string // empty matches every model of the vendor
	CurrentType string
	Voltage     float64
	Connectors  []ConnectorTemplate
	// ConfigurationKeys are pushed to the station after boot.
	ConfigurationKeys map[string]string
}

// ConnectorTemplate describes one connector's capabilities
type ConnectorTemplate struct {
	Type            string
	Power           int
	NumberOfPhases  int
	PhaseAssignment string
}

// TemplateResult reports what a template application changed
type TemplateResult struct {
	Updated             bool
	OcppStandardUpdated bool
	ConfigurationKeys   map[string]string
}

// TemplateCatalog resolves (vendor, model, firmware) to a template
type TemplateCatalog struct {
	templates []Template
}

// NewTemplateCatalog creates a catalog from the given templates
func NewTemplateCatalog(templates []Template) *TemplateCatalog {
	return &TemplateCatalog{templates: templates}
}

// DefaultTemplateCatalog returns the built-in catalog covering the vendors
// the platform commonly meets. The configuration does not extend it; other
// catalogs are built with NewTemplateCatalog.
func DefaultTemplateCatalog() *TemplateCatalog {
	return NewTemplateCatalog([]Template{
		{
			Vendor:      "ABB",
			CurrentType: "AC",
			Voltage:     230,
			Connectors: []ConnectorTemplate{
				{Type: "T2", Power: 22000, NumberOfPhases: 3},
				{Type: "T2", Power: 22000, NumberOfPhases: 3},
			},
			ConfigurationKeys: map[string]string{
				"MeterValueSampleInterval":  "60",
				"MeterValuesSampledData":    "Energy.Active.Import.Register,Power.Active.Import,Current.Import,Voltage,SoC",
				"StopTransactionOnEVSideDisconnect": "true",
			},
		},
		{
			Vendor:      "Schneider Electric",
			CurrentType: "AC",
			Voltage:     230,
			Connectors: []ConnectorTemplate{
				{Type: "T2", Power: 22000, NumberOfPhases: 3},
				{Type: "T2", Power: 22000, NumberOfPhases: 3},
			},
			ConfigurationKeys: map[string]string{
				"MeterValueSampleInterval": "60",
			},
		},
		{
			Vendor:      "DELTA",
			Model:       "10616",
			CurrentType: "DC",
			Voltage:     400,
			Connectors: []ConnectorTemplate{
				{Type: "CCS", Power: 150000, NumberOfPhases: 3},
				{Type: "CHAdeMO", Power: 50000, NumberOfPhases: 3},
			},
			ConfigurationKeys: map[string]string{
				"MeterValueSampleInterval": "30",
			},
		},
	})
}

// find returns the template matching the station, most specific first.
func (c *TemplateCatalog) find(vendor, model string) *Template {
	var vendorWide *Template
	for i := range c.templates {
		t := &c.templates[i]
		if !strings.EqualFold(t.Vendor, vendor) {
			continue
		}
		if t.Model != "" && strings.EqualFold(t.Model, model) {
			return t
		}
		if t.Model == "" && vendorWide == nil {
			vendorWide = t
		}
	}
	return vendorWide
}

// Apply enriches the station from its template. The operation is idempotent:
// a station already carrying the template's shape is left untouched.
func (c *TemplateCatalog) Apply(station *storage.ChargingStation, _ string) TemplateResult {
	template := c.find(station.Vendor, station.Model)
	if template == nil {
		return TemplateResult{}
	}

	result := TemplateResult{ConfigurationKeys: template.ConfigurationKeys}

	if station.CurrentType != template.CurrentType {
		station.CurrentType = template.CurrentType
		result.Updated = true
	}
	if template.Voltage > 0 && station.Voltage != template.Voltage {
		station.Voltage = template.Voltage
		result.Updated = true
	}

	for i, ct := range template.Connectors {
		connectorID := i + 1
		connector := station.ConnectorByID(connectorID)
		if connector == nil {
			continue // connectors appear through StatusNotification
		}
		if connector.Type != ct.Type || connector.Power != ct.Power || connector.NumberOfPhases != ct.NumberOfPhases {
			connector.Type = ct.Type
			connector.Power = ct.Power
			connector.NumberOfPhases = ct.NumberOfPhases
			connector.PhaseAssignment = ct.PhaseAssignment
			result.Updated = true
		}
	}

	if !station.TemplateApplied {
		station.TemplateApplied = true
		result.Updated = true
		result.OcppStandardUpdated = len(template.ConfigurationKeys) > 0
	}

	return result
}

// ApplyToConnector enriches a single, newly discovered connector.
func (c *TemplateCatalog) ApplyToConnector(station *storage.ChargingStation, connectorID int) bool {
	template := c.find(station.Vendor, station.Model)
	if template == nil || connectorID < 1 || connectorID > len(template.Connectors) {
		return false
	}

	connector := station.ConnectorByID(connectorID)
	if connector == nil {
		return false
	}

	ct := template.Connectors[connectorID-1]
	connector.Type = ct.Type
	connector.Power = ct.Power
	connector.NumberOfPhases = ct.NumberOfPhases
	connector.PhaseAssignment = ct.PhaseAssignment
	return true
}
