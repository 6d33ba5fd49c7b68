package storage

import (
	"time"
)

// Tenant is the isolation boundary. Every other document is keyed within one.
type Tenant struct {
	ID         string          `bson:"_id"`
	Name       string          `bson:"name"`
	Subdomain  string          `bson:"subdomain"`
	Components map[string]bool `bson:"components"` // pricing, billing, ocpi, oicp, smartCharging, car
	CreatedAt  time.Time       `bson:"created_at"`
	UpdatedAt  time.Time       `bson:"updated_at"`
}

// ComponentActive reports whether a tenant feature is switched on.
func (t *Tenant) ComponentActive(name string) bool {
	if t == nil || t.Components == nil {
		return false
	}
	return t.Components[name]
}

// Tenant component names recognized by the core.
const (
	ComponentPricing       = "pricing"
	ComponentBilling       = "billing"
	ComponentOCPI          = "ocpi"
	ComponentOICP          = "oicp"
	ComponentSmartCharging = "smartCharging"
	ComponentCar           = "car"
)

// ChargingStation represents a registered charge box and its connectors
type ChargingStation struct {
	ID                 string      `bson:"_id,omitempty"`
	TenantID           string      `bson:"tenant_id"`
	StationID          string      `bson:"station_id"` // station-declared ChargeBoxIdentity
	Vendor             string      `bson:"vendor"`
	Model              string      `bson:"model"`
	SerialNumber       string      `bson:"serial_number,omitempty"`
	FirmwareVersion    string      `bson:"firmware_version,omitempty"`
	OcppVersion        string      `bson:"ocpp_version"`   // "1.5" or "1.6"
	OcppTransport      string      `bson:"ocpp_transport"` // "SOAP" or "JSON"
	Endpoint           string      `bson:"endpoint,omitempty"`
	RegistrationStatus string      `bson:"registration_status"`
	CurrentType        string      `bson:"current_type"` // "AC" or "DC"
	Voltage            float64     `bson:"voltage"`      // per-phase nominal volts
	LastReboot         time.Time   `bson:"last_reboot"`
	LastSeen           time.Time   `bson:"last_seen"`
	CurrentIP          string      `bson:"current_ip,omitempty"`
	SiteAreaID         string      `bson:"site_area_id,omitempty"`
	SiteID             string      `bson:"site_id,omitempty"`
	Connectors         []Connector `bson:"connectors"`
	Issuer             bool        `bson:"issuer"`
	Public             bool        `bson:"public"`
	Deleted            bool        `bson:"deleted"`
	TemplateApplied    bool        `bson:"template_applied"`
	FirmwareStatus     string      `bson:"firmware_status,omitempty"`
	DiagnosticsStatus  string      `bson:"diagnostics_status,omitempty"`
	CreatedAt          time.Time   `bson:"created_at"`
	UpdatedAt          time.Time   `bson:"updated_at"`
}

// ConnectorByID returns the connector with the given id, or nil.
func (s *ChargingStation) ConnectorByID(connectorID int) *Connector {
	for i := range s.Connectors {
		if s.Connectors[i].ConnectorID == connectorID {
			return &s.Connectors[i]
		}
	}
	return nil
}

// Connector represents a single outlet on a station, including the transient
// live-session fields mirrored from the running transaction.
type Connector struct {
	ConnectorID         int       `bson:"connector_id"`
	Status              string    `bson:"status"`
	ErrorCode           string    `bson:"error_code,omitempty"`
	Info                string    `bson:"info,omitempty"`
	VendorErrorCode     string    `bson:"vendor_error_code,omitempty"`
	StatusLastChangedOn time.Time `bson:"status_last_changed_on"`
	Type                string    `bson:"type"`
	Power               int       `bson:"power"` // Watts
	NumberOfPhases      int       `bson:"number_of_phases"`
	PhaseAssignment     string    `bson:"phase_assignment,omitempty"`

	CurrentTransactionID       int       `bson:"current_transaction_id"` // 0 when idle
	CurrentTransactionDate     time.Time `bson:"current_transaction_date,omitempty"`
	CurrentTagID               string    `bson:"current_tag_id,omitempty"`
	CurrentUserID              string    `bson:"current_user_id,omitempty"`
	CurrentInstantWatts        float64   `bson:"current_instant_watts"`
	CurrentTotalConsumptionWh  float64   `bson:"current_total_consumption_wh"`
	CurrentTotalInactivitySecs int       `bson:"current_total_inactivity_secs"`
	CurrentInactivityStatus    string    `bson:"current_inactivity_status,omitempty"`
	CurrentStateOfCharge       int       `bson:"current_state_of_charge"`
}

// ClearSession zeroes the transient live-session fields.
func (c *Connector) ClearSession() {
	c.CurrentTransactionID = 0
	c.CurrentTransactionDate = time.Time{}
	c.CurrentTagID = ""
	c.CurrentUserID = ""
	c.CurrentInstantWatts = 0
	c.CurrentTotalConsumptionWh = 0
	c.CurrentTotalInactivitySecs = 0
	c.CurrentInactivityStatus = ""
	c.CurrentStateOfCharge = 0
}

// InactivityStatus classification levels
const (
	InactivityStatusInfo    = "I"
	InactivityStatusWarning = "W"
	InactivityStatusError   = "E"
)

// LastConsumption is the anchor the consumption builder advances: the
// timestamp and cumulative meter reading of the last derived interval.
type LastConsumption struct {
	Timestamp time.Time `bson:"timestamp"`
	Value     float64   `bson:"value"` // cumulative Wh
}

// Transaction represents one charging session, from StartTransaction to the
// stop block. It is the aggregate root for billing.
type Transaction struct {
	DocID       string `bson:"_id,omitempty"`
	TenantID    string `bson:"tenant_id"`
	ID          int    `bson:"transaction_id"`
	ChargeBoxID string `bson:"charge_box_id"`
	ConnectorID int    `bson:"connector_id"`
	TagID       string `bson:"tag_id"`
	UserID      string `bson:"user_id,omitempty"`
	CarID       string `bson:"car_id,omitempty"`
	SiteAreaID  string `bson:"site_area_id,omitempty"`
	SiteID      string `bson:"site_id,omitempty"`
	Issuer      bool   `bson:"issuer"`

	Timestamp  time.Time `bson:"timestamp"` // start
	MeterStart int       `bson:"meter_start"`

	CurrentInstantWatts   float64 `bson:"current_instant_watts"`
	CurrentInstantWattsL1 float64 `bson:"current_instant_watts_l1"`
	CurrentInstantWattsL2 float64 `bson:"current_instant_watts_l2"`
	CurrentInstantWattsL3 float64 `bson:"current_instant_watts_l3"`
	CurrentInstantWattsDC float64 `bson:"current_instant_watts_dc"`
	CurrentInstantVolts   float64 `bson:"current_instant_volts"`
	CurrentInstantVoltsL1 float64 `bson:"current_instant_volts_l1"`
	CurrentInstantVoltsL2 float64 `bson:"current_instant_volts_l2"`
	CurrentInstantVoltsL3 float64 `bson:"current_instant_volts_l3"`
	CurrentInstantVoltsDC float64 `bson:"current_instant_volts_dc"`
	CurrentInstantAmps    float64 `bson:"current_instant_amps"`
	CurrentInstantAmpsL1  float64 `bson:"current_instant_amps_l1"`
	CurrentInstantAmpsL2  float64 `bson:"current_instant_amps_l2"`
	CurrentInstantAmpsL3  float64 `bson:"current_instant_amps_l3"`
	CurrentInstantAmpsDC  float64 `bson:"current_instant_amps_dc"`

	CurrentTotalConsumptionWh  float64 `bson:"current_total_consumption_wh"`
	CurrentTotalInactivitySecs int     `bson:"current_total_inactivity_secs"`
	CurrentInactivityStatus    string  `bson:"current_inactivity_status,omitempty"`
	CurrentStateOfCharge       int     `bson:"current_state_of_charge"`
	CurrentCumulatedPrice      float64 `bson:"current_cumulated_price"`

	StateOfCharge            int              `bson:"state_of_charge"` // at Transaction.Begin
	NumberOfMeterValues      int              `bson:"number_of_meter_values"`
	ConsecutiveIdleIntervals int              `bson:"consecutive_idle_intervals"`
	PhasesUsed               int              `bson:"phases_used"` // 0 = unknown
	SignedData               string           `bson:"signed_data,omitempty"`
	EndSignedData            string           `bson:"end_signed_data,omitempty"` // staged until the stop block exists
	TransactionEndReceived   bool             `bson:"transaction_end_received"`
	LastConsumption          *LastConsumption `bson:"last_consumption,omitempty"`

	PriceUnit     string  `bson:"price_unit,omitempty"`
	Price         float64 `bson:"price"`
	RoundedPrice  float64 `bson:"rounded_price"`
	PricingSource string  `bson:"pricing_source,omitempty"`

	EndOfChargeNotified   bool `bson:"end_of_charge_notified"`
	OptimalChargeNotified bool `bson:"optimal_charge_notified"`

	Stop       *TransactionStop `bson:"stop,omitempty"`
	RemoteStop *RemoteStop      `bson:"remotestop,omitempty"`
	OcpiData   *RoamingData     `bson:"ocpi_data,omitempty"`
	OicpData   *RoamingData     `bson:"oicp_data,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// IsActive reports whether the transaction has no stop block yet.
func (t *Transaction) IsActive() bool {
	return t.Stop == nil
}

// RoamingSessionID returns the roaming session identifier, if any.
func (t *Transaction) RoamingSessionID() string {
	if t.OcpiData != nil {
		return t.OcpiData.SessionID
	}
	if t.OicpData != nil {
		return t.OicpData.SessionID
	}
	return ""
}

// TransactionStop is the closing block of a transaction, written exactly once.
type TransactionStop struct {
	Timestamp              time.Time `bson:"timestamp"`
	MeterStop              int       `bson:"meter_stop"`
	TagID                  string    `bson:"tag_id"`
	UserID                 string    `bson:"user_id,omitempty"`
	UserName               string    `bson:"user_name,omitempty"` // denormalized snapshot
	Reason                 string    `bson:"reason,omitempty"`
	TotalConsumptionWh     float64   `bson:"total_consumption_wh"`
	TotalInactivitySecs    int       `bson:"total_inactivity_secs"`
	InactivityStatus       string    `bson:"inactivity_status,omitempty"`
	TotalDurationSecs      int       `bson:"total_duration_secs"`
	ExtraInactivitySecs    int       `bson:"extra_inactivity_secs"`
	ExtraInactivityComputed bool     `bson:"extra_inactivity_computed"`
	StateOfCharge          int       `bson:"state_of_charge"`
	SignedData             string    `bson:"signed_data,omitempty"`
	Price                  float64   `bson:"price"`
	RoundedPrice           float64   `bson:"rounded_price"`
	PriceUnit              string    `bson:"price_unit,omitempty"`
	PricingSource          string    `bson:"pricing_source,omitempty"`
}

// RemoteStop records a central-system remote stop order
type RemoteStop struct {
	TagID     string    `bson:"tag_id"`
	Timestamp time.Time `bson:"timestamp"`
}

// RoamingData carries a roaming session identifier and CDR publication state
type RoamingData struct {
	SessionID       string     `bson:"session_id"`
	AuthorizationID string     `bson:"authorization_id,omitempty"`
	CdrPushed       bool       `bson:"cdr_pushed"`
	CdrPushedAt     *time.Time `bson:"cdr_pushed_at,omitempty"`
}

// Consumption is one derived interval between two adjacent energy readings
type Consumption struct {
	ID            string    `bson:"_id,omitempty"`
	TenantID      string    `bson:"tenant_id"`
	TransactionID int       `bson:"transaction_id"`
	ChargeBoxID   string    `bson:"charge_box_id"`
	ConnectorID   int       `bson:"connector_id"`
	SiteAreaID    string    `bson:"site_area_id,omitempty"`
	SiteID        string    `bson:"site_id,omitempty"`
	UserID        string    `bson:"user_id,omitempty"`
	StartedAt     time.Time `bson:"started_at"`
	EndedAt       time.Time `bson:"ended_at"`

	ConsumptionWh          float64 `bson:"consumption_wh"`
	InstantWatts           float64 `bson:"instant_watts"`
	InstantWattsL1         float64 `bson:"instant_watts_l1"`
	InstantWattsL2         float64 `bson:"instant_watts_l2"`
	InstantWattsL3         float64 `bson:"instant_watts_l3"`
	InstantWattsDC         float64 `bson:"instant_watts_dc"`
	InstantAmps            float64 `bson:"instant_amps"`
	InstantVolts           float64 `bson:"instant_volts"`
	CumulatedConsumptionWh float64 `bson:"cumulated_consumption_wh"`
	TotalInactivitySecs    int     `bson:"total_inactivity_secs"`
	InactivitySecs         int     `bson:"inactivity_secs"`
	TotalDurationSecs      int     `bson:"total_duration_secs"`

	LimitSource   string  `bson:"limit_source,omitempty"`
	LimitAmps     float64 `bson:"limit_amps"`
	StateOfCharge int     `bson:"state_of_charge"`

	Pricing *ConsumptionPricing `bson:"pricing,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
}

// ConsumptionPricing is the pricing snapshot attached to one interval
type ConsumptionPricing struct {
	Amount        float64 `bson:"amount"`
	RoundedAmount float64 `bson:"rounded_amount"`
	CurrencyCode  string  `bson:"currency_code"`
	Source        string  `bson:"source"`
}

// MeterValueRecord is one normalized sample persisted for audit and replay
type MeterValueRecord struct {
	ID            string    `bson:"_id,omitempty"`
	TenantID      string    `bson:"tenant_id"`
	StationID     string    `bson:"station_id"`
	ConnectorID   int       `bson:"connector_id"`
	TransactionID int       `bson:"transaction_id,omitempty"`
	Timestamp     time.Time `bson:"timestamp"`
	Context       string    `bson:"context"`
	Format        string    `bson:"format"`
	Measurand     string    `bson:"measurand"`
	Location      string    `bson:"location"`
	Unit          string    `bson:"unit"`
	Phase         string    `bson:"phase,omitempty"`
	Value         float64   `bson:"value"`
	SignedValue   string    `bson:"signed_value,omitempty"`
	Ignored       bool      `bson:"ignored,omitempty"` // clock values after Transaction.End
	CreatedAt     time.Time `bson:"created_at"`
}

// Tag represents an RFID badge or virtual tag belonging to a user
type Tag struct {
	DocID       string     `bson:"_id,omitempty"`
	TenantID    string     `bson:"tenant_id"`
	ID          string     `bson:"tag_id"` // the OCPP idTag
	UserID      string     `bson:"user_id,omitempty"`
	Description string     `bson:"description,omitempty"`
	Active      bool       `bson:"active"`
	Blocked     bool       `bson:"blocked"`
	ExpiryDate  *time.Time `bson:"expiry_date,omitempty"`
	Issuer      bool       `bson:"issuer"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

// User status values the core branches on
const (
	UserStatusActive  = "A"
	UserStatusBlocked = "B"
	UserStatusPending = "P"
)

// User is the owner of tags and transactions
type User struct {
	DocID        string    `bson:"_id,omitempty"`
	TenantID     string    `bson:"tenant_id"`
	ID           string    `bson:"user_id"`
	Name         string    `bson:"name"`
	FirstName    string    `bson:"first_name,omitempty"`
	Email        string    `bson:"email,omitempty"`
	Status       string    `bson:"status"`
	Issuer       bool      `bson:"issuer"`
	DefaultCarID string    `bson:"default_car_id,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// FullName returns the denormalized display name stored on stop blocks.
func (u *User) FullName() string {
	if u.FirstName == "" {
		return u.Name
	}
	return u.FirstName + " " + u.Name
}

// RegistrationToken authorizes the first BootNotification of a new station
type RegistrationToken struct {
	DocID          string     `bson:"_id,omitempty"`
	TenantID       string     `bson:"tenant_id"`
	Token          string     `bson:"token"`
	Description    string     `bson:"description,omitempty"`
	SiteAreaID     string     `bson:"site_area_id,omitempty"`
	SiteID         string     `bson:"site_id,omitempty"`
	ExpirationDate *time.Time `bson:"expiration_date,omitempty"`
	RevocationDate *time.Time `bson:"revocation_date,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
}

// Valid reports whether the token may authorize a boot at the given instant.
func (t *RegistrationToken) Valid(now time.Time) bool {
	if t.RevocationDate != nil && !t.RevocationDate.After(now) {
		return false
	}
	if t.ExpirationDate != nil && !t.ExpirationDate.After(now) {
		return false
	}
	return true
}

// BootRecord is the raw boot notification log kept for diagnostics
type BootRecord struct {
	ID              string    `bson:"_id,omitempty"`
	TenantID        string    `bson:"tenant_id"`
	StationID       string    `bson:"station_id"`
	Vendor          string    `bson:"vendor"`
	Model           string    `bson:"model"`
	SerialNumber    string    `bson:"serial_number,omitempty"`
	FirmwareVersion string    `bson:"firmware_version,omitempty"`
	OcppVersion     string    `bson:"ocpp_version"`
	OcppTransport   string    `bson:"ocpp_transport"`
	ClientIP        string    `bson:"client_ip,omitempty"`
	Status          string    `bson:"status"`
	Reason          string    `bson:"reason,omitempty"`
	Timestamp       time.Time `bson:"timestamp"`
}

// Lock is a named distributed lock document
type Lock struct {
	ID         string    `bson:"_id,omitempty"`
	TenantID   string    `bson:"tenant_id"`
	Name       string    `bson:"name"`
	Token      string    `bson:"token"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}
