package config

import (
	"time"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
	OCPP    OCPPConfig    `mapstructure:"ocpp"`
	Pricing PricingConfig `mapstructure:"pricing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int       `mapstructure:"port"`
	Host string    `mapstructure:"host"`
	TLS  TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
	Output string `mapstructure:"output"` // stdout or file path
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI               string                   `mapstructure:"uri"`
	Database          string                   `mapstructure:"database"`
	ConnectionTimeout time.Duration            `mapstructure:"connection_timeout"`
	MaxPoolSize       uint64                   `mapstructure:"max_pool_size"`
	Collections       MongoDBCollectionsConfig `mapstructure:"collections"`
}

// MongoDBCollectionsConfig holds collection names
type MongoDBCollectionsConfig struct {
	Tenants      string `mapstructure:"tenants"`
	Stations     string `mapstructure:"stations"`
	Transactions string `mapstructure:"transactions"`
	Consumptions string `mapstructure:"consumptions"`
	MeterValues  string `mapstructure:"meter_values"`
	Tags         string `mapstructure:"tags"`
	Users        string `mapstructure:"users"`
	Tokens       string `mapstructure:"tokens"`
	Boots        string `mapstructure:"boots"`
	Locks        string `mapstructure:"locks"`
	Counters     string `mapstructure:"counters"`
}

// OCPPConfig holds the behavior knobs of the OCPP core
type OCPPConfig struct {
	// Heartbeat interval advertised in BootNotification responses, per
	// transport flavor.
	HeartbeatIntervalOCPPSSecs int `mapstructure:"heartbeat_interval_ocpps_secs"`
	HeartbeatIntervalOCPPJSecs int `mapstructure:"heartbeat_interval_ocppj_secs"`

	// Interval returned in a Rejected BootNotification.
	BootRejectRetrySecs int `mapstructure:"boot_reject_retry_secs"`

	// Online/offline boundary used in duplicate-identity diagnostics.
	MaxLastSeenIntervalSecs int `mapstructure:"max_last_seen_interval_secs"`

	// End-of-charge detection.
	NotifEndOfChargeEnabled       bool `mapstructure:"notif_end_of_charge_enabled"`
	NotifBeforeEndOfChargeEnabled bool `mapstructure:"notif_before_end_of_charge_enabled"`
	NotifBeforeEndOfChargePercent int  `mapstructure:"notif_before_end_of_charge_percent"`

	// Deferred-work delays.
	PostBootConfigDelayMs int `mapstructure:"post_boot_config_delay_ms"`
	SmartChargingDelayMs  int `mapstructure:"smart_charging_delay_ms"`

	// Timeout for outbound integrations.
	PerCallTimeoutMs int `mapstructure:"per_call_timeout_ms"`

	// Inactivity classification thresholds, seconds.
	InactivityWarningSecs int `mapstructure:"inactivity_warning_secs"`
	InactivityErrorSecs   int `mapstructure:"inactivity_error_secs"`
}

// PricingConfig holds the built-in flat tariff
type PricingConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	PriceKWH float64 `mapstructure:"price_kwh"`
	Currency string  `mapstructure:"currency"`
}

// HeartbeatInterval returns the advertised heartbeat seconds for a transport.
func (c *OCPPConfig) HeartbeatInterval(transport string) int {
	if transport == "SOAP" {
		return c.HeartbeatIntervalOCPPSSecs
	}
	return c.HeartbeatIntervalOCPPJSecs
}

// PerCallTimeout returns the outbound integration timeout as a duration.
func (c *OCPPConfig) PerCallTimeout() time.Duration {
	return time.Duration(c.PerCallTimeoutMs) * time.Millisecond
}

// PostBootConfigDelay returns the post-boot configuration push delay.
func (c *OCPPConfig) PostBootConfigDelay() time.Duration {
	return time.Duration(c.PostBootConfigDelayMs) * time.Millisecond
}

// SmartChargingDelay returns the smart-charging recomputation delay.
func (c *OCPPConfig) SmartChargingDelay() time.Duration {
	return time.Duration(c.SmartChargingDelayMs) * time.Millisecond
}
