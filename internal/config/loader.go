package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load loads the configuration from the config file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("EVSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus env are enough to run; only a broken file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "ev-server")
	v.SetDefault("mongodb.connection_timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 100)
	v.SetDefault("mongodb.collections.tenants", "tenants")
	v.SetDefault("mongodb.collections.stations", "chargingstations")
	v.SetDefault("mongodb.collections.transactions", "transactions")
	v.SetDefault("mongodb.collections.consumptions", "consumptions")
	v.SetDefault("mongodb.collections.meter_values", "metervalues")
	v.SetDefault("mongodb.collections.tags", "tags")
	v.SetDefault("mongodb.collections.users", "users")
	v.SetDefault("mongodb.collections.tokens", "registrationtokens")
	v.SetDefault("mongodb.collections.boots", "bootnotifications")
	v.SetDefault("mongodb.collections.locks", "locks")
	v.SetDefault("mongodb.collections.counters", "counters")

	v.SetDefault("ocpp.heartbeat_interval_ocpps_secs", 180)
	v.SetDefault("ocpp.heartbeat_interval_ocppj_secs", 3600)
	v.SetDefault("ocpp.boot_reject_retry_secs", 600)
	v.SetDefault("ocpp.max_last_seen_interval_secs", 540)
	v.SetDefault("ocpp.notif_end_of_charge_enabled", true)
	v.SetDefault("ocpp.notif_before_end_of_charge_enabled", false)
	v.SetDefault("ocpp.notif_before_end_of_charge_percent", 85)
	v.SetDefault("ocpp.post_boot_config_delay_ms", 3000)
	v.SetDefault("ocpp.smart_charging_delay_ms", 3000)
	v.SetDefault("ocpp.per_call_timeout_ms", 10000)
	v.SetDefault("ocpp.inactivity_warning_secs", 1800)
	v.SetDefault("ocpp.inactivity_error_secs", 3600)

	v.SetDefault("pricing.enabled", true)
	v.SetDefault("pricing.price_kwh", 0.25)
	v.SetDefault("pricing.currency", "EUR")
}

// validate performs basic validation on the configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.MongoDB.URI == "" {
		return fmt.Errorf("mongodb.uri is required")
	}
	if cfg.MongoDB.Database == "" {
		return fmt.Errorf("mongodb.database is required")
	}

	if cfg.OCPP.HeartbeatIntervalOCPPJSecs <= 0 || cfg.OCPP.HeartbeatIntervalOCPPSSecs <= 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}
	if cfg.OCPP.BootRejectRetrySecs <= 0 {
		return fmt.Errorf("boot_reject_retry_secs must be positive")
	}

	return nil
}
