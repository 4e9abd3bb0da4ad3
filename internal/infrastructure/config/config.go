package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Refoss bridge.
// Values are loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Refoss   RefossConfig   `yaml:"refoss"`
}

// SiteConfig identifies the installation the bridge belongs to.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the datapoint store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
// Meter readings are only written when Enabled is true.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RefossConfig contains discovery, polling and liveness settings for
// Refoss energy meters. Intervals are in seconds unless the field name
// says otherwise.
type RefossConfig struct {
	Enabled bool `yaml:"enabled"`

	// DiscoveryPort is the UDP port the probe is broadcast to (and bound from).
	DiscoveryPort int `yaml:"discovery_port"`

	// ListenPort is the UDP port device announcements arrive on.
	ListenPort int `yaml:"listen_port"`

	BroadcastAddress  string `yaml:"broadcast_address"`
	BroadcastInterval int    `yaml:"broadcast_interval"`
	BurstCount        int    `yaml:"burst_count"`
	BurstStaggerMS    int    `yaml:"burst_stagger_ms"`

	PollInterval   int `yaml:"poll_interval"`
	RequestTimeout int `yaml:"request_timeout"`

	LivenessInterval int `yaml:"liveness_interval"`
	LivenessPort     int `yaml:"liveness_port"`
	LivenessTimeout  int `yaml:"liveness_timeout"`

	// TriggerSource is sent in the triggerSrc field of every request header.
	TriggerSource string `yaml:"trigger_source"`

	HealthInterval int `yaml:"health_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The loading order is:
//  1. Default values
//  2. YAML file values
//  3. Environment variables (GRAYLOGIC_SECTION_KEY)
//
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. It is what Load starts from
// and what the bridge runs with when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-refoss.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-refoss",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Refoss: RefossConfig{
			Enabled:           true,
			DiscoveryPort:     9988,
			ListenPort:        9989,
			BroadcastAddress:  "255.255.255.255",
			BroadcastInterval: 3600,
			BurstCount:        3,
			BurstStaggerMS:    1000,
			PollInterval:      15,
			RequestTimeout:    15,
			LivenessInterval:  15,
			LivenessPort:      80,
			LivenessTimeout:   3,
			TriggerSource:     "GrayLogic",
			HealthInterval:    30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("GRAYLOGIC_REFOSS_BROADCAST_ADDRESS"); v != "" {
		cfg.Refoss.BroadcastAddress = v
	}
	if v := os.Getenv("GRAYLOGIC_REFOSS_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refoss.PollInterval = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Refoss.Enabled {
		errs = append(errs, c.Refoss.validate()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r *RefossConfig) validate() []string {
	var errs []string

	for name, port := range map[string]int{
		"refoss.discovery_port": r.DiscoveryPort,
		"refoss.listen_port":    r.ListenPort,
		"refoss.liveness_port":  r.LivenessPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, name+" must be between 1 and 65535")
		}
	}

	if net.ParseIP(r.BroadcastAddress) == nil {
		errs = append(errs, "refoss.broadcast_address must be an IP address")
	}
	if r.BurstCount < 1 {
		errs = append(errs, "refoss.burst_count must be at least 1")
	}
	if r.PollInterval < 1 {
		errs = append(errs, "refoss.poll_interval must be at least 1 second")
	}
	if r.RequestTimeout < 1 {
		errs = append(errs, "refoss.request_timeout must be at least 1 second")
	}
	if r.LivenessInterval < 1 {
		errs = append(errs, "refoss.liveness_interval must be at least 1 second")
	}

	return errs
}

// GetPollInterval returns the per-device polling interval.
func (r RefossConfig) GetPollInterval() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// GetRequestTimeout returns the HTTP exchange timeout.
func (r RefossConfig) GetRequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// GetBroadcastInterval returns the period between discovery bursts.
func (r RefossConfig) GetBroadcastInterval() time.Duration {
	return time.Duration(r.BroadcastInterval) * time.Second
}

// GetBurstStagger returns the delay between probes within one burst.
func (r RefossConfig) GetBurstStagger() time.Duration {
	return time.Duration(r.BurstStaggerMS) * time.Millisecond
}

// GetLivenessInterval returns the reachability probe period.
func (r RefossConfig) GetLivenessInterval() time.Duration {
	return time.Duration(r.LivenessInterval) * time.Second
}

// GetLivenessTimeout returns the TCP connect timeout for reachability probes.
func (r RefossConfig) GetLivenessTimeout() time.Duration {
	return time.Duration(r.LivenessTimeout) * time.Second
}

// GetHealthInterval returns the bridge health publish period.
func (r RefossConfig) GetHealthInterval() time.Duration {
	return time.Duration(r.HealthInterval) * time.Second
}
