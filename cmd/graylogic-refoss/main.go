// Gray Logic Refoss Bridge
//
// This is the main entry point for the Refoss energy meter bridge. It finds
// Refoss EM06, EM06P and EM16P meters on the local network by UDP broadcast,
// polls their per-channel electricity readings over HTTP and publishes them
// to the Gray Logic datapoint store and MQTT bus:
//   - Zero-configuration discovery (UDP 9988/9989)
//   - Per-meter polling sessions with merge ("Total") channels
//   - TCP liveness probing with a bridge-wide connection indicator
//   - Optional InfluxDB history
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-refoss/migrations"

	"github.com/nerrad567/gray-logic-refoss/internal/bridges/refoss"
	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Refoss bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if !cfg.Refoss.Enabled {
		log.Info("refoss bridge disabled, nothing to do")
		return nil
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := datapoint.NewRegistry(datapoint.NewSQLiteRepository(db.DB))
	registry.SetLogger(log)
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading datapoint registry: %w", refreshErr)
	}
	log.Info("datapoint registry initialised", "objects", registry.Count())

	lwt, err := refoss.LWTPayload(refoss.DefaultBridgeID)
	if err != nil {
		return fmt.Errorf("encoding LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{Topic: refoss.HealthTopic(), Payload: lwt})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	opts := refoss.BridgeOptions{
		Config:  cfg.Refoss,
		Version: version,
		Store:   registry,
		Objects: registry,
		MQTT:    mqttClient,
		Logger:  log,
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		opts.Metrics = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	bridge, err := refoss.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating refoss bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting refoss bridge: %w", err)
	}
	defer func() {
		log.Info("stopping refoss bridge")
		bridge.Stop()
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", bridge.DeviceCount(),
		"models", refoss.SupportedModels(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_REFOSS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_REFOSS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the file at path. A missing default file is not an
// error: the bridge then runs on built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path != defaultConfigPath || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
