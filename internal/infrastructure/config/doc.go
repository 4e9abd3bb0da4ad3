// Package config handles loading and validating the Refoss bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLOGIC_* environment variables
//   - Validation of required fields and port ranges
//
// Sensitive values (MQTT password, InfluxDB token) should be supplied via
// environment variables rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/refoss.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Refoss.GetPollInterval())
package config
