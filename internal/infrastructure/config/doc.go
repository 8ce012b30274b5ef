// Package config handles loading and validating loxone2mqtt configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (LOXONE2MQTT_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Miniserver and broker passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.Name)
package config
