// Package config handles loading and validating the Hearth hub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading a .env file that sits next to the config file
//   - Overriding with HEARTH_* environment variables
//   - Validation of required fields and entity references
//
// Security Considerations:
//   - Secrets (MQTT password, InfluxDB token, deCONZ key, alarm credentials)
//     should be supplied through the environment or the .env file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/hearth.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
