// Package config handles loading and validating BlueHome bridge configuration.
//
// This package manages:
//   - Loading the flat KEY=value file (bluehome.conf) or a YAML file
//   - Overriding with environment variables
//   - Validation of required fields and device records
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - MQTTConfig redacts the password when printed or marshalled
//
// Usage:
//
//	cfg, err := config.Load("bluehome.conf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT)
package config
