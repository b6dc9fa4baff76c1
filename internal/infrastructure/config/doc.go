// Package config handles loading and validating the eSTUDNA bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Cloud account passwords should be set via ESTUDNA_ACCOUNT_{ID}_PASSWORD
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, acc := range cfg.Accounts {
//	    fmt.Println(acc.ID, acc.DeviceType)
//	}
package config
