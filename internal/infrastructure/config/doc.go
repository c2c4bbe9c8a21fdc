// Package config handles loading and validating configuration for the SRX
// autoscan and tomoproc tools.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with AUTOSCAN_* environment variables
//   - Struct-tag validation plus cross-field checks
//   - Default values matching the nano stage setup
//
// Security Considerations:
//   - API keys, Redis passwords and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/autoscan.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.QueueServer.URL)
package config
