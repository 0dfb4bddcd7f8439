// Package config loads the daemon configuration from a single YAML or JSON
// file, fills in defaults relative to the file's directory and applies
// MOSAIC_* environment overrides for secrets and deployment-specific values.
package config
