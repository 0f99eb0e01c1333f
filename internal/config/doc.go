// Package config loads and validates the proxy's YAML configuration file,
// and resolves a configured USB vendor:product pair into a concrete serial
// device path.
package config
