// Package config loads the YAML configuration for toolgate.
//
// Values may reference environment variables with ${VAR}; duration fields
// are written as Go duration strings ("60s", "1h") and parsed after
// unmarshal. Load applies defaults and validates required fields.
package config
