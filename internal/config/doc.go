// Package config loads node and hub configuration from YAML with
// CLASSLINK_* environment overrides, applies role defaults and validates
// every section.
package config
