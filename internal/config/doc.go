// Package config loads, normalizes, and validates docket configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies DOCKET_* environment overrides on
// top. Feature switches are resolved once into an immutable FeatureSet so
// callers never consult scattered flags at runtime.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
