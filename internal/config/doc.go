// Package config loads, normalizes, and validates Montage configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MONTAGE_CONVERSION_API_KEY. The Config type centralizes every knob the
// daemon and CLI need, so work directories, encoder limits, cache lock timing,
// and collaborator credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
