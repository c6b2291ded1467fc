// Package config loads, normalizes, and validates upsrouter configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// UPSROUTER_API_TOKEN and UPSROUTER_MODEL_URL. The Config type centralizes
// every knob the daemon and CLI need: the key-value backend, the inference and
// DICOMweb endpoints, notification delivery and pipeline concurrency.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, trimmed URLs, and clear validation errors.
package config
