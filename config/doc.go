// Package config loads, normalizes, and validates gplow configuration.
//
// Settings are read from a TOML file on top of repository defaults. Paths are
// expanded (including ~), timing knobs are exposed as time.Duration accessors,
// and Validate reports the first unusable setting with the key that caused it.
package config
