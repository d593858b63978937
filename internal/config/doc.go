// Package config loads and validates the TOML configuration shared by the
// dopcast daemon and CLI.
package config
