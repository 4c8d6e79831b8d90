// Package config loads analyzerd's JSON configuration file, fills in
// defaults and applies ANALYZERD_* environment overrides.
package config
