// Package config loads and validates the gatekeeper configuration file.
//
// # Sources
//
// The file is chosen by Path: GATEKEEPER_CONFIG, then CONFIG_PATH, then
// config.json in the working directory. Files ending in .yaml or .yml are
// parsed with gopkg.in/yaml.v3; everything else is JSON with comments,
// stripped with tidwall/jsonc.
//
// # Variable Interpolation
//
// String values may reference the environment or other files:
//
//	"apiKey": "{env:ANALYZER_API_KEY}"
//	"password": "{file:./secrets/dest_password}"
//
// Relative {file:} paths resolve against the configuration file's directory.
// Missing files leave the placeholder untouched.
//
// # Overrides and Defaults
//
// GATEKEEPER_* environment variables override individual fields after the
// file is read (GATEKEEPER_PROXY_PORT, GATEKEEPER_DEST_HOST,
// GATEKEEPER_WHITELIST as a comma separated list, and so on). ApplyDefaults
// then fills every unset field.
//
// # Validation
//
// Validate enforces the startup requirements: proxy host keys exist, the
// destination is named, at least one allowed user with credentials, an
// analyzer endpoint, and a non-empty safe list. Failures wrap ErrInvalid and
// are fatal for the serve command.
package config
