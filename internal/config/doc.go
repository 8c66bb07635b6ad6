// Package config loads, normalizes, and validates signer and terminal
// configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// SIGNER_NETWORK. Spend limits are decimal BTC strings and are checked here so
// the daemon never starts with an unparsable budget.
package config
