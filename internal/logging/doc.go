// Package logging assembles structured slog loggers and formatting helpers used
// by the signer daemon and the terminal client.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and defines the field names used across the protocol components
// (client id, request id, wallet id). Password, secret, and auth ticket values
// are redacted by both handlers. The package also provides a no-op logger for
// tests and wiring code that cannot fail.
package logging
