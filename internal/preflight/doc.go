// Package preflight provides readiness checks for the paths, ports, and
// services the signer depends on.
//
// These checks run in two contexts:
//   - daemonrun calls RunAll before binding the listener. A failed required
//     check stops startup; optional failures are logged.
//   - The CLI "signer preflight" command renders every result as a table.
//
// Each check is gated by its config setting; unconfigured features are skipped.
package preflight
