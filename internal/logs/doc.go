// Package logs reads the signer's log file for `signer logs`.
//
// It prints the last N lines with bounded memory, optionally follows the
// file as it grows, and narrows output to one wallet or event type. The
// current log is the signer.log pointer written at startup; following
// re-resolves it so a restarted signer's new run file is picked up.
// Both the console and JSON log formats can be filtered.
package logs
