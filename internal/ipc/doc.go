// Package ipc exposes the running signer over JSON-RPC on a Unix socket and
// ships the matching client used by the signer CLI.
//
// Operators use it to answer password prompts, toggle auto-sign, inspect
// status and ask the process to exit. Request and response types are plain
// DTOs so the wire format stays stable when daemon internals change.
package ipc
