// Package main hosts the signer binary.
//
// Without a subcommand it runs the signer daemon: wallets are opened, the
// protocol listener starts on the configured transport and the operator
// control socket comes up. Subcommands talk to that socket to answer password
// prompts, toggle auto-sign, list or create wallets and stop the process.
// "logs", "preflight" and "config" work without a running signer.
package main
