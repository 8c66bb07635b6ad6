// Package main hosts the terminal binary, a scripted client of the signer.
//
// Each subcommand opens one authenticated session, issues its request and
// exits. "local start" instead owns a signer subprocess for as long as it
// runs, the way a desktop terminal supervises its bundled signer.
package main
