// Package textutil holds the console helpers shared by the signer and
// terminal command line tools: rounded tables, indented JSON output, and
// password entry that hides input on a terminal but accepts piped stdin.
package textutil
