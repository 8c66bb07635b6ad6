// Package daemon coordinates the long-running signer process.
//
// It wires configuration, the wallet engine, the transport server and the
// protocol listener into a single lifecycle with flock-based locking so two
// signers never share a state directory. Password prompts raised while the
// signer runs headless land in an operator inbox answered over IPC or from
// the console. Optional extras hang off the same lifecycle: the hardware
// wallet hotplug monitor and an HTTP endpoint exporting Prometheus metrics
// and a read-only status view.
//
// Keep orchestration here: request handling belongs to the listener and key
// operations to the wallet engine.
package daemon
