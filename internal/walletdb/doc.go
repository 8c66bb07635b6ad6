// Package walletdb is the reference wallet engine: HD-style root wallets with
// leaves, persisted in SQLite.
//
// Root private keys are sealed with secretbox under an scrypt-derived key
// when the wallet is password protected. Leaf and address keys are derived
// from the root by additive tweaks, so public data (addresses, chains,
// comments) is available without the password while signing is not.
//
// The Store keeps an in-memory directory of wallets and addresses loaded at
// Open so lookups made from the listener's dispatch goroutine never touch the
// database.
package walletdb
