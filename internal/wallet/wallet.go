// Package wallet defines the signing engine the signer delegates key
// operations to, and the wallet metadata the protocol components consume.
package wallet

import (
	"context"
	"fmt"

	"headless/internal/protocol"
)

// ErrBadPassword is returned when a secret does not unlock a wallet.
var ErrBadPassword = fmt.Errorf("%w: invalid password", protocol.ErrSigning)

// Info describes a root (HD) wallet or one of its leaves.
type Info struct {
	ID           string
	RootID       string
	Name         string
	Description  string
	Type         protocol.WalletType
	Path         string
	NetType      protocol.NetworkType
	EncTypes     []protocol.EncryptionType
	EncKeys      [][]byte
	RankM        int
	RankN        int
	WatchingOnly bool
	Primary      bool
}

// IsRoot reports whether the wallet is a top-level HD wallet.
func (i Info) IsRoot() bool {
	return i.RootID == "" || i.RootID == i.ID
}

// Encrypted reports whether unlocking the wallet requires a secret.
func (i Info) Encrypted() bool {
	for _, enc := range i.EncTypes {
		if enc != protocol.EncryptionUnencrypted {
			return true
		}
	}
	return false
}

// Proto converts the metadata into its wire form.
func (i Info) Proto() protocol.WalletInfo {
	return protocol.WalletInfo{
		ID:           i.ID,
		RootID:       i.RootID,
		Name:         i.Name,
		Description:  i.Description,
		Type:         i.Type,
		NetType:      i.NetType,
		EncTypes:     append([]protocol.EncryptionType(nil), i.EncTypes...),
		WatchingOnly: i.WatchingOnly,
		Primary:      i.Primary,
	}
}

// Directory answers wallet lookups. Implementations must be safe for
// concurrent use.
type Directory interface {
	// Wallet finds a root or leaf by id.
	Wallet(id string) (Info, bool)
	// Root finds the root wallet owning id, which may itself be a root.
	Root(id string) (Info, bool)
	// Primary returns the designated primary root wallet.
	Primary() (Info, bool)
	// Roots lists every root wallet.
	Roots() []Info
	// WalletByAddress finds the leaf owning a generated address.
	WalletByAddress(address string) (Info, bool)
}

// Engine performs private key operations and wallet bookkeeping.
type Engine interface {
	Directory

	VerifySecret(rootID string, secret []byte) error

	SignTX(ctx context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error)
	SignPartialTX(ctx context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error)
	SignPayoutTX(ctx context.Context, walletID string, req protocol.SignPayoutTXRequest, secret []byte) ([]byte, error)
	// SignMultiTX receives one secret per distinct input wallet.
	SignMultiTX(ctx context.Context, req protocol.SignMultiTXRequest, secrets map[string][]byte) ([]byte, error)

	CreateHDWallet(ctx context.Context, req protocol.NewHDWallet, password protocol.PasswordData) (Info, error)
	CreateLeaf(ctx context.Context, rootID string, leaf protocol.NewHDLeaf, secret []byte) (protocol.LeafInfo, error)
	DeleteWallet(ctx context.Context, id string) error
	ChangePassword(ctx context.Context, rootID string, oldSecret []byte, next protocol.PasswordData) error

	Groups(ctx context.Context, rootID string) ([]protocol.GroupInfo, error)
	SyncWallet(ctx context.Context, walletID string) (protocol.SyncWalletReply, error)
	SetAddressComment(ctx context.Context, walletID, address, comment string) error
	SetTxComment(ctx context.Context, walletID, txHash, comment string) error
	SyncAddresses(ctx context.Context, walletID string, addresses []protocol.AddressEntry) (protocol.SyncState, error)
	ExtendAddressChain(ctx context.Context, walletID string, count uint32, external bool) ([]protocol.AddressEntry, error)
}
