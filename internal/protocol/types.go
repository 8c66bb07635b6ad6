package protocol

import (
	"fmt"
	"strings"
)

// RequestType identifies the payload carried by an Envelope.
type RequestType uint32

const (
	TypeUnknown RequestType = iota
	TypeAuthentication
	TypeDisconnection
	TypeHeartbeat
	TypeSignTX
	TypeSignPartialTX
	TypeSignPayoutTX
	TypeSignMultiTX
	TypeCancelSignTx
	TypePassword
	TypeSetUserID
	TypeCreateHDWallet
	TypeDeleteHDWallet
	TypeGetHDWalletInfo
	TypeChangePassword
	TypeSetLimits
	TypeSyncWalletInfo
	TypeSyncHDWallet
	TypeSyncWallet
	TypeSyncComment
	TypeSyncAddresses
	TypeExtendAddressChain
	TypeExecCustomDialog
	TypeWalletsListUpdated
	typeSentinel
)

var requestTypeNames = [...]string{
	TypeUnknown:            "Unknown",
	TypeAuthentication:     "Authentication",
	TypeDisconnection:      "Disconnection",
	TypeHeartbeat:          "Heartbeat",
	TypeSignTX:             "SignTX",
	TypeSignPartialTX:      "SignPartialTX",
	TypeSignPayoutTX:       "SignPayoutTX",
	TypeSignMultiTX:        "SignMultiTX",
	TypeCancelSignTx:       "CancelSignTx",
	TypePassword:           "Password",
	TypeSetUserID:          "SetUserId",
	TypeCreateHDWallet:     "CreateHDWallet",
	TypeDeleteHDWallet:     "DeleteHDWallet",
	TypeGetHDWalletInfo:    "GetHDWalletInfo",
	TypeChangePassword:     "ChangePassword",
	TypeSetLimits:          "SetLimits",
	TypeSyncWalletInfo:     "SyncWalletInfo",
	TypeSyncHDWallet:       "SyncHDWallet",
	TypeSyncWallet:         "SyncWallet",
	TypeSyncComment:        "SyncComment",
	TypeSyncAddresses:      "SyncAddresses",
	TypeExtendAddressChain: "ExtendAddressChain",
	TypeExecCustomDialog:   "ExecCustomDialog",
	TypeWalletsListUpdated: "WalletsListUpdated",
}

func (t RequestType) String() string {
	if t < typeSentinel {
		return requestTypeNames[t]
	}
	return fmt.Sprintf("RequestType(%d)", uint32(t))
}

// Known reports whether t is part of the catalogue.
func (t RequestType) Known() bool {
	return t > TypeUnknown && t < typeSentinel
}

// NetworkType is the bitcoin network a signer is bound to.
type NetworkType uint32

const (
	NetworkInvalid NetworkType = iota
	NetworkMainNet
	NetworkTestNet
	NetworkRegTest
)

func (n NetworkType) String() string {
	switch n {
	case NetworkMainNet:
		return "mainnet"
	case NetworkTestNet:
		return "testnet"
	case NetworkRegTest:
		return "regtest"
	default:
		return "invalid"
	}
}

// ParseNetwork accepts the names used on the command line and in config.
func ParseNetwork(value string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "mainnet", "main":
		return NetworkMainNet, nil
	case "testnet", "test", "testnet3":
		return NetworkTestNet, nil
	case "regtest":
		return NetworkRegTest, nil
	default:
		return NetworkInvalid, fmt.Errorf("unknown network %q", value)
	}
}
