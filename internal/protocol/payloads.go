package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a typed payload into Envelope.Data.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Wrap(ErrProtocol, "protocol", "encode payload", "", err)
	}
	return data, nil
}

// DecodePayload parses Envelope.Data into v.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return Wrap(ErrProtocol, "protocol", "decode payload", "empty payload", nil)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Wrap(ErrProtocol, "protocol", "decode payload", "", err)
	}
	return nil
}

// EncryptionType describes how a root wallet's key material is protected.
type EncryptionType int

const (
	EncryptionUnencrypted EncryptionType = iota
	EncryptionPassword
	EncryptionAuth
	EncryptionHardware
)

func (e EncryptionType) String() string {
	switch e {
	case EncryptionUnencrypted:
		return "unencrypted"
	case EncryptionPassword:
		return "password"
	case EncryptionAuth:
		return "auth"
	case EncryptionHardware:
		return "hardware"
	default:
		return fmt.Sprintf("EncryptionType(%d)", int(e))
	}
}

// WalletType distinguishes leaf purposes.
type WalletType string

const (
	WalletTypeHD      WalletType = "hd"
	WalletTypeBitcoin WalletType = "bitcoin"
	WalletTypeAuth    WalletType = "auth"
	WalletTypeSettle  WalletType = "settlement"
)

// SyncState is the outcome of a SyncAddresses request.
type SyncState int

const (
	SyncSuccess SyncState = iota
	SyncNothingToDo
	SyncFailure
)

type AuthenticationRequest struct {
	NetType NetworkType `json:"netType"`
}

type AuthenticationReply struct {
	AuthTicket string      `json:"authTicket,omitempty"`
	HasUI      bool        `json:"hasUI"`
	NetType    NetworkType `json:"netType"`
	SignerKey  string      `json:"signerKey,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type TxInput struct {
	TxHash   string `json:"txHash" validate:"required,hexadecimal,len=64"`
	Index    uint32 `json:"index"`
	Value    uint64 `json:"value" validate:"gt=0"`
	WalletID string `json:"walletId,omitempty"`
}

type Recipient struct {
	Address string `json:"address" validate:"required"`
	Value   uint64 `json:"value" validate:"gt=0"`
}

type ChangeOutput struct {
	Address string `json:"address" validate:"required"`
	Index   string `json:"index,omitempty"`
	Value   uint64 `json:"value"`
}

type SignTXRequest struct {
	WalletID           string        `json:"walletId" validate:"required"`
	Inputs             []TxInput     `json:"inputs" validate:"required,min=1,dive"`
	Recipients         []Recipient   `json:"recipients" validate:"dive"`
	Change             *ChangeOutput `json:"change,omitempty"`
	Fee                uint64        `json:"fee"`
	RBF                bool          `json:"rbf,omitempty"`
	UnsignedState      []byte        `json:"unsignedState,omitempty"`
	ApplyAutoSignRules bool          `json:"applyAutoSignRules,omitempty"`
	Password           string        `json:"password,omitempty"`
}

// InputAmount sums the values of all inputs.
func (r SignTXRequest) InputAmount() uint64 {
	var total uint64
	for _, in := range r.Inputs {
		total += in.Value
	}
	return total
}

// SpendValue is what leaves the wallet: the recipients total, or inputs minus
// change when no recipients are listed.
func (r SignTXRequest) SpendValue() uint64 {
	var sent uint64
	for _, out := range r.Recipients {
		sent += out.Value
	}
	if sent > 0 {
		return sent
	}
	total := r.InputAmount()
	if r.Change != nil {
		if r.Change.Value >= total {
			return 0
		}
		total -= r.Change.Value
	}
	return total
}

// TxID is a stable identifier for the unsigned transaction, used by CancelSignTx.
func (r SignTXRequest) TxID() []byte {
	h := sha256.New()
	for _, in := range r.Inputs {
		_, _ = h.Write([]byte(in.TxHash))
		_, _ = h.Write([]byte{byte(in.Index), byte(in.Index >> 8), byte(in.Index >> 16), byte(in.Index >> 24)})
	}
	for _, out := range r.Recipients {
		_, _ = h.Write([]byte(out.Address))
	}
	first := h.Sum(nil)
	second := sha256.Sum256(first)
	return second[:]
}

type SignTXReply struct {
	SignedTX        []byte `json:"signedTx,omitempty"`
	Error           string `json:"error,omitempty"`
	CancelledByUser bool   `json:"cancelledByUser,omitempty"`
}

type SignPayoutTXRequest struct {
	Input              TxInput   `json:"input"`
	Recipient          Recipient `json:"recipient"`
	Fee                uint64    `json:"fee"`
	AuthAddress        string    `json:"authAddress" validate:"required"`
	SettlementID       string    `json:"settlementId" validate:"required,hexadecimal"`
	ApplyAutoSignRules bool      `json:"applyAutoSignRules,omitempty"`
}

// SignMultiTXRequest spans inputs owned by several wallets; every input names
// its wallet.
type SignMultiTXRequest struct {
	Inputs      []TxInput   `json:"inputs" validate:"required,min=1,dive"`
	Recipients  []Recipient `json:"recipients" validate:"dive"`
	Fee         uint64      `json:"fee"`
	SignerState []byte      `json:"signerState,omitempty"`
}

// WalletIDs returns the distinct wallets referenced by the inputs in order.
func (r SignMultiTXRequest) WalletIDs() []string {
	seen := make(map[string]struct{}, len(r.Inputs))
	ids := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		if _, ok := seen[in.WalletID]; ok {
			continue
		}
		seen[in.WalletID] = struct{}{}
		ids = append(ids, in.WalletID)
	}
	return ids
}

type CancelSignTxRequest struct {
	TxID []byte `json:"txId" validate:"required"`
}

// PasswordRequest is sent by the signer (id 0) when no host prompt is registered.
type PasswordRequest struct {
	WalletID string           `json:"walletId"`
	Prompt   string           `json:"prompt"`
	EncTypes []EncryptionType `json:"encTypes,omitempty"`
	EncKeys  [][]byte         `json:"encKeys,omitempty"`
	RankM    int              `json:"rankM,omitempty"`
	AutoSign bool             `json:"autoSign,omitempty"`
}

type PasswordReply struct {
	WalletID        string `json:"walletId" validate:"required"`
	Password        string `json:"password,omitempty"`
	CancelledByUser bool   `json:"cancelledByUser,omitempty"`
}

type SetUserIDRequest struct {
	UserID string `json:"userId"`
}

type PasswordData struct {
	Password string         `json:"password,omitempty"`
	EncType  EncryptionType `json:"encType"`
	EncKey   []byte         `json:"encKey,omitempty"`
}

type NewHDWallet struct {
	Name        string      `json:"name" validate:"required,max=64"`
	Description string      `json:"description,omitempty" validate:"max=256"`
	NetType     NetworkType `json:"netType"`
	Primary     bool        `json:"primary,omitempty"`
	Seed        string      `json:"seed,omitempty" validate:"omitempty,hexadecimal"`
}

type NewHDLeaf struct {
	RootWalletID string     `json:"rootWalletId" validate:"required"`
	Path         string     `json:"path" validate:"required"`
	Type         WalletType `json:"type,omitempty"`
}

type CreateHDWalletRequest struct {
	Wallet    *NewHDWallet   `json:"wallet,omitempty" validate:"required_without=Leaf"`
	Leaf      *NewHDLeaf     `json:"leaf,omitempty" validate:"required_without=Wallet"`
	Passwords []PasswordData `json:"passwords,omitempty"`
	RankM     int            `json:"rankM,omitempty"`
	RankN     int            `json:"rankN,omitempty"`
}

type WalletInfo struct {
	ID           string           `json:"id"`
	RootID       string           `json:"rootId,omitempty"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Type         WalletType       `json:"type"`
	NetType      NetworkType      `json:"netType"`
	EncTypes     []EncryptionType `json:"encTypes,omitempty"`
	WatchingOnly bool             `json:"watchingOnly,omitempty"`
	Primary      bool             `json:"primary,omitempty"`
}

type LeafInfo struct {
	ID     string     `json:"id"`
	RootID string     `json:"rootId"`
	Path   string     `json:"path"`
	Type   WalletType `json:"type"`
	Name   string     `json:"name,omitempty"`
}

type CreateHDWalletReply struct {
	Wallet *WalletInfo `json:"wallet,omitempty"`
	Leaf   *LeafInfo   `json:"leaf,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type DeleteHDWalletRequest struct {
	RootWalletID string `json:"rootWalletId,omitempty" validate:"required_without=LeafWalletID"`
	LeafWalletID string `json:"leafWalletId,omitempty" validate:"required_without=RootWalletID"`
}

type DeleteHDWalletReply struct {
	WalletID string `json:"walletId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

type GetHDWalletInfoRequest struct {
	RootWalletID string `json:"rootWalletId" validate:"required"`
}

type GetHDWalletInfoReply struct {
	RootWalletID string           `json:"rootWalletId"`
	EncTypes     []EncryptionType `json:"encTypes,omitempty"`
	EncKeys      [][]byte         `json:"encKeys,omitempty"`
	RankM        int              `json:"rankM,omitempty"`
	RankN        int              `json:"rankN,omitempty"`
	Error        string           `json:"error,omitempty"`
}

type ChangePasswordRequest struct {
	RootWalletID string       `json:"rootWalletId" validate:"required"`
	OldPassword  PasswordData `json:"oldPassword"`
	NewPassword  PasswordData `json:"newPassword"`
}

type ChangePasswordReply struct {
	RootWalletID string `json:"rootWalletId"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type SetLimitsRequest struct {
	RootWalletID     string `json:"rootWalletId,omitempty"`
	Password         string `json:"password,omitempty"`
	ActivateAutoSign bool   `json:"activateAutoSign"`
}

// AutoSignActiveReply answers SetLimits and is also broadcast unsolicited
// whenever auto-sign state changes.
type AutoSignActiveReply struct {
	RootWalletID   string `json:"rootWalletId"`
	AutoSignActive bool   `json:"autoSignActive"`
	Error          string `json:"error,omitempty"`
}

type SyncWalletInfoReply struct {
	Wallets []WalletInfo `json:"wallets"`
}

type SyncWalletRequest struct {
	WalletID string `json:"walletId" validate:"required"`
}

type GroupInfo struct {
	Type   WalletType `json:"type"`
	Leaves []LeafInfo `json:"leaves"`
}

type SyncHDWalletReply struct {
	WalletID string      `json:"walletId"`
	Groups   []GroupInfo `json:"groups,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type AddressEntry struct {
	Address string `json:"address" validate:"required"`
	Index   string `json:"index,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type TxComment struct {
	TxHash  string `json:"txHash"`
	Comment string `json:"comment"`
}

type SyncWalletReply struct {
	WalletID        string         `json:"walletId"`
	NetType         NetworkType    `json:"netType"`
	HighestExtIndex uint32         `json:"highestExtIndex"`
	HighestIntIndex uint32         `json:"highestIntIndex"`
	Addresses       []AddressEntry `json:"addresses,omitempty"`
	TxComments      []TxComment    `json:"txComments,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type SyncCommentRequest struct {
	WalletID string `json:"walletId" validate:"required"`
	Address  string `json:"address,omitempty" validate:"required_without=TxHash"`
	TxHash   string `json:"txHash,omitempty" validate:"required_without=Address"`
	Comment  string `json:"comment" validate:"max=512"`
}

type SyncCommentReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SyncAddressesRequest struct {
	WalletID  string         `json:"walletId" validate:"required"`
	Addresses []AddressEntry `json:"addresses" validate:"dive"`
}

type SyncAddressesReply struct {
	WalletID string    `json:"walletId"`
	State    SyncState `json:"state"`
}

type ExtendAddressChainRequest struct {
	WalletID string `json:"walletId" validate:"required"`
	Count    uint32 `json:"count" validate:"gt=0,lte=1000"`
	External bool   `json:"external"`
}

type ExtendAddressChainReply struct {
	WalletID  string         `json:"walletId"`
	Addresses []AddressEntry `json:"addresses,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type CustomDialogRequest struct {
	DialogName string `json:"dialogName" validate:"required"`
	Data       []byte `json:"data,omitempty"`
}

// DecodeSecret converts a hex encoded password field into raw bytes.
func DecodeSecret(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(value)
	if err != nil {
		return nil, Wrap(ErrProtocol, "protocol", "decode secret", "password is not hex", nil)
	}
	return secret, nil
}

// EncodeSecret is the inverse of DecodeSecret.
func EncodeSecret(secret []byte) string {
	if len(secret) == 0 {
		return ""
	}
	return hex.EncodeToString(secret)
}
