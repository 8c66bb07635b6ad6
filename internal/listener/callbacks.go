package listener

import "headless/internal/protocol"

// HostCallbacks lets the process embedding the listener observe signer
// activity. Methods run on the listener's dispatch goroutine and must not
// call back into the listener synchronously.
type HostCallbacks interface {
	AutoSignActivated(walletID string)
	AutoSignDeactivated(walletID, reason string)
	Spent(value uint64, autoSign bool)
	TxSigned(walletID string, signed []byte)
	CancelTxSign(txID []byte)
	PeerConnected(ip string)
	PeerDisconnected(ip string)
	ClientDisconnected(clientID string)
	CustomDialog(clientID, name string, data []byte)
}

// PasswordPrompter is implemented by hosts that collect passwords locally.
// When the registered callbacks do not implement it, password requests are
// sent to the terminal that triggered them.
type PasswordPrompter interface {
	PromptPassword(clientID string, req protocol.PasswordRequest)
}

// NopCallbacks implements HostCallbacks with no-ops for embedding.
type NopCallbacks struct{}

func (NopCallbacks) AutoSignActivated(string)            {}
func (NopCallbacks) AutoSignDeactivated(string, string)  {}
func (NopCallbacks) Spent(uint64, bool)                  {}
func (NopCallbacks) TxSigned(string, []byte)             {}
func (NopCallbacks) CancelTxSign([]byte)                 {}
func (NopCallbacks) PeerConnected(string)                {}
func (NopCallbacks) PeerDisconnected(string)             {}
func (NopCallbacks) ClientDisconnected(string)           {}
func (NopCallbacks) CustomDialog(string, string, []byte) {}
