package listener

import "headless/internal/protocol"

// requiresKeyMaterial lists the requests a watching-only signer refuses.
var requiresKeyMaterial = map[protocol.RequestType]bool{
	protocol.TypeSignTX:         true,
	protocol.TypeSignPartialTX:  true,
	protocol.TypeSignPayoutTX:   true,
	protocol.TypeSignMultiTX:    true,
	protocol.TypeCancelSignTx:   true,
	protocol.TypePassword:       true,
	protocol.TypeCreateHDWallet: true,
	protocol.TypeSetLimits:      true,
	protocol.TypeChangePassword: true,
}

// allowedBeforeAuth lists the requests accepted from a session that has not
// completed the authentication handshake.
var allowedBeforeAuth = map[protocol.RequestType]bool{
	protocol.TypeAuthentication: true,
	protocol.TypeHeartbeat:      true,
	protocol.TypeDisconnection:  true,
}

// RequiresKeyMaterial reports whether t is refused by a watching-only signer.
func RequiresKeyMaterial(t protocol.RequestType) bool {
	return requiresKeyMaterial[t]
}
