package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"headless/internal/logging"
	"headless/internal/protocol"
)

// Signer is the typed request surface a terminal uses. Completions run on the
// supervisor's event goroutine.
//
// Signer mirrors two pieces of remote state: wallets known to lack key
// material (populated by failed GetHDWalletInfo lookups) and the auto-sign
// state announced by the signer. Both are purged when the session ends.
type Signer struct {
	NopObserver

	sup    *Supervisor
	logger *slog.Logger

	mu           sync.Mutex
	watchingOnly map[string]struct{}
	autoSign     map[string]bool
}

// NewSigner wraps sup and subscribes to its events.
func NewSigner(sup *Supervisor, logger *slog.Logger) *Signer {
	s := &Signer{
		sup:          sup,
		logger:       logging.NewComponentLogger(logger, "signer-client"),
		watchingOnly: make(map[string]struct{}),
		autoSign:     make(map[string]bool),
	}
	sup.AddObserver(s)
	return s
}

// Supervisor returns the connection the signer sends through.
func (s *Signer) Supervisor() *Supervisor { return s.sup }

// IsWatchingOnly reports whether walletID is known to lack key material.
func (s *Signer) IsWatchingOnly(walletID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchingOnly[walletID]
	return ok
}

// AutoSignActive reports the last announced auto-sign state of rootID.
func (s *Signer) AutoSignActive(rootID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSign[rootID]
}

// AutoSignWallets lists roots the signer announced as auto-signing.
func (s *Signer) AutoSignWallets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.autoSign))
	for id, on := range s.autoSign {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Signer) markWatchingOnly(walletID string) {
	s.mu.Lock()
	s.watchingOnly[walletID] = struct{}{}
	s.mu.Unlock()
}

func (s *Signer) checkSignable(walletIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range walletIDs {
		if _, ok := s.watchingOnly[id]; ok {
			return protocol.Wrap(protocol.ErrWatchingOnly, "signer-client", "sign", id, nil)
		}
	}
	return nil
}

// AutoSignStateChanged updates the auto-sign mirror.
func (s *Signer) AutoSignStateChanged(state protocol.AutoSignActiveReply) {
	if state.RootWalletID == "" {
		return
	}
	s.mu.Lock()
	s.autoSign[state.RootWalletID] = state.AutoSignActive
	s.mu.Unlock()
}

// Disconnected purges mirrored state.
func (s *Signer) Disconnected(error) {
	s.purge()
}

// Ready purges mirrored state when an attempt fails.
func (s *Signer) Ready(err error) {
	if err != nil {
		s.purge()
	}
}

// WalletsListUpdated forgets watching-only verdicts; key material may have
// been added.
func (s *Signer) WalletsListUpdated() {
	s.mu.Lock()
	s.watchingOnly = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *Signer) purge() {
	s.mu.Lock()
	s.watchingOnly = make(map[string]struct{})
	s.autoSign = make(map[string]bool)
	s.mu.Unlock()
}

// call sends a request and decodes its reply into T. An empty reply means the
// signer rejected the request.
func call[T any](s *Signer, t protocol.RequestType, payload any, done func(T, error)) (uint32, error) {
	return s.sup.Send(t, payload, func(env protocol.Envelope, err error) {
		var reply T
		if err != nil {
			done(reply, err)
			return
		}
		if len(env.Data) == 0 {
			done(reply, protocol.Wrap(protocol.ErrPolicy, "signer-client", t.String(), "request rejected by signer", nil))
			return
		}
		if err := protocol.DecodePayload(env.Data, &reply); err != nil {
			done(reply, protocol.Wrap(protocol.ErrProtocol, "signer-client", t.String(), "malformed reply", err))
			return
		}
		done(reply, nil)
	})
}

// signResult turns a SignTXReply into an error when it carries one.
func signResult(t protocol.RequestType, done func(protocol.SignTXReply, error)) func(protocol.SignTXReply, error) {
	return func(reply protocol.SignTXReply, err error) {
		switch {
		case err != nil:
		case reply.CancelledByUser:
			err = protocol.ErrCancelled
		case reply.Error != "":
			err = &protocol.RemoteError{Type: t, Message: reply.Error}
		}
		done(reply, err)
	}
}

// SignTX requests a fully signed transaction.
func (s *Signer) SignTX(req protocol.SignTXRequest, done func(protocol.SignTXReply, error)) (uint32, error) {
	if err := s.checkSignable(req.WalletID); err != nil {
		return 0, err
	}
	return call(s, protocol.TypeSignTX, req, signResult(protocol.TypeSignTX, done))
}

// SignPartialTX requests a partially signed transaction.
func (s *Signer) SignPartialTX(req protocol.SignTXRequest, done func(protocol.SignTXReply, error)) (uint32, error) {
	if err := s.checkSignable(req.WalletID); err != nil {
		return 0, err
	}
	return call(s, protocol.TypeSignPartialTX, req, signResult(protocol.TypeSignPartialTX, done))
}

// SignPayoutTX signs a settlement payout with the auth address wallet. The
// request is refused locally when the input names a watching-only wallet.
func (s *Signer) SignPayoutTX(req protocol.SignPayoutTXRequest, done func(protocol.SignTXReply, error)) (uint32, error) {
	if req.Input.WalletID != "" {
		if err := s.checkSignable(req.Input.WalletID); err != nil {
			return 0, err
		}
	}
	return call(s, protocol.TypeSignPayoutTX, req, signResult(protocol.TypeSignPayoutTX, done))
}

// SignMultiTX signs inputs owned by several wallets in one operation.
func (s *Signer) SignMultiTX(req protocol.SignMultiTXRequest, done func(protocol.SignTXReply, error)) (uint32, error) {
	if err := s.checkSignable(req.WalletIDs()...); err != nil {
		return 0, err
	}
	return call(s, protocol.TypeSignMultiTX, req, signResult(protocol.TypeSignMultiTX, done))
}

// CancelSignTx aborts a pending signature for txID.
func (s *Signer) CancelSignTx(txID []byte) error {
	return s.sup.SendUnsolicited(protocol.TypeCancelSignTx, protocol.CancelSignTxRequest{TxID: txID})
}

// SendPassword answers a PasswordRequest.
func (s *Signer) SendPassword(walletID string, secret []byte, cancelled bool) error {
	return s.sup.SendUnsolicited(protocol.TypePassword, protocol.PasswordReply{
		WalletID:        walletID,
		Password:        protocol.EncodeSecret(secret),
		CancelledByUser: cancelled,
	})
}

// SetUserID tells the signer who is logged in on the terminal.
func (s *Signer) SetUserID(userID string, done func(error)) (uint32, error) {
	return call(s, protocol.TypeSetUserID, protocol.SetUserIDRequest{UserID: userID}, func(_ protocol.SetUserIDRequest, err error) {
		if done != nil {
			done(err)
		}
	})
}

// CreateHDWallet creates a root wallet or a leaf under one.
func (s *Signer) CreateHDWallet(req protocol.CreateHDWalletRequest, done func(protocol.CreateHDWalletReply, error)) (uint32, error) {
	return call(s, protocol.TypeCreateHDWallet, req, func(reply protocol.CreateHDWalletReply, err error) {
		if err == nil && reply.Error != "" {
			err = &protocol.RemoteError{Type: protocol.TypeCreateHDWallet, Message: reply.Error}
		}
		done(reply, err)
	})
}

// DeleteHDWallet removes a root or leaf wallet.
func (s *Signer) DeleteHDWallet(req protocol.DeleteHDWalletRequest, done func(protocol.DeleteHDWalletReply, error)) (uint32, error) {
	return call(s, protocol.TypeDeleteHDWallet, req, func(reply protocol.DeleteHDWalletReply, err error) {
		if err == nil && !reply.Success {
			err = &protocol.RemoteError{Type: protocol.TypeDeleteHDWallet, Message: reply.Error}
		}
		done(reply, err)
	})
}

// GetHDWalletInfo fetches the encryption description of rootID. A failed
// lookup marks the wallet watching-only.
func (s *Signer) GetHDWalletInfo(rootID string, done func(protocol.GetHDWalletInfoReply, error)) (uint32, error) {
	return call(s, protocol.TypeGetHDWalletInfo, protocol.GetHDWalletInfoRequest{RootWalletID: rootID},
		func(reply protocol.GetHDWalletInfoReply, err error) {
			if err == nil && reply.Error != "" {
				err = &protocol.RemoteError{Type: protocol.TypeGetHDWalletInfo, Message: reply.Error}
			}
			if err != nil && !isTransport(err) {
				s.markWatchingOnly(rootID)
				s.logger.Info("wallet has no key material on signer",
					logging.String(logging.FieldWalletID, rootID),
					logging.Error(err),
					logging.String(logging.FieldEventType, "wallet_watching_only"),
				)
			}
			done(reply, err)
		})
}

// ChangePassword re-encrypts a root wallet.
func (s *Signer) ChangePassword(req protocol.ChangePasswordRequest, done func(protocol.ChangePasswordReply, error)) (uint32, error) {
	return call(s, protocol.TypeChangePassword, req, func(reply protocol.ChangePasswordReply, err error) {
		if err == nil && !reply.Success {
			err = &protocol.RemoteError{Type: protocol.TypeChangePassword, Message: reply.Error}
		}
		done(reply, err)
	})
}

// SetLimits activates or deactivates auto-sign.
func (s *Signer) SetLimits(req protocol.SetLimitsRequest, done func(protocol.AutoSignActiveReply, error)) (uint32, error) {
	return call(s, protocol.TypeSetLimits, req, func(reply protocol.AutoSignActiveReply, err error) {
		if err == nil {
			s.AutoSignStateChanged(reply)
			if reply.Error != "" {
				err = &protocol.RemoteError{Type: protocol.TypeSetLimits, Message: reply.Error}
			} else if req.ActivateAutoSign && !reply.AutoSignActive {
				err = protocol.ErrCancelled
			}
		}
		done(reply, err)
	})
}

// SyncWalletInfo lists the signer's wallets.
func (s *Signer) SyncWalletInfo(done func(protocol.SyncWalletInfoReply, error)) (uint32, error) {
	return call(s, protocol.TypeSyncWalletInfo, nil, done)
}

// SyncHDWallet lists the leaves of a root wallet.
func (s *Signer) SyncHDWallet(rootID string, done func(protocol.SyncHDWalletReply, error)) (uint32, error) {
	return call(s, protocol.TypeSyncHDWallet, protocol.SyncWalletRequest{WalletID: rootID}, done)
}

// SyncWallet fetches a leaf's addresses and comments.
func (s *Signer) SyncWallet(walletID string, done func(protocol.SyncWalletReply, error)) (uint32, error) {
	return call(s, protocol.TypeSyncWallet, protocol.SyncWalletRequest{WalletID: walletID}, done)
}

// SyncComment stores an address or transaction comment.
func (s *Signer) SyncComment(req protocol.SyncCommentRequest, done func(protocol.SyncCommentReply, error)) (uint32, error) {
	return call(s, protocol.TypeSyncComment, req, done)
}

// SyncAddresses registers addresses the terminal has seen used.
func (s *Signer) SyncAddresses(req protocol.SyncAddressesRequest, done func(protocol.SyncAddressesReply, error)) (uint32, error) {
	return call(s, protocol.TypeSyncAddresses, req, done)
}

// ExtendAddressChain derives new addresses.
func (s *Signer) ExtendAddressChain(req protocol.ExtendAddressChainRequest, done func(protocol.ExtendAddressChainReply, error)) (uint32, error) {
	return call(s, protocol.TypeExtendAddressChain, req, done)
}

// ExecCustomDialog asks the signer host to show a named dialog.
func (s *Signer) ExecCustomDialog(name string, data []byte) error {
	return s.sup.SendUnsolicited(protocol.TypeExecCustomDialog, protocol.CustomDialogRequest{DialogName: name, Data: data})
}

// Await adapts an asynchronous Signer call for callers that want to block,
// such as command line tools. It returns when the reply arrives or ctx ends.
func Await[T any](ctx context.Context, start func(done func(T, error)) (uint32, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	if _, err := start(func(v T, err error) { ch <- result{v, err} }); err != nil {
		var zero T
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func isTransport(err error) bool {
	return errors.Is(err, protocol.ErrTransport)
}
