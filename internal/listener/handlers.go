package listener

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"headless/internal/amount"
	"headless/internal/autosign"
	"headless/internal/logging"
	"headless/internal/protocol"
)

const multiSignPrompt = "Signing multi-wallet input (auth revoke) transaction"

func (l *Listener) process(clientID string, env protocol.Envelope) {
	s := l.session(clientID)
	if s == nil {
		return
	}
	l.metrics.Request(env.Type.String())

	if !env.Type.Known() {
		l.logger.Warn("unknown request type",
			logging.String(logging.FieldClientID, clientID),
			logging.Uint32(logging.FieldRequestID, env.ID),
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.String(logging.FieldEventType, "request_unknown_type"),
			logging.String(logging.FieldImpact, "request rejected"),
		)
		l.reject(clientID, env, "unknown_type")
		return
	}
	if l.opts.WatchingOnly && requiresKeyMaterial[env.Type] {
		l.logger.Info("request not applicable to watching-only signer",
			logging.String(logging.FieldClientID, clientID),
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.String(logging.FieldEventType, "request_watching_only"),
		)
		l.reject(clientID, env, "watching_only")
		return
	}
	if !s.authenticated && !allowedBeforeAuth[env.Type] {
		l.logger.Warn("request before authentication",
			logging.String(logging.FieldClientID, clientID),
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.String(logging.FieldEventType, "request_unauthenticated"),
			logging.String(logging.FieldImpact, "request rejected"),
		)
		l.reject(clientID, env, "unauthenticated")
		return
	}
	if l.tickets != nil && s.authenticated && env.Type != protocol.TypeAuthentication {
		if err := l.tickets.Validate(string(env.AuthTicket), clientID); err != nil {
			s.authenticated = false
			logging.ErrorWithContext(l.logger, "auth ticket mismatch", "auth_ticket_mismatch",
				logging.String(logging.FieldClientID, clientID),
				logging.String(logging.FieldRequestType, env.Type.String()),
				logging.Error(err),
				logging.String(logging.FieldImpact, "session must authenticate again"),
			)
			l.reject(clientID, env, "ticket")
			s.ticket = ""
			return
		}
	}

	switch env.Type {
	case protocol.TypeAuthentication:
		l.onAuthentication(s, env)
	case protocol.TypeHeartbeat:
		l.send(clientID, protocol.Envelope{ID: env.ID, Type: env.Type})
	case protocol.TypeDisconnection:
		l.logger.Debug("client said goodbye", logging.String(logging.FieldClientID, clientID))
		if l.sender != nil {
			_ = l.sender.Disconnect(clientID)
		}
	case protocol.TypeSignTX:
		l.onSignTX(clientID, env, false)
	case protocol.TypeSignPartialTX:
		l.onSignTX(clientID, env, true)
	case protocol.TypeSignPayoutTX:
		l.onSignPayoutTX(clientID, env)
	case protocol.TypeSignMultiTX:
		l.onSignMultiTX(clientID, env)
	case protocol.TypeCancelSignTx:
		l.onCancelSignTx(clientID, env)
	case protocol.TypePassword:
		l.onPassword(clientID, env)
	case protocol.TypeSetUserID:
		l.onSetUserID(s, env)
	case protocol.TypeCreateHDWallet:
		l.onCreateHDWallet(clientID, env)
	case protocol.TypeDeleteHDWallet:
		l.onDeleteHDWallet(clientID, env)
	case protocol.TypeGetHDWalletInfo:
		l.onGetHDWalletInfo(clientID, env)
	case protocol.TypeChangePassword:
		l.onChangePassword(clientID, env)
	case protocol.TypeSetLimits:
		l.onSetLimits(clientID, env)
	case protocol.TypeSyncWalletInfo:
		l.onSyncWalletInfo(clientID, env)
	case protocol.TypeSyncHDWallet:
		l.onSyncHDWallet(clientID, env)
	case protocol.TypeSyncWallet:
		l.onSyncWallet(clientID, env)
	case protocol.TypeSyncComment:
		l.onSyncComment(clientID, env)
	case protocol.TypeSyncAddresses:
		l.onSyncAddresses(clientID, env)
	case protocol.TypeExtendAddressChain:
		l.onExtendAddressChain(clientID, env)
	case protocol.TypeExecCustomDialog:
		l.onExecCustomDialog(clientID, env)
	default:
		l.logger.Warn("request type not handled by signer",
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.String(logging.FieldEventType, "request_unhandled"),
			logging.String(logging.FieldImpact, "request rejected"),
		)
		l.reject(clientID, env, "unhandled")
	}
}

// decode parses and validates a request payload.
func (l *Listener) decode(env protocol.Envelope, v any) error {
	if err := protocol.DecodePayload(env.Data, v); err != nil {
		return err
	}
	if err := l.validate.Struct(v); err != nil {
		return protocol.Wrap(protocol.ErrProtocol, "listener", "validate", env.Type.String(), err)
	}
	return nil
}

func (l *Listener) logBadRequest(clientID string, env protocol.Envelope, err error) {
	l.logger.Warn("invalid request payload",
		logging.String(logging.FieldClientID, clientID),
		logging.Uint32(logging.FieldRequestID, env.ID),
		logging.String(logging.FieldRequestType, env.Type.String()),
		logging.Error(err),
		logging.String(logging.FieldEventType, "request_invalid"),
		logging.String(logging.FieldImpact, "request rejected"),
	)
}

func (l *Listener) onAuthentication(s *session, env protocol.Envelope) {
	var req protocol.AuthenticationRequest
	if err := protocol.DecodePayload(env.Data, &req); err != nil {
		l.logBadRequest(s.clientID, env, err)
		l.reject(s.clientID, env, "invalid")
		return
	}
	_, hasUI := l.callbacks.(PasswordPrompter)
	reply := protocol.AuthenticationReply{
		HasUI:     hasUI,
		NetType:   l.opts.Network,
		SignerKey: l.opts.SignerKey,
	}
	if req.NetType != l.opts.Network {
		s.authenticated = false
		s.ticket = ""
		reply.Error = "network type mismatch"
		l.metrics.Reject("network")
		l.logger.Warn("terminal network does not match signer",
			logging.String(logging.FieldClientID, s.clientID),
			logging.String("terminal_network", req.NetType.String()),
			logging.String(logging.FieldNetwork, l.opts.Network.String()),
			logging.String(logging.FieldEventType, "auth_network_mismatch"),
			logging.String(logging.FieldErrorHint, "start terminal and signer on the same network"),
		)
		l.reply(s.clientID, env.ID, env.Type, reply)
		return
	}
	if l.tickets != nil {
		ticket, err := l.tickets.Issue(s.clientID)
		if err != nil {
			reply.Error = err.Error()
			l.reply(s.clientID, env.ID, env.Type, reply)
			return
		}
		s.ticket = ticket
		reply.AuthTicket = ticket
	}
	s.authenticated = true
	l.logger.Info("terminal authenticated",
		logging.String(logging.FieldClientID, s.clientID),
		logging.String(logging.FieldEventType, "client_authenticated"),
	)
	l.reply(s.clientID, env.ID, env.Type, reply)
}

func (l *Listener) signReply(clientID string, id uint32, t protocol.RequestType, reply protocol.SignTXReply) {
	result := "ok"
	switch {
	case reply.CancelledByUser:
		result = "cancelled"
	case reply.Error != "":
		result = "error"
	}
	l.metrics.Signature(t.String(), result)
	l.reply(clientID, id, t, reply)
}

func (l *Listener) signError(clientID string, env protocol.Envelope, msg string) {
	l.signReply(clientID, env.ID, env.Type, protocol.SignTXReply{Error: msg})
}

// track registers a sign operation so CancelSignTx can abort it.
func (l *Listener) track(clientID string, env protocol.Envelope, txID []byte) *signOp {
	op := &signOp{clientID: clientID, id: env.ID, reqType: env.Type, txID: hex.EncodeToString(txID)}
	if prev, ok := l.pending[op.txID]; ok && prev.clientID == clientID && l.finish(prev) {
		l.signReply(prev.clientID, prev.id, prev.reqType, protocol.SignTXReply{Error: "superseded by a newer request"})
	}
	l.pending[op.txID] = op
	return op
}

func (l *Listener) finish(op *signOp) bool {
	if op.done {
		return false
	}
	op.done = true
	if l.pending[op.txID] == op {
		delete(l.pending, op.txID)
	}
	return true
}

// completeSign runs sign with secret, replies, and settles the budget. A
// failed signature deactivates auto-sign for rootID.
func (l *Listener) completeSign(op *signOp, walletID, rootID string, value uint64, autoSign bool,
	secret []byte, cancelled bool, sign func(ctx context.Context, secret []byte) ([]byte, error)) {
	if !l.finish(op) {
		return
	}
	if cancelled {
		l.signReply(op.clientID, op.id, op.reqType, protocol.SignTXReply{CancelledByUser: true})
		return
	}
	// Other requests may have spent the budget while this one waited for a
	// password.
	if value > 0 && !l.policy.CheckSpendLimit(value, autoSign, rootID) {
		l.publishBudget()
		l.signReply(op.clientID, op.id, op.reqType, protocol.SignTXReply{Error: "spend limit exceeded"})
		return
	}
	signed, err := sign(l.ctx, secret)
	if err != nil {
		l.logger.Warn("signing failed",
			logging.String(logging.FieldClientID, op.clientID),
			logging.String(logging.FieldWalletID, walletID),
			logging.String(logging.FieldRequestType, op.reqType.String()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "sign_failed"),
			logging.String(logging.FieldImpact, "transaction left unsigned"),
		)
		l.signReply(op.clientID, op.id, op.reqType, protocol.SignTXReply{Error: "failed to sign: " + err.Error()})
		if rootID != "" && l.policy.IsActive(rootID) {
			l.policy.Deactivate(rootID, autosign.ReasonSignFailed)
		}
		return
	}
	l.signReply(op.clientID, op.id, op.reqType, protocol.SignTXReply{SignedTX: signed})
	if value > 0 {
		if !l.policy.OnSpend(value, autoSign) {
			l.logger.Error("budget debit refused after signing",
				logging.String(logging.FieldWalletID, walletID),
				logging.String("value", amount.FormatBTC(value)),
				logging.String(logging.FieldEventType, "budget_debit_refused"),
			)
		}
		l.publishBudget()
	}
	if l.callbacks != nil {
		if value > 0 {
			l.callbacks.Spent(value, autoSign)
		}
		l.callbacks.TxSigned(walletID, signed)
	}
	l.logger.Info("transaction signed",
		logging.String(logging.FieldClientID, op.clientID),
		logging.String(logging.FieldWalletID, walletID),
		logging.String(logging.FieldRequestType, op.reqType.String()),
		logging.String("value", amount.FormatBTC(value)),
		logging.Bool("auto_sign", autoSign),
		logging.String(logging.FieldEventType, "tx_signed"),
	)
}

func (l *Listener) onSignTX(clientID string, env protocol.Envelope, partial bool) {
	var req protocol.SignTXRequest
	if err := protocol.DecodePayload(env.Data, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.signError(clientID, env, "failed to parse")
		return
	}
	if err := l.validate.Struct(req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.signError(clientID, env, "missing critical data")
		return
	}
	if _, ok := l.engine.Wallet(req.WalletID); !ok {
		l.signError(clientID, env, "failed to find wallet "+req.WalletID)
		return
	}
	root, ok := l.engine.Root(req.WalletID)
	if !ok {
		l.signError(clientID, env, "failed to find wallet "+req.WalletID)
		return
	}

	value := req.SpendValue()
	if !l.policy.CheckSpendLimit(value, req.ApplyAutoSignRules, root.ID) {
		l.publishBudget()
		l.signError(clientID, env, "spend limit exceeded")
		return
	}

	op := l.track(clientID, env, req.TxID())
	sign := func(ctx context.Context, secret []byte) ([]byte, error) {
		if partial {
			return l.engine.SignPartialTX(ctx, req, secret)
		}
		return l.engine.SignTX(ctx, req, secret)
	}
	onPassword := func(secret []byte, cancelled bool) {
		l.completeSign(op, req.WalletID, root.ID, value, req.ApplyAutoSignRules, secret, cancelled, sign)
	}

	if req.Password != "" {
		secret, err := protocol.DecodeSecret(req.Password)
		if err != nil {
			l.finish(op)
			l.signError(clientID, env, err.Error())
			return
		}
		onPassword(secret, false)
		return
	}

	prompt := "Outgoing Transaction"
	if partial {
		prompt = "Outgoing Partial Transaction"
	}
	if err := l.passwords.RequestIfNeeded(clientID, req.WalletID, prompt, req.ApplyAutoSignRules, onPassword); err != nil {
		l.finish(op)
		l.signError(clientID, env, err.Error())
	}
}

func (l *Listener) onSignPayoutTX(clientID string, env protocol.Envelope) {
	var req protocol.SignPayoutTXRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.signError(clientID, env, "failed to parse")
		return
	}
	authWallet, ok := l.engine.WalletByAddress(req.AuthAddress)
	if !ok {
		l.signError(clientID, env, "no auth priv/pub keys found for "+req.AuthAddress)
		return
	}
	root, ok := l.engine.Root(authWallet.ID)
	if !ok {
		l.signError(clientID, env, "failed to find wallet "+authWallet.ID)
		return
	}
	txID, err := hex.DecodeString(req.SettlementID)
	if err == nil && len(txID) == 0 {
		err = errors.New("empty")
	}
	if err != nil {
		l.logBadRequest(clientID, env, fmt.Errorf("settlement id: %w", err))
		l.signError(clientID, env, "invalid settlement id")
		return
	}
	op := l.track(clientID, env, txID)
	sign := func(ctx context.Context, secret []byte) ([]byte, error) {
		return l.engine.SignPayoutTX(ctx, authWallet.ID, req, secret)
	}
	onPassword := func(secret []byte, cancelled bool) {
		l.completeSign(op, authWallet.ID, root.ID, 0, req.ApplyAutoSignRules, secret, cancelled, sign)
	}
	prompt := fmt.Sprintf("Signing pay-out transaction for %s XBT:\n  Settlement ID: %s",
		amount.FormatBTC(req.Input.Value), req.SettlementID)
	if err := l.passwords.RequestIfNeeded(clientID, authWallet.ID, prompt, req.ApplyAutoSignRules, onPassword); err != nil {
		l.finish(op)
		l.signError(clientID, env, err.Error())
	}
}

func (l *Listener) onSignMultiTX(clientID string, env protocol.Envelope) {
	var req protocol.SignMultiTXRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.signError(clientID, env, "failed to parse")
		return
	}
	ids := req.WalletIDs()
	for _, id := range ids {
		if id == "" {
			l.signError(clientID, env, "missing critical data")
			return
		}
		if _, ok := l.engine.Wallet(id); !ok {
			l.signError(clientID, env, "failed to find wallet "+id)
			return
		}
	}

	first := req.Inputs[0]
	op := l.track(clientID, env, multiTxID(req))
	_, err := l.passwords.RequestMulti(clientID, ids, multiSignPrompt, func(secrets map[string][]byte, cancelled bool) {
		l.completeSign(op, first.WalletID, "", 0, false, nil, cancelled, func(ctx context.Context, _ []byte) ([]byte, error) {
			return l.engine.SignMultiTX(ctx, req, secrets)
		})
	})
	if err != nil {
		l.finish(op)
		l.signError(clientID, env, err.Error())
	}
}

func multiTxID(req protocol.SignMultiTXRequest) []byte {
	return protocol.SignTXRequest{Inputs: req.Inputs, Recipients: req.Recipients}.TxID()
}

func (l *Listener) onCancelSignTx(clientID string, env protocol.Envelope) {
	var req protocol.CancelSignTxRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		return
	}
	key := hex.EncodeToString(req.TxID)
	if op, ok := l.pending[key]; ok && op.clientID == clientID && l.finish(op) {
		l.signReply(op.clientID, op.id, op.reqType, protocol.SignTXReply{CancelledByUser: true})
		l.logger.Info("signing cancelled by terminal",
			logging.String(logging.FieldClientID, clientID),
			logging.String("tx_id", key),
			logging.String(logging.FieldEventType, "sign_cancelled"),
		)
	}
	if l.callbacks != nil {
		l.callbacks.CancelTxSign(req.TxID)
	}
}

func (l *Listener) onPassword(clientID string, env protocol.Envelope) {
	var reply protocol.PasswordReply
	if err := l.decode(env, &reply); err != nil {
		l.logBadRequest(clientID, env, err)
		return
	}
	secret, err := protocol.DecodeSecret(reply.Password)
	if err != nil {
		l.logBadRequest(clientID, env, err)
		return
	}
	l.passwords.Received(reply.WalletID, secret, reply.CancelledByUser)
}

func (l *Listener) onSetUserID(s *session, env protocol.Envelope) {
	var req protocol.SetUserIDRequest
	if len(env.Data) > 0 {
		if err := protocol.DecodePayload(env.Data, &req); err != nil {
			l.logBadRequest(s.clientID, env, err)
			l.reject(s.clientID, env, "invalid")
			return
		}
	}
	s.userID = req.UserID
	l.reply(s.clientID, env.ID, env.Type, req)
}

func (l *Listener) onSetLimits(clientID string, env protocol.Envelope) {
	var req protocol.SetLimitsRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reply(clientID, env.ID, env.Type, protocol.AutoSignActiveReply{Error: "request parse error"})
		return
	}
	respond := func(rootID string, active bool, msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.AutoSignActiveReply{RootWalletID: rootID, AutoSignActive: active, Error: msg})
	}

	if !req.ActivateAutoSign {
		l.policy.Deactivate(req.RootWalletID, "")
		respond(req.RootWalletID, false, "")
		return
	}

	if req.Password != "" {
		secret, err := protocol.DecodeSecret(req.Password)
		if err != nil {
			respond(req.RootWalletID, false, err.Error())
			return
		}
		rootID, err := l.policy.Activate(req.RootWalletID, secret)
		if err != nil {
			respond(rootID, false, activationError(err))
			return
		}
		respond(rootID, true, "")
		return
	}

	root, ok := l.engine.Primary()
	if req.RootWalletID != "" {
		root, ok = l.engine.Root(req.RootWalletID)
	}
	if !ok {
		respond(req.RootWalletID, false, "missing wallet")
		return
	}
	if root.Encrypted() && !l.policy.IsActive(root.ID) {
		l.activations[root.ID] = activation{clientID: clientID, id: env.ID}
		if err := l.passwords.RequestForActivation(clientID, root.ID, "Activate auto-sign"); err != nil {
			delete(l.activations, root.ID)
			respond(root.ID, false, err.Error())
		}
		return
	}
	if !l.policy.IsActive(root.ID) {
		if _, err := l.policy.Activate(root.ID, nil); err != nil {
			respond(root.ID, false, activationError(err))
			return
		}
	}
	respond(root.ID, true, "")
}

func (l *Listener) onActivationPassword(rootID string, secret []byte, cancelled bool) {
	act, waiting := l.activations[rootID]
	delete(l.activations, rootID)
	if cancelled {
		secret = nil
	}
	activated, err := l.policy.Activate(rootID, secret)
	if !waiting {
		return
	}
	reply := protocol.AutoSignActiveReply{RootWalletID: activated, AutoSignActive: err == nil}
	if err != nil {
		reply.Error = activationError(err)
	}
	l.reply(act.clientID, act.id, protocol.TypeSetLimits, reply)
}

// activationError maps a cancellation to an empty reason.
func activationError(err error) string {
	if errors.Is(err, protocol.ErrCancelled) {
		return ""
	}
	return err.Error()
}

func (l *Listener) onExecCustomDialog(clientID string, env protocol.Envelope) {
	var req protocol.CustomDialogRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		return
	}
	if l.callbacks != nil {
		l.callbacks.CustomDialog(clientID, req.DialogName, req.Data)
	}
}
