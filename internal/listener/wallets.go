package listener

import (
	"context"

	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

func (l *Listener) onCreateHDWallet(clientID string, env protocol.Envelope) {
	var req protocol.CreateHDWalletRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reply(clientID, env.ID, env.Type, protocol.CreateHDWalletReply{Error: "failed to parse request"})
		return
	}
	respondErr := func(msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.CreateHDWalletReply{Error: msg})
	}
	var pwd protocol.PasswordData
	if len(req.Passwords) > 0 {
		pwd = req.Passwords[0]
	}

	if req.Wallet != nil {
		if req.Wallet.NetType != l.opts.Network {
			respondErr("network type mismatch")
			return
		}
		info, err := l.engine.CreateHDWallet(l.ctx, *req.Wallet, pwd)
		if err != nil {
			respondErr(err.Error())
			return
		}
		proto := info.Proto()
		l.reply(clientID, env.ID, env.Type, protocol.CreateHDWalletReply{Wallet: &proto})
		l.logger.Info("hd wallet created",
			logging.String(logging.FieldWalletID, info.ID),
			logging.String(logging.FieldEventType, "wallet_created"),
		)
		l.broadcast(protocol.TypeWalletsListUpdated, nil)
		return
	}

	if req.Leaf == nil {
		respondErr("missing critical data")
		return
	}
	root, ok := l.engine.Root(req.Leaf.RootWalletID)
	if !ok || root.ID != req.Leaf.RootWalletID {
		respondErr("no root HD wallet")
		return
	}
	leafReq := *req.Leaf
	create := func(secret []byte, cancelled bool) {
		if cancelled {
			respondErr(protocol.ErrCancelled.Error())
			return
		}
		if root.Encrypted() && len(secret) == 0 {
			respondErr("password required, but empty received")
			return
		}
		leaf, err := l.engine.CreateLeaf(l.ctx, root.ID, leafReq, secret)
		if err != nil {
			respondErr(err.Error())
			return
		}
		l.reply(clientID, env.ID, env.Type, protocol.CreateHDWalletReply{Leaf: &leaf})
		l.logger.Info("hd leaf created",
			logging.String(logging.FieldWalletID, leaf.ID),
			logging.String("root_wallet_id", root.ID),
			logging.String(logging.FieldEventType, "leaf_created"),
		)
		l.broadcast(protocol.TypeWalletsListUpdated, nil)
	}

	if pwd.Password != "" {
		secret, err := protocol.DecodeSecret(pwd.Password)
		if err != nil {
			respondErr(err.Error())
			return
		}
		create(secret, false)
		return
	}
	if err := l.passwords.RequestIfNeeded(clientID, root.ID, "Creating a wallet "+root.ID, false, create); err != nil {
		respondErr(err.Error())
	}
}

func (l *Listener) onDeleteHDWallet(clientID string, env protocol.Envelope) {
	var req protocol.DeleteHDWalletRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reply(clientID, env.ID, env.Type, protocol.DeleteHDWalletReply{Error: "failed to parse request"})
		return
	}
	id := req.RootWalletID
	if id == "" {
		id = req.LeafWalletID
	}
	info, ok := l.engine.Wallet(id)
	if !ok {
		l.reply(clientID, env.ID, env.Type, protocol.DeleteHDWalletReply{WalletID: id, Error: "failed to find wallet " + id})
		return
	}
	if info.IsRoot() && l.policy.IsActive(id) {
		l.policy.Deactivate(id, "wallet deleted")
	}
	if err := l.engine.DeleteWallet(l.ctx, id); err != nil {
		l.reply(clientID, env.ID, env.Type, protocol.DeleteHDWalletReply{WalletID: id, Error: err.Error()})
		return
	}
	l.reply(clientID, env.ID, env.Type, protocol.DeleteHDWalletReply{WalletID: id, Success: true})
	l.logger.Info("wallet deleted",
		logging.String(logging.FieldWalletID, id),
		logging.String(logging.FieldEventType, "wallet_deleted"),
	)
	l.broadcast(protocol.TypeWalletsListUpdated, nil)
}

func (l *Listener) onGetHDWalletInfo(clientID string, env protocol.Envelope) {
	var req protocol.GetHDWalletInfoRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reply(clientID, env.ID, env.Type, protocol.GetHDWalletInfoReply{Error: "failed to parse request"})
		return
	}
	info, ok := l.engine.Wallet(req.RootWalletID)
	if !ok || !info.IsRoot() {
		l.reply(clientID, env.ID, env.Type, protocol.GetHDWalletInfoReply{RootWalletID: req.RootWalletID, Error: "failed to find wallet"})
		return
	}
	if l.opts.WatchingOnly || info.WatchingOnly {
		l.reply(clientID, env.ID, env.Type, protocol.GetHDWalletInfoReply{RootWalletID: info.ID, Error: "wallet is watching-only"})
		return
	}
	l.reply(clientID, env.ID, env.Type, protocol.GetHDWalletInfoReply{
		RootWalletID: info.ID,
		EncTypes:     info.EncTypes,
		EncKeys:      info.EncKeys,
		RankM:        info.RankM,
		RankN:        info.RankN,
	})
}

func (l *Listener) onChangePassword(clientID string, env protocol.Envelope) {
	var req protocol.ChangePasswordRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reply(clientID, env.ID, env.Type, protocol.ChangePasswordReply{Error: "failed to parse request"})
		return
	}
	respond := func(ok bool, msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.ChangePasswordReply{RootWalletID: req.RootWalletID, Success: ok, Error: msg})
	}
	info, ok := l.engine.Wallet(req.RootWalletID)
	if !ok || !info.IsRoot() {
		respond(false, "failed to find wallet "+req.RootWalletID)
		return
	}
	oldSecret, err := protocol.DecodeSecret(req.OldPassword.Password)
	if err != nil {
		respond(false, err.Error())
		return
	}
	if err := l.engine.ChangePassword(l.ctx, info.ID, oldSecret, req.NewPassword); err != nil {
		respond(false, err.Error())
		return
	}
	if l.policy.IsActive(info.ID) {
		l.policy.Deactivate(info.ID, "password changed")
	}
	l.logger.Info("wallet password changed",
		logging.String(logging.FieldWalletID, info.ID),
		logging.String(logging.FieldEventType, "password_changed"),
	)
	respond(true, "")
}

func (l *Listener) onSyncWalletInfo(clientID string, env protocol.Envelope) {
	roots := l.engine.Roots()
	reply := protocol.SyncWalletInfoReply{Wallets: make([]protocol.WalletInfo, 0, len(roots))}
	for _, root := range roots {
		info := root.Proto()
		info.WatchingOnly = info.WatchingOnly || l.opts.WatchingOnly
		reply.Wallets = append(reply.Wallets, info)
	}
	l.reply(clientID, env.ID, env.Type, reply)
}

func (l *Listener) onSyncHDWallet(clientID string, env protocol.Envelope) {
	var req protocol.SyncWalletRequest
	if err := l.decode(env, &req); err != nil {
		l.logBadRequest(clientID, env, err)
		l.reject(clientID, env, "invalid")
		return
	}
	info, ok := l.engine.Wallet(req.WalletID)
	if !ok || !info.IsRoot() {
		l.reply(clientID, env.ID, env.Type, protocol.SyncHDWalletReply{WalletID: req.WalletID, Error: "failed to find wallet " + req.WalletID})
		return
	}
	groups, err := l.engine.Groups(l.ctx, info.ID)
	if err != nil {
		l.reply(clientID, env.ID, env.Type, protocol.SyncHDWalletReply{WalletID: info.ID, Error: err.Error()})
		return
	}
	l.reply(clientID, env.ID, env.Type, protocol.SyncHDWalletReply{WalletID: info.ID, Groups: groups})
}

// walletFor decodes a request naming a wallet and resolves it; on failure it
// has already replied.
func (l *Listener) walletFor(clientID string, env protocol.Envelope, v any, walletID func() string, fail func(id, msg string)) (wallet.Info, bool) {
	if err := l.decode(env, v); err != nil {
		l.logBadRequest(clientID, env, err)
		fail("", "failed to parse request")
		return wallet.Info{}, false
	}
	id := walletID()
	info, ok := l.engine.Wallet(id)
	if !ok {
		fail(id, "failed to find wallet "+id)
		return wallet.Info{}, false
	}
	return info, true
}

func (l *Listener) onSyncWallet(clientID string, env protocol.Envelope) {
	var req protocol.SyncWalletRequest
	info, ok := l.walletFor(clientID, env, &req, func() string { return req.WalletID }, func(id, msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.SyncWalletReply{WalletID: id, Error: msg})
	})
	if !ok {
		return
	}
	l.offQueue(func(ctx context.Context) func() {
		reply, err := l.engine.SyncWallet(ctx, info.ID)
		if err != nil {
			reply = protocol.SyncWalletReply{WalletID: info.ID, Error: err.Error()}
		}
		return func() { l.reply(clientID, env.ID, env.Type, reply) }
	})
}

func (l *Listener) onSyncComment(clientID string, env protocol.Envelope) {
	var req protocol.SyncCommentRequest
	info, ok := l.walletFor(clientID, env, &req, func() string { return req.WalletID }, func(_, msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.SyncCommentReply{Error: msg})
	})
	if !ok {
		return
	}
	var err error
	if req.Address != "" {
		err = l.engine.SetAddressComment(l.ctx, info.ID, req.Address, req.Comment)
	} else {
		err = l.engine.SetTxComment(l.ctx, info.ID, req.TxHash, req.Comment)
	}
	if err != nil {
		l.reply(clientID, env.ID, env.Type, protocol.SyncCommentReply{Error: err.Error()})
		return
	}
	l.reply(clientID, env.ID, env.Type, protocol.SyncCommentReply{Success: true})
}

func (l *Listener) onSyncAddresses(clientID string, env protocol.Envelope) {
	var req protocol.SyncAddressesRequest
	info, ok := l.walletFor(clientID, env, &req, func() string { return req.WalletID }, func(id, _ string) {
		l.reply(clientID, env.ID, env.Type, protocol.SyncAddressesReply{WalletID: id, State: protocol.SyncFailure})
	})
	if !ok {
		return
	}
	state, err := l.engine.SyncAddresses(l.ctx, info.ID, req.Addresses)
	if err != nil {
		l.logger.Warn("address sync failed",
			logging.String(logging.FieldWalletID, info.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "sync_addresses_failed"),
			logging.String(logging.FieldImpact, "terminal must extend the address chain and retry"),
		)
		state = protocol.SyncFailure
	}
	l.reply(clientID, env.ID, env.Type, protocol.SyncAddressesReply{WalletID: info.ID, State: state})
}

func (l *Listener) onExtendAddressChain(clientID string, env protocol.Envelope) {
	var req protocol.ExtendAddressChainRequest
	info, ok := l.walletFor(clientID, env, &req, func() string { return req.WalletID }, func(id, msg string) {
		l.reply(clientID, env.ID, env.Type, protocol.ExtendAddressChainReply{WalletID: id, Error: msg})
	})
	if !ok {
		return
	}
	l.offQueue(func(ctx context.Context) func() {
		addresses, err := l.engine.ExtendAddressChain(ctx, info.ID, req.Count, req.External)
		reply := protocol.ExtendAddressChainReply{WalletID: info.ID, Addresses: addresses}
		if err != nil {
			reply = protocol.ExtendAddressChainReply{WalletID: info.ID, Error: err.Error()}
		}
		return func() {
			l.logger.Debug("address chain extended",
				logging.String(logging.FieldWalletID, info.ID),
				logging.Int("count", len(reply.Addresses)),
			)
			l.reply(clientID, env.ID, env.Type, reply)
		}
	})
}
