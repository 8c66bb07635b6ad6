package client_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"headless/internal/client"
	"headless/internal/listener"
	"headless/internal/protocol"
)

func signRequest(walletID string, value uint64) protocol.SignTXRequest {
	return protocol.SignTXRequest{
		WalletID:   walletID,
		Inputs:     []protocol.TxInput{{TxHash: fmt.Sprintf("%064x", value), Value: value + 1000}},
		Recipients: []protocol.Recipient{{Address: "dest", Value: value}},
		Fee:        1000,
	}
}

func TestSignTXWithPassword(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "p", "leaf")
	r.connect(t)

	go func() {
		select {
		case req := <-r.events.passwords:
			_ = r.signer.SendPassword(req.WalletID, []byte("p"), false)
		case <-time.After(waitFor):
		}
	}()
	reply, err := client.Await(context.Background(), func(done func(protocol.SignTXReply, error)) (uint32, error) {
		return r.signer.SignTX(signRequest("leaf", 5000), done)
	})
	if err != nil {
		t.Fatalf("SignTX: %v", err)
	}
	if string(reply.SignedTX) != "signed:leaf" {
		t.Fatalf("signed tx = %q", reply.SignedTX)
	}
}

func TestSignTXCancelledPassword(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "p", "leaf")
	r.connect(t)

	go func() {
		select {
		case req := <-r.events.passwords:
			_ = r.signer.SendPassword(req.WalletID, nil, true)
		case <-time.After(waitFor):
		}
	}()
	_, err := client.Await(context.Background(), func(done func(protocol.SignTXReply, error)) (uint32, error) {
		return r.signer.SignTX(signRequest("leaf", 5000), done)
	})
	if !errors.Is(err, protocol.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if r.engine.SignCalls() != 0 {
		t.Fatal("cancelled password reached the engine")
	}
}

func TestWatchingOnlyShortCircuit(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "", "leaf")
	r.connect(t)

	_, err := client.Await(context.Background(), func(done func(protocol.GetHDWalletInfoReply, error)) (uint32, error) {
		return r.signer.GetHDWalletInfo("ghost", done)
	})
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("GetHDWalletInfo err = %v, want remote error", err)
	}
	if !r.signer.IsWatchingOnly("ghost") {
		t.Fatal("failed lookup should mark the wallet watching-only")
	}

	called := false
	id, err := r.signer.SignTX(signRequest("ghost", 100), func(protocol.SignTXReply, error) { called = true })
	if !errors.Is(err, protocol.ErrWatchingOnly) || id != 0 {
		t.Fatalf("SignTX = %d, %v; want local ErrWatchingOnly", id, err)
	}
	if called || r.sup.Outstanding() != 0 {
		t.Fatal("watching-only wallet must not reach the signer")
	}

	payout := protocol.SignPayoutTXRequest{
		Input:        protocol.TxInput{TxHash: fmt.Sprintf("%064x", 1), Value: 5000, WalletID: "ghost"},
		Recipient:    protocol.Recipient{Address: "dest", Value: 4000},
		Fee:          1000,
		AuthAddress:  "addr-leaf",
		SettlementID: "ab",
	}
	id, err = r.signer.SignPayoutTX(payout, func(protocol.SignTXReply, error) { called = true })
	if !errors.Is(err, protocol.ErrWatchingOnly) || id != 0 {
		t.Fatalf("SignPayoutTX = %d, %v; want local ErrWatchingOnly", id, err)
	}
	if called || r.sup.Outstanding() != 0 {
		t.Fatal("watching-only payout must not reach the signer")
	}

	r.listener.WalletsListUpdated()
	select {
	case <-r.events.walletsUpdated:
	case <-time.After(waitFor):
		t.Fatal("no wallets list update")
	}
	if r.signer.IsWatchingOnly("ghost") {
		t.Fatal("wallets list update should clear watching-only verdicts")
	}
}

func TestWatchingOnlySignerRejectsSigning(t *testing.T) {
	r := newRig(t, func(_ *client.Options, l *listener.Options, _ *bool) { l.WatchingOnly = true })
	r.engine.AddRoot("W1", "", "leaf")
	r.connect(t)

	_, err := client.Await(context.Background(), func(done func(protocol.SignTXReply, error)) (uint32, error) {
		return r.signer.SignTX(signRequest("leaf", 100), done)
	})
	if !errors.Is(err, protocol.ErrPolicy) {
		t.Fatalf("err = %v, want policy rejection", err)
	}
}

func TestAutoSignMirror(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "p", "leaf")
	r.connect(t)

	if _, err := r.listener.ActivateAutoSign("W1", []byte("p")); err != nil {
		t.Fatalf("ActivateAutoSign: %v", err)
	}
	for {
		select {
		case st := <-r.events.autoSign:
			if st.RootWalletID != "W1" || !st.AutoSignActive {
				continue
			}
		case <-time.After(waitFor):
			t.Fatal("auto-sign activation was not announced")
		}
		break
	}
	if !r.signer.AutoSignActive("W1") {
		t.Fatal("mirror missed activation")
	}
	if got := r.signer.AutoSignWallets(); len(got) != 1 || got[0] != "W1" {
		t.Fatalf("AutoSignWallets = %v", got)
	}

	r.sup.Disconnect()
	r.events.waitDisconnected(t)
	if r.signer.AutoSignActive("W1") || len(r.signer.AutoSignWallets()) != 0 {
		t.Fatal("auto-sign mirror must be purged on disconnect")
	}
	if st := r.listener.Status(); len(st.AutoSign.ActiveWallets) != 1 {
		t.Fatalf("signer-side auto-sign must survive a terminal disconnect: %+v", st.AutoSign)
	}
}

func TestSetLimitsActivation(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "p", "leaf")
	r.connect(t)

	go func() {
		select {
		case req := <-r.events.passwords:
			_ = r.signer.SendPassword(req.WalletID, []byte("p"), false)
		case <-time.After(waitFor):
		}
	}()
	reply, err := client.Await(context.Background(), func(done func(protocol.AutoSignActiveReply, error)) (uint32, error) {
		return r.signer.SetLimits(protocol.SetLimitsRequest{RootWalletID: "W1", ActivateAutoSign: true}, done)
	})
	if err != nil || !reply.AutoSignActive {
		t.Fatalf("SetLimits = %+v, %v", reply, err)
	}
	if !r.signer.AutoSignActive("W1") {
		t.Fatal("direct SetLimits reply should update the mirror")
	}
}

func TestWalletSyncRoundTrip(t *testing.T) {
	r := newRig(t)
	r.engine.AddRoot("W1", "", "leaf")
	r.connect(t)
	ctx := context.Background()

	hd, err := client.Await(ctx, func(done func(protocol.SyncHDWalletReply, error)) (uint32, error) {
		return r.signer.SyncHDWallet("W1", done)
	})
	if err != nil || hd.WalletID != "W1" || len(hd.Groups) == 0 {
		t.Fatalf("SyncHDWallet = %+v, %v", hd, err)
	}

	ext, err := client.Await(ctx, func(done func(protocol.ExtendAddressChainReply, error)) (uint32, error) {
		return r.signer.ExtendAddressChain(protocol.ExtendAddressChainRequest{WalletID: "leaf", Count: 2, External: true}, done)
	})
	if err != nil || len(ext.Addresses) != 2 {
		t.Fatalf("ExtendAddressChain = %+v, %v", ext, err)
	}

	comment, err := client.Await(ctx, func(done func(protocol.SyncCommentReply, error)) (uint32, error) {
		return r.signer.SyncComment(protocol.SyncCommentRequest{WalletID: "leaf", Address: ext.Addresses[0].Address, Comment: "rent"}, done)
	})
	if err != nil || !comment.Success {
		t.Fatalf("SyncComment = %+v, %v", comment, err)
	}

	leaf, err := client.Await(ctx, func(done func(protocol.SyncWalletReply, error)) (uint32, error) {
		return r.signer.SyncWallet("leaf", done)
	})
	if err != nil {
		t.Fatalf("SyncWallet: %v", err)
	}
	found := false
	for _, a := range leaf.Addresses {
		if a.Address == ext.Addresses[0].Address && a.Comment == "rent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("comment not synced: %+v", leaf.Addresses)
	}

	if err := waitErr(func(done func(error)) (uint32, error) { return r.signer.SetUserID("trader", done) }); err != nil {
		t.Fatalf("SetUserID: %v", err)
	}
}

func waitErr(start func(done func(error)) (uint32, error)) error {
	_, err := client.Await(context.Background(), func(done func(struct{}, error)) (uint32, error) {
		return start(func(err error) { done(struct{}{}, err) })
	})
	return err
}
