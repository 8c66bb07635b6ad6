package listener_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"headless/internal/amount"
	"headless/internal/autosign"
	"headless/internal/listener"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/testsupport"
)

type sent struct {
	clientID string
	env      protocol.Envelope
}

type fakeSender struct {
	ticketRequired bool
	out            chan sent

	mu           sync.Mutex
	disconnected []string
}

func (f *fakeSender) Send(clientID string, data []byte) error {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	f.out <- sent{clientID: clientID, env: env}
	return nil
}

func (f *fakeSender) Disconnect(clientID string) error {
	f.mu.Lock()
	f.disconnected = append(f.disconnected, clientID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) TicketRequired() bool { return f.ticketRequired }

type harness struct {
	t       *testing.T
	l       *listener.Listener
	sender  *fakeSender
	engine  *testsupport.MemoryEngine
	tickets map[string]string
}

func newHarness(t *testing.T, opts listener.Options, ticketRequired bool) *harness {
	t.Helper()
	if opts.Network == protocol.NetworkInvalid {
		opts.Network = protocol.NetworkTestNet
	}
	if opts.Limits == (autosign.Limits{}) {
		opts.Limits = autosign.Limits{AutoSignSpend: amount.Unlimited, ManualSpend: amount.Unlimited}
	}
	engine := testsupport.NewMemoryEngine(opts.Network)
	sender := &fakeSender{ticketRequired: ticketRequired, out: make(chan sent, 64)}
	l, err := listener.New(engine, sender, opts, logging.NewNop())
	if err != nil {
		t.Fatalf("listener.New: %v", err)
	}
	t.Cleanup(l.Close)
	return &harness{t: t, l: l, sender: sender, engine: engine, tickets: make(map[string]string)}
}

func (h *harness) request(clientID string, id uint32, typ protocol.RequestType, payload any) {
	h.t.Helper()
	env := protocol.Envelope{ID: id, Type: typ, AuthTicket: []byte(h.tickets[clientID])}
	if payload != nil {
		data, err := protocol.EncodePayload(payload)
		if err != nil {
			h.t.Fatalf("encode: %v", err)
		}
		env.Data = data
	}
	h.l.OnData(clientID, env.Marshal())
}

func (h *harness) next() sent {
	h.t.Helper()
	select {
	case s := <-h.sender.out:
		return s
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for listener output")
	}
	return sent{}
}

func (h *harness) nextOf(typ protocol.RequestType) sent {
	h.t.Helper()
	for {
		s := h.next()
		if s.env.Type == typ {
			return s
		}
	}
}

func (h *harness) expectQuiet() {
	h.t.Helper()
	select {
	case s := <-h.sender.out:
		h.t.Fatalf("unexpected output %s id=%d to %s", s.env.Type, s.env.ID, s.clientID)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) connect(clientID string) {
	h.t.Helper()
	h.l.OnClientConnected(clientID)
	h.request(clientID, 1, protocol.TypeAuthentication, protocol.AuthenticationRequest{NetType: protocol.NetworkTestNet})
	s := h.next()
	var reply protocol.AuthenticationReply
	if err := protocol.DecodePayload(s.env.Data, &reply); err != nil {
		h.t.Fatalf("decode auth reply: %v", err)
	}
	if reply.Error != "" {
		h.t.Fatalf("authentication failed: %s", reply.Error)
	}
	h.tickets[clientID] = reply.AuthTicket
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := protocol.DecodePayload(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func txHash(n int) string {
	return fmt.Sprintf("%064x", n+1)
}

func signRequest(walletID string, n int, value uint64, autoSign bool) protocol.SignTXRequest {
	return protocol.SignTXRequest{
		WalletID:           walletID,
		Inputs:             []protocol.TxInput{{TxHash: txHash(n), Value: value + 1000}},
		Recipients:         []protocol.Recipient{{Address: fmt.Sprintf("dest-%d", n), Value: value}},
		Fee:                1000,
		ApplyAutoSignRules: autoSign,
	}
}

func TestRequestBeforeAuthenticationIsRejected(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("root", "", "leaf")
	h.l.OnClientConnected("c1")

	h.request("c1", 7, protocol.TypeSignTX, signRequest("leaf", 0, 1000, false))
	s := h.next()
	if s.env.ID != 7 || s.env.Type != protocol.TypeSignTX || len(s.env.Data) != 0 {
		t.Fatalf("expected empty rejection for id 7, got %+v", s.env)
	}
	if h.engine.SignCalls() != 0 {
		t.Fatal("engine must not be touched before authentication")
	}
}

func TestAuthenticationNetworkMismatch(t *testing.T) {
	h := newHarness(t, listener.Options{SignerKey: "02ab"}, false)
	h.l.OnClientConnected("c1")
	h.request("c1", 1, protocol.TypeAuthentication, protocol.AuthenticationRequest{NetType: protocol.NetworkMainNet})

	reply := decode[protocol.AuthenticationReply](t, h.next().env)
	if reply.Error != "network type mismatch" || reply.NetType != protocol.NetworkTestNet {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.request("c1", 2, protocol.TypeSyncWalletInfo, nil)
	if s := h.next(); len(s.env.Data) != 0 {
		t.Fatalf("session must stay unauthenticated, got %s", s.env.Data)
	}
}

func TestHeartbeatEchoes(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.l.OnClientConnected("c1")
	h.request("c1", 9, protocol.TypeHeartbeat, nil)
	if s := h.next(); s.env.ID != 9 || s.env.Type != protocol.TypeHeartbeat {
		t.Fatalf("unexpected heartbeat reply %+v", s.env)
	}
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.connect("c1")
	h.l.OnData("c1", []byte{0xff, 0xff, 0xff})
	h.expectQuiet()
}

func TestPasswordFanInIssuesOnePrompt(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("root", "p", "leaf")
	h.connect("c1")

	const k = 3
	for i := 0; i < k; i++ {
		h.request("c1", uint32(10+i), protocol.TypeSignTX, signRequest("leaf", i, 1000, false))
	}
	prompt := h.next()
	if prompt.env.Type != protocol.TypePassword || prompt.env.ID != 0 {
		t.Fatalf("expected unsolicited password request, got %+v", prompt.env)
	}
	req := decode[protocol.PasswordRequest](t, prompt.env)
	if req.WalletID != "root" || req.Prompt != "Outgoing Transaction" {
		t.Fatalf("unexpected password request %+v", req)
	}
	h.expectQuiet()

	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "root", Password: protocol.EncodeSecret([]byte("p"))})
	seen := map[uint32]bool{}
	for i := 0; i < k; i++ {
		s := h.nextOf(protocol.TypeSignTX)
		reply := decode[protocol.SignTXReply](t, s.env)
		if string(reply.SignedTX) != "signed:leaf" || reply.Error != "" {
			t.Fatalf("unexpected sign reply %+v", reply)
		}
		seen[s.env.ID] = true
	}
	if len(seen) != k {
		t.Fatalf("expected %d distinct replies, got %v", k, seen)
	}
}

func TestCancelledPasswordDoesNotDebit(t *testing.T) {
	h := newHarness(t, listener.Options{Limits: autosign.Limits{AutoSignSpend: amount.Unlimited, ManualSpend: 1_000_000}}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	h.request("c1", 3, protocol.TypeSignTX, signRequest("leaf", 0, 50_000, false))
	h.nextOf(protocol.TypePassword)
	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", CancelledByUser: true})

	reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
	if !reply.CancelledByUser || len(reply.SignedTX) != 0 {
		t.Fatalf("expected cancelled reply, got %+v", reply)
	}
	if got := h.l.Status().AutoSign.ManualRemaining; got != 1_000_000 {
		t.Fatalf("manual budget debited on cancel: %d", got)
	}
	if h.engine.SignCalls() != 0 {
		t.Fatal("engine must not sign a cancelled request")
	}
}

func TestSuccessfulSignDebitsOnce(t *testing.T) {
	h := newHarness(t, listener.Options{Limits: autosign.Limits{AutoSignSpend: amount.Unlimited, ManualSpend: 100_000}}, false)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")

	h.request("c1", 3, protocol.TypeSignTX, signRequest("leaf", 0, 60_000, false))
	if reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env); reply.Error != "" {
		t.Fatalf("sign failed: %s", reply.Error)
	}
	for i := 0; i < 2; i++ {
		h.request("c1", uint32(4+i), protocol.TypeSignTX, signRequest("leaf", 1, 60_000, false))
		reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
		if reply.Error != "spend limit exceeded" {
			t.Fatalf("expected spend limit denial, got %+v", reply)
		}
	}
	if got := h.l.Status().AutoSign.ManualRemaining; got != 40_000 {
		t.Fatalf("manual remaining = %d, want 40000", got)
	}
	if h.engine.SignCalls() != 1 {
		t.Fatalf("engine sign calls = %d, want 1", h.engine.SignCalls())
	}
}

func TestAutoSignLimitDenialDeactivates(t *testing.T) {
	h := newHarness(t, listener.Options{Limits: autosign.Limits{AutoSignSpend: 100_000, ManualSpend: amount.Unlimited}}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	if _, err := h.l.ActivateAutoSign("W1", []byte("p")); err != nil {
		t.Fatalf("ActivateAutoSign: %v", err)
	}
	on := decode[protocol.AutoSignActiveReply](t, h.nextOf(protocol.TypeSetLimits).env)
	if !on.AutoSignActive || on.RootWalletID != "W1" {
		t.Fatalf("expected activation broadcast, got %+v", on)
	}

	h.request("c1", 5, protocol.TypeSignTX, signRequest("leaf", 0, 150_000, true))
	off := h.nextOf(protocol.TypeSetLimits)
	if off.env.ID != 0 {
		t.Fatalf("deactivation must be unsolicited, got id %d", off.env.ID)
	}
	state := decode[protocol.AutoSignActiveReply](t, off.env)
	if state.AutoSignActive || state.Error != autosign.ReasonLimitExceeded {
		t.Fatalf("unexpected deactivation %+v", state)
	}
	reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
	if reply.Error != "spend limit exceeded" {
		t.Fatalf("expected spend limit error, got %+v", reply)
	}
	if len(h.l.Status().AutoSign.ActiveWallets) != 0 {
		t.Fatal("auto-sign must be inactive after denial")
	}
}

func TestAutoSignUsesCachedSecret(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")
	if _, err := h.l.ActivateAutoSign("", []byte("p")); err != nil {
		t.Fatalf("ActivateAutoSign: %v", err)
	}
	h.nextOf(protocol.TypeSetLimits)

	h.request("c1", 6, protocol.TypeSignTX, signRequest("leaf", 0, 1000, true))
	s := h.next()
	if s.env.Type != protocol.TypeSignTX {
		t.Fatalf("expected direct sign reply without prompt, got %s", s.env.Type)
	}
}

func TestWatchingOnlyRejectsKeyMaterialRequests(t *testing.T) {
	h := newHarness(t, listener.Options{WatchingOnly: true}, false)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")

	gated := []protocol.RequestType{
		protocol.TypeSignTX, protocol.TypeSignPartialTX, protocol.TypeSignPayoutTX,
		protocol.TypeSignMultiTX, protocol.TypeCancelSignTx, protocol.TypePassword,
		protocol.TypeCreateHDWallet, protocol.TypeSetLimits, protocol.TypeChangePassword,
	}
	for i, typ := range gated {
		if !listener.RequiresKeyMaterial(typ) {
			t.Fatalf("%s should require key material", typ)
		}
		h.request("c1", uint32(100+i), typ, signRequest("leaf", i, 1000, false))
		s := h.next()
		if s.env.Type != typ || s.env.ID != uint32(100+i) || len(s.env.Data) != 0 {
			t.Fatalf("%s: expected empty rejection, got %+v", typ, s.env)
		}
	}
	if h.engine.SignCalls() != 0 || h.engine.MultiSignCalls() != 0 {
		t.Fatal("watching-only signer touched the engine")
	}
	if len(h.engine.Roots()) != 1 {
		t.Fatal("watching-only signer mutated wallets")
	}

	h.request("c1", 200, protocol.TypeSyncWalletInfo, nil)
	info := decode[protocol.SyncWalletInfoReply](t, h.next().env)
	if len(info.Wallets) != 1 || !info.Wallets[0].WatchingOnly {
		t.Fatalf("public data must still be served: %+v", info)
	}
}

func TestUnknownWalletReply(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.connect("c1")
	h.request("c1", 4, protocol.TypeSignTX, signRequest("ghost", 0, 1000, false))
	reply := decode[protocol.SignTXReply](t, h.next().env)
	if reply.Error != "failed to find wallet ghost" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestSignMultiTXAggregatesPerRoot(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("R1", "one", "a")
	h.engine.AddRoot("R2", "two", "b", "c")
	h.connect("c1")

	req := protocol.SignMultiTXRequest{
		Inputs: []protocol.TxInput{
			{TxHash: txHash(1), Value: 1000, WalletID: "a"},
			{TxHash: txHash(2), Value: 1000, WalletID: "b"},
			{TxHash: txHash(3), Value: 1000, WalletID: "c"},
		},
		Recipients: []protocol.Recipient{{Address: "dest", Value: 2500}},
	}
	h.request("c1", 12, protocol.TypeSignMultiTX, req)
	prompted := map[string]bool{}
	for i := 0; i < 2; i++ {
		prompted[decode[protocol.PasswordRequest](t, h.nextOf(protocol.TypePassword).env).WalletID] = true
	}
	if !prompted["R1"] || !prompted["R2"] {
		t.Fatalf("expected one prompt per root, got %v", prompted)
	}

	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "R1", Password: protocol.EncodeSecret([]byte("one"))})
	h.expectQuiet()
	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "R2", Password: protocol.EncodeSecret([]byte("two"))})

	reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignMultiTX).env)
	if string(reply.SignedTX) != "multi:a,b,c" {
		t.Fatalf("unexpected multi reply %+v", reply)
	}
	if h.engine.MultiSignCalls() != 1 {
		t.Fatalf("multi sign calls = %d, want 1", h.engine.MultiSignCalls())
	}
	secrets := h.engine.LastMultiSecrets()
	if string(secrets["b"]) != "two" || string(secrets["c"]) != "two" || string(secrets["a"]) != "one" {
		t.Fatalf("unexpected secrets %v", secrets)
	}
}

func TestCancelSignTxAbortsPendingSign(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	req := signRequest("leaf", 0, 1000, false)
	h.request("c1", 8, protocol.TypeSignTX, req)
	h.nextOf(protocol.TypePassword)

	h.request("c1", 0, protocol.TypeCancelSignTx, protocol.CancelSignTxRequest{TxID: req.TxID()})
	reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
	if !reply.CancelledByUser {
		t.Fatalf("expected cancelled reply, got %+v", reply)
	}

	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", Password: protocol.EncodeSecret([]byte("p"))})
	h.expectQuiet()
	if h.engine.SignCalls() != 0 {
		t.Fatal("cancelled request must not be signed")
	}
}

func TestSignFailureDeactivatesAutoSign(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")
	if _, err := h.l.ActivateAutoSign("W1", []byte("p")); err != nil {
		t.Fatalf("ActivateAutoSign: %v", err)
	}
	h.nextOf(protocol.TypeSetLimits)
	h.engine.SetSignError(fmt.Errorf("%w: bad script", protocol.ErrSigning))

	h.request("c1", 5, protocol.TypeSignTX, signRequest("leaf", 0, 1000, true))
	reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
	if !strings.HasPrefix(reply.Error, "failed to sign: ") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	state := decode[protocol.AutoSignActiveReply](t, h.nextOf(protocol.TypeSetLimits).env)
	if state.AutoSignActive || state.Error != autosign.ReasonSignFailed {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestSetLimitsPromptsForActivation(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	h.request("c1", 20, protocol.TypeSetLimits, protocol.SetLimitsRequest{RootWalletID: "W1", ActivateAutoSign: true})
	req := decode[protocol.PasswordRequest](t, h.nextOf(protocol.TypePassword).env)
	if !req.AutoSign || req.WalletID != "W1" {
		t.Fatalf("unexpected activation prompt %+v", req)
	}
	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", Password: protocol.EncodeSecret([]byte("p"))})

	var direct protocol.AutoSignActiveReply
	for direct.RootWalletID == "" {
		s := h.nextOf(protocol.TypeSetLimits)
		if s.env.ID == 20 {
			direct = decode[protocol.AutoSignActiveReply](t, s.env)
		}
	}
	if !direct.AutoSignActive {
		t.Fatalf("activation failed: %+v", direct)
	}
	if st := h.l.Status(); len(st.AutoSign.ActiveWallets) != 1 || st.AutoSign.ActiveWallets[0] != "W1" {
		t.Fatalf("unexpected status %+v", st.AutoSign)
	}
}

func TestSetLimitsCancelledActivation(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	h.request("c1", 21, protocol.TypeSetLimits, protocol.SetLimitsRequest{RootWalletID: "W1", ActivateAutoSign: true})
	h.nextOf(protocol.TypePassword)
	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", CancelledByUser: true})

	for {
		s := h.nextOf(protocol.TypeSetLimits)
		if s.env.ID != 21 {
			continue
		}
		reply := decode[protocol.AutoSignActiveReply](t, s.env)
		if reply.AutoSignActive || reply.Error != "" {
			t.Fatalf("cancelled activation must be inactive without a reason: %+v", reply)
		}
		return
	}
}

func TestExtendAddressChainRunsOffQueue(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")
	release := h.engine.HoldExtend()
	defer release()

	h.request("c1", 30, protocol.TypeExtendAddressChain, protocol.ExtendAddressChainRequest{WalletID: "leaf", Count: 2, External: true})
	h.request("c1", 31, protocol.TypeHeartbeat, nil)
	if s := h.next(); s.env.ID != 31 {
		t.Fatalf("heartbeat blocked behind chain extension: got id %d", s.env.ID)
	}
	release()
	s := h.next()
	reply := decode[protocol.ExtendAddressChainReply](t, s.env)
	if s.env.ID != 30 || len(reply.Addresses) != 2 {
		t.Fatalf("unexpected extend reply id=%d %+v", s.env.ID, reply)
	}
}

func TestTicketMismatchUnauthenticates(t *testing.T) {
	h := newHarness(t, listener.Options{}, true)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")
	if h.tickets["c1"] == "" {
		t.Fatal("expected a ticket on a ticket-required transport")
	}

	h.request("c1", 2, protocol.TypeSyncWalletInfo, nil)
	s := h.next()
	if string(s.env.AuthTicket) != h.tickets["c1"] || len(s.env.Data) == 0 {
		t.Fatalf("reply must carry the session ticket and data: %+v", s.env)
	}

	h.tickets["c1"] = "forged"
	h.request("c1", 3, protocol.TypeSyncWalletInfo, nil)
	if s := h.next(); len(s.env.Data) != 0 {
		t.Fatal("forged ticket accepted")
	}
	delete(h.tickets, "c1")
	h.request("c1", 4, protocol.TypeSyncWalletInfo, nil)
	if s := h.next(); len(s.env.Data) != 0 {
		t.Fatal("session must be unauthenticated after ticket mismatch")
	}
}

type hostRecorder struct {
	listener.NopCallbacks
	prompts chan protocol.PasswordRequest
	spent   chan uint64
}

func (r *hostRecorder) PromptPassword(_ string, req protocol.PasswordRequest) { r.prompts <- req }
func (r *hostRecorder) Spent(value uint64, _ bool)                            { r.spent <- value }

func TestHostPrompterReceivesPasswordRequests(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	host := &hostRecorder{prompts: make(chan protocol.PasswordRequest, 4), spent: make(chan uint64, 4)}
	h.l.SetCallbacks(host)

	h.l.OnClientConnected("c1")
	h.request("c1", 1, protocol.TypeAuthentication, protocol.AuthenticationRequest{NetType: protocol.NetworkTestNet})
	if auth := decode[protocol.AuthenticationReply](t, h.next().env); !auth.HasUI {
		t.Fatal("signer with a host prompter must report hasUI")
	}

	h.request("c1", 2, protocol.TypeSignTX, signRequest("leaf", 0, 5000, false))
	select {
	case req := <-host.prompts:
		if req.WalletID != "W1" {
			t.Fatalf("unexpected prompt %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host prompter not called")
	}
	h.l.PasswordReceived("W1", []byte("p"), false)
	if reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env); reply.Error != "" {
		t.Fatalf("sign failed: %s", reply.Error)
	}
	select {
	case v := <-host.spent:
		if v != 5000 {
			t.Fatalf("spent %d, want 5000", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("spend not reported to host")
	}
}

func TestWalletLifecycleBroadcastsListUpdate(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")
	h.connect("c2")

	h.request("c1", 40, protocol.TypeCreateHDWallet, protocol.CreateHDWalletRequest{
		Wallet: &protocol.NewHDWallet{Name: "savings", NetType: protocol.NetworkTestNet},
	})
	created := decode[protocol.CreateHDWalletReply](t, h.nextOf(protocol.TypeCreateHDWallet).env)
	if created.Wallet == nil || created.Wallet.ID != "hd-savings" {
		t.Fatalf("unexpected create reply %+v", created)
	}
	notified := map[string]bool{}
	for len(notified) < 2 {
		s := h.nextOf(protocol.TypeWalletsListUpdated)
		notified[s.clientID] = true
	}

	h.request("c1", 41, protocol.TypeCreateHDWallet, protocol.CreateHDWalletRequest{
		Wallet: &protocol.NewHDWallet{Name: "main", NetType: protocol.NetworkMainNet},
	})
	if reply := decode[protocol.CreateHDWalletReply](t, h.nextOf(protocol.TypeCreateHDWallet).env); reply.Error != "network type mismatch" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	h.request("c1", 42, protocol.TypeDeleteHDWallet, protocol.DeleteHDWalletRequest{RootWalletID: "hd-savings"})
	if reply := decode[protocol.DeleteHDWalletReply](t, h.nextOf(protocol.TypeDeleteHDWallet).env); !reply.Success {
		t.Fatalf("delete failed: %+v", reply)
	}
}

func TestGetHDWalletInfo(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "p", "leaf")
	h.connect("c1")

	h.request("c1", 50, protocol.TypeGetHDWalletInfo, protocol.GetHDWalletInfoRequest{RootWalletID: "W1"})
	info := decode[protocol.GetHDWalletInfoReply](t, h.next().env)
	if info.Error != "" || len(info.EncTypes) != 1 || info.EncTypes[0] != protocol.EncryptionPassword {
		t.Fatalf("unexpected info %+v", info)
	}
	h.request("c1", 51, protocol.TypeGetHDWalletInfo, protocol.GetHDWalletInfoRequest{RootWalletID: "missing"})
	if info := decode[protocol.GetHDWalletInfoReply](t, h.next().env); info.Error == "" {
		t.Fatal("expected error for unknown root")
	}
}

func TestSyncCommentAndAddresses(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "", "leaf")
	h.connect("c1")

	h.request("c1", 60, protocol.TypeSyncComment, protocol.SyncCommentRequest{WalletID: "leaf", Address: "addr-leaf", Comment: "rent"})
	if reply := decode[protocol.SyncCommentReply](t, h.next().env); !reply.Success {
		t.Fatalf("comment failed: %+v", reply)
	}
	h.request("c1", 61, protocol.TypeSyncAddresses, protocol.SyncAddressesRequest{WalletID: "leaf", Addresses: []protocol.AddressEntry{{Address: "addr-leaf"}}})
	if reply := decode[protocol.SyncAddressesReply](t, h.next().env); reply.State != protocol.SyncNothingToDo {
		t.Fatalf("unexpected sync state %+v", reply)
	}
	h.request("c1", 62, protocol.TypeSyncAddresses, protocol.SyncAddressesRequest{WalletID: "nope"})
	if reply := decode[protocol.SyncAddressesReply](t, h.next().env); reply.State != protocol.SyncFailure {
		t.Fatalf("unexpected sync state %+v", reply)
	}
	h.request("c1", 63, protocol.TypeSyncWallet, protocol.SyncWalletRequest{WalletID: "leaf"})
	reply := decode[protocol.SyncWalletReply](t, h.next().env)
	if len(reply.Addresses) != 1 || reply.Addresses[0].Comment != "rent" {
		t.Fatalf("unexpected sync wallet reply %+v", reply)
	}
}

func TestDisconnectDropsClientState(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("R1", "one", "a")
	h.engine.AddRoot("R2", "two", "b")
	h.connect("c1")

	h.request("c1", 70, protocol.TypeSignMultiTX, protocol.SignMultiTXRequest{
		Inputs: []protocol.TxInput{
			{TxHash: txHash(1), Value: 1000, WalletID: "a"},
			{TxHash: txHash(2), Value: 1000, WalletID: "b"},
		},
	})
	h.nextOf(protocol.TypePassword)
	h.nextOf(protocol.TypePassword)
	h.l.OnClientDisconnected("c1")

	h.l.PasswordReceived("R1", []byte("one"), false)
	h.l.PasswordReceived("R2", []byte("two"), false)
	h.expectQuiet()
	if h.engine.MultiSignCalls() != 0 {
		t.Fatal("aggregation of a disconnected client must not sign")
	}
	if st := h.l.Status(); len(st.Clients) != 0 {
		t.Fatalf("unexpected clients %v", st.Clients)
	}
}

type dialogRecorder struct {
	listener.NopCallbacks
	dialogs chan string
}

func (r *dialogRecorder) CustomDialog(clientID, name string, data []byte) {
	r.dialogs <- clientID + ":" + name + ":" + string(data)
}

func TestExecCustomDialogReachesHost(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	host := &dialogRecorder{dialogs: make(chan string, 1)}
	h.l.SetCallbacks(host)
	h.connect("c1")

	h.request("c1", 0, protocol.TypeExecCustomDialog, protocol.CustomDialogRequest{DialogName: "backup", Data: []byte("W1")})
	select {
	case got := <-host.dialogs:
		if got != "c1:backup:W1" {
			t.Fatalf("dialog = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("custom dialog not forwarded")
	}
	h.expectQuiet()
}

func TestDisconnectionNotices(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.connect("c1")
	h.connect("c2")

	h.request("c1", 0, protocol.TypeDisconnection, nil)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.sender.mu.Lock()
		n := len(h.sender.disconnected)
		h.sender.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.l.Disconnect("c2")
	if s := h.next(); s.clientID != "c2" || s.env.Type != protocol.TypeDisconnection {
		t.Fatalf("expected a disconnection notice to c2, got %s to %s", s.env.Type, s.clientID)
	}
	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	if len(h.sender.disconnected) != 2 || h.sender.disconnected[0] != "c1" || h.sender.disconnected[1] != "c2" {
		t.Fatalf("disconnected = %v", h.sender.disconnected)
	}
}

func TestConcurrentManualSignsShareBudget(t *testing.T) {
	h := newHarness(t, listener.Options{Limits: autosign.Limits{AutoSignSpend: amount.Unlimited, ManualSpend: 100_000}}, false)
	h.engine.AddRoot("W1", "pw", "leaf")
	h.connect("c1")

	h.request("c1", 3, protocol.TypeSignTX, signRequest("leaf", 1, 60_000, false))
	h.request("c1", 4, protocol.TypeSignTX, signRequest("leaf", 2, 60_000, false))
	h.nextOf(protocol.TypePassword)
	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", Password: protocol.EncodeSecret([]byte("pw"))})

	signed, denied := 0, 0
	for i := 0; i < 2; i++ {
		reply := decode[protocol.SignTXReply](t, h.nextOf(protocol.TypeSignTX).env)
		switch {
		case len(reply.SignedTX) > 0 && reply.Error == "":
			signed++
		case reply.Error == "spend limit exceeded":
			denied++
		default:
			t.Fatalf("unexpected reply %+v", reply)
		}
	}
	if signed != 1 || denied != 1 {
		t.Fatalf("signed=%d denied=%d, want one of each", signed, denied)
	}
	if got := h.l.Status().AutoSign.ManualRemaining; got != 40_000 {
		t.Fatalf("manual remaining = %d, want 40000", got)
	}
	if h.engine.SignCalls() != 1 {
		t.Fatalf("engine sign calls = %d, want 1", h.engine.SignCalls())
	}
}

func TestResubmittedSignRepliesToBoth(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "pw", "leaf")
	h.connect("c1")

	req := signRequest("leaf", 0, 1000, false)
	h.request("c1", 3, protocol.TypeSignTX, req)
	h.request("c1", 4, protocol.TypeSignTX, req)

	first := h.nextOf(protocol.TypeSignTX)
	if first.env.ID != 3 {
		t.Fatalf("expected the older request to be answered first, got id %d", first.env.ID)
	}
	if reply := decode[protocol.SignTXReply](t, first.env); reply.Error != "superseded by a newer request" {
		t.Fatalf("unexpected reply to superseded request %+v", reply)
	}

	h.request("c1", 0, protocol.TypePassword, protocol.PasswordReply{WalletID: "W1", Password: protocol.EncodeSecret([]byte("pw"))})
	second := h.nextOf(protocol.TypeSignTX)
	if second.env.ID != 4 {
		t.Fatalf("expected reply to id 4, got id %d", second.env.ID)
	}
	if reply := decode[protocol.SignTXReply](t, second.env); reply.Error != "" || len(reply.SignedTX) == 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.expectQuiet()
	if h.engine.SignCalls() != 1 {
		t.Fatalf("engine sign calls = %d, want 1", h.engine.SignCalls())
	}
}

func TestSignPayoutRejectsBadSettlementID(t *testing.T) {
	h := newHarness(t, listener.Options{}, false)
	h.engine.AddRoot("W1", "pw", "leaf")
	h.connect("c1")

	for i, id := range []string{"abc", "0xab"} {
		h.request("c1", uint32(30+i), protocol.TypeSignPayoutTX, protocol.SignPayoutTXRequest{
			Input:        protocol.TxInput{TxHash: txHash(0), Value: 5000},
			Recipient:    protocol.Recipient{Address: "dest", Value: 4000},
			Fee:          1000,
			AuthAddress:  "addr-leaf",
			SettlementID: id,
		})
		s := h.next()
		if s.env.Type != protocol.TypeSignPayoutTX || s.env.ID != uint32(30+i) {
			t.Fatalf("%s: expected a payout reply without a prompt, got %s id=%d", id, s.env.Type, s.env.ID)
		}
		if reply := decode[protocol.SignTXReply](t, s.env); reply.Error != "invalid settlement id" {
			t.Fatalf("%s: unexpected reply %+v", id, reply)
		}
	}
	h.expectQuiet()
}
