package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"headless/internal/client"
	"headless/internal/config"
	"headless/internal/daemon"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/testsupport"
	"headless/internal/transport"
)

func testConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Signer.Listen = "127.0.0.1"
	cfg.Signer.Port = 0
	cfg.Signer.TicketRequired = false
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, engine *testsupport.MemoryEngine) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(cfg, engine, logging.NewNop(), daemon.Options{SignerKey: "02abcdef"})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(context.Background()); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping daemon test: %v", err)
		}
		t.Fatalf("Start: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	engine := testsupport.NewMemoryEngine(protocol.NetworkTestNet)
	d := startDaemon(t, cfg, engine)

	status := d.Status()
	if !status.Running || status.Address == "" || status.PID == 0 {
		t.Fatalf("unexpected status after start: %+v", status)
	}
	if status.LockFilePath != cfg.LockPath() {
		t.Fatalf("lock path = %q", status.LockFilePath)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	other, err := daemon.New(cfg, engine, logging.NewNop(), daemon.Options{})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(context.Background()); err == nil {
		other.Stop()
		t.Fatal("expected the signer lock to reject a second daemon")
	}

	d.Stop()
	if d.Status().Running || d.Addr() != "" {
		t.Fatal("daemon still running after Stop")
	}
	if _, err := d.SetAutoSign("", true, ""); !errors.Is(err, daemon.ErrNotRunning) {
		t.Fatalf("SetAutoSign while stopped: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func dialSigner(t *testing.T, d *daemon.Daemon) *client.Signer {
	t.Helper()
	sup := client.NewSupervisor(transport.NewTCPClient(transport.Options{}), client.Options{
		Address: d.Addr(),
		Network: protocol.NetworkTestNet,
	}, logging.NewNop())
	ready := make(chan error, 4)
	sup.AddObserver(readyObserver(ready))
	signer := client.NewSigner(sup, logging.NewNop())
	t.Cleanup(sup.Close)
	sup.Connect()
	select {
	case err := <-ready:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out connecting to the daemon")
	}
	return signer
}

type readyObserver chan error

func (o readyObserver) Connected()                                        {}
func (o readyObserver) Ready(err error)                                   { o <- err }
func (o readyObserver) Disconnected(error)                                {}
func (o readyObserver) PasswordRequested(protocol.PasswordRequest)        {}
func (o readyObserver) AutoSignStateChanged(protocol.AutoSignActiveReply) {}
func (o readyObserver) WalletsListUpdated()                               {}

func TestOperatorAnswersPrompt(t *testing.T) {
	cfg := testConfig(t)
	engine := testsupport.NewMemoryEngine(protocol.NetworkTestNet)
	engine.AddRoot("W1", "pw", "leaf")
	d := startDaemon(t, cfg, engine)
	signer := dialSigner(t, d)

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if prompts := d.Prompts(); len(prompts) > 0 {
				_ = d.AnswerPassword(prompts[0].WalletID, "pw", false)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	req := protocol.SignTXRequest{
		WalletID:   "leaf",
		Inputs:     []protocol.TxInput{{TxHash: fmt.Sprintf("%064x", 1), Value: 6000}},
		Recipients: []protocol.Recipient{{Address: "dest", Value: 5000}},
		Fee:        1000,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Await(ctx, func(done func(protocol.SignTXReply, error)) (uint32, error) {
		return signer.SignTX(req, done)
	})
	if err != nil {
		t.Fatalf("SignTX: %v", err)
	}
	if len(reply.SignedTX) == 0 {
		t.Fatal("empty signed transaction")
	}

	activity := d.Status().Activity
	if activity.Signed != 1 {
		t.Fatalf("activity = %+v", activity)
	}
	if len(d.Prompts()) != 0 {
		t.Fatal("answered prompt still pending")
	}
}

func TestOperatorAutoSignAndWallets(t *testing.T) {
	cfg := testConfig(t)
	engine := testsupport.NewMemoryEngine(protocol.NetworkTestNet)
	engine.AddRoot("W1", "pw", "leaf")
	d := startDaemon(t, cfg, engine)

	if _, err := d.SetAutoSign("W1", true, "wrong"); err == nil {
		t.Fatal("expected a wrong password to be rejected")
	}
	rootID, err := d.SetAutoSign("", true, "pw")
	if err != nil {
		t.Fatalf("SetAutoSign: %v", err)
	}
	if rootID != "W1" {
		t.Fatalf("activated %q, want primary W1", rootID)
	}
	if got := d.Status().ActiveWallets; len(got) != 1 || got[0] != "W1" {
		t.Fatalf("active wallets = %v", got)
	}
	if _, err := d.SetAutoSign("W1", false, ""); err != nil {
		t.Fatalf("disable auto-sign: %v", err)
	}
	if got := d.Status().ActiveWallets; len(got) != 0 {
		t.Fatalf("active wallets after disable = %v", got)
	}

	info, err := d.CreateWallet(context.Background(), protocol.NewHDWallet{Name: "ops"}, "secret")
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if info.NetType != protocol.NetworkTestNet {
		t.Fatalf("created wallet network = %v", info.NetType)
	}
	if got := len(d.Wallets()); got != 2 {
		t.Fatalf("wallets = %d, want 2", got)
	}
}

func TestWatchingOnlyRefusesWalletCreation(t *testing.T) {
	cfg := testConfig(t, testsupport.WithWatchingOnly())
	d := startDaemon(t, cfg, testsupport.NewMemoryEngine(protocol.NetworkTestNet))
	if _, err := d.CreateWallet(context.Background(), protocol.NewHDWallet{Name: "x"}, ""); !errors.Is(err, protocol.ErrWatchingOnly) {
		t.Fatalf("err = %v, want ErrWatchingOnly", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Bind = "127.0.0.1:0"
	cfg.Metrics.Token = "letmein"
	engine := testsupport.NewMemoryEngine(protocol.NetworkTestNet)
	engine.AddRoot("W1", "", "leaf")
	d := startDaemon(t, cfg, engine)

	addr := d.StatusAddr()
	if addr == "" {
		t.Fatal("status endpoint not bound")
	}

	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.Wallets != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	req, _ = http.NewRequest(http.MethodGet, "http://"+addr+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer letmein")
	metricsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsResp.StatusCode)
	}
}

func TestShutdownRequest(t *testing.T) {
	cfg := testConfig(t)
	d, err := daemon.New(cfg, testsupport.NewMemoryEngine(protocol.NetworkTestNet), nil, daemon.Options{})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	d.RequestShutdown()
	d.RequestShutdown()
	select {
	case <-d.ShutdownRequested():
	default:
		t.Fatal("shutdown channel not closed")
	}
}
