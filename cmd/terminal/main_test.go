package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"headless/internal/daemon"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/testsupport"
)

const testTxHash = "00000000000000000000000000000000000000000000000000000000000000aa"

type terminalTestEnv struct {
	daemon *daemon.Daemon
	addr   string
}

func setupTerminalTestEnv(t *testing.T) *terminalTestEnv {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t)
	cfg.Signer.Listen = "127.0.0.1"
	cfg.Signer.Port = 0
	cfg.Signer.TicketRequired = true

	engine := testsupport.NewMemoryEngine(protocol.NetworkTestNet)
	engine.AddRoot("W1", "pw", "leaf")

	d, err := daemon.New(cfg, engine, logging.NewNop(), daemon.Options{})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping terminal test: %v", err)
		}
		t.Fatalf("daemon Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = d.Close()
	})
	return &terminalTestEnv{daemon: d, addr: d.Addr()}
}

func runTerminal(t *testing.T, env *terminalTestEnv, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	prefix := []string{"--timeout", "5s"}
	if env != nil {
		prefix = append(prefix, "--signer", env.addr)
	}
	cmd.SetArgs(append(prefix, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, out)
	}
}

// answerPrompt plays the signer operator: it waits for the first pending
// prompt and answers it.
func answerPrompt(t *testing.T, d *daemon.Daemon, password string, cancelled bool) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if prompts := d.Prompts(); len(prompts) > 0 {
				result <- d.AnswerPassword(prompts[0].WalletID, password, cancelled)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		result <- context.DeadlineExceeded
	}()
	return result
}

func signArgs(extra ...string) []string {
	args := []string{"sign", "--wallet", "leaf", "--input", testTxHash + ":0:0.001", "--to", "dest:0.0005"}
	return append(args, extra...)
}

func TestStatusAuthenticatesWithTicket(t *testing.T) {
	env := setupTerminalTestEnv(t)

	out, _, err := runTerminal(t, env, "", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Network:      testnet")
	requireContains(t, out, "Auth ticket:  yes")

	out, _, err = runTerminal(t, env, "", "status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	requireContains(t, out, `"authTicket"`)
}

func TestWalletsAndInfo(t *testing.T) {
	env := setupTerminalTestEnv(t)

	out, _, err := runTerminal(t, env, "", "wallets")
	if err != nil {
		t.Fatalf("wallets: %v", err)
	}
	requireContains(t, out, "W1")

	out, _, err = runTerminal(t, env, "", "info", "W1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	requireContains(t, out, "Wallet:       W1")
	requireContains(t, out, "password")
	requireContains(t, out, "leaf")

	if _, _, err := runTerminal(t, env, "", "info", "nope"); err == nil {
		t.Fatal("expected an error for an unknown wallet")
	}
}

func TestSignWithOperatorPassword(t *testing.T) {
	env := setupTerminalTestEnv(t)

	answered := answerPrompt(t, env.daemon, "pw", false)
	out, _, err := runTerminal(t, env, "", signArgs()...)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := <-answered; err != nil {
		t.Fatalf("answer prompt: %v", err)
	}
	requireContains(t, out, hex.EncodeToString([]byte("signed:leaf")))
}

func TestSignWithPasswordFromStdin(t *testing.T) {
	env := setupTerminalTestEnv(t)

	out, _, err := runTerminal(t, env, "pw\n", signArgs("--ask-password")...)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	requireContains(t, out, hex.EncodeToString([]byte("signed:leaf")))

	if _, _, err := runTerminal(t, env, "wrong\n", signArgs("--ask-password")...); err == nil {
		t.Fatal("expected a wrong password to fail")
	}
}

func TestSignCancelledByOperator(t *testing.T) {
	env := setupTerminalTestEnv(t)

	answered := answerPrompt(t, env.daemon, "", true)
	out, _, err := runTerminal(t, env, "", signArgs()...)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := <-answered; err != nil {
		t.Fatalf("answer prompt: %v", err)
	}
	requireContains(t, out, "cancelled by the operator")
}

func TestSignRejectsMalformedRequest(t *testing.T) {
	cases := [][]string{
		{"sign", "--wallet", "leaf", "--input", "abc:0:0.1"},
		{"sign", "--wallet", "leaf", "--input", testTxHash + ":x:0.1"},
		{"sign", "--wallet", "leaf", "--input", testTxHash + ":0:0"},
		{"sign", "--wallet", "leaf", "--input", testTxHash + ":0:0.1", "--to", "dest"},
		{"sign", "--wallet", "leaf", "--input", testTxHash + ":0:0.1", "--to", "dest:0.2"},
	}
	for _, args := range cases {
		if _, _, err := runTerminal(t, nil, "", args...); err == nil {
			t.Fatalf("expected %v to be rejected", args)
		}
	}
}

func TestAutoSignOnOff(t *testing.T) {
	env := setupTerminalTestEnv(t)

	if _, _, err := runTerminal(t, env, "wrong\n", "autosign", "on", "W1"); err == nil {
		t.Fatal("expected a wrong password to leave auto-sign off")
	}
	out, _, err := runTerminal(t, env, "pw\n", "autosign", "on", "W1")
	if err != nil {
		t.Fatalf("autosign on: %v", err)
	}
	requireContains(t, out, "Auto-sign for W1: on")

	out, _, err = runTerminal(t, env, "", "autosign", "off", "W1")
	if err != nil {
		t.Fatalf("autosign off: %v", err)
	}
	requireContains(t, out, "Auto-sign for W1: off")

	if _, _, err := runTerminal(t, env, "", "autosign", "sometimes"); err == nil {
		t.Fatal("expected an unknown mode to fail")
	}
}

func TestExtendAddressChain(t *testing.T) {
	env := setupTerminalTestEnv(t)

	out, _, err := runTerminal(t, env, "", "extend", "leaf", "--count", "2")
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	requireContains(t, out, "leaf-0-")
	requireContains(t, out, "0/1")

	out, _, err = runTerminal(t, env, "", "extend", "leaf", "--internal")
	if err != nil {
		t.Fatalf("extend --internal: %v", err)
	}
	requireContains(t, out, "leaf-1-")
}

func TestConnectFailureReportsAddress(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	env := &terminalTestEnv{addr: "127.0.0.1:1"}
	_, _, err := runTerminal(t, env, "", "--timeout", "1s", "status")
	if err == nil || !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Fatalf("expected a connect error naming the address, got %v", err)
	}
}

func TestLocalStopWithoutSigner(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, _, err := runTerminal(t, nil, "", "local", "stop")
	if err != nil {
		t.Fatalf("local stop: %v", err)
	}
	requireContains(t, out, "No local signer running")
}

func TestLocalStartRequiresSignerBinary(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PATH", t.TempDir())
	_, _, err := runTerminal(t, nil, "", "local", "start")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected a missing binary error, got %v", err)
	}
}
