package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"headless/internal/amount"
	"headless/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved != filepath.Join(tempHome, ".config", "bssigner", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if want := filepath.Join(tempHome, ".local", "share", "bssigner", "wallets"); cfg.Paths.WalletsDir != want {
		t.Fatalf("unexpected wallets dir: got %q want %q", cfg.Paths.WalletsDir, want)
	}
	if cfg.SignerAddress() != "127.0.0.1:23456" {
		t.Fatalf("unexpected signer address %q", cfg.SignerAddress())
	}
	if !cfg.Signer.TicketRequired {
		t.Fatal("expected tickets required by default")
	}
	if cfg.Terminal.Network != "testnet" || cfg.Terminal.Port != 23456 {
		t.Fatalf("unexpected terminal defaults: %+v", cfg.Terminal)
	}
	autoSign, manual, err := cfg.SpendLimits()
	if err != nil {
		t.Fatalf("SpendLimits returned error: %v", err)
	}
	if autoSign != amount.Unlimited || manual != amount.Unlimited {
		t.Fatalf("expected unlimited budgets by default, got %d/%d", autoSign, manual)
	}
}

func TestLoadCustomConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.toml")

	cfg := config.Default()
	cfg.Signer.Network = "MainNet"
	cfg.Signer.Port = 24000
	cfg.Limits.AutoSignSpend = "0.25"
	cfg.Paths.WalletsDir = filepath.Join(dir, "wallets")
	cfg.Paths.StateDir = filepath.Join(dir, "state")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if loaded.Signer.Network != "mainnet" {
		t.Fatalf("expected normalized network, got %q", loaded.Signer.Network)
	}
	if loaded.PIDPath() != filepath.Join(dir, "state", "signer.pid") {
		t.Fatalf("unexpected pid path %q", loaded.PIDPath())
	}
	autoSign, _, err := loaded.SpendLimits()
	if err != nil {
		t.Fatalf("SpendLimits returned error: %v", err)
	}
	if autoSign != 25_000_000 {
		t.Fatalf("unexpected auto-sign limit %d", autoSign)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := map[string]string{
		"network":   "[signer]\nnetwork = \"dogecoin\"\n",
		"limit":     "[limits]\nauto_sign_spend = \"-1\"\n",
		"transport": "[signer]\ntransport = \"carrier-pigeon\"\n",
		"tls":       "[signer]\ntls_cert = \"/tmp/cert.pem\"\n",
		"unknown":   "[signer]\nbogus = 1\n",
		"ntfy":      "[operator]\nntfy_topic = \"ntfy.sh/topic\"\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, _, _, err := config.Load(path); err == nil {
			t.Fatalf("%s: expected Load to fail", name)
		}
	}
}

func TestEnvOverridesNetwork(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SIGNER_NETWORK", "regtest")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Signer.Network != "regtest" || cfg.Terminal.Network != "regtest" {
		t.Fatalf("expected env network override, got %q/%q", cfg.Signer.Network, cfg.Terminal.Network)
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(sample) returned error: %v", err)
	}
	if !exists || !strings.HasSuffix(cfg.WalletDBPath(), "wallets.db") {
		t.Fatalf("unexpected sample load: exists=%v db=%q", exists, cfg.WalletDBPath())
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WalletsDir = filepath.Join(base, "w")
	cfg.Paths.StateDir = filepath.Join(base, "s")
	cfg.Paths.LogDir = filepath.Join(base, "l")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.WalletsDir, cfg.Paths.StateDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
