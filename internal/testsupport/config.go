package testsupport

import (
	"path/filepath"
	"testing"

	"headless/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WalletsDir = filepath.Join(base, "wallets")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Signer.Port = 1
	cfgVal.Terminal.Port = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithNetwork sets both the signer and terminal network.
func WithNetwork(network string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Signer.Network = network
		b.cfg.Terminal.Network = network
	}
}

// WithWatchingOnly marks the signer as holding no key material.
func WithWatchingOnly() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Signer.WatchingOnly = true
	}
}

// WithLimits sets decimal BTC spend limits.
func WithLimits(autoSign, manual string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Limits.AutoSignSpend = autoSign
		b.cfg.Limits.ManualSpend = manual
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WalletsDir)
}
