package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"headless/internal/amount"
)

//go:embed sample_config.toml
var sampleConfig string

// Transport names accepted in signer.transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Signer contains the listening side of the headless signer.
type Signer struct {
	Network          string `toml:"network"`
	Listen           string `toml:"listen"`
	Port             int    `toml:"port"`
	Transport        string `toml:"transport"`
	TicketRequired   bool   `toml:"ticket_required"`
	TicketTTLSeconds int    `toml:"ticket_ttl_seconds"`
	WatchingOnly     bool   `toml:"watching_only"`
	TLSCert          string `toml:"tls_cert"`
	TLSKey           string `toml:"tls_key"`
}

// Limits are decimal BTC strings. An empty value means unlimited.
type Limits struct {
	AutoSignSpend string `toml:"auto_sign_spend"`
	ManualSpend   string `toml:"manual_spend"`
}

// Paths contains on-disk locations. StateDir holds the lock, pid marker,
// identity key, and operator socket.
type Paths struct {
	WalletsDir string `toml:"wallets_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
}

// Operator controls how password prompts reach a human on the signer host.
// NtfyTopic, a full topic URL, also pushes prompts and auto-sign changes to
// the operator's phone.
type Operator struct {
	ConsolePrompts     bool   `toml:"console_prompts"`
	NtfyTopic          string `toml:"ntfy_topic"`
	NtfyTimeoutSeconds int    `toml:"ntfy_timeout_seconds"`
}

// Metrics exposes Prometheus collectors and a JSON status page over HTTP
// when Bind is set. A non-empty Token requires "Authorization: Bearer".
type Metrics struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Hardware enables USB hotplug detection of hardware wallets.
type Hardware struct {
	Enabled   bool     `toml:"enabled"`
	VendorIDs []string `toml:"vendor_ids"`
}

// Terminal configures the client side.
type Terminal struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	Network               string `toml:"network"`
	Transport             string `toml:"transport"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	ReconnectSeconds      int    `toml:"reconnect_seconds"`
	LocalSigner           bool   `toml:"local_signer"`
	SignerBinary          string `toml:"signer_binary"`
	KeyWaitMillis         int    `toml:"key_wait_millis"`
}

// Logging configures log format, level, and retention.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the signer and terminal.
type Config struct {
	Signer   Signer   `toml:"signer"`
	Limits   Limits   `toml:"limits"`
	Paths    Paths    `toml:"paths"`
	Operator Operator `toml:"operator"`
	Metrics  Metrics  `toml:"metrics"`
	Hardware Hardware `toml:"hardware"`
	Terminal Terminal `toml:"terminal"`
	Logging  Logging  `toml:"logging"`
}

const defaultConfigPath = "~/.config/bssigner/config.toml"

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

// EnsureDirectories creates the directories the signer writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WalletsDir, c.Paths.StateDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SignerAddress is the host:port the signer listens on.
func (c *Config) SignerAddress() string {
	return net.JoinHostPort(c.Signer.Listen, strconv.Itoa(c.Signer.Port))
}

// TerminalAddress is the host:port the terminal dials.
func (c *Config) TerminalAddress() string {
	return net.JoinHostPort(c.Terminal.Host, strconv.Itoa(c.Terminal.Port))
}

// LockPath guards against two signers sharing a state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "signer.lock")
}

// PIDPath is the marker a terminal uses to find a previously launched signer.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "signer.pid")
}

// SocketPath is the operator control socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "signer.sock")
}

// IdentityKeyPath holds the signer's private identity key.
func (c *Config) IdentityKeyPath() string {
	return filepath.Join(c.Paths.StateDir, "signer.key")
}

// PublicKeyPath is published once the signer is ready to accept connections.
func (c *Config) PublicKeyPath() string {
	return filepath.Join(c.Paths.StateDir, "signer.pub")
}

// WalletDBPath is the sqlite database holding wallets.
func (c *Config) WalletDBPath() string {
	return filepath.Join(c.Paths.WalletsDir, "wallets.db")
}

// SpendLimits returns the auto-sign and manual budgets in satoshis.
func (c *Config) SpendLimits() (autoSign uint64, manual uint64, err error) {
	if autoSign, err = amount.ParseLimit(c.Limits.AutoSignSpend); err != nil {
		return 0, 0, fmt.Errorf("limits.auto_sign_spend: %w", err)
	}
	if manual, err = amount.ParseLimit(c.Limits.ManualSpend); err != nil {
		return 0, 0, fmt.Errorf("limits.manual_spend: %w", err)
	}
	return autoSign, manual, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
