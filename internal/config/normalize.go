package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSigner()
	c.normalizeTerminal()
	c.normalizeHardware()
	c.normalizeLogging()
	c.Operator.NtfyTopic = strings.TrimSpace(c.Operator.NtfyTopic)
	if c.Operator.NtfyTimeoutSeconds <= 0 {
		c.Operator.NtfyTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
	return nil
}

func (c *Config) applyEnv() {
	if value, ok := os.LookupEnv("SIGNER_NETWORK"); ok && strings.TrimSpace(value) != "" {
		c.Signer.Network = value
		c.Terminal.Network = value
	}
	if value, ok := os.LookupEnv("SIGNER_WALLETS_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.WalletsDir = value
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WalletsDir) == "" {
		c.Paths.WalletsDir = defaultWalletsDir
	}
	if c.Paths.WalletsDir, err = expandPath(c.Paths.WalletsDir); err != nil {
		return fmt.Errorf("paths.wallets_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Signer.TLSCert, err = expandPath(strings.TrimSpace(c.Signer.TLSCert)); err != nil {
		return fmt.Errorf("signer.tls_cert: %w", err)
	}
	if c.Signer.TLSKey, err = expandPath(strings.TrimSpace(c.Signer.TLSKey)); err != nil {
		return fmt.Errorf("signer.tls_key: %w", err)
	}
	return nil
}

func (c *Config) normalizeSigner() {
	c.Signer.Network = strings.ToLower(strings.TrimSpace(c.Signer.Network))
	if c.Signer.Network == "" {
		c.Signer.Network = defaultNetwork
	}
	c.Signer.Listen = strings.TrimSpace(c.Signer.Listen)
	if c.Signer.Listen == "" {
		c.Signer.Listen = defaultListen
	}
	c.Signer.Transport = strings.ToLower(strings.TrimSpace(c.Signer.Transport))
	if c.Signer.Transport == "" {
		c.Signer.Transport = defaultTransport
	}
	if c.Signer.TicketTTLSeconds <= 0 {
		c.Signer.TicketTTLSeconds = defaultTicketTTLSeconds
	}
	c.Limits.AutoSignSpend = strings.TrimSpace(c.Limits.AutoSignSpend)
	c.Limits.ManualSpend = strings.TrimSpace(c.Limits.ManualSpend)
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	c.Metrics.Token = strings.TrimSpace(c.Metrics.Token)
}

func (c *Config) normalizeTerminal() {
	c.Terminal.Host = strings.TrimSpace(c.Terminal.Host)
	if c.Terminal.Host == "" {
		c.Terminal.Host = defaultListen
	}
	c.Terminal.Network = strings.ToLower(strings.TrimSpace(c.Terminal.Network))
	if c.Terminal.Network == "" {
		c.Terminal.Network = c.Signer.Network
	}
	c.Terminal.Transport = strings.ToLower(strings.TrimSpace(c.Terminal.Transport))
	if c.Terminal.Transport == "" {
		c.Terminal.Transport = c.Signer.Transport
	}
	if c.Terminal.Port == 0 {
		c.Terminal.Port = c.Signer.Port
	}
	c.Terminal.SignerBinary = strings.TrimSpace(c.Terminal.SignerBinary)
	if c.Terminal.SignerBinary == "" {
		c.Terminal.SignerBinary = defaultSignerBinary
	}
	if c.Terminal.KeyWaitMillis <= 0 {
		c.Terminal.KeyWaitMillis = defaultKeyWaitMillis
	}
}

func (c *Config) normalizeHardware() {
	ids := c.Hardware.VendorIDs[:0]
	for _, id := range c.Hardware.VendorIDs {
		if trimmed := strings.ToLower(strings.TrimSpace(id)); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	c.Hardware.VendorIDs = ids
	if len(c.Hardware.VendorIDs) == 0 {
		c.Hardware.VendorIDs = append([]string(nil), defaultHardwareVendorIDs...)
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
