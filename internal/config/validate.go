package config

import (
	"errors"
	"fmt"
	"net/url"

	"headless/internal/protocol"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSigner(); err != nil {
		return err
	}
	if _, _, err := c.SpendLimits(); err != nil {
		return err
	}
	if err := c.validateTerminal(); err != nil {
		return err
	}
	if err := c.validateOperator(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateOperator() error {
	if c.Operator.NtfyTopic == "" {
		return nil
	}
	u, err := url.Parse(c.Operator.NtfyTopic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("operator.ntfy_topic %q must be an http(s) topic URL", c.Operator.NtfyTopic)
	}
	return nil
}

func (c *Config) validateSigner() error {
	if _, err := protocol.ParseNetwork(c.Signer.Network); err != nil {
		return fmt.Errorf("signer.network: %w", err)
	}
	if c.Signer.Port <= 0 || c.Signer.Port > 65535 {
		return fmt.Errorf("signer.port %d out of range", c.Signer.Port)
	}
	if err := validateTransport("signer.transport", c.Signer.Transport); err != nil {
		return err
	}
	if (c.Signer.TLSCert == "") != (c.Signer.TLSKey == "") {
		return errors.New("signer.tls_cert and signer.tls_key must be set together")
	}
	return nil
}

func (c *Config) validateTerminal() error {
	if _, err := protocol.ParseNetwork(c.Terminal.Network); err != nil {
		return fmt.Errorf("terminal.network: %w", err)
	}
	if c.Terminal.Port <= 0 || c.Terminal.Port > 65535 {
		return fmt.Errorf("terminal.port %d out of range", c.Terminal.Port)
	}
	if c.Terminal.RequestTimeoutSeconds < 0 {
		return errors.New("terminal.request_timeout_seconds must be >= 0")
	}
	if c.Terminal.ReconnectSeconds < 0 {
		return errors.New("terminal.reconnect_seconds must be >= 0")
	}
	return validateTransport("terminal.transport", c.Terminal.Transport)
}

func validateTransport(key, value string) error {
	switch value {
	case TransportTCP, TransportWebSocket:
		return nil
	default:
		return fmt.Errorf("%s: unsupported value %q", key, value)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}
