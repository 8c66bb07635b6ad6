package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"headless/internal/client"
	"headless/internal/config"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/transport"
)

const defaultConnectTimeout = 10 * time.Second

type commandContext struct {
	configFlag  *string
	signerFlag  *string
	timeoutFlag *time.Duration
	verbose     *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, resolved, exists, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		if exists {
			c.configPath = resolved
		}
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	if c.verbose == nil || !*c.verbose {
		return logging.NewNop(), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: "debug", Format: cfg.Logging.Format, OutputPaths: []string{"stderr"}})
}

func (c *commandContext) address(cfg *config.Config) string {
	if addr := strings.TrimSpace(*c.signerFlag); addr != "" {
		return addr
	}
	return cfg.TerminalAddress()
}

func (c *commandContext) timeout() time.Duration {
	if c.timeoutFlag != nil && *c.timeoutFlag > 0 {
		return *c.timeoutFlag
	}
	return defaultConnectTimeout
}

// newTransport builds the client side of the configured transport. A signer
// certificate in the config is trusted as the only root.
func newTransport(cfg *config.Config) (transport.Client, error) {
	opts := transport.Options{TicketRequired: cfg.Signer.TicketRequired}
	if cfg.Signer.TLSCert != "" {
		pem, err := os.ReadFile(cfg.Signer.TLSCert)
		if err != nil {
			return nil, fmt.Errorf("read signer certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("signer certificate %s holds no PEM certificates", cfg.Signer.TLSCert)
		}
		opts.TLS = &tls.Config{RootCAs: pool, ServerName: cfg.Terminal.Host, MinVersion: tls.VersionTLS12}
	}
	switch cfg.Terminal.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocketClient(opts), nil
	default:
		return transport.NewTCPClient(opts), nil
	}
}

func clientOptions(cfg *config.Config, address string) (client.Options, error) {
	network, err := protocol.ParseNetwork(cfg.Terminal.Network)
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		Address:        address,
		Network:        network,
		RequestTimeout: time.Duration(cfg.Terminal.RequestTimeoutSeconds) * time.Second,
	}, nil
}

// session is one authenticated connection used by a single subcommand.
type session struct {
	signer *client.Signer
	sup    *client.Supervisor
	events *sessionObserver
}

func (s *session) Close() { s.sup.Close() }

// connect dials the signer and waits until the session is authenticated.
func (c *commandContext) connect(cmd *cobra.Command) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := clientOptions(cfg, c.address(cfg))
	if err != nil {
		return nil, err
	}

	sup := client.NewSupervisor(tr, opts, logger)
	events := newSessionObserver(cmd.ErrOrStderr())
	sup.AddObserver(events)
	signer := client.NewSigner(sup, logger)
	sup.Connect()

	if err := events.waitReady(cmd.Context(), c.timeout()); err != nil {
		sup.Close()
		return nil, fmt.Errorf("connect to signer at %s: %w", opts.Address, err)
	}
	return &session{signer: signer, sup: sup, events: events}, nil
}

func (c *commandContext) withSession(cmd *cobra.Command, fn func(*session) error) error {
	s, err := c.connect(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// requestContext bounds one request by the command timeout.
func (c *commandContext) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout())
}

// sessionObserver reports connection progress and surfaces unsolicited
// signer events on stderr.
type sessionObserver struct {
	client.NopObserver

	out   io.Writer
	ready chan error
	mu    sync.Mutex
}

func newSessionObserver(out io.Writer) *sessionObserver {
	return &sessionObserver{out: out, ready: make(chan error, 1)}
}

func (o *sessionObserver) Ready(err error) {
	select {
	case o.ready <- err:
	default:
	}
}

func (o *sessionObserver) PasswordRequested(req protocol.PasswordRequest) {
	o.printf("signer is waiting for the operator password of %s: %s\n", req.WalletID, req.Prompt)
}

func (o *sessionObserver) AutoSignStateChanged(state protocol.AutoSignActiveReply) {
	if state.Error != "" {
		o.printf("auto-sign for %s ended: %s\n", state.RootWalletID, state.Error)
		return
	}
	o.printf("auto-sign for %s is active=%t\n", state.RootWalletID, state.AutoSignActive)
}

func (o *sessionObserver) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, format, args...)
}

func (o *sessionObserver) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-o.ready:
		return err
	case <-timer.C:
		return errors.New("timed out waiting for authentication")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replyError turns an error string carried in a reply into an error.
func replyError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

