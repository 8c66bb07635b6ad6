package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"headless/internal/autosign"
	"headless/internal/config"
	"headless/internal/host"
	"headless/internal/hwmonitor"
	"headless/internal/listener"
	"headless/internal/logging"
	"headless/internal/metrics"
	"headless/internal/protocol"
	"headless/internal/transport"
	"headless/internal/wallet"
)

// ErrNotRunning is returned by operations that need a started signer.
var ErrNotRunning = errors.New("signer is not running")

// Options carries process-level inputs the daemon does not create itself.
type Options struct {
	// SignerKey is the hex identity key announced in AuthenticationReply.
	SignerKey string
	// Registry receives the listener collectors; nil creates a private one.
	Registry *prometheus.Registry
}

// Daemon runs one signer: the transport server, the protocol listener, the
// operator prompt inbox and the optional hardware and status endpoints. A
// flock on the state directory keeps a second signer from sharing wallets.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  wallet.Engine
	opts    Options
	network protocol.NetworkType
	limits  autosign.Limits

	lockPath string
	lock     *flock.Flock
	registry *prometheus.Registry
	metrics  *metrics.Listener
	inbox    *host.Inbox

	mu        sync.Mutex
	server    transport.Server
	listener  *listener.Listener
	hw        *hwmonitor.Monitor
	status    *statusServer
	serveDone chan struct{}
	startedAt time.Time
	cancel    context.CancelFunc

	running      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Status represents daemon runtime information.
type Status struct {
	Running           bool          `json:"running"`
	PID               int           `json:"pid"`
	Network           string        `json:"network"`
	Address           string        `json:"address,omitempty"`
	Transport         string        `json:"transport"`
	TicketRequired    bool          `json:"ticket_required"`
	WatchingOnly      bool          `json:"watching_only"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	Clients           []string      `json:"clients,omitempty"`
	Peers             []string      `json:"peers,omitempty"`
	AutoSignLimit     uint64        `json:"auto_sign_limit"`
	ManualLimit       uint64        `json:"manual_limit"`
	AutoSignRemaining uint64        `json:"auto_sign_remaining"`
	ManualRemaining   uint64        `json:"manual_remaining"`
	ActiveWallets     []string      `json:"active_wallets,omitempty"`
	Outstanding       []string      `json:"outstanding,omitempty"`
	QueueDepth        int           `json:"queue_depth"`
	Wallets           int           `json:"wallets"`
	Prompts           int           `json:"prompts"`
	Activity          host.Activity `json:"activity"`
	LockFilePath      string        `json:"lock_file"`
}

// New validates cfg and prepares a daemon; nothing is bound until Start.
func New(cfg *config.Config, engine wallet.Engine, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || engine == nil {
		return nil, errors.New("daemon requires config and wallet engine")
	}
	network, err := protocol.ParseNetwork(cfg.Signer.Network)
	if err != nil {
		return nil, err
	}
	autoSignLimit, manualLimit, err := cfg.SpendLimits()
	if err != nil {
		return nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		engine:   engine,
		opts:     opts,
		network:  network,
		limits:   autosign.Limits{AutoSignSpend: autoSignLimit, ManualSpend: manualLimit},
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		registry: registry,
		shutdown: make(chan struct{}),
	}
	d.metrics = metrics.NewListener(registry, d.queueDepth)
	d.inbox = host.NewInbox(d, logger)
	return d, nil
}

func (d *Daemon) queueDepth() int {
	d.mu.Lock()
	l := d.listener
	d.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.QueueDepth()
}

// Start acquires the signer lock, binds the transport and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another signer instance is already running for this state directory")
	}

	server, err := d.newServer()
	if err != nil {
		_ = d.lock.Unlock()
		return err
	}
	l, err := listener.New(d.engine, server, listener.Options{
		Network:      d.network,
		WatchingOnly: d.cfg.Signer.WatchingOnly,
		Limits:       d.limits,
		SignerKey:    d.opts.SignerKey,
		TicketTTL:    time.Duration(d.cfg.Signer.TicketTTLSeconds) * time.Second,
		Metrics:      d.metrics,
	}, d.logger)
	if err != nil {
		_ = server.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("create listener: %w", err)
	}
	l.SetCallbacks(d.inbox)

	runCtx, cancel := context.WithCancel(ctx)
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := server.Serve(runCtx, l); err != nil {
			d.logger.Error("transport server stopped",
				logging.Error(err),
				logging.String(logging.FieldEventType, "transport_serve_failed"),
				logging.String(logging.FieldErrorHint, "check the listen address and TLS material"),
			)
		}
	}()

	hw := hwmonitor.New(d.cfg, l, d.logger)
	if err := hw.Start(runCtx); err != nil {
		d.logger.Warn("hardware monitor failed to start",
			logging.Error(err),
			logging.String(logging.FieldEventType, "hwmonitor_start_failed"),
			logging.String(logging.FieldErrorHint, "check udev access"),
			logging.String(logging.FieldImpact, "hardware wallets are not announced"),
		)
	}

	status := newStatusServer(d.cfg, d, d.logger)
	if err := status.start(runCtx); err != nil {
		d.logger.Warn("status endpoint unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "status_server_failed"),
			logging.String(logging.FieldErrorHint, "check metrics.bind"),
			logging.String(logging.FieldImpact, "metrics are not exported"),
		)
		status = nil
	}

	d.mu.Lock()
	d.server = server
	d.listener = l
	d.hw = hw
	d.status = status
	d.serveDone = serveDone
	d.cancel = cancel
	d.startedAt = time.Now()
	d.mu.Unlock()
	d.running.Store(true)

	d.logger.Info("signer daemon started",
		logging.String("address", server.Addr()),
		logging.String("transport", d.cfg.Signer.Transport),
		logging.String(logging.FieldNetwork, d.network.String()),
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) newServer() (transport.Server, error) {
	opts := transport.Options{TicketRequired: d.cfg.Signer.TicketRequired}
	if d.cfg.Signer.TLSCert != "" && d.cfg.Signer.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(d.cfg.Signer.TLSCert, d.cfg.Signer.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		opts.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	address := d.cfg.SignerAddress()
	if d.cfg.Signer.Transport == config.TransportWebSocket {
		server, err := transport.ListenWebSocket(address, opts, d.logger)
		if err != nil {
			return nil, err
		}
		return server, nil
	}
	server, err := transport.ListenTCP(address, opts, d.logger)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Stop disconnects every terminal, closes the transport and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	server, l, hw, status := d.server, d.listener, d.hw, d.status
	serveDone, cancel := d.serveDone, d.cancel
	d.server, d.listener, d.hw, d.status = nil, nil, nil, nil
	d.serveDone, d.cancel = nil, nil
	d.mu.Unlock()

	hw.Stop()
	status.stop()
	l.Close()
	_ = server.Close()
	if cancel != nil {
		cancel()
	}
	if serveDone != nil {
		<-serveDone
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release signer lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if the next start fails"),
		)
	}
	d.running.Store(false)
	d.logger.Info("signer daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon. The wallet engine belongs to the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// RequestShutdown asks the hosting process to exit.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}

// ShutdownRequested is closed once RequestShutdown is called.
func (d *Daemon) ShutdownRequested() <-chan struct{} { return d.shutdown }

// Inbox exposes the operator prompt inbox, e.g. for a console prompter.
func (d *Daemon) Inbox() *host.Inbox { return d.inbox }

// Registry is the Prometheus registry the daemon exports.
func (d *Daemon) Registry() *prometheus.Registry { return d.registry }

// Addr reports the bound transport address, or "" when stopped.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// StatusAddr reports the bound status endpoint, or "" when disabled.
func (d *Daemon) StatusAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Addr()
}

func (d *Daemon) current() (*listener.Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil, ErrNotRunning
	}
	return d.listener, nil
}

// PasswordReceived forwards a password from the inbox to the listener.
func (d *Daemon) PasswordReceived(walletID string, secret []byte, cancelled bool) {
	l, err := d.current()
	if err != nil {
		d.logger.Warn("password answered while stopped",
			logging.String(logging.FieldWalletID, walletID),
			logging.String(logging.FieldEventType, "password_dropped"),
			logging.String(logging.FieldImpact, "the request that asked for it has already failed"),
		)
		return
	}
	l.PasswordReceived(walletID, secret, cancelled)
}

// Prompts lists password requests waiting for the operator.
func (d *Daemon) Prompts() []host.Prompt { return d.inbox.Prompts() }

// AnswerPassword answers a pending prompt.
func (d *Daemon) AnswerPassword(walletID, password string, cancelled bool) error {
	return d.inbox.Answer(walletID, []byte(password), cancelled)
}

// SetAutoSign switches unattended signing for walletID's root. An empty
// walletID means the primary wallet when enabling and every wallet when
// disabling.
func (d *Daemon) SetAutoSign(walletID string, enable bool, password string) (string, error) {
	l, err := d.current()
	if err != nil {
		return "", err
	}
	if !enable {
		l.DeactivateAutoSign(walletID, "deactivated by operator")
		return walletID, nil
	}
	return l.ActivateAutoSign(walletID, []byte(password))
}

// Wallets lists root wallets.
func (d *Daemon) Wallets() []wallet.Info { return d.engine.Roots() }

// CreateWallet adds a root wallet and tells terminals to refresh.
func (d *Daemon) CreateWallet(ctx context.Context, req protocol.NewHDWallet, password string) (wallet.Info, error) {
	if d.cfg.Signer.WatchingOnly {
		return wallet.Info{}, fmt.Errorf("%w: signer runs watching-only", protocol.ErrWatchingOnly)
	}
	req.NetType = d.network
	data := protocol.PasswordData{}
	if password != "" {
		data.Password = protocol.EncodeSecret([]byte(password))
		data.EncType = protocol.EncryptionPassword
	}
	info, err := d.engine.CreateHDWallet(ctx, req, data)
	if err != nil {
		return wallet.Info{}, err
	}
	d.logger.Info("wallet created by operator",
		logging.String(logging.FieldWalletID, info.ID),
		logging.String("name", info.Name),
		logging.String(logging.FieldEventType, "wallet_created"),
	)
	if l, err := d.current(); err == nil {
		l.WalletsListUpdated()
	}
	return info, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	st := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		Network:        d.network.String(),
		Transport:      d.cfg.Signer.Transport,
		TicketRequired: d.cfg.Signer.TicketRequired,
		WatchingOnly:   d.cfg.Signer.WatchingOnly,
		AutoSignLimit:  d.limits.AutoSignSpend,
		ManualLimit:    d.limits.ManualSpend,
		LockFilePath:   d.lockPath,
	}
	d.mu.Lock()
	l := d.listener
	if d.server != nil {
		st.Address = d.server.Addr()
	}
	st.StartedAt = d.startedAt
	d.mu.Unlock()
	if l != nil {
		// Listener status runs on the dispatch queue, so callbacks queued
		// before it have reached the inbox by the time it returns.
		ls := l.Status()
		st.Clients = ls.Clients
		st.Peers = ls.Peers
		st.AutoSignRemaining = ls.AutoSign.AutoSignRemaining
		st.ManualRemaining = ls.AutoSign.ManualRemaining
		st.ActiveWallets = ls.AutoSign.ActiveWallets
		st.Outstanding = ls.Outstanding
		st.QueueDepth = ls.QueueDepth
	}
	st.Wallets = len(d.engine.Roots())
	st.Prompts = len(d.inbox.Prompts())
	st.Activity = d.inbox.Activity()
	return st
}
