package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"headless/internal/config"
	"headless/internal/daemon"
	"headless/internal/daemonctl"
	"headless/internal/host"
	"headless/internal/ipc"
	"headless/internal/logging"
	"headless/internal/metrics"
	"headless/internal/notifications"
	"headless/internal/preflight"
	"headless/internal/walletdb"
)

// Options configures signer process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Headless disables the console prompter even on a terminal.
	Headless bool
}

// Run starts the signer and blocks until a signal or an IPC stop request.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("signer-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update signer.log link: %v\n", err)
	}
	logging.PruneRunLogs(logger, cfg.Paths.LogDir, "signer-*.log", logPath, cfg.Logging.RetentionDays)

	if err := runPreflight(signalCtx, cfg, logger); err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if err := daemonctl.WritePID(pidPath, os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer removePIDFile(pidPath)

	identity, err := LoadOrCreateIdentity(cfg.IdentityKeyPath())
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}

	store, err := walletdb.Open(cfg, logger)
	if err != nil {
		logger.Error("open wallet database", logging.Error(err))
		return err
	}
	defer store.Close()

	d, err := daemon.New(cfg, store, logger, daemon.Options{
		SignerKey: identity.PublicHex(),
		Registry:  metrics.NewRegistry(),
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	alerts := notifications.NewAlerts(notifications.NewService(cfg), logger)
	defer alerts.Close()
	d.Inbox().SetAlerts(alerts)

	if err := d.Start(signalCtx); err != nil {
		alerts.Failure("signer start", err)
		logging.ErrorWithContext(logger, "signer start failed", "signer_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the listen address and that no other signer owns the state directory"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	publicKeyPath := cfg.PublicKeyPath()
	if err := identity.Publish(publicKeyPath); err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	defer os.Remove(publicKeyPath)

	logger.Info("signer ready",
		logging.String(logging.FieldEventType, "signer_ready"),
		logging.String("address", d.Addr()),
		logging.String(logging.FieldNetwork, cfg.Signer.Network),
		logging.String("socket", cfg.SocketPath()),
		logging.String("public_key", identity.PublicHex()),
	)
	alerts.SignerStarted(cfg.Signer.Network, d.Addr())

	if cfg.Operator.ConsolePrompts && !opts.Headless && host.Interactive(os.Stdin) {
		console := host.NewConsole(d.Inbox(), os.Stdin, os.Stdout, logger)
		go func() {
			if err := console.Run(signalCtx); err != nil {
				logging.WarnWithContext(logger, "console prompter stopped", "console_prompter_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "password prompts must be answered over IPC"),
				)
			}
		}()
	}

	select {
	case <-signalCtx.Done():
	case <-d.ShutdownRequested():
	}
	logger.Info("signer shutting down", logging.String(logging.FieldEventType, "signer_shutdown"))
	d.Stop()
	return nil
}

// runPreflight logs every check and fails when a required one did not pass.
func runPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	results := preflight.RunAll(ctx, cfg)
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed", logging.String("check", r.Name), logging.String("detail", r.Detail))
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.Bool("required", r.Required),
		)
	}
	if failed := preflight.Failed(results); len(failed) > 0 {
		return fmt.Errorf("preflight: %s: %s", failed[0].Name, failed[0].Detail)
	}
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "signer.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

// removePIDFile leaves the marker alone when a newer signer has replaced it.
func removePIDFile(path string) {
	if pid, err := daemonctl.ReadPID(path); err == nil && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}
