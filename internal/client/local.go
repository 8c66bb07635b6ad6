package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"headless/internal/daemonctl"
	"headless/internal/logging"
	"headless/internal/transport"
)

const keyPollInterval = 250 * time.Millisecond

// LocalOptions configures a signer process owned by the terminal.
type LocalOptions struct {
	Launch  daemonctl.LaunchOptions
	PIDPath string
	// KeyPath is where the signer publishes its identity key when ready.
	KeyPath   string
	KeyWait   time.Duration
	StopGrace time.Duration
}

// LocalSigner starts a signer subprocess and connects to it once the process
// has published its identity key. A launch failure is reported to observers
// as a failed Ready so callers never wait on a signer that will not come up.
type LocalSigner struct {
	*Supervisor

	local  LocalOptions
	logger *slog.Logger

	mu   sync.Mutex
	proc *daemonctl.Process
	wg   sync.WaitGroup
}

// NewLocalSigner prepares a local signer; call Start to launch it.
func NewLocalSigner(tr transport.Client, opts Options, local LocalOptions, logger *slog.Logger) *LocalSigner {
	if local.KeyWait <= 0 {
		local.KeyWait = 10 * keyPollInterval
	}
	if local.StopGrace <= 0 {
		local.StopGrace = 5 * time.Second
	}
	return &LocalSigner{
		Supervisor: NewSupervisor(tr, opts, logger),
		local:      local,
		logger:     logging.NewComponentLogger(logger, "local-signer"),
	}
}

// Start launches the signer in the background and returns immediately.
func (l *LocalSigner) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		key, err := l.launch(ctx)
		if err != nil {
			logging.ErrorWithContext(l.logger, "local signer failed to start", "local_signer_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check signer_binary and the signer log"),
				logging.String(logging.FieldImpact, "terminal has no signer"),
			)
			l.queue.Post(func() { l.reportReady(err) })
			return
		}
		l.queue.Post(func() {
			l.opts.SignerKey = key
			l.wantOnline = true
			l.open()
		})
	}()
}

func (l *LocalSigner) launch(ctx context.Context) (string, error) {
	if pid, err := daemonctl.KillPrevious(l.local.PIDPath, l.local.StopGrace); err != nil {
		return "", err
	} else if pid > 0 {
		l.logger.Info("stopped previous signer instance",
			logging.Int("pid", pid),
			logging.String(logging.FieldEventType, "local_signer_replaced"),
		)
	}

	proc, err := daemonctl.Launch(l.local.Launch, l.local.PIDPath)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.proc = proc
	l.mu.Unlock()
	l.logger.Info("local signer launched",
		logging.Int("pid", proc.PID()),
		logging.String("binary", l.local.Launch.Binary),
		logging.String(logging.FieldEventType, "local_signer_launched"),
	)

	attempts := int(l.local.KeyWait / keyPollInterval)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	key, err := daemonctl.WaitForKey(waitCtx, l.local.KeyPath, keyPollInterval, attempts)
	if err != nil {
		if exitErr := proc.Err(); exitErr != nil {
			return "", fmt.Errorf("signer exited: %w", exitErr)
		}
		_ = proc.Stop(l.local.StopGrace)
		return "", err
	}
	return key, nil
}

// Close disconnects and stops the subprocess.
func (l *LocalSigner) Close() {
	l.wg.Wait()
	l.Supervisor.Close()
	l.mu.Lock()
	proc := l.proc
	l.proc = nil
	l.mu.Unlock()
	if proc != nil {
		if err := proc.Stop(l.local.StopGrace); err != nil {
			l.logger.Warn("local signer did not stop cleanly",
				logging.Error(err),
				logging.String(logging.FieldEventType, "local_signer_stop_failed"),
				logging.String(logging.FieldErrorHint, "kill the signer process manually"),
			)
		}
	}
}
