// Package daemonctl launches, finds and stops signer processes on the local
// host. Terminals use it to supervise a local signer; the signer CLI uses it
// to stop a running daemon.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"headless/internal/amount"
	"headless/internal/fileutil"
	"headless/internal/ipc"
	"headless/internal/protocol"
)

// LaunchOptions describes the command line of a local signer.
type LaunchOptions struct {
	Binary     string
	Network    protocol.NetworkType
	Listen     string
	Port       int
	WalletsDir string
	ConfigPath string
	// AutoSignLimit in satoshis; zero omits the flag.
	AutoSignLimit uint64
	Stdout        io.Writer
	Stderr        io.Writer
}

// Args renders the signer command line.
func Args(opts LaunchOptions) []string {
	args := []string{"--headless"}
	switch opts.Network {
	case protocol.NetworkMainNet:
		args = append(args, "--mainnet")
	default:
		args = append(args, "--testnet")
	}
	if opts.Listen != "" {
		args = append(args, "--listen", opts.Listen)
	}
	if opts.Port > 0 {
		args = append(args, "--port", strconv.Itoa(opts.Port))
	}
	if opts.WalletsDir != "" {
		args = append(args, "--dirwallets", opts.WalletsDir)
	}
	if opts.AutoSignLimit > 0 && opts.AutoSignLimit != amount.Unlimited {
		args = append(args, "--auto_sign_spend_limit", amount.FormatBTC(opts.AutoSignLimit))
	}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	return args
}

// Process is a signer started by Launch.
type Process struct {
	cmd     *exec.Cmd
	pidPath string
	done    chan struct{}
	err     error
}

// Launch starts a signer and records its pid at pidPath. The marker is
// removed when the process exits.
func Launch(opts LaunchOptions, pidPath string) (*Process, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("resolve signer binary: path is empty")
	}
	cmd := exec.Command(opts.Binary, Args(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch signer: %w", err)
	}
	if pidPath != "" {
		if err := WritePID(pidPath, cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("write pid marker: %w", err)
		}
	}
	p := &Process{cmd: cmd, pidPath: pidPath, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if p.pidPath != "" {
			if pid, err := ReadPID(p.pidPath); err == nil && pid == cmd.Process.Pid {
				_ = os.Remove(p.pidPath)
			}
		}
		close(p.done)
	}()
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop asks the process to terminate and kills it after grace.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal signer %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill signer %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

// WritePID records pid at path.
func WritePID(path string, pid int) error {
	return fileutil.WriteFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID parses a pid marker.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid marker %q is malformed", path)
	}
	return pid, nil
}

// Alive reports whether pid names a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillPrevious terminates the signer recorded at pidPath, if any, and removes
// the marker. It returns the pid it stopped, or zero.
func KillPrevious(pidPath string, grace time.Duration) (int, error) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		_ = os.Remove(pidPath)
		return 0, nil
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if !Alive(pid) {
		_ = os.Remove(pidPath)
		return 0, nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return 0, fmt.Errorf("terminate previous signer %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if Alive(pid) {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return 0, fmt.Errorf("kill previous signer %d: %w", pid, err)
		}
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return pid, fmt.Errorf("remove pid marker %q: %w", pidPath, err)
	}
	return pid, nil
}

// WaitForKey polls for the public key a signer publishes once it accepts
// connections.
func WaitForKey(ctx context.Context, path string, interval time.Duration, attempts int) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		data, err := os.ReadFile(path)
		if err == nil {
			if key := strings.TrimSpace(string(data)); key != "" {
				return key, nil
			}
			lastErr = fmt.Errorf("key file %q is empty", path)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", fmt.Errorf("signer did not publish its key: %w", lastErr)
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return true, 0, err
	}
	return true, status.PID, nil
}

// WaitForShutdown waits for daemon IPC to disappear.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		alive, _, err := ProcessInfo(socketPath)
		if err == nil && !alive {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("daemon still running")
		}
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for shutdown")
	}
	return fmt.Errorf("daemon did not stop: %w", lastErr)
}

// StopAndTerminate requests daemon stop and kills the process if it is still
// alive after gracePeriod.
func StopAndTerminate(socketPath, pidPath string, gracePeriod time.Duration) (StopResult, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, err := client.Status(); err == nil {
		pid = status.PID
	}
	resp, err := client.Stop()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, StopAcknowledged: resp.Stopped}

	if err := WaitForShutdown(socketPath, gracePeriod); err == nil {
		return result, nil
	}
	if pid > 0 && pid != os.Getpid() && Alive(pid) {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return result, fmt.Errorf("failed to stop daemon process: %w", err)
		}
		result.ForcedKill = true
	}
	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	return result, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
