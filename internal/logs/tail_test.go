package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"headless/internal/logs"
)

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) emit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestTailLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	var got collector
	if err := logs.Tail(context.Background(), path, logs.TailOptions{Lines: 2}, got.emit); err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	lines := got.snapshot()
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.log")
	if err := logs.Tail(context.Background(), path, logs.TailOptions{Lines: 5}, func(string) {}); err == nil {
		t.Fatal("expected an error for a missing log without --follow")
	}
}

func TestTailFiltersByWallet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.log")
	content := "2026-01-01T00:00:00Z INFO listener: signed wallet_id=W1 event_type=tx_signed\n" +
		"2026-01-01T00:00:01Z INFO listener: signed wallet_id=W10 event_type=tx_signed\n" +
		`{"msg":"auto-sign on","wallet_id":"W1","event_type":"autosign_activated"}` + "\n" +
		`{"msg":"auto-sign on","wallet_id":"W2","event_type":"autosign_activated"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	var got collector
	opts := logs.TailOptions{Lines: 10, Filter: logs.Filter{WalletID: "W1"}}
	if err := logs.Tail(context.Background(), path, opts, got.emit); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if lines := got.snapshot(); len(lines) != 2 {
		t.Fatalf("expected the two W1 lines, got %#v", lines)
	}

	f := logs.Filter{WalletID: "W1", EventType: "autosign_activated"}
	if f.Match("2026-01-01T00:00:00Z INFO listener: signed wallet_id=W1 event_type=tx_signed") {
		t.Fatal("event filter should reject a different event")
	}
	if !(logs.Filter{}).Match("anything") {
		t.Fatal("empty filter should match everything")
	}
}

func TestTailFollowPicksUpAppendsAndReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.log")
	if err := os.WriteFile(path, []byte("start\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got collector
	done := make(chan error, 1)
	go func() {
		done <- logs.Tail(ctx, path, logs.TailOptions{Lines: 1, Follow: true, Poll: 10 * time.Millisecond}, got.emit)
	}()

	waitFor(t, &got, 1)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("later\npartial"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()
	waitFor(t, &got, 2)

	// A restarted signer points signer.log at a new run file.
	next := filepath.Join(dir, "signer-next.log")
	if err := os.WriteFile(next, []byte("fresh\n"), 0o644); err != nil {
		t.Fatalf("write next log: %v", err)
	}
	if err := os.Rename(next, path); err != nil {
		t.Fatalf("replace log: %v", err)
	}
	waitFor(t, &got, 3)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow returned error: %v", err)
	}
	lines := got.snapshot()
	if lines[0] != "start" || lines[1] != "later" || lines[2] != "fresh" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
}

func waitFor(t *testing.T, c *collector, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %#v", n, c.snapshot())
}
