package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"headless/internal/config"
	"headless/internal/logging"
)

func TestNewFromConfigWritesNamedLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg, "signer")
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "signer.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "daemon started") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerPrefixesComponent(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "component.log")
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "listener").Info("client connected", logging.String(logging.FieldClientID, "c1"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "INFO listener: client connected") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "client_id=c1") {
		t.Fatalf("expected client id field, got %q", line)
	}
}

func TestHandlersRedactSecrets(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logPath := filepath.Join(t.TempDir(), format+".log")
		logger, err := logging.New(logging.Options{Format: format, OutputPaths: []string{logPath}})
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", format, err)
		}
		logger.Info("password received",
			logging.String("password", "hunter2"),
			logging.String(logging.FieldAuthTicket, "ticket-value"),
		)
		content, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		if strings.Contains(string(content), "hunter2") || strings.Contains(string(content), "ticket-value") {
			t.Fatalf("%s handler leaked a secret: %q", format, content)
		}
	}
}

func TestJSONLoggerUsesShortKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("json message", logging.Uint32(logging.FieldRequestID, 7))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "json message" {
		t.Fatalf("unexpected json entry: %v", entry)
	}
	if entry[logging.FieldRequestID] != float64(7) {
		t.Fatalf("unexpected request id: %v", entry[logging.FieldRequestID])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleLoggerLeadsWithWalletAndClient(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "order.log")
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("signed",
		logging.String("txid", "ab"),
		logging.String(logging.FieldClientID, "c1"),
		logging.String(logging.FieldWalletID, "W1"),
	)
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "signed wallet_id=W1 client_id=c1 txid=ab") {
		t.Fatalf("unexpected field order: %q", content)
	}
}

func TestRedactsGroupedAndSuffixedSecrets(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "grouped.log")
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.WithGroup("req").Info("change",
		logging.String("old_password", "aaaa"),
		logging.Group("wallet", logging.String("seed", "bbbb"), logging.String("name", "main")),
	)
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if strings.Contains(line, "aaaa") || strings.Contains(line, "bbbb") {
		t.Fatalf("secret leaked: %q", line)
	}
	if !strings.Contains(line, "req.wallet.name=main") {
		t.Fatalf("expected grouped key, got %q", line)
	}
}

func TestLevelParsing(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")
	logger, err := logging.New(logging.Options{Level: "warn", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "hidden") || !strings.Contains(string(content), "shown") {
		t.Fatalf("unexpected output at warn level: %q", content)
	}
}

func TestPruneRunLogsKeepsCurrentAndFresh(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "signer-20200101T000000.000Z.log")
	currentPath := filepath.Join(dir, "signer-20200102T000000.000Z.log")
	freshPath := filepath.Join(dir, "signer-fresh.log")
	for _, p := range []string{oldPath, currentPath, freshPath} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	stale := time.Now().AddDate(0, 0, -10)
	for _, p := range []string{oldPath, currentPath} {
		if err := os.Chtimes(p, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if n := logging.PruneRunLogs(logging.NewNop(), dir, "signer-*.log", currentPath, 3); n != 1 {
		t.Fatalf("removed %d files, want 1", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected stale log to be removed, stat err=%v", err)
	}
	for _, p := range []string{currentPath, freshPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to remain: %v", p, err)
		}
	}
	if n := logging.PruneRunLogs(logging.NewNop(), dir, "signer-*.log", "", 0); n != 0 {
		t.Fatal("zero retention must not prune")
	}
}
