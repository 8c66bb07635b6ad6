package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"headless/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckReadable(t *testing.T) {
	f := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(f, []byte("cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if r := CheckReadable("cert", f); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	if r := CheckReadable("cert", filepath.Dir(f)); r.Passed {
		t.Fatal("expected failure for a directory")
	}
	if r := CheckReadable("cert", ""); r.Passed {
		t.Fatal("expected failure for an empty path")
	}
}

func TestCheckListenAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()

	if r := CheckListenAddress("listen", ln.Addr().String()); r.Passed {
		t.Fatal("expected failure for an address in use")
	}
	addr := ln.Addr().String()
	ln.Close()
	if r := CheckListenAddress("listen", addr); !r.Passed {
		t.Fatalf("expected pass for a released address, got: %s", r.Detail)
	}
}

func TestCheckNtfy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.URL.Path == "/private" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if r := CheckNtfy(context.Background(), srv.URL+"/signer"); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	if r := CheckNtfy(context.Background(), srv.URL+"/private"); r.Passed {
		t.Fatal("expected failure for a forbidden topic")
	}
	if r := CheckNtfy(context.Background(), ""); r.Passed {
		t.Fatal("expected failure for a missing topic")
	}
}

func TestCheckBinary(t *testing.T) {
	if r := CheckBinary("sh", "sh"); !r.Passed {
		t.Fatalf("expected sh on PATH, got: %s", r.Detail)
	}
	if r := CheckBinary("missing", "definitely-not-a-signer-binary"); r.Passed {
		t.Fatal("expected failure for a missing binary")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Signer.Port = 0

	results := RunAll(context.Background(), cfg)
	// Wallets, state, and log directories only.
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed || !r.Required {
			t.Errorf("check %q: passed=%v required=%v (%s)", r.Name, r.Passed, r.Required, r.Detail)
		}
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_OptionalNtfyFailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Signer.Port = 0
	cfg.Operator.NtfyTopic = srv.URL + "/signer"

	results := RunAll(context.Background(), cfg)
	found := false
	for _, r := range results {
		if r.Name == "ntfy" {
			found = true
			if r.Passed || r.Required {
				t.Fatalf("ntfy result = %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("expected ntfy check in results")
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("optional failure blocked startup: %+v", failed)
	}
}

func TestRunAll_MissingDirectoryIsRequired(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Signer.Port = 0
	cfg.Paths.WalletsDir = filepath.Join(t.TempDir(), "gone")

	failed := Failed(RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Wallets directory" {
		t.Fatalf("failed = %+v", failed)
	}
}
