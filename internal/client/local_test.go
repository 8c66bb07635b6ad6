package client_test

import (
	"context"
	"path/filepath"
	"testing"

	"headless/internal/client"
	"headless/internal/daemonctl"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/transport"
)

func TestLocalSignerLaunchFailureReportsReady(t *testing.T) {
	dir := t.TempDir()
	server := transport.NewInprocServer(false)
	defer server.Close()

	local := client.NewLocalSigner(server.Dial(),
		client.Options{Address: "inproc", Network: protocol.NetworkTestNet},
		client.LocalOptions{
			Launch:  daemonctl.LaunchOptions{Binary: filepath.Join(dir, "missing-signer"), Network: protocol.NetworkTestNet},
			PIDPath: filepath.Join(dir, "signer.pid"),
			KeyPath: filepath.Join(dir, "signer.pub"),
		},
		logging.NewNop())
	events := newRecorder()
	local.AddObserver(events)

	local.Start(context.Background())
	if err := events.waitReady(t); err == nil {
		t.Fatal("expected launch failure")
	}
	if local.State() != client.StateDisconnected {
		t.Fatalf("state = %s", local.State())
	}
	local.Close()
}
