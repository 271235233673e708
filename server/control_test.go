package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qqchat/protocol"
)

func startControl(t *testing.T, srv *Server, stop func()) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	listener, err := ListenControl(path)
	if err != nil {
		t.Fatalf("Failed to listen on control socket: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeControl(ctx, listener, stop)
	return path
}

func TestControlStats(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	registerUsers(t, srv, "alice")

	client := connect(t, srv)
	client.login("alice", "pw-alice")

	path := startControl(t, srv, nil)
	stats, err := ControlRequest(path, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(stats, "online=1") || !strings.Contains(stats, "registered=1") {
		t.Errorf("Unexpected stats %q", stats)
	}

	if _, err := ControlRequest(path, "reboot"); err == nil {
		t.Error("Expected unknown command to fail")
	}
}

func TestControlShutdown(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()
	registerUsers(t, srv, "alice")

	client := connect(t, srv)
	client.login("alice", "pw-alice")

	stopped := make(chan struct{})
	path := startControl(t, srv, func() { close(stopped) })

	if _, err := ControlRequest(path, "shutdown|upgrade"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop was not called")
	}

	msg := client.waitFor(protocol.KindError)
	if msg.Content != "Server shutting down: upgrade" {
		t.Errorf("Unexpected shutdown notice %q", msg.Content)
	}
	if _, err := client.read(); err == nil {
		t.Error("Expected the connection to be closed after shutdown")
	}
}
