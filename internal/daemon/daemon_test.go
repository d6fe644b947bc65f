package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goxel/goxeld/internal/config"
	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Daemon.SocketPath = filepath.Join(dir, "goxeld.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "goxeld.pid")
	cfg.Daemon.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Render.Dir = filepath.Join(dir, "renders")
	cfg.Observability.Metrics.Enabled = false
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Capacity = 0
	if _, err := New(cfg, engine.NewMemEngine()); err == nil {
		t.Fatal("expected config rejection")
	}
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, engine.NewMemEngine())
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if d.State() != StateStopped {
		t.Fatalf("expected stopped before run, got %s", d.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Readiness: wait for running state, then the socket must answer.
	deadline := time.Now().Add(5 * time.Second)
	for d.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.State() != StateRunning {
		t.Fatalf("daemon never became ready: %s", d.State())
	}
	if _, err := ReadPIDFile(cfg.Daemon.PIDFile); err != nil {
		t.Fatalf("pid file missing while running: %v", err)
	}

	conn, err := net.Dial("unix", cfg.Daemon.SocketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	err = protocol.WriteFrame(conn, &protocol.Frame{
		MsgID:   1,
		MsgType: protocol.FrameTypeRequest,
		Payload: []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`),
	}, 0)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if frame.MsgID != 1 {
		t.Fatalf("correlation id lost: %d", frame.MsgID)
	}
	conn.Close()

	stats := d.GetStats()
	if stats.State != "running" {
		t.Fatalf("unexpected stats state: %s", stats.State)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never shut down")
	}

	if d.State() != StateStopped {
		t.Fatalf("expected stopped after run, got %s", d.State())
	}
	if _, err := os.Stat(cfg.Daemon.PIDFile); !os.IsNotExist(err) {
		t.Fatal("pid file not removed on shutdown")
	}
	if _, err := os.Stat(cfg.Daemon.SocketPath); !os.IsNotExist(err) {
		t.Fatal("socket file not removed on shutdown")
	}
}

func TestDaemonMutualExclusion(t *testing.T) {
	cfg := testConfig(t)
	d1, err := New(cfg, engine.NewMemEngine())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- d1.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for d1.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Second daemon on the same pid file: must fail already_running.
	cfg2 := testConfig(t)
	cfg2.Daemon.PIDFile = cfg.Daemon.PIDFile
	d2, err := New(cfg2, engine.NewMemEngine())
	if err != nil {
		t.Fatal(err)
	}
	if err := d2.Run(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	<-runErr
}

func TestClearStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	// A dead predecessor's socket file: nothing is listening on it.
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.SocketPath), 0o755); err != nil {
		t.Fatal(err)
	}
	stale, err := net.Listen("unix", cfg.Daemon.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	stale.Close()
	// Closing the listener unlinks the path; leave behind a bare file the
	// way a crashed process would.
	os.Remove(cfg.Daemon.SocketPath)
	if err := os.WriteFile(cfg.Daemon.SocketPath, nil, 0o660); err != nil {
		t.Fatal(err)
	}

	d, err := New(cfg, engine.NewMemEngine())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for d.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.State() != StateRunning {
		t.Fatal("daemon failed to start over a stale socket")
	}

	cancel()
	<-runErr
}
