// Package daemon drives the goxeld lifecycle: PID-file locking, stale
// socket cleanup, component wiring, signal handling, readiness, drain,
// and shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goxel/goxeld/internal/config"
	"github.com/goxel/goxeld/internal/dispatch"
	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/metrics"
	"github.com/goxel/goxeld/internal/observability"
	"github.com/goxel/goxeld/internal/queue"
	"github.com/goxel/goxeld/internal/render"
	"github.com/goxel/goxeld/internal/server"
	"github.com/goxel/goxeld/internal/toolcall"
	"github.com/goxel/goxeld/internal/worker"
)

// State is the daemon lifecycle state. Transitions are driven only by
// this package.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// ErrBindFailure wraps socket bind problems so the CLI can exit 3.
var ErrBindFailure = errors.New("daemon: bind failure")

// Daemon owns every core component. Construct with New; a process holds
// exactly one instance, passed explicitly rather than kept in globals.
type Daemon struct {
	cfg *config.Config
	eng engine.Engine

	disp    *dispatch.Dispatcher
	trans   *toolcall.Translator
	q       *queue.Queue
	pool    *worker.Pool
	srv     *server.Server
	renders *render.Manager

	state     atomic.Int32
	startedAt time.Time

	// reloadFn runs on SIGHUP. No-op by default; never tears the
	// process down.
	reloadFn func()

	metricsSrv *http.Server
}

// New wires the components without starting anything.
func New(cfg *config.Config, eng engine.Engine) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		eng:       eng,
		trans:     toolcall.New(),
		q:         queue.New(cfg.Queue.Capacity),
		startedAt: time.Now(),
		reloadFn:  func() {},
	}

	renders, err := render.New(render.Config{
		Root:        cfg.Render.Dir,
		BudgetBytes: cfg.Render.BudgetBytes,
		TTL:         time.Duration(cfg.Render.TTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	d.renders = renders

	d.disp = dispatch.New()
	dispatch.RegisterBuiltins(d.disp)
	dispatch.RegisterEngine(d.disp, eng, renders, d.startedAt)
	d.disp.Freeze()

	d.pool = worker.New(d.q, d.disp, worker.Config{
		Workers:         cfg.Worker.Workers,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout.Std(),
	})

	d.srv = server.New(server.Config{
		SocketPath:     cfg.Daemon.SocketPath,
		MaxConnections: cfg.Server.MaxConnections,
		IdleTimeout:    cfg.Server.IdleTimeout.Std(),
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		RequestTimeout: cfg.Queue.DefaultTimeout.Std(),
	}, d.q, d.trans)

	return d, nil
}

// OnReload replaces the SIGHUP hook.
func (d *Daemon) OnReload(fn func()) {
	if fn != nil {
		d.reloadFn = fn
	}
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Stats is the published daemon snapshot.
type Stats struct {
	State              string `json:"state"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	TotalRequests      int64  `json:"total_requests"`
	TotalErrors        int64  `json:"total_errors"`
	CurrentConnections int64  `json:"current_connections"`
	LastActivityUnix   int64  `json:"last_activity_timestamp"`
}

// GetStats returns the published statistics.
func (d *Daemon) GetStats() Stats {
	snap := metrics.GetSnapshot()
	return Stats{
		State:              d.State().String(),
		UptimeSeconds:      int64(time.Since(d.startedAt).Seconds()),
		TotalRequests:      snap.TotalRequests,
		TotalErrors:        snap.TotalErrors,
		CurrentConnections: int64(d.srv.ConnCount()),
		LastActivityUnix:   snap.LastActivityUnix,
	}
}

// Run starts the daemon and blocks until shutdown. The returned error
// distinguishes the operator-facing exit conditions: ErrAlreadyRunning,
// ErrBindFailure, or an internal failure.
func (d *Daemon) Run(ctx context.Context) error {
	d.state.Store(int32(StateStarting))

	// PID file first: it is the mutual-exclusion point for everything
	// that follows, including stale socket removal.
	if err := WritePIDFile(d.cfg.Daemon.PIDFile); err != nil {
		d.state.Store(int32(StateError))
		return err
	}
	defer RemovePIDFile(d.cfg.Daemon.PIDFile)

	if err := d.clearStaleSocket(); err != nil {
		d.state.Store(int32(StateError))
		return err
	}

	if err := d.eng.Init(); err != nil {
		d.state.Store(int32(StateError))
		return fmt.Errorf("engine init: %w", err)
	}
	defer d.eng.Shutdown()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     d.cfg.Observability.Tracing.Enabled,
		Exporter:    d.cfg.Observability.Tracing.Exporter,
		Endpoint:    d.cfg.Observability.Tracing.Endpoint,
		ServiceName: d.cfg.Observability.Tracing.ServiceName,
		SampleRate:  d.cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		logging.Op().Warn("tracing init failed, continuing without", "error", err)
	}
	defer observability.Shutdown(context.Background())

	if d.cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(d.cfg.Observability.Metrics.Namespace, d.cfg.Observability.Metrics.HistogramBuckets)
		d.startMetricsListener()
	}
	if f := d.cfg.Observability.Logging.File; f != "" {
		if err := logging.Default().SetOutput(f); err != nil {
			logging.Op().Warn("request log file unavailable", "path", f, "error", err)
		}
	}

	d.pool.Start()

	if err := d.srv.Start(); err != nil {
		d.state.Store(int32(StateError))
		d.pool.Stop()
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}

	// Readiness: socket listening, PID written, pool accepting, engine
	// initialized.
	d.state.Store(int32(StateRunning))
	logging.Op().Info("goxeld ready",
		"pid", os.Getpid(),
		"socket", d.cfg.Daemon.SocketPath,
		"workers", d.pool.GetStats().Workers,
		"queue_capacity", d.cfg.Queue.Capacity,
	)

	d.signalLoop(ctx)

	d.shutdown()
	return nil
}

// signalLoop blocks until a termination signal or context cancellation.
// Signal delivery in Go already happens on a runtime-managed channel;
// the handlers here only observe it, no work runs in signal context.
func (d *Daemon) signalLoop(ctx context.Context) {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("context cancelled, shutting down")
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Op().Info("reload requested")
				d.reloadFn()
			default:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				return
			}
		}
	}
}

// shutdown drains and stops everything in dependency order: no new
// connections, let workers finish the queue up to the timeout, then
// close the rest.
func (d *Daemon) shutdown() {
	d.state.Store(int32(StateDraining))
	logging.Op().Info("draining", "queue_depth", d.q.Len(), "timeout", d.cfg.Daemon.ShutdownTimeout.Std())

	d.srv.StopAccepting()
	d.pool.Stop()
	d.srv.Stop()
	d.renders.Close()
	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	logging.Default().Close()

	d.state.Store(int32(StateStopped))
	qs := d.q.GetStats()
	logging.Op().Info("goxeld stopped",
		"completed", qs.Completed,
		"discarded", qs.Discarded,
	)
}

// clearStaleSocket removes a socket file left behind by a dead
// predecessor. The PID file claim above already proved no live owner
// exists, so anything at the path is stale.
func (d *Daemon) clearStaleSocket() error {
	path := d.cfg.Daemon.SocketPath
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// Probe anyway: a listener without a PID file means a foreign
	// process owns the path.
	if conn, err := net.DialTimeout("unix", path, 500*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w: socket %s is owned by another process", ErrBindFailure, path)
	}
	logging.Op().Info("removing stale socket", "path", path)
	return os.Remove(path)
}

func (d *Daemon) startMetricsListener() {
	addr := d.cfg.Observability.Metrics.Addr
	handler := metrics.Handler()
	if addr == "" || handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	d.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Warn("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	logging.Op().Info("metrics listener started", "addr", addr)
}
