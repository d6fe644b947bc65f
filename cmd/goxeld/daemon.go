package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goxel/goxeld/internal/config"
	"github.com/goxel/goxeld/internal/daemon"
	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/logging"
)

// Operator-facing exit codes.
const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitAlreadyRunning = 2
	exitBindFailure    = 3
	exitInternal       = 4
)

func daemonCmd() *cobra.Command {
	var (
		foreground   bool
		daemonize    bool
		socketPath   string
		pidFile      string
		workers      int
		queueCap     int
		renderDir    string
		renderBudget int64
		renderTTL    int
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the goxel daemon",
		Long:  "Run goxeld: listen on a local socket, dispatch voxel/project/render RPCs through the worker pool",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "load config: %v\n", err)
					os.Exit(exitConfigInvalid)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("socket") {
				cfg.Daemon.SocketPath = socketPath
			}
			if cmd.Flags().Changed("pid-file") {
				cfg.Daemon.PIDFile = pidFile
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Workers = workers
			}
			if cmd.Flags().Changed("queue-capacity") {
				cfg.Queue.Capacity = queueCap
			}
			if cmd.Flags().Changed("render-dir") {
				cfg.Render.Dir = renderDir
			}
			if cmd.Flags().Changed("render-budget-bytes") {
				cfg.Render.BudgetBytes = renderBudget
			}
			if cmd.Flags().Changed("render-ttl-seconds") {
				cfg.Render.TTLSeconds = renderTTL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("daemonize") && daemonize {
				cfg.Daemon.Foreground = false
			}
			if cmd.Flags().Changed("foreground") {
				cfg.Daemon.Foreground = foreground
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigInvalid)
			}

			if !cfg.Daemon.Foreground {
				if err := respawnDetached(); err != nil {
					fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
					os.Exit(exitInternal)
				}
				os.Exit(exitOK)
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			logging.Default().SetConsole(cfg.Daemon.Foreground)

			d, err := daemon.New(cfg, engine.NewMemEngine())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigInvalid)
			}

			if err := d.Run(context.Background()); err != nil {
				fmt.Fprintln(os.Stderr, err)
				switch {
				case errors.Is(err, daemon.ErrAlreadyRunning):
					os.Exit(exitAlreadyRunning)
				case errors.Is(err, daemon.ErrBindFailure):
					os.Exit(exitBindFailure)
				default:
					os.Exit(exitInternal)
				}
			}
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", true, "Run in the foreground")
	cmd.Flags().BoolVar(&daemonize, "daemonize", false, "Detach and run in the background")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/goxel-daemon.sock", "Unix socket path")
	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/goxel-daemon.pid", "PID file path")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker count (0 = CPU count, clamped to [2, 16])")
	cmd.Flags().IntVar(&queueCap, "queue-capacity", 2048, "Request queue capacity")
	cmd.Flags().StringVar(&renderDir, "render-dir", "/tmp/goxel_renders", "Render artifact directory")
	cmd.Flags().Int64Var(&renderBudget, "render-budget-bytes", 256<<20, "Render cache byte budget")
	cmd.Flags().IntVar(&renderTTL, "render-ttl-seconds", 3600, "Render artifact TTL in seconds")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// respawnDetached re-execs the binary with --foreground as a background
// child process, with stdout and stderr appended to goxeld.log in the
// system temp directory, and releases it without waiting. The child stays
// in the parent's session.
func respawnDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon", "--foreground"}
	for _, a := range os.Args[1:] {
		if a == "daemon" || a == "--daemonize" || a == "--foreground" {
			continue
		}
		args = append(args, a)
	}

	logPath := filepath.Join(os.TempDir(), "goxeld.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Stdin = nil

	if err := child.Start(); err != nil {
		return err
	}
	fmt.Printf("goxeld started (pid %d, log %s)\n", child.Process.Pid, logPath)
	return child.Process.Release()
}
