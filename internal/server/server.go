// Package server accepts local stream-socket connections and feeds
// framed requests through dialect detection, translation, and the
// priority queue.
package server

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/protocol"
	"github.com/goxel/goxeld/internal/queue"
	"github.com/goxel/goxeld/internal/toolcall"
)

// Config configures the socket server.
type Config struct {
	SocketPath     string
	SocketMode     os.FileMode
	MaxConnections int
	IdleTimeout    time.Duration
	MaxFrameBytes  uint32
	WriteQueueLen  int
	// RequestTimeout bounds how long an entry may sit queued before a
	// worker answers request-timed-out instead of dispatching. 0 = none.
	RequestTimeout time.Duration
}

// Server owns the listener and the connection registry. The connection
// table owns connections; queued entries are owned by the queue and
// referenced here only by request id.
type Server struct {
	cfg   Config
	q     *queue.Queue
	trans *toolcall.Translator

	listener net.Listener

	mu    sync.Mutex
	conns map[string]*Conn

	accepting atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New creates a server over the given queue and translator.
func New(cfg Config, q *queue.Queue, trans *toolcall.Translator) *Server {
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0o660
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if cfg.WriteQueueLen <= 0 {
		cfg.WriteQueueLen = 64
	}
	return &Server{
		cfg:   cfg,
		q:     q,
		trans: trans,
		conns: make(map[string]*Conn),
	}
}

// Start binds the socket and launches the accept loop. The caller is
// responsible for clearing a stale socket file first (the lifecycle
// layer checks PID-file ownership before removing it).
func (s *Server) Start() error {
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.accepting.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	logging.Op().Info("socket server listening", "path", s.cfg.SocketPath)
	return nil
}

// StopAccepting closes the listener but leaves established connections
// alive; the drain phase uses it.
func (s *Server) StopAccepting() {
	if !s.accepting.CompareAndSwap(true, false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

// Stop closes the listener and every connection, then removes the
// socket file.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.StopAccepting()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	logging.Op().Info("socket server stopped")
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.accepting.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		over := len(s.conns) >= s.cfg.MaxConnections
		s.mu.Unlock()
		if over {
			logging.Op().Warn("connection limit reached, rejecting peer",
				"max_connections", s.cfg.MaxConnections)
			nc.Close()
			continue
		}

		c := newConn(s, nc)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}
