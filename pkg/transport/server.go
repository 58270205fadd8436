// Package transport serves the daemon's Unix socket protocol: one JSON
// object per line in, one JSON response per request out, in request order.
// Clients may also subscribe to event patterns; matched events are pushed
// as notification lines interleaved with responses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Server accepts Unix socket connections and routes their requests through
// the bus.
type Server struct {
	socketPath string
	router     *bus.Router
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*connection]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates the socket server.
func NewServer(socketPath string, router *bus.Router) *Server {
	return &Server{
		socketPath: socketPath,
		router:     router,
		logger:     slog.With("component", "transport"),
		conns:      make(map[*connection]struct{}),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	s.logger.Info("Listening on unix socket", "path", s.socketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}

		conn := newConnection(netConn, s.router, s.logger)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = netConn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.serve(ctx)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Stop closes the listener and every live connection, then waits for their
// goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]*connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, conn := range conns {
		conn.close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	s.logger.Info("Transport stopped")
}
