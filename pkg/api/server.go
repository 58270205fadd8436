// Package api serves the optional read-only HTTP monitoring surface. The
// Unix socket remains the only command surface; everything here proxies
// queries through the event bus or streams events to WebSocket clients.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/config"
)

// queryTimeout bounds one proxied bus query.
const queryTimeout = 5 * time.Second

// Server is the HTTP monitor. It is disabled unless the configuration
// carries a listen address.
type Server struct {
	cfg     *config.MonitorConfig
	router  *bus.Router
	manager *ConnectionManager
	logger  *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds the monitor server around the event bus.
func NewServer(cfg *config.MonitorConfig, router *bus.Router) *Server {
	s := &Server{
		cfg:     cfg,
		router:  router,
		manager: NewConnectionManager(router, cfg.WriteTimeout),
		logger:  slog.With("component", "monitor"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWebSocket)

	v1 := engine.Group("/api")
	v1.GET("/events", s.handleEvents)
	v1.GET("/agents", s.handleAgents)
	v1.GET("/completion/status", s.handleCompletionStatus)
	v1.GET("/observation/status", s.handleObservationStatus)
	v1.GET("/discover", s.handleDiscover)

	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitor server error", "error", err)
		}
	}()
	s.logger.Info("Monitor listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop() {
	s.manager.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Monitor shutdown error", "error", err)
	}
}

// query proxies one read-only event through the bus and maps error
// envelopes to HTTP statuses.
func (s *Server) query(c *gin.Context, event string, data map[string]any) {
	if len(s.router.Handlers(event)) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no handler registered for " + event})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	result, err := s.router.Emit(ctx, event, data, bus.WithSource("monitor"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bus.IsErrorResult(result) {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.query(c, "system:health", nil)
}

func (s *Server) handleEvents(c *gin.Context) {
	data := map[string]any{}
	if patterns := c.Query("patterns"); patterns != "" {
		var list []any
		for _, p := range strings.Split(patterns, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		data["patterns"] = list
	}
	if since := c.Query("since"); since != "" {
		data["since"] = since
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			data["limit"] = float64(n)
		}
	}
	s.query(c, "observation:query_history", data)
}

func (s *Server) handleAgents(c *gin.Context) {
	s.query(c, "agent:list", nil)
}

func (s *Server) handleCompletionStatus(c *gin.Context) {
	s.query(c, "completion:status", nil)
}

func (s *Server) handleObservationStatus(c *gin.Context) {
	s.query(c, "observation:status", nil)
}

func (s *Server) handleDiscover(c *gin.Context) {
	data := map[string]any{}
	if namespace := c.Query("namespace"); namespace != "" {
		data["namespace"] = namespace
	}
	s.query(c, "system:discover", data)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.manager.HandleConnection(c.Writer, c.Request)
}
