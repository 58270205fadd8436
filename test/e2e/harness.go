// Package e2e boots complete in-process daemons and talks to them over the
// real Unix socket protocol.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/database"
	"github.com/ksi-project/ksi/pkg/injection"
	"github.com/ksi-project/ksi/pkg/observation"
	"github.com/ksi-project/ksi/pkg/provider"
	"github.com/ksi-project/ksi/pkg/registry"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/transport"
)

// TestApp is one complete daemon instance wired like cmd/ksid, with a stub
// provider in place of the real CLI.
type TestApp struct {
	Config      *config.Config
	DB          *database.Client
	Router      *bus.Router
	Registry    *registry.Registry
	Provider    *provider.StubProvider
	Completion  *completion.Service
	Injection   *injection.Service
	Agents      *agent.Service
	Observation *observation.Service
	Transport   *transport.Server
	SocketPath  string

	// ShutdownRequested is closed when a system:shutdown event fires.
	ShutdownRequested chan struct{}

	t       *testing.T
	stopped bool
}

type appOptions struct {
	baseDir            string
	respond            provider.RespondFunc
	correlationTimeout time.Duration
}

// AppOption configures the test app.
type AppOption func(*appOptions)

// WithBaseDir pins the daemon's state to a directory, letting a second app
// boot over the first one's database.
func WithBaseDir(dir string) AppOption {
	return func(o *appOptions) { o.baseDir = dir }
}

// WithRespond scripts the stub provider.
func WithRespond(fn provider.RespondFunc) AppOption {
	return func(o *appOptions) { o.respond = fn }
}

// WithCorrelationTimeout shortens the expect-response deadline.
func WithCorrelationTimeout(d time.Duration) AppOption {
	return func(o *appOptions) { o.correlationTimeout = d }
}

// StartApp boots a daemon rooted in its own temp directory and registers
// cleanup. Fails the test on any wiring error.
func StartApp(t *testing.T, opts ...AppOption) *TestApp {
	t.Helper()
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.baseDir == "" {
		o.baseDir = t.TempDir()
	}

	configDir := filepath.Join(o.baseDir, "config")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	yaml := fmt.Sprintf(`
socket: %s
log_level: warn
dirs:
  state_dir: %s
  response_log_dir: %s
  sandbox_root: %s
  log_dir: %s
provider:
  kind: stub
compositions:
  dir: %s
`,
		filepath.Join(o.baseDir, "run", "daemon.sock"),
		filepath.Join(o.baseDir, "state"),
		filepath.Join(o.baseDir, "responses"),
		filepath.Join(o.baseDir, "sandbox"),
		filepath.Join(o.baseDir, "logs"),
		filepath.Join(o.baseDir, "compositions"))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, config.ConfigFileName), []byte(yaml), 0o644))

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, configDir)
	require.NoError(t, err)
	cfg.Completion.RequestTimeout = 5 * time.Second
	cfg.Completion.GracefulShutdownTimeout = 2 * time.Second
	if o.correlationTimeout > 0 {
		cfg.Bus.CorrelationTimeout = o.correlationTimeout
	}

	db, err := database.NewClient(ctx, cfg.DatabasePath())
	require.NoError(t, err)

	router, err := bus.NewRouter(bus.Options{
		MaxHistory:         cfg.Bus.MaxHistory,
		CorrelationTimeout: cfg.Bus.CorrelationTimeout,
		AsyncPoolSize:      cfg.Bus.AsyncPoolSize,
		SubscriptionBuffer: cfg.Bus.SubscriptionBuffer,
	})
	require.NoError(t, err)

	store := state.NewStore(db)
	queues := asyncstate.NewQueues(db, cfg.Retention.AsyncStateTTL)
	compositions := composition.NewManager(cfg.Compositions.Dir)
	injectionService := injection.NewService(queues)

	stub := provider.NewStubProvider(o.respond)
	completionService := completion.NewService(router, stub, cfg.Completion, cfg.Dirs.ResponseLogDir)
	completionService.Start(ctx)

	agentService := agent.NewService(router, store, cfg.Dirs.SandboxRoot)
	router.SetHierarchy(agentService)

	observationService := observation.NewService(router, queues)
	router.SetObserver(observationService)

	app := &TestApp{
		Config:            cfg,
		DB:                db,
		Router:            router,
		Provider:          stub,
		Completion:        completionService,
		Injection:         injectionService,
		Agents:            agentService,
		Observation:       observationService,
		SocketPath:        cfg.Socket,
		ShutdownRequested: make(chan struct{}),
		t:                 t,
	}

	app.Transport = transport.NewServer(cfg.Socket, router)

	reg := registry.NewRegistry(router, nil)
	app.Registry = reg
	plugins := []registry.Plugin{
		state.NewPlugin(store),
		asyncstate.NewPlugin(queues),
		composition.NewPlugin(compositions),
		injection.NewPlugin(injectionService),
		completion.NewPlugin(completionService),
		agent.NewPlugin(agentService),
		observation.NewPlugin(observationService),
		transport.NewPlugin(app.Transport),
		registry.NewSystemPlugin(reg, router, func() { close(app.ShutdownRequested) }),
	}
	for _, p := range plugins {
		require.NoError(t, reg.Register(ctx, p))
	}

	require.NoError(t, app.Transport.Start(ctx))

	t.Cleanup(app.Stop)
	return app
}

// Stop shuts the daemon down the way cmd/ksid does. Safe to call twice.
func (a *TestApp) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.Transport.Stop()
	a.Completion.Shutdown()
	a.Agents.TerminateAll(context.Background())
	a.Registry.Close()
	a.Router.Shutdown()
	_ = a.DB.Close()
}

// Client is one line-protocol socket connection. Responses and pushed
// notifications share the wire; notifications are buffered so request /
// response pairing stays simple.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	notifs  []map[string]any
}

// Connect dials the daemon's socket.
func (a *TestApp) Connect(t *testing.T) *Client {
	t.Helper()
	conn, err := net.Dial("unix", a.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	return &Client{conn: conn, scanner: scanner}
}

func (c *Client) readLine(t *testing.T, timeout time.Duration) (map[string]any, bool) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	if !c.scanner.Scan() {
		return nil, false
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &doc))
	return doc, true
}

// Request sends one event and returns its result, buffering any
// notifications that arrive first.
func (c *Client) Request(t *testing.T, event string, data map[string]any) map[string]any {
	t.Helper()
	doc := map[string]any{"event": event}
	if data != nil {
		doc["data"] = data
	}
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = c.conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	for {
		line, ok := c.readLine(t, 5*time.Second)
		require.True(t, ok, "no response for %s: %v", event, c.scanner.Err())
		if isNotification(line) {
			c.notifs = append(c.notifs, line)
			continue
		}
		// The response is the handler's object itself, with the request's
		// correlation id merged in at the top level.
		return line
	}
}

// Notification returns the next pushed event, waiting up to timeout.
func (c *Client) Notification(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	doc, ok := c.TryNotification(t, timeout)
	require.True(t, ok, "expected a notification")
	return doc
}

// TryNotification returns the next pushed event, or false if none arrives
// within timeout.
func (c *Client) TryNotification(t *testing.T, timeout time.Duration) (map[string]any, bool) {
	t.Helper()
	if len(c.notifs) > 0 {
		doc := c.notifs[0]
		c.notifs = c.notifs[1:]
		return doc, true
	}
	line, ok := c.readLine(t, timeout)
	if !ok {
		return nil, false
	}
	require.True(t, isNotification(line), "expected a notification, got %v", line)
	return line, true
}

// Subscribe registers event patterns on this connection.
func (c *Client) Subscribe(t *testing.T, patterns ...string) {
	t.Helper()
	list := make([]any, len(patterns))
	for i, p := range patterns {
		list[i] = p
	}
	result := c.Request(t, "transport:subscribe", map[string]any{"patterns": list})
	require.NotEmpty(t, result["subscription_id"])
}

func isNotification(doc map[string]any) bool {
	flag, _ := doc["notification"].(bool)
	return flag
}
