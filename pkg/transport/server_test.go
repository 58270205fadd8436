package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/bus"
)

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

type testServer struct {
	router     *bus.Router
	socketPath string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	// Short correlation timeout keeps unhandled-event tests fast.
	router, err := bus.NewRouter(bus.Options{CorrelationTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	server := NewServer(socketPath, router)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(server.Stop)
	return &testServer{router: router, socketPath: socketPath}
}

func (s *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", s.socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	return &testClient{conn: conn, scanner: scanner}
}

func newTestServer(t *testing.T) (*bus.Router, *testClient) {
	t.Helper()
	server := startTestServer(t)
	return server.router, server.dial(t)
}

func (c *testClient) send(t *testing.T, doc string) {
	t.Helper()
	_, err := c.conn.Write([]byte(doc + "\n"))
	require.NoError(t, err)
}

func (c *testClient) recv(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan(), "expected a response line: %v", c.scanner.Err())
	var doc map[string]any
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &doc))
	return doc
}

func errCode(doc map[string]any) string {
	errDoc, _ := doc["error"].(map[string]any)
	code, _ := errDoc["code"].(string)
	return code
}

func TestRequestResponse(t *testing.T) {
	router, client := newTestServer(t)

	require.NoError(t, router.RegisterHandler(bus.HandlerSpec{
		Event:  "echo:say",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"said": data["text"]}, nil
		},
	}))

	// The response is the handler's object with the correlation id merged
	// in, not a wrapper around it.
	client.send(t, `{"event": "echo:say", "data": {"text": "hello"}, "correlation_id": "c1"}`)
	resp := client.recv(t)
	assert.Equal(t, "c1", resp["correlation_id"])
	assert.Equal(t, "hello", resp["said"])
	assert.NotContains(t, resp, "result")
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	router, client := newTestServer(t)

	require.NoError(t, router.RegisterHandler(bus.HandlerSpec{
		Event:  "echo:say",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	// Malformed JSON.
	client.send(t, `{not json`)
	assert.Equal(t, bus.CodeInvalidJSON, errCode(client.recv(t)))

	// Missing event name.
	client.send(t, `{"data": {}}`)
	assert.Equal(t, bus.CodeInvalidEvent, errCode(client.recv(t)))

	// An event nobody handles waits out the correlation window and comes
	// back as a TIMEOUT envelope; its history record shows no handlers ran.
	client.send(t, `{"event": "no:such"}`)
	assert.Equal(t, bus.CodeTimeout, errCode(client.recv(t)))
	var unhandled *bus.Record
	for _, rec := range router.History() {
		if rec.Name == "no:such" {
			unhandled = rec
		}
	}
	require.NotNil(t, unhandled)
	assert.Empty(t, unhandled.HandlersCalled)

	// The connection still works.
	client.send(t, `{"event": "echo:say"}`)
	resp := client.recv(t)
	assert.Equal(t, true, resp["ok"])
}

func TestResponsesKeepRequestOrder(t *testing.T) {
	router, client := newTestServer(t)

	// The first request sleeps; its response must still come back first.
	require.NoError(t, router.RegisterHandler(bus.HandlerSpec{
		Event:  "work:run",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			if slow, _ := data["slow"].(bool); slow {
				time.Sleep(100 * time.Millisecond)
			}
			return map[string]any{"tag": data["tag"]}, nil
		},
	}))

	client.send(t, `{"event": "work:run", "data": {"slow": true, "tag": "first"}}`)
	client.send(t, `{"event": "work:run", "data": {"tag": "second"}}`)
	client.send(t, `{"event": "work:run", "data": {"tag": "third"}}`)

	var tags []string
	for i := 0; i < 3; i++ {
		resp := client.recv(t)
		tags = append(tags, resp["tag"].(string))
	}
	assert.Equal(t, []string{"first", "second", "third"}, tags)
}

func TestSubscriptionPush(t *testing.T) {
	router, client := newTestServer(t)

	client.send(t, `{"event": "transport:subscribe", "data": {"patterns": ["tick:*"]}}`)
	resp := client.recv(t)
	subID := resp["subscription_id"].(string)
	require.NotEmpty(t, subID)

	_, err := router.Emit(context.Background(), "tick:one", map[string]any{"n": 1.0})
	require.NoError(t, err)

	push := client.recv(t)
	assert.Equal(t, true, push["notification"])
	assert.Equal(t, "tick:one", push["event"])
	assert.Equal(t, 1.0, push["data"].(map[string]any)["n"])

	// Unsubscribe stops the pushes.
	client.send(t, fmt.Sprintf(`{"event": "transport:unsubscribe", "data": {"subscription_id": %q}}`, subID))
	resp = client.recv(t)
	assert.Equal(t, "unsubscribed", resp["status"])

	_, err = router.Emit(context.Background(), "tick:two", nil)
	require.NoError(t, err)

	// No further lines arrive.
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	assert.False(t, client.scanner.Scan())
}

func TestDisconnectTearsDownSubscriptions(t *testing.T) {
	router, client := newTestServer(t)

	client.send(t, `{"event": "transport:subscribe", "data": {"patterns": ["tick:*"]}}`)
	client.recv(t)
	require.Len(t, router.Subscriptions(), 1)

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool {
		return len(router.Subscriptions()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentClients(t *testing.T) {
	server := startTestServer(t)
	require.NoError(t, server.router.RegisterHandler(bus.HandlerSpec{
		Event:  "echo:say",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"said": data["text"]}, nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn, err := net.Dial("unix", server.socketPath)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			msg := fmt.Sprintf(`{"event": "echo:say", "data": {"text": "client-%d"}}`, n)
			if _, err := conn.Write([]byte(msg + "\n")); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			scanner := bufio.NewScanner(conn)
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if !scanner.Scan() {
				t.Errorf("no response for client %d", n)
				return
			}
			var doc map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			want := fmt.Sprintf("client-%d", n)
			if got := doc["said"]; got != want {
				t.Errorf("got %v, want %s", got, want)
			}
		}(i)
	}
	wg.Wait()
}
