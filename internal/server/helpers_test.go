package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/store"
)

const (
	testOrigin = "http://localhost:8080"
	testSecret = "test-secret"
)

type testEnv struct {
	hub      *realtime.Hub
	store    *store.MemoryStore
	chat     *chat.Service
	verifier *auth.Verifier
	server   *Server
	ts       *httptest.Server
}

type envOption func(cfg *config.ServerConfig, deps *Deps)

func withoutVerifier() envOption {
	return func(_ *config.ServerConfig, deps *Deps) { deps.Verifier = nil }
}

func withVerifiedHandshake() envOption {
	return func(_ *config.ServerConfig, deps *Deps) { deps.VerifyHandshake = true }
}

func withOrigins(origins ...string) envOption {
	return func(cfg *config.ServerConfig, _ *Deps) { cfg.AllowedOrigins = origins }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	hub := realtime.NewHub(realtime.WithLogger(logger))
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	st := store.NewMemoryStore()
	svc := chat.NewService(st, hub, chat.WithLogger(logger))
	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	cfg := config.Default().Server
	cfg.RateLimit.Burst = 100
	deps := Deps{Hub: hub, Chat: svc, Verifier: verifier, Logger: logger}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(ts.Close)

	return &testEnv{hub: hub, store: st, chat: svc, verifier: deps.Verifier, server: srv, ts: ts}
}

func (e *testEnv) wsURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query.Encode()
}

// dialAs connects as userID with the test origin and fails the test on error.
func (e *testEnv) dialAs(t *testing.T, userID string, groups ...string) *websocket.Conn {
	t.Helper()
	query := url.Values{"userId": {userID}, "fullName": {userID}}
	if len(groups) > 0 {
		query.Set("groups", strings.Join(groups, ","))
	}
	conn, resp, err := dial(e.wsURL(query), testOrigin)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dial(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return dialer.Dial(rawURL, header)
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := realtime.EncodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readEvent reads frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) realtime.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var f realtime.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Event == event {
			return f
		}
	}
}

func readOnline(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var online []string
	require.NoError(t, json.Unmarshal(readEvent(t, conn, realtime.EventOnlineUsers).Data, &online))
	return online
}

// request performs an API call, authenticated as userID when it is non-empty.
func (e *testEnv) request(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		token, err := e.verifier.Issue(userID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}
