package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/store"
)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Hub  *realtime.Hub
	Chat *chat.Service

	// Verifier gates the HTTP API. The API is not mounted when nil.
	Verifier *auth.Verifier
	// VerifyHandshake requires a token on WebSocket upgrades as well.
	VerifyHandshake bool
	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server holds the HTTP and WebSocket handlers of the service.
type Server struct {
	cfg      config.ServerConfig
	hub      *realtime.Hub
	chat     *chat.Service
	store    store.Store
	members  *store.MembershipLoader
	verifier *auth.Verifier
	shake    *auth.Verifier
	metrics  http.Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	clients  sync.WaitGroup
}

// New builds a Server from cfg and deps.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		chat:     deps.Chat,
		store:    deps.Chat.Store(),
		members:  store.NewMembershipLoader(deps.Chat.Store()),
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
		logger:   logger,
	}
	if deps.VerifyHandshake {
		s.shake = deps.Verifier
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	return s
}

// WebSocketHandler authenticates the handshake, upgrades the connection,
// opens its session, and starts the client's read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, groups, err := auth.Handshake(r, s.shake)
	if err != nil {
		s.logger.Info("Rejected WebSocket handshake", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		if errors.Is(err, realtime.ErrNoIdentity) {
			http.Error(w, "userId is required", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s, r.RemoteAddr)

	ctx, cancel := context.WithTimeout(r.Context(), eventTimeout)
	defer cancel()
	s.ensureUser(ctx, identity)
	if err := client.session.Open(ctx, identity, groups); err != nil {
		client.logger.Warn("Error opening session", zap.Error(err))
		client.writeCloseMessage()
		client.closeConnection()
		return
	}

	s.clients.Add(2)
	go client.writePump()
	go client.readPump()
}

// ensureUser records the handshake identity so a connected user can also
// use the HTTP API. An existing user only gains a name it did not have.
// Store failures are logged and do not refuse the connection.
func (s *Server) ensureUser(ctx context.Context, id realtime.Identity) {
	u, err := s.store.FindUserByID(ctx, id.UserID)
	switch {
	case err == nil:
		if u.FullName != "" || id.FullName == "" {
			return
		}
		u.FullName = id.FullName
	case errors.Is(err, store.ErrNotFound):
		u = &store.User{ID: id.UserID, FullName: id.FullName}
		if u.FullName == "" {
			u.FullName = id.UserID
		}
	default:
		s.logger.Warn("Error loading handshake user", zap.String("user_id", id.UserID), zap.Error(err))
		return
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		s.logger.Warn("Error saving handshake user", zap.String("user_id", id.UserID), zap.Error(err))
	}
}

// Wait blocks until every client pump has exited or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves an HTML page for exercising the realtime events by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("Error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Realtime Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 180px; padding: 5px; margin-right: 6px; }
        button { padding: 5px 12px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .row { margin: 6px 0; }
        #online { color: #155724; }
    </style>
</head>
<body>
    <h1>GoChat Realtime Test</h1>

    <div class="row">
        <input type="text" id="userId" placeholder="userId">
        <input type="text" id="fullName" placeholder="full name">
        <input type="text" id="groups" placeholder="groups (g1,g2)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div class="row">Online: <span id="online">-</span></div>
    <div class="row">
        <input type="text" id="target" placeholder="receiverId or groupId">
        <input type="text" id="text" placeholder="message">
        <button onclick="send('sendMessage', 'receiverId')">Direct</button>
        <button onclick="send('groupMessage', 'groupId')">Group</button>
        <button onclick="emit('joinGroup', {groupId: val('target')})">Join</button>
        <button onclick="emit('leaveGroup', val('target'))">Leave</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const events = document.getElementById('events');

        function val(id) { return document.getElementById(id).value.trim(); }

        function log(line) {
            const el = document.createElement('div');
            el.textContent = line;
            events.appendChild(el);
            events.scrollTop = events.scrollHeight;
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
                log('> ' + event + ' ' + JSON.stringify(data));
            }
        }

        function send(event, key) {
            const data = {text: val('text')};
            data[key] = val('target');
            emit(event, data);
            document.getElementById('text').value = '';
        }

        function toggleConnection() {
            if (ws) { ws.close(); return; }
            const params = new URLSearchParams({userId: val('userId'), fullName: val('fullName')});
            if (val('groups')) { params.set('groups', val('groups')); }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());
            ws.onopen = () => { log('connected'); document.getElementById('connectButton').textContent = 'Disconnect'; };
            ws.onmessage = (e) => {
                const frame = JSON.parse(e.data);
                if (frame.event === 'getOnlineUsers') {
                    document.getElementById('online').textContent = (frame.data || []).join(', ') || '-';
                }
                log('< ' + frame.event + ' ' + JSON.stringify(frame.data));
            };
            ws.onclose = () => {
                log('disconnected');
                document.getElementById('connectButton').textContent = 'Connect';
                document.getElementById('online').textContent = '-';
                ws = null;
            };
        }
    </script>
</body>
</html>`
