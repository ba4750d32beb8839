package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/realtime"
)

func TestWebSocketRejectsMissingIdentity(t *testing.T) {
	env := newTestEnv(t)

	conn, resp, err := dial(env.wsURL(url.Values{"fullName": {"nobody"}}), testOrigin)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	online, err := env.hub.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestWebSocketVerifiedHandshake(t *testing.T) {
	env := newTestEnv(t, withVerifiedHandshake())

	_, resp, err := dial(env.wsURL(url.Values{"userId": {"alice"}}), testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := env.verifier.Issue("alice", time.Minute)
	require.NoError(t, err)
	conn, resp, err := dial(env.wsURL(url.Values{"token": {token}}), testOrigin)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	assert.Equal(t, []string{"alice"}, readOnline(t, conn))
}

func TestWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		ok      bool
	}{
		{name: "allowed", allowed: []string{testOrigin}, origin: testOrigin, ok: true},
		{name: "case insensitive", allowed: []string{"http://example.com"}, origin: "HTTP://Example.COM", ok: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://another.com", ok: true},
		{name: "disallowed", allowed: []string{testOrigin}, origin: "http://evil.com"},
		{name: "missing", allowed: []string{"*"}, origin: ""},
		{name: "malformed", allowed: []string{"*"}, origin: "not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withOrigins(tt.allowed...))
			conn, resp, err := dial(env.wsURL(url.Values{"userId": {"alice"}}), tt.origin)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if tt.ok {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWebSocketPresence(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dialAs(t, "alice")
	assert.Equal(t, []string{"alice"}, readOnline(t, alice))

	bob := env.dialAs(t, "bob")
	assert.Equal(t, []string{"alice", "bob"}, readOnline(t, bob))
	assert.Equal(t, []string{"alice", "bob"}, readOnline(t, alice))

	// A second device for a present user gets a snapshot without a broadcast.
	bob2 := env.dialAs(t, "bob")
	assert.Equal(t, []string{"alice", "bob"}, readOnline(t, bob2))

	emit(t, alice, realtime.EventOnlineUsers, nil)
	assert.Equal(t, []string{"alice", "bob"}, readOnline(t, alice))

	require.NoError(t, bob.Close())
	require.NoError(t, bob2.Close())
	assert.Equal(t, []string{"alice"}, readOnline(t, alice))
}

func TestWebSocketDirectMessage(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dialAs(t, "alice")
	readOnline(t, alice)
	bob := env.dialAs(t, "bob")
	readOnline(t, bob)

	emit(t, alice, realtime.EventSendMessage, map[string]string{"receiverId": "bob", "text": "hi bob"})

	var msg realtime.Message
	require.NoError(t, json.Unmarshal(readEvent(t, bob, realtime.EventNewMessage).Data, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.Equal(t, "hi bob", msg.Text)
	assert.NotEmpty(t, msg.ID)

	history, err := env.store.DirectMessages(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestWebSocketGroupMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, err := env.chat.CreateGroup(ctx, "alice", "team", []string{"bob"})
	require.NoError(t, err)

	alice := env.dialAs(t, "alice", g.ID)
	readOnline(t, alice)
	bob := env.dialAs(t, "bob")
	readOnline(t, bob)

	emit(t, bob, realtime.EventJoinGroup, map[string]string{"groupId": g.ID})
	var note realtime.GroupNotification
	require.NoError(t, json.Unmarshal(readEvent(t, alice, realtime.EventGroupNotification).Data, &note))
	assert.Equal(t, g.ID, note.GroupID)
	assert.Contains(t, note.Message, "bob")

	emit(t, bob, realtime.EventGroupMessage, map[string]string{"groupId": g.ID, "text": "hello team"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var msg realtime.Message
		require.NoError(t, json.Unmarshal(readEvent(t, conn, realtime.EventReceiveGroupMessage).Data, &msg))
		assert.Equal(t, g.ID, msg.GroupID)
		assert.Equal(t, "hello team", msg.Text)
	}
}

func TestWebSocketLeaveGroupStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.chat.CreateGroup(context.Background(), "alice", "team", []string{"bob"})
	require.NoError(t, err)

	alice := env.dialAs(t, "alice", g.ID)
	readOnline(t, alice)
	bob := env.dialAs(t, "bob", g.ID)
	readOnline(t, bob)

	emit(t, bob, realtime.EventLeaveGroup, g.ID)
	emit(t, bob, realtime.EventGroupMessage, map[string]string{"groupId": g.ID, "text": "anyone?"})

	// The sender no longer holds the channel, so only alice hears it.
	readEvent(t, alice, realtime.EventReceiveGroupMessage)
	emit(t, bob, realtime.EventOnlineUsers, nil)
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := bob.ReadMessage()
		require.NoError(t, err)
		var f realtime.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		require.NotEqual(t, realtime.EventReceiveGroupMessage, f.Event)
		if f.Event == realtime.EventOnlineUsers {
			return
		}
	}
}

func TestWebSocketErrorEvents(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.chat.CreateGroup(context.Background(), "bob", "private", nil)
	require.NoError(t, err)

	alice := env.dialAs(t, "alice")
	readOnline(t, alice)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "malformed frame", frame: []byte("{not json")},
		{name: "empty message", frame: mustFrame(t, realtime.EventSendMessage, map[string]string{"receiverId": "bob"})},
		{name: "missing receiver", frame: mustFrame(t, realtime.EventSendMessage, map[string]string{"text": "hi"})},
		{name: "not a member", frame: mustFrame(t, realtime.EventGroupMessage, map[string]string{"groupId": other.ID, "text": "hi"})},
		{name: "unknown group", frame: mustFrame(t, realtime.EventGroupMessage, map[string]string{"groupId": "missing", "text": "hi"})},
		{name: "bad joinGroups payload", frame: mustFrame(t, realtime.EventJoinGroups, "g1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, alice.WriteMessage(websocket.TextMessage, tt.frame))
			var notice realtime.ErrorNotice
			require.NoError(t, json.Unmarshal(readEvent(t, alice, realtime.EventError).Data, &notice))
			assert.NotEmpty(t, notice.Message)
		})
	}
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/ws", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestClientDeliverNeverBlocks(t *testing.T) {
	env := newTestEnv(t)
	c := NewClient(nil, env.server, "127.0.0.1:1")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.Deliver([]byte("{}")))
	}
	assert.False(t, c.Deliver([]byte("{}")), "full buffer must refuse")

	<-c.GetSendChan()
	c.Close()
	c.Close()
	assert.False(t, c.Deliver([]byte("{}")), "closed client must refuse")
}

func TestDecodeGroupID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: `"g1"`, want: "g1", ok: true},
		{raw: `{"groupId":"g2"}`, want: "g2", ok: true},
		{raw: `""`},
		{raw: `{}`},
		{raw: `42`},
	}
	for _, tt := range tests {
		got, ok := decodeGroupID(json.RawMessage(tt.raw))
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func mustFrame(t *testing.T, event string, data any) []byte {
	t.Helper()
	frame, err := realtime.EncodeFrame(event, data)
	require.NoError(t, err)
	return frame
}

func TestWebSocketConcurrentClients(t *testing.T) {
	env := newTestEnv(t)
	const numClients = 8

	watcher := env.dialAs(t, "watcher")
	readOnline(t, watcher)

	var wg sync.WaitGroup
	errs := make(chan error, numClients)
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := url.Values{"userId": {fmt.Sprintf("user-%d", i)}}
			conn, resp, err := dial(env.wsURL(query), testOrigin)
			if err != nil {
				errs <- err
				return
			}
			_ = resp.Body.Close()
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err = conn.ReadMessage()
			_ = conn.Close()
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every client has gone again, so the watcher settles on itself.
	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		online := readOnline(t, watcher)
		if len(online) == 1 {
			assert.Equal(t, []string{"watcher"}, online)
			return
		}
	}
}
