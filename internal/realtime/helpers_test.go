package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records every frame delivered to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return false
	}
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	c.frames = append(c.frames, f)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events returns the frames received for the named event.
func (c *fakeConn) events(name string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastOnline(t *testing.T) []string {
	t.Helper()
	frames := c.events(EventOnlineUsers)
	require.NotEmpty(t, frames, "connection %s received no presence snapshot", c.id)
	var online []string
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &online))
	return online
}

func (c *fakeConn) messages(t *testing.T, event string) []Message {
	t.Helper()
	var out []Message
	for _, f := range c.events(event) {
		var m Message
		require.NoError(t, json.Unmarshal(f.Data, &m))
		out = append(out, m)
	}
	return out
}

// staticMembers serves persisted membership from a fixed map.
type staticMembers map[string][]string

func (s staticMembers) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	members, ok := s[groupID]
	if !ok {
		return nil, errGroupNotFound
	}
	return members, nil
}

var errGroupNotFound = errors.New("group not found")

// startHub runs a fresh hub for the duration of the test.
func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	hub := NewHub(opts...)
	go hub.Run()
	t.Cleanup(func() {
		_ = hub.Shutdown(time.Second)
	})
	return hub
}

// settle waits until the hub has processed every event submitted so far.
func settle(t *testing.T, hub *Hub) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	online, err := hub.OnlineUsers(ctx)
	require.NoError(t, err)
	return online
}

// connect opens an active session for userID on a new fake connection.
func connect(t *testing.T, hub *Hub, source MembershipSource, connID, userID string, groups ...string) (*Session, *fakeConn) {
	t.Helper()
	c := newFakeConn(connID)
	s := NewSession(c, hub, source, nil)
	require.NoError(t, s.Open(context.Background(), Identity{UserID: userID}, groups))
	settle(t, hub)
	return s, c
}
