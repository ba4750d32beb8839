package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/store"
)

type recordingWriter struct {
	mu      sync.Mutex
	writes  [][]string
	started chan struct{}
	release chan struct{}
}

func (w *recordingWriter) write(_ context.Context, online []string) error {
	w.mu.Lock()
	first := len(w.writes) == 0
	w.writes = append(w.writes, online)
	w.mu.Unlock()
	if first {
		close(w.started)
		<-w.release
	}
	return nil
}

func (w *recordingWriter) snapshot() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string(nil), w.writes...)
}

// TestRedisPresenceCoalesces verifies that snapshots queued while a write is
// in flight collapse to the latest one.
func TestRedisPresenceCoalesces(t *testing.T) {
	w := &recordingWriter{started: make(chan struct{}), release: make(chan struct{})}
	p := newRedisPresence("test", nil)
	p.write = w.write
	go p.run()

	p.PresenceChanged([]string{"alice"})
	<-w.started

	p.PresenceChanged([]string{"alice", "bob"})
	p.PresenceChanged([]string{"bob"})
	close(w.release)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx), "close is idempotent")

	writes := w.snapshot()
	require.Len(t, writes, 3)
	assert.Equal(t, []string{"alice"}, writes[0])
	assert.Equal(t, []string{"bob"}, writes[1])
	assert.Empty(t, writes[2], "close clears the mirrored set")
}

func TestRedisPresenceKeys(t *testing.T) {
	p := newRedisPresence("gochat", nil)
	assert.Equal(t, "gochat:presence:online", p.SetKey())
	assert.Equal(t, "gochat:presence", p.Channel())
}

// TestRedisPresenceLive runs against a real server when GOCHAT_TEST_REDIS_ADDR is set.
func TestRedisPresenceLive(t *testing.T) {
	addr := os.Getenv("GOCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GOCHAT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	p := NewRedisPresence(client, "gochat-test-"+uuid.NewString()[:8], nil)
	sub := client.Subscribe(ctx, p.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p.PresenceChanged([]string{"bob", "alice"})

	select {
	case msg := <-sub.Channel():
		var snap PresenceSnapshot
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &snap))
		assert.Equal(t, []string{"bob", "alice"}, snap.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence snapshot published")
	}

	online, err := p.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	require.NoError(t, p.Close(ctx))
	online, err = p.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := newKafkaPublisher(w, nil)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := &store.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Text: "hi", CreatedAt: created}
	require.NoError(t, p.PublishMessageSent(context.Background(), msg))

	require.Len(t, w.msgs, 1)
	record := w.msgs[0]
	assert.Equal(t, "direct:alice:bob", string(record.Key))
	assert.Equal(t, created, record.Time)

	var event MessageEvent
	require.NoError(t, json.Unmarshal(record.Value, &event))
	assert.Equal(t, EventMessageSent, event.Type)
	assert.Equal(t, "m1", event.Message.ID)
	assert.Equal(t, "hi", event.Message.Text)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&fakeKafkaWriter{err: boom}, nil)
	err := p.PublishMessageSent(context.Background(), &store.Message{ID: "m1", GroupID: "g1"})
	assert.ErrorIs(t, err, boom)
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "group:g1", ConversationKey(&store.Message{SenderID: "a", GroupID: "g1"}))
	assert.Equal(t,
		ConversationKey(&store.Message{SenderID: "a", ReceiverID: "b"}),
		ConversationKey(&store.Message{SenderID: "b", ReceiverID: "a"}))
}
