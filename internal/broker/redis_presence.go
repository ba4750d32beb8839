// Package broker mirrors realtime activity to external systems: the
// presence set to Redis and sent messages to Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceSnapshot is the payload published on the presence channel.
type PresenceSnapshot struct {
	Online []string  `json:"online"`
	At     time.Time `json:"at"`
}

// RedisPresence mirrors the hub's presence set into Redis. The set is
// stored under <prefix>:presence:online and every change is published on
// <prefix>:presence so other processes can follow along.
//
// PresenceChanged never blocks: snapshots are coalesced so only the most
// recent one is written when Redis is slower than presence churn.
type RedisPresence struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	write  func(ctx context.Context, online []string) error

	pending chan []string
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRedisPresence starts a mirror writing through client.
func NewRedisPresence(client *redis.Client, prefix string, logger *zap.Logger) *RedisPresence {
	p := newRedisPresence(prefix, logger)
	p.client = client
	p.write = p.store
	go p.run()
	return p
}

func newRedisPresence(prefix string, logger *zap.Logger) *RedisPresence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPresence{
		prefix:  prefix,
		logger:  logger.With(zap.String("component", "redis_presence")),
		pending: make(chan []string, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetKey holds the mirrored presence set.
func (p *RedisPresence) SetKey() string { return p.prefix + ":presence:online" }

// Channel carries PresenceSnapshot messages.
func (p *RedisPresence) Channel() string { return p.prefix + ":presence" }

// PresenceChanged queues online for writing, replacing any snapshot that
// has not been written yet. It is called from the hub goroutine only.
func (p *RedisPresence) PresenceChanged(online []string) {
	snapshot := append([]string(nil), online...)
	select {
	case p.pending <- snapshot:
		return
	default:
	}
	select {
	case <-p.pending:
	default:
	}
	select {
	case p.pending <- snapshot:
	default:
		p.logger.Warn("Dropped presence snapshot")
	}
}

func (p *RedisPresence) run() {
	defer close(p.stopped)
	for {
		select {
		case online := <-p.pending:
			p.flush(online)
		case <-p.stop:
			return
		}
	}
}

func (p *RedisPresence) flush(online []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.write(ctx, online); err != nil {
		p.logger.Error("Error mirroring presence to redis", zap.Int("online_users", len(online)), zap.Error(err))
	}
}

// store replaces the stored set and publishes the snapshot.
func (p *RedisPresence) store(ctx context.Context, online []string) error {
	payload, err := json.Marshal(PresenceSnapshot{Online: online, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode presence snapshot: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.SetKey())
		if len(online) > 0 {
			members := make([]any, len(online))
			for i, userID := range online {
				members[i] = userID
			}
			pipe.SAdd(ctx, p.SetKey(), members...)
		}
		pipe.Publish(ctx, p.Channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// Online reads the mirrored presence set, sorted.
func (p *RedisPresence) Online(ctx context.Context) ([]string, error) {
	online, err := p.client.SMembers(ctx, p.SetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	sort.Strings(online)
	return online, nil
}

// Close stops the writer and clears the mirrored set, since no user is
// connected to a stopped process.
func (p *RedisPresence) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		select {
		case <-p.stopped:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = p.write(ctx, nil)
	})
	return err
}
