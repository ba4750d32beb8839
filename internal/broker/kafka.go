package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/store"
)

// EventMessageSent is the type of events written for every stored message.
const EventMessageSent = "message.sent"

// MessageEvent is the Kafka record value for a sent message.
type MessageEvent struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
	At      time.Time     `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes message.sent events. Records are keyed by
// conversation so one conversation always lands on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, logger: logger.With(zap.String("component", "kafka_publisher"))}
}

// PublishMessageSent writes one event for m.
func (p *KafkaPublisher) PublishMessageSent(ctx context.Context, m *store.Message) error {
	value, err := json.Marshal(MessageEvent{Type: EventMessageSent, Message: *m, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode message event: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(ConversationKey(m)),
		Value: value,
		Time:  m.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventMessageSent)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("publish message %s: %w", m.ID, err)
	}
	p.logger.Debug("Published message event", zap.String("message_id", m.ID))
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ConversationKey identifies the conversation m belongs to: the group for
// group messages, or the unordered pair of participants for direct ones.
func ConversationKey(m *store.Message) string {
	if m.GroupID != "" {
		return "group:" + m.GroupID
	}
	pair := []string{m.SenderID, m.ReceiverID}
	sort.Strings(pair)
	return "direct:" + strings.Join(pair, ":")
}
