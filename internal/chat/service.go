// Package chat implements message sending and group management on top of
// the store and the realtime hub. Every send is validated, persisted, then
// routed to live connections; delivery is best effort and never undoes a
// successful save.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/store"
)

var (
	// ErrForbidden is returned when the caller is not a member of the group.
	ErrForbidden = errors.New("not a member of this group")
	// ErrInvalidInput is returned for requests missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Publisher receives every stored message after it is saved.
type Publisher interface {
	PublishMessageSent(ctx context.Context, m *store.Message) error
}

// Router delivers a message to live connections.
type Router interface {
	Route(ctx context.Context, msg realtime.Message) (int, error)
}

// Service is the send pipeline shared by the HTTP API and socket events.
type Service struct {
	store     store.Store
	router    Router
	publisher Publisher
	logger    *zap.Logger

	publishTimeout time.Duration
}

// defaultPublishTimeout bounds how long a send waits on the event publisher.
const defaultPublishTimeout = 5 * time.Second

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithPublisher sets the publisher notified of every stored message.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithPublishTimeout bounds each publish. Non-positive values are ignored.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService returns a Service saving to st and delivering through router.
func NewService(st store.Store, router Router, opts ...Option) *Service {
	s := &Service{store: st, router: router, logger: zap.NewNop(), publishTimeout: defaultPublishTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() store.Store {
	return s.store
}

// SendDirect stores a message from senderID to receiverID and delivers it
// to every live connection of the receiver.
func (s *Service) SendDirect(ctx context.Context, senderID, receiverID, text, image string) (*store.Message, error) {
	if strings.TrimSpace(receiverID) == "" {
		return nil, fmt.Errorf("%w: receiverId is required", ErrInvalidInput)
	}
	if err := realtime.ValidatePayload(text, image); err != nil {
		return nil, err
	}

	msg := &store.Message{SenderID: senderID, ReceiverID: receiverID, Text: text, Image: image}
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendGroup stores a message from senderID to groupID and delivers it to
// every connection joined to the group's channel. The sender must be a
// persisted member.
func (s *Service) SendGroup(ctx context.Context, senderID, groupID, text, image string) (*store.Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("%w: groupId is required", ErrInvalidInput)
	}
	if err := realtime.ValidatePayload(text, image); err != nil {
		return nil, err
	}
	group, err := s.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(senderID) {
		return nil, ErrForbidden
	}

	msg := &store.Message{SenderID: senderID, GroupID: groupID, Text: text, Image: image}
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// deliver persists msg, routes it to live connections, then publishes it.
// Only the save can fail the send. The publish runs after routing under its
// own deadline so a stalled broker cannot hold back live delivery.
func (s *Service) deliver(ctx context.Context, msg *store.Message) error {
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	delivered, err := s.router.Route(ctx, ToRealtime(msg))
	if err != nil {
		s.logger.Warn("Stored message was not routed", zap.String("message_id", msg.ID), zap.Error(err))
	} else {
		s.logger.Debug("Message routed",
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID),
			zap.Int("connections", delivered))
	}

	s.publish(ctx, msg)
	return nil
}

// publish hands msg to the publisher, detached from the request's
// cancellation and bounded by the publish timeout.
func (s *Service) publish(ctx context.Context, msg *store.Message) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishMessageSent(pubCtx, msg); err != nil {
		s.logger.Error("Error publishing message event", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// ToRealtime converts a stored message to its wire form.
func ToRealtime(m *store.Message) realtime.Message {
	return realtime.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Text:       m.Text,
		Image:      m.Image,
		CreatedAt:  m.CreatedAt,
	}
}
