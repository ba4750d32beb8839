package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// membershipFetchLimit bounds concurrent store reads while restoring groups.
const membershipFetchLimit = 8

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MembershipSource reads persisted group membership.
type MembershipSource interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// Identity is the user identity presented at handshake.
type Identity struct {
	UserID   string
	FullName string
}

// Session drives one connection from handshake to teardown:
//
//	Connecting --Open--> Active --Close--> Disconnected
//	Connecting --Open(no identity)--> Disconnected
//
// While Active, group joins and leaves are forwarded to the hub. Store reads
// happen on the caller's goroutine so the hub loop never waits on I/O.
// A Session is driven by a single goroutine; State may be read from any.
type Session struct {
	conn      Conn
	hub       *Hub
	source    MembershipSource
	logger    *zap.Logger
	state     atomic.Int32
	identity  Identity
	createdAt time.Time
}

// NewSession returns a Session in the Connecting state.
func NewSession(conn Conn, hub *Hub, source MembershipSource, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:      conn,
		hub:       hub,
		source:    source,
		logger:    logger.With(zap.String("conn_id", conn.ID())),
		createdAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identity returns the identity bound at handshake.
func (s *Session) Identity() Identity {
	return s.identity
}

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Open completes the handshake. Without a user identity the session moves
// straight to Disconnected and ErrNoIdentity is returned; nothing is
// registered and no presence broadcast happens. Otherwise the connection is
// registered and its channels for groupIDs are restored.
func (s *Session) Open(ctx context.Context, id Identity, groupIDs []string) error {
	if s.State() != StateConnecting {
		return fmt.Errorf("open session: %w", ErrNotActive)
	}
	if id.UserID == "" {
		s.state.Store(int32(StateDisconnected))
		return ErrNoIdentity
	}

	groupIDs = uniqueGroupIDs(groupIDs)
	memberships := s.fetchMemberships(ctx, groupIDs)
	if err := s.hub.Connect(ctx, id.UserID, s.conn, groupIDs, memberships); err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("register connection: %w", err)
	}

	s.identity = id
	s.state.Store(int32(StateActive))
	s.logger = s.logger.With(zap.String("user_id", id.UserID))
	s.logger.Debug("Session active", zap.String("full_name", id.FullName))
	return nil
}

// JoinGroups subscribes the connection to each group's channel it is a
// member of. Groups it is not a member of are skipped and logged by the hub.
func (s *Session) JoinGroups(ctx context.Context, groupIDs []string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	groupIDs = uniqueGroupIDs(groupIDs)
	if len(groupIDs) == 0 {
		return nil
	}
	return s.hub.JoinGroups(ctx, s.conn, groupIDs, s.fetchMemberships(ctx, groupIDs))
}

// JoinGroup subscribes the connection to groupID's channel.
func (s *Session) JoinGroup(ctx context.Context, groupID string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	if groupID == "" {
		return nil
	}
	members, err := s.source.GroupMembers(ctx, groupID)
	if err != nil {
		s.logger.Warn("Error loading group members for join",
			zap.String("group_id", groupID), zap.Error(err))
		return nil
	}
	return s.hub.JoinGroup(ctx, s.conn, groupID, members)
}

// LeaveGroup unsubscribes the connection from groupID's channel.
func (s *Session) LeaveGroup(ctx context.Context, groupID string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	return s.hub.LeaveGroup(ctx, s.conn, groupID)
}

// RequestPresence asks the hub to send the current presence set to this connection.
func (s *Session) RequestPresence(ctx context.Context) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	return s.hub.SendPresence(ctx, s.conn)
}

// Close moves the session to Disconnected. An active connection is removed
// from the registry and every channel; closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	prev := State(s.state.Swap(int32(StateDisconnected)))
	if prev != StateActive {
		return nil
	}
	if err := s.hub.Disconnect(ctx, s.conn); err != nil && !errors.Is(err, ErrHubClosed) {
		return fmt.Errorf("unregister connection: %w", err)
	}
	s.logger.Debug("Session closed", zap.Duration("lifetime", time.Since(s.createdAt)))
	return nil
}

func (s *Session) fetchMemberships(ctx context.Context, groupIDs []string) map[string][]string {
	if len(groupIDs) == 0 || s.source == nil {
		return nil
	}
	var (
		mu  sync.Mutex
		out = make(map[string][]string, len(groupIDs))
		g   errgroup.Group
	)
	g.SetLimit(membershipFetchLimit)
	for _, groupID := range groupIDs {
		g.Go(func() error {
			members, err := s.source.GroupMembers(ctx, groupID)
			if err != nil {
				s.logger.Warn("Error loading group members",
					zap.String("group_id", groupID), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[groupID] = members
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// uniqueGroupIDs drops blank and repeated identifiers, keeping first-seen order.
func uniqueGroupIDs(groupIDs []string) []string {
	seen := make(map[string]struct{}, len(groupIDs))
	out := make([]string, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		groupID = strings.TrimSpace(groupID)
		if groupID == "" {
			continue
		}
		if _, dup := seen[groupID]; dup {
			continue
		}
		seen[groupID] = struct{}{}
		out = append(out, groupID)
	}
	return out
}
