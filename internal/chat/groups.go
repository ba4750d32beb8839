package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/store"
)

// CreateGroup stores a new group administered by adminID. The admin is
// always a member; duplicate and blank member ids are dropped.
func (s *Service) CreateGroup(ctx context.Context, adminID, name string, members []string) (*store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}

	g := &store.Group{Name: name, Admin: adminID, Members: []string{adminID}}
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" && !g.HasMember(m) {
			g.Members = append(g.Members, m)
		}
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.logger.Info("Group created",
		zap.String("group_id", g.ID),
		zap.String("admin_id", adminID),
		zap.Int("members", len(g.Members)))
	return g, nil
}

// AddMember adds userID to the group's persisted membership. Only the admin
// may add members.
func (s *Service) AddMember(ctx context.Context, callerID, groupID, userID string) (*store.Group, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if err := s.requireAdmin(ctx, callerID, groupID); err != nil {
		return nil, err
	}
	return s.store.AddMember(ctx, groupID, userID)
}

// RemoveMember removes userID from the group's persisted membership. Only
// the admin may remove other members. Live channel subscriptions are left
// alone; they lapse when the connection leaves or disconnects.
func (s *Service) RemoveMember(ctx context.Context, callerID, groupID, userID string) (*store.Group, error) {
	if err := s.requireAdmin(ctx, callerID, groupID); err != nil {
		return nil, err
	}
	return s.store.RemoveMember(ctx, groupID, userID)
}

// LeaveGroup removes the caller from the group's persisted membership.
func (s *Service) LeaveGroup(ctx context.Context, userID, groupID string) (*store.Group, error) {
	if _, err := s.memberGroup(ctx, userID, groupID); err != nil {
		return nil, err
	}
	return s.store.RemoveMember(ctx, groupID, userID)
}

// GroupsOf lists the groups userID belongs to.
func (s *Service) GroupsOf(ctx context.Context, userID string) ([]store.Group, error) {
	return s.store.GroupsOf(ctx, userID)
}

// GroupHistory returns groupID's messages to one of its members.
func (s *Service) GroupHistory(ctx context.Context, callerID, groupID string) ([]store.Message, error) {
	if _, err := s.memberGroup(ctx, callerID, groupID); err != nil {
		return nil, err
	}
	return s.store.GroupMessages(ctx, groupID)
}

// DirectHistory returns the conversation between callerID and otherID.
func (s *Service) DirectHistory(ctx context.Context, callerID, otherID string) ([]store.Message, error) {
	return s.store.DirectMessages(ctx, callerID, otherID)
}

// Contacts lists every user other than callerID.
func (s *Service) Contacts(ctx context.Context, callerID string) ([]store.User, error) {
	return s.store.ListUsers(ctx, callerID)
}

func (s *Service) memberGroup(ctx context.Context, userID, groupID string) (*store.Group, error) {
	g, err := s.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(userID) {
		return nil, ErrForbidden
	}
	return g, nil
}

func (s *Service) requireAdmin(ctx context.Context, callerID, groupID string) error {
	g, err := s.store.FindGroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Admin != callerID {
		return fmt.Errorf("%w: only the group admin can change members", ErrForbidden)
	}
	return nil
}
