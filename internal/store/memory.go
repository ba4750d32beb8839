package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is safe for
// concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	groups   map[string]Group
	messages []Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]User),
		groups: make(map[string]Group),
	}
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context, excludeID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for id, u := range s.users {
		if id != excludeID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *MemoryStore) DirectMessages(_ context.Context, a, b string) ([]Message, error) {
	return s.filterMessages(func(m Message) bool {
		if m.GroupID != "" {
			return false
		}
		return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
	}), nil
}

func (s *MemoryStore) GroupMessages(_ context.Context, groupID string) ([]Message, error) {
	return s.filterMessages(func(m Message) bool { return m.GroupID == groupID }), nil
}

// filterMessages returns the matching messages in insertion order.
func (s *MemoryStore) filterMessages(keep func(Message) bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Message{}
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemoryStore) CreateGroup(_ context.Context, g *Group) error {
	now := time.Now().UTC()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	stored := *g
	stored.Members = slices.Clone(g.Members)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("group %q already exists", g.ID)
	}
	s.groups[g.ID] = stored
	return nil
}

func (s *MemoryStore) FindGroupByID(_ context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", id, ErrNotFound)
	}
	g.Members = slices.Clone(g.Members)
	return &g, nil
}

func (s *MemoryStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	g, err := s.FindGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

func (s *MemoryStore) AddMember(_ context.Context, groupID, userID string) (*Group, error) {
	return s.updateMembers(groupID, func(members []string) []string {
		return addUnique(members, userID)
	})
}

func (s *MemoryStore) RemoveMember(_ context.Context, groupID, userID string) (*Group, error) {
	return s.updateMembers(groupID, func(members []string) []string {
		return without(members, userID)
	})
}

func (s *MemoryStore) updateMembers(groupID string, update func([]string) []string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	g.Members = update(slices.Clone(g.Members))
	g.UpdatedAt = time.Now().UTC()
	s.groups[groupID] = g
	g.Members = slices.Clone(g.Members)
	return &g, nil
}

func (s *MemoryStore) GroupsOf(_ context.Context, userID string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Group{}
	for _, g := range s.groups {
		if g.HasMember(userID) {
			g.Members = slices.Clone(g.Members)
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
