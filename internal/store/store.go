// Package store persists users, groups and messages for the chat service.
//
// Two backends are provided: MemoryStore for development and tests, and
// MongoStore backed by MongoDB. Both return ErrNotFound for unknown ids.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a user or group does not exist.
var ErrNotFound = errors.New("not found")

// User is a registered chat user.
type User struct {
	ID         string    `bson:"_id" json:"_id"`
	FullName   string    `bson:"fullName" json:"fullName"`
	Email      string    `bson:"email,omitempty" json:"email,omitempty"`
	ProfilePic string    `bson:"profilePic,omitempty" json:"profilePic,omitempty"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
}

// Group is a named set of members with a single admin.
type Group struct {
	ID        string    `bson:"_id" json:"_id"`
	Name      string    `bson:"name" json:"name"`
	Admin     string    `bson:"admin" json:"admin"`
	Members   []string  `bson:"members" json:"members"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// HasMember reports whether userID is a persisted member of g.
func (g *Group) HasMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// Message is a stored direct or group message. Exactly one of ReceiverID
// and GroupID is set.
type Message struct {
	ID         string    `bson:"_id" json:"_id"`
	SenderID   string    `bson:"senderId" json:"senderId"`
	ReceiverID string    `bson:"receiverId,omitempty" json:"receiverId,omitempty"`
	GroupID    string    `bson:"groupId,omitempty" json:"groupId,omitempty"`
	Text       string    `bson:"text,omitempty" json:"text,omitempty"`
	Image      string    `bson:"image,omitempty" json:"image,omitempty"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
}

// Store is the persistence contract consumed by the chat service, the HTTP
// API and the realtime session (through GroupMembers).
type Store interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context, excludeID string) ([]User, error)

	// SaveMessage assigns an id and creation time when missing, then stores m.
	SaveMessage(ctx context.Context, m *Message) error
	// DirectMessages returns the conversation between a and b, oldest first.
	DirectMessages(ctx context.Context, a, b string) ([]Message, error)
	// GroupMessages returns groupID's messages, oldest first.
	GroupMessages(ctx context.Context, groupID string) ([]Message, error)

	// CreateGroup assigns an id and timestamps when missing, then stores g.
	CreateGroup(ctx context.Context, g *Group) error
	FindGroupByID(ctx context.Context, id string) (*Group, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	AddMember(ctx context.Context, groupID, userID string) (*Group, error)
	RemoveMember(ctx context.Context, groupID, userID string) (*Group, error)
	// GroupsOf returns every group userID is a member of, by creation time.
	GroupsOf(ctx context.Context, userID string) ([]Group, error)
}

// addUnique appends v to s unless it is already present.
func addUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// without returns s with every occurrence of v removed.
func without(s []string, v string) []string {
	out := make([]string, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
