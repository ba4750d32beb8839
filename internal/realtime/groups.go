package realtime

import (
	"slices"
	"sort"

	"go.uber.org/zap"
)

// JoinResult describes the outcome of GroupIndex.Join.
type JoinResult int

const (
	// JoinRejected means the user is not a persisted member of the group.
	JoinRejected JoinResult = iota
	// JoinAdded means the connection joined a channel the user was already in.
	JoinAdded
	// JoinFirst means this is the user's first connection in the channel.
	JoinFirst
)

// GroupIndex tracks which connections have joined each group's routing
// channel. Channel membership is always granted against a member list the
// caller read from the store; the index never grants access on its own.
//
// GroupIndex is not safe for concurrent use; the Hub event loop owns it.
type GroupIndex struct {
	channels map[string]map[string]map[string]Conn // group -> user -> conn id -> conn
	joined   map[string]map[string]struct{}        // conn id -> groups
	logger   *zap.Logger
}

// NewGroupIndex returns an empty index.
func NewGroupIndex(logger *zap.Logger) *GroupIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupIndex{
		channels: make(map[string]map[string]map[string]Conn),
		joined:   make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Join adds c to groupID's channel when userID appears in members.
func (g *GroupIndex) Join(groupID, userID string, c Conn, members []string) JoinResult {
	if !slices.Contains(members, userID) {
		g.logger.Warn("Rejected group join from non-member",
			zap.String("group_id", groupID),
			zap.String("user_id", userID),
			zap.String("conn_id", c.ID()))
		return JoinRejected
	}

	users, ok := g.channels[groupID]
	if !ok {
		users = make(map[string]map[string]Conn)
		g.channels[groupID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]Conn)
		users[userID] = conns
	}
	first := len(conns) == 0
	conns[c.ID()] = c

	groups, ok := g.joined[c.ID()]
	if !ok {
		groups = make(map[string]struct{})
		g.joined[c.ID()] = groups
	}
	groups[groupID] = struct{}{}

	if first {
		return JoinFirst
	}
	return JoinAdded
}

// BulkJoin joins c to every group in groupIDs, checking each against
// membersByGroup. It returns the groups that were actually joined.
func (g *GroupIndex) BulkJoin(groupIDs []string, userID string, c Conn, membersByGroup map[string][]string) []string {
	joined := make([]string, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		if g.Join(groupID, userID, c, membersByGroup[groupID]) != JoinRejected {
			joined = append(joined, groupID)
		}
	}
	return joined
}

// Leave removes c from groupID's channel. It reports whether userID has no
// connection left in the channel. Persisted membership is not touched.
func (g *GroupIndex) Leave(groupID, userID string, c Conn) bool {
	if groups, ok := g.joined[c.ID()]; ok {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(g.joined, c.ID())
		}
	}

	users, ok := g.channels[groupID]
	if !ok {
		return false
	}
	conns, ok := users[userID]
	if !ok {
		return false
	}
	if _, exists := conns[c.ID()]; !exists {
		return false
	}
	delete(conns, c.ID())
	if len(conns) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(g.channels, groupID)
	}
	return true
}

// LeaveAll removes c from every channel it joined and returns those groups.
func (g *GroupIndex) LeaveAll(userID string, c Conn) []string {
	groups := g.GroupsOf(c)
	for _, groupID := range groups {
		g.Leave(groupID, userID, c)
	}
	return groups
}

// ChannelConnections returns every connection joined to groupID's channel.
func (g *GroupIndex) ChannelConnections(groupID string) []Conn {
	users := g.channels[groupID]
	var out []Conn
	for _, userID := range sortedKeys(users) {
		out = append(out, sortedConns(users[userID])...)
	}
	return out
}

// ChannelUsers returns the sorted users with at least one connection in groupID's channel.
func (g *GroupIndex) ChannelUsers(groupID string) []string {
	return sortedKeys(g.channels[groupID])
}

// GroupsOf returns the sorted groups whose channels c has joined.
func (g *GroupIndex) GroupsOf(c Conn) []string {
	groups := g.joined[c.ID()]
	out := make([]string, 0, len(groups))
	for groupID := range groups {
		out = append(out, groupID)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
