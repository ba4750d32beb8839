package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// Hub is the single event loop that owns the Registry, GroupIndex,
// PresenceTracker and Router. Every mutation and routing decision runs to
// completion inside Run, so none of those structures need locking.
// Connections and HTTP handlers talk to the hub through the exported
// methods, which hand typed events to the loop over unbuffered channels.
type Hub struct {
	registry *Registry
	groups   *GroupIndex
	presence *PresenceTracker
	router   *Router
	out      *dispatcher
	members  map[string]member // conn id -> owner

	register   chan registration
	unregister chan Conn
	membership chan membershipChange
	route      chan routeRequest
	query      chan presenceQuery

	metrics *metrics.Metrics
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type member struct {
	conn   Conn
	userID string
}

type registration struct {
	userID      string
	conn        Conn
	memberships map[string][]string
	groupIDs    []string
}

type membershipOp int

const (
	opJoin membershipOp = iota
	opBulkJoin
	opLeave
)

type membershipChange struct {
	op          membershipOp
	conn        Conn
	groupIDs    []string
	memberships map[string][]string
}

type routeResult struct {
	delivered int
	err       error
}

type routeRequest struct {
	msg   Message
	reply chan routeResult
}

type presenceQuery struct {
	conn  Conn
	reply chan []string
}

// HubOption configures optional collaborators of a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records hub activity in m.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithPresenceObserver adds an observer notified after every presence broadcast.
func WithPresenceObserver(o PresenceObserver) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.presence.observers = append(h.presence.observers, o)
		}
	}
}

// NewHub creates a Hub with empty routing tables. Call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   NewRegistry(),
		members:    make(map[string]member),
		register:   make(chan registration),
		unregister: make(chan Conn),
		membership: make(chan membershipChange),
		route:      make(chan routeRequest),
		query:      make(chan presenceQuery),
		logger:     zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.presence = &PresenceTracker{registry: h.registry}
	for _, opt := range opts {
		opt(h)
	}

	h.out = newDispatcher(h.metrics)
	h.groups = NewGroupIndex(h.logger)
	h.presence.out = h.out
	h.presence.metrics = h.metrics
	h.presence.logger = h.logger
	h.router = newRouter(h.registry, h.groups, h.out, h.metrics, h.logger)
	return h
}

// Run processes hub events until Shutdown is called. It should be run in its
// own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case reg := <-h.register:
			h.handleRegister(reg)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case change := <-h.membership:
			h.handleMembership(change)

		case req := <-h.route:
			delivered, err := h.router.Route(req.msg)
			req.reply <- routeResult{delivered: delivered, err: err}

		case q := <-h.query:
			if q.conn != nil {
				if _, ok := h.members[q.conn.ID()]; ok {
					h.presence.SendSnapshot(q.conn)
				}
			}
			if q.reply != nil {
				q.reply <- h.presence.CurrentPresence()
			}
		}
		h.evictFailed()
	}
}

// Connect registers c for userID and restores its channel subscriptions for
// groupIDs, each checked against memberships. The presence set is broadcast
// when userID was previously absent; otherwise c alone receives a snapshot.
func (h *Hub) Connect(ctx context.Context, userID string, c Conn, groupIDs []string, memberships map[string][]string) error {
	return submit(ctx, h, h.register, registration{
		userID:      userID,
		conn:        c,
		groupIDs:    groupIDs,
		memberships: memberships,
	})
}

// Disconnect removes c from the registry and from every channel it joined,
// then closes it. Unknown connections are ignored.
func (h *Hub) Disconnect(ctx context.Context, c Conn) error {
	return submit(ctx, h, h.unregister, c)
}

// JoinGroup adds c to groupID's channel when c's user is in members.
func (h *Hub) JoinGroup(ctx context.Context, c Conn, groupID string, members []string) error {
	return submit(ctx, h, h.membership, membershipChange{
		op:          opJoin,
		conn:        c,
		groupIDs:    []string{groupID},
		memberships: map[string][]string{groupID: members},
	})
}

// JoinGroups adds c to every channel in groupIDs whose member list contains c's user.
func (h *Hub) JoinGroups(ctx context.Context, c Conn, groupIDs []string, memberships map[string][]string) error {
	return submit(ctx, h, h.membership, membershipChange{
		op:          opBulkJoin,
		conn:        c,
		groupIDs:    groupIDs,
		memberships: memberships,
	})
}

// LeaveGroup removes c from groupID's channel.
func (h *Hub) LeaveGroup(ctx context.Context, c Conn, groupID string) error {
	return submit(ctx, h, h.membership, membershipChange{
		op:       opLeave,
		conn:     c,
		groupIDs: []string{groupID},
	})
}

// Route dispatches msg and waits for the number of connections it was
// queued on. Empty messages are rejected with ErrEmptyMessage.
func (h *Hub) Route(ctx context.Context, msg Message) (int, error) {
	reply := make(chan routeResult, 1)
	if err := submit(ctx, h, h.route, routeRequest{msg: msg, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.delivered, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// OnlineUsers returns the current sorted presence set.
func (h *Hub) OnlineUsers(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := submit(ctx, h, h.query, presenceQuery{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case online := <-reply:
		return online, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendPresence delivers the current presence set to c alone.
func (h *Hub) SendPresence(ctx context.Context, c Conn) error {
	return submit(ctx, h, h.query, presenceQuery{conn: c})
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func submit[T any](ctx context.Context, h *Hub, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handleRegister(reg registration) {
	if reg.conn == nil || reg.userID == "" {
		h.logger.Warn("Received registration without connection or user; skipping")
		return
	}

	h.members[reg.conn.ID()] = member{conn: reg.conn, userID: reg.userID}
	becamePresent := h.registry.Register(reg.userID, reg.conn)
	h.metrics.SetConnections(h.registry.Count())
	h.logger.Info("Client registered",
		zap.String("conn_id", reg.conn.ID()),
		zap.String("user_id", reg.userID),
		zap.Int("total_clients", h.registry.Count()))

	if becamePresent {
		h.presence.Changed()
	} else {
		h.presence.SendSnapshot(reg.conn)
	}

	if len(reg.groupIDs) > 0 {
		joined := h.groups.BulkJoin(reg.groupIDs, reg.userID, reg.conn, reg.memberships)
		h.recordJoins(len(joined), len(reg.groupIDs)-len(joined))
		h.logger.Info("Restored group channels",
			zap.String("conn_id", reg.conn.ID()),
			zap.Strings("group_ids", joined))
	}
}

func (h *Hub) handleUnregister(c Conn) {
	if c == nil {
		return
	}
	m, ok := h.members[c.ID()]
	if !ok {
		return
	}
	h.remove(m)
	h.logger.Info("Client unregistered",
		zap.String("conn_id", c.ID()),
		zap.String("user_id", m.userID),
		zap.Int("total_clients", h.registry.Count()))
}

// remove drops m from every routing table, closes it, and broadcasts
// presence if its user went offline.
func (h *Hub) remove(m member) {
	delete(h.members, m.conn.ID())
	becameAbsent := h.registry.Unregister(m.userID, m.conn)
	h.groups.LeaveAll(m.userID, m.conn)
	m.conn.Close()
	h.metrics.SetConnections(h.registry.Count())
	if becameAbsent {
		h.presence.Changed()
	}
}

func (h *Hub) handleMembership(change membershipChange) {
	m, ok := h.members[change.conn.ID()]
	if !ok {
		h.logger.Debug("Membership change for unregistered connection; skipping",
			zap.String("conn_id", change.conn.ID()))
		return
	}

	switch change.op {
	case opJoin:
		groupID := change.groupIDs[0]
		result := h.groups.Join(groupID, m.userID, m.conn, change.memberships[groupID])
		if result == JoinRejected {
			h.recordJoins(0, 1)
			return
		}
		h.recordJoins(1, 0)
		h.logger.Info("Client joined group",
			zap.String("conn_id", m.conn.ID()),
			zap.String("user_id", m.userID),
			zap.String("group_id", groupID))
		if result == JoinFirst {
			h.notifyGroup(groupID, fmt.Sprintf("User %s joined the group", m.userID))
		}

	case opBulkJoin:
		joined := h.groups.BulkJoin(change.groupIDs, m.userID, m.conn, change.memberships)
		h.recordJoins(len(joined), len(change.groupIDs)-len(joined))
		h.logger.Info("Client joined groups",
			zap.String("conn_id", m.conn.ID()),
			zap.String("user_id", m.userID),
			zap.Strings("group_ids", joined))

	case opLeave:
		groupID := change.groupIDs[0]
		if h.groups.Leave(groupID, m.userID, m.conn) {
			h.logger.Info("User left group channel",
				zap.String("user_id", m.userID),
				zap.String("group_id", groupID))
		}
	}
}

func (h *Hub) notifyGroup(groupID, text string) {
	frame, err := EncodeFrame(EventGroupNotification, GroupNotification{Message: text, GroupID: groupID})
	if err != nil {
		h.logger.Error("Error encoding group notification", zap.Error(err))
		return
	}
	h.out.send(EventGroupNotification, frame, h.groups.ChannelConnections(groupID))
}

func (h *Hub) recordJoins(accepted, rejected int) {
	for i := 0; i < accepted; i++ {
		h.metrics.GroupJoin("accepted")
	}
	for i := 0; i < rejected; i++ {
		h.metrics.GroupJoin("rejected")
	}
}

// evictFailed disconnects connections whose send buffer was full. Eviction
// can itself broadcast presence, so it repeats until nothing else fails.
func (h *Hub) evictFailed() {
	for {
		failed := h.out.drain()
		if len(failed) == 0 {
			return
		}
		for _, c := range failed {
			m, ok := h.members[c.ID()]
			if !ok {
				continue
			}
			h.logger.Warn("Client removed due to full send buffer",
				zap.String("conn_id", c.ID()),
				zap.String("user_id", m.userID))
			h.remove(m)
		}
	}
}

// shutdownClients closes every live connection without broadcasting presence.
func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections...")

	conns := h.registry.All()
	for _, c := range conns {
		c.Close()
	}
	clear(h.members)
	h.metrics.SetConnections(0)

	h.logger.Info("Closed client connections", zap.Int("count", len(conns)))
}

// Shutdown stops the event loop, closes every connection, and waits up to
// timeout for Run to return.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")
	h.cancel()

	select {
	case <-h.done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
