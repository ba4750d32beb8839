package realtime

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// Router resolves outbound messages to live connections and queues them for
// delivery. Delivery is fire-and-forget: offline receivers and unknown
// groups are silent no-ops, and nothing is retried.
type Router struct {
	registry *Registry
	groups   *GroupIndex
	out      *dispatcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newRouter(registry *Registry, groups *GroupIndex, out *dispatcher, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{registry: registry, groups: groups, out: out, metrics: m, logger: logger}
}

// RouteDirect delivers msg as a newMessage event to every connection of
// msg.ReceiverID. Connections owned by the sender never receive it, since
// each sending device renders its own copy. It returns the number of
// connections the frame was queued on.
func (r *Router) RouteDirect(msg Message) (int, error) {
	if err := msg.Validate(); err != nil {
		r.metrics.Drop(metrics.ReasonRejected)
		return 0, err
	}

	receivers := r.registry.ConnectionsOf(msg.ReceiverID)
	if len(receivers) == 0 {
		r.metrics.Drop(metrics.ReasonOffline)
		r.logger.Debug("Receiver offline; message kept for history only",
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID))
		return 0, nil
	}

	sender := make(map[string]struct{})
	for _, c := range r.registry.ConnectionsOf(msg.SenderID) {
		sender[c.ID()] = struct{}{}
	}
	targets := make([]Conn, 0, len(receivers))
	for _, c := range receivers {
		if _, own := sender[c.ID()]; own {
			continue
		}
		targets = append(targets, c)
	}

	frame, err := EncodeFrame(EventNewMessage, msg)
	if err != nil {
		return 0, err
	}
	return r.out.send(EventNewMessage, frame, targets), nil
}

// RouteGroup delivers msg as a receiveGroupMessage event to every connection
// joined to msg.GroupID's channel, the sender's own devices included.
func (r *Router) RouteGroup(msg Message) (int, error) {
	if err := msg.Validate(); err != nil {
		r.metrics.Drop(metrics.ReasonRejected)
		return 0, err
	}

	targets := r.groups.ChannelConnections(msg.GroupID)
	if len(targets) == 0 {
		r.metrics.Drop(metrics.ReasonOffline)
		return 0, nil
	}

	frame, err := EncodeFrame(EventReceiveGroupMessage, msg)
	if err != nil {
		return 0, err
	}
	return r.out.send(EventReceiveGroupMessage, frame, targets), nil
}

// Route dispatches msg according to its kind.
func (r *Router) Route(msg Message) (int, error) {
	if msg.Kind() == KindGroup {
		return r.RouteGroup(msg)
	}
	return r.RouteDirect(msg)
}

// dispatcher queues frames on connections and remembers the ones whose send
// buffer was full so the hub can evict them after the current event.
type dispatcher struct {
	failed  map[string]Conn
	metrics *metrics.Metrics
}

func newDispatcher(m *metrics.Metrics) *dispatcher {
	return &dispatcher{failed: make(map[string]Conn), metrics: m}
}

func (d *dispatcher) send(event string, frame []byte, conns []Conn) int {
	delivered := 0
	for _, c := range conns {
		if _, failed := d.failed[c.ID()]; failed {
			continue
		}
		if c.Deliver(frame) {
			delivered++
			continue
		}
		d.failed[c.ID()] = c
		d.metrics.Drop(metrics.ReasonSlowConsumer)
	}
	d.metrics.Delivered(event, delivered)
	return delivered
}

// drain returns and forgets the connections that failed since the last call.
func (d *dispatcher) drain() []Conn {
	if len(d.failed) == 0 {
		return nil
	}
	out := sortedConns(d.failed)
	d.failed = make(map[string]Conn)
	return out
}
