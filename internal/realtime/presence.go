package realtime

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// PresenceObserver is notified with the full presence set after every
// presence edge. Implementations run on the hub goroutine and must not block.
type PresenceObserver interface {
	PresenceChanged(online []string)
}

// PresenceTracker derives the online set from the Registry and broadcasts
// it to every live connection whenever a user's presence flips.
type PresenceTracker struct {
	registry  *Registry
	out       *dispatcher
	observers []PresenceObserver
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// CurrentPresence returns the sorted identifiers of every present user.
func (p *PresenceTracker) CurrentPresence() []string {
	return p.registry.Users()
}

// Changed broadcasts the current presence set to all live connections. The
// hub calls it once per absent->present or present->absent edge.
func (p *PresenceTracker) Changed() {
	online := p.CurrentPresence()
	p.metrics.SetOnlineUsers(len(online))
	p.metrics.PresenceBroadcast()

	frame, err := EncodeFrame(EventOnlineUsers, online)
	if err != nil {
		p.logger.Error("Error encoding presence snapshot", zap.Error(err))
		return
	}
	n := p.out.send(EventOnlineUsers, frame, p.registry.All())
	p.logger.Debug("Broadcast presence", zap.Int("online_users", len(online)), zap.Int("targets", n))

	for _, o := range p.observers {
		o.PresenceChanged(online)
	}
}

// SendSnapshot delivers the current presence set to c alone.
func (p *PresenceTracker) SendSnapshot(c Conn) {
	frame, err := EncodeFrame(EventOnlineUsers, p.CurrentPresence())
	if err != nil {
		p.logger.Error("Error encoding presence snapshot", zap.Error(err))
		return
	}
	p.out.send(EventOnlineUsers, frame, []Conn{c})
}
