package realtime

import "sort"

// Conn is a live, addressable channel to one client device.
//
// Deliver must not block: it enqueues frame for the connection's writer and
// reports false when the frame could not be queued. Close is called by the
// hub exactly when the connection leaves the routing tables.
type Conn interface {
	ID() string
	Deliver(frame []byte) bool
	Close()
}

// Registry maps user identifiers to their live connections. A user may hold
// several connections at once (one per device).
//
// Registry is not safe for concurrent use; the Hub event loop owns it.
type Registry struct {
	byUser map[string]map[string]Conn
	total  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]Conn)}
}

// Register adds c to userID's connections. Registering the same connection
// identifier twice is a no-op. It reports whether userID went from absent to
// present.
func (r *Registry) Register(userID string, c Conn) bool {
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	if _, exists := conns[c.ID()]; exists {
		return false
	}
	conns[c.ID()] = c
	r.total++
	return len(conns) == 1
}

// Unregister removes c from userID's connections and reports whether userID
// went from present to absent. Unknown connections are ignored.
func (r *Registry) Unregister(userID string, c Conn) bool {
	conns, ok := r.byUser[userID]
	if !ok {
		return false
	}
	if _, exists := conns[c.ID()]; !exists {
		return false
	}
	delete(conns, c.ID())
	r.total--
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// ConnectionsOf returns userID's live connections ordered by connection id.
// The result is empty when the user is absent.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	return sortedConns(r.byUser[userID])
}

// IsPresent reports whether userID holds at least one live connection.
func (r *Registry) IsPresent(userID string) bool {
	return len(r.byUser[userID]) > 0
}

// Users returns the sorted identifiers of every present user.
func (r *Registry) Users() []string {
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// All returns every live connection across all users.
func (r *Registry) All() []Conn {
	all := make([]Conn, 0, r.total)
	for _, userID := range r.Users() {
		all = append(all, sortedConns(r.byUser[userID])...)
	}
	return all
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return r.total
}

func sortedConns(set map[string]Conn) []Conn {
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}
