// Package presence tracks which users currently hold at least one live
// websocket connection. A user may be connected from several devices at once;
// they are online while any connection remains.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connection is the registry's view of a live socket. Enqueue must not block:
// implementations hand the payload to a buffered writer and report an error
// when the writer is gone or saturated.
type Connection interface {
	Enqueue(payload any) error
}

type Registry struct {
	mu       sync.Mutex
	conns    map[string]map[Connection]struct{}
	lastSeen map[string]time.Time
	logger   *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		conns:    make(map[string]map[Connection]struct{}),
		lastSeen: make(map[string]time.Time),
		logger:   logger,
	}
}

// Connect registers conn under userID. Registering the same connection twice
// is a no-op.
func (r *Registry) Connect(userID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[Connection]struct{})
		r.conns[userID] = set
	}
	set[conn] = struct{}{}
	r.lastSeen[userID] = time.Now().UTC()
}

// Disconnect removes conn from userID's set and drops the set once empty.
// Unknown connections are ignored.
func (r *Registry) Disconnect(userID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
	r.lastSeen[userID] = time.Now().UTC()
}

// Send enqueues payload on every connection userID currently holds. A failed
// enqueue counts as a transport failure: the connection is evicted and the
// remaining ones still receive the payload.
func (r *Registry) Send(userID string, payload any) {
	r.mu.Lock()
	targets := make([]Connection, 0, len(r.conns[userID]))
	for conn := range r.conns[userID] {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Enqueue(payload); err != nil {
			r.logger.Warnw("evicting unresponsive connection", "user_id", userID, "error", err)
			r.Disconnect(userID, conn)
		}
	}
}

// Broadcast sends payload to every user in userIDs.
func (r *Registry) Broadcast(userIDs []string, payload any) {
	for _, id := range userIDs {
		r.Send(id, payload)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// OnlineSubset filters userIDs down to those currently online, preserving
// order.
func (r *Registry) OnlineSubset(userIDs []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	online := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if len(r.conns[id]) > 0 {
			online = append(online, id)
		}
	}
	return online
}

// OnlineCount reports the number of distinct online users, not connections.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// LastSeen reports when userID last connected or disconnected. The zero time
// and false mean the user was never seen.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}
