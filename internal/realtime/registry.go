package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is a live transport session for one device link. The registry only
// needs addressing, a best-effort send and a way to order a close.
type Conn interface {
	// DeviceLinkID is the registry key.
	DeviceLinkID() uuid.UUID
	IdentityID() uuid.UUID
	// Name identifies the connection in logs (conn-N/identity:link/handle).
	Name() string
	// Send enqueues a frame; it must not block the caller.
	Send(frame Frame) error
	// CloseWithReason signals the peer and tears the session down.
	CloseWithReason(reason string)
}

// Close reason sent to a connection evicted by a newer session for the
// same device link.
const ReasonDuplicateSession = "duplicate session"

// Registry is the process-wide table of live connections, keyed by device
// link id. It is the only shared mutable state in the delivery subsystem
// and is handed to collaborators explicitly — never a package global.
//
// All mutations are single critical sections on one mutex. Register must
// observe the previous occupant, evict it and install the replacement
// atomically; a load-then-store pair would leave a window where two
// connections both believe they hold the slot and a concurrently
// dispatched frame could go to either — or be lost between the two.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]Conn
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]Conn),
		logger: logger,
	}
}

// Register installs conn under its device link id. A previous occupant is
// told to close (policy violation, duplicate session) and replaced in the
// same critical section; it is returned so callers and tests can observe
// the eviction.
func (r *Registry) Register(conn Conn) Conn {
	key := conn.DeviceLinkID()

	r.mu.Lock()
	prev := r.conns[key]
	if prev != nil {
		prev.CloseWithReason(ReasonDuplicateSession)
	}
	r.conns[key] = conn
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn("register: evicted duplicate session",
			zap.String("prev", prev.Name()),
			zap.String("conn", conn.Name()),
		)
	}
	r.logger.Info("register: connected", zap.String("conn", conn.Name()))
	return prev
}

// Unregister removes conn only if it is still the current occupant. A
// delayed unregister from a just-evicted connection must not clobber the
// session that replaced it.
func (r *Registry) Unregister(conn Conn) bool {
	key := conn.DeviceLinkID()

	r.mu.Lock()
	curr, ok := r.conns[key]
	if !ok || curr != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, key)
	r.mu.Unlock()

	r.logger.Debug("unregister: disconnected", zap.String("conn", conn.Name()))
	return true
}

// SendTo pushes a frame to the live connection for a device link, if any.
// A missing connection is the normal offline case, reported as false, not
// an error — the recipient drains the packet via the pull path later.
func (r *Registry) SendTo(deviceLinkID uuid.UUID, frame Frame) bool {
	r.mu.RLock()
	conn, ok := r.conns[deviceLinkID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.Send(frame); err != nil {
		// The connection is on its way out; its read loop unregisters it.
		// The packet is already durable, so losing the push loses nothing.
		r.logger.Warn("sendTo: push failed",
			zap.String("conn", conn.Name()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
