package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/pkg/logger"
	"courier/pkg/models"
)

// Conn is one live device connection. Send is best-effort with a short
// internal deadline; a failed send means the device is unreachable.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Session is a single device attachment for a user. A user may hold
// several concurrently (phone and laptop, say); pushes fan out to all.
type Session struct {
	UserID      string
	DeviceID    string
	ConnectedAt time.Time
	conn        Conn
}

// Registry tracks live sessions per user. It answers exact reachability
// for this node, as opposed to the presence cache which is advisory and
// cluster-wide.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string][]*Session)}
}

// Register attaches a device connection for a user.
func (r *Registry) Register(userID, deviceID string, conn Conn) *Session {
	s := &Session{
		UserID:      userID,
		DeviceID:    deviceID,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
	r.mu.Lock()
	r.sessions[userID] = append(r.sessions[userID], s)
	n := len(r.sessions[userID])
	r.mu.Unlock()

	logger.Log.Info("session_registered",
		zap.String("user", userID), zap.String("device", deviceID), zap.Int("devices", n))
	return s
}

// Unregister detaches a session. Returns true when it was the user's
// last device, i.e. the user just went unreachable on this node.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sessions[s.UserID]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.sessions, s.UserID)
		logger.Log.Info("session_last_device_gone", zap.String("user", s.UserID))
		return true
	}
	r.sessions[s.UserID] = list
	return false
}

// IsConnected reports whether the user has at least one live session.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// Users returns the number of distinct connected users.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Push sends data to every device the user has attached. Delivery
// counts if at least one device accepted the frame; an error means
// the user is unreachable and the caller should fall back to the
// queued path.
func (r *Registry) Push(userID string, data []byte) error {
	r.mu.RLock()
	targets := make([]*Session, len(r.sessions[userID]))
	copy(targets, r.sessions[userID])
	r.mu.RUnlock()

	if len(targets) == 0 {
		return models.Transientf("user %s has no live session", userID)
	}

	delivered := 0
	for _, s := range targets {
		if err := s.conn.Send(data); err != nil {
			logger.Log.Warn("session_push_failed",
				zap.String("user", userID), zap.String("device", s.DeviceID), zap.Error(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return models.Transientf("all %d devices for %s refused the push", len(targets), userID)
	}
	return nil
}

// CloseAll closes every session, typically during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string][]*Session)
	r.mu.Unlock()

	for _, list := range all {
		for _, s := range list {
			_ = s.conn.Close()
		}
	}
}
