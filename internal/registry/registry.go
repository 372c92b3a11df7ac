package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-relay/internal/session"
	"github.com/google/uuid"
)

// ErrUnregistered is the close reason of sessions removed by Unregister.
var ErrUnregistered = errors.New("connection unregistered")

// Unsubscriber drops every topic subscription a session holds.
type Unsubscriber interface {
	UnsubscribeAll(sess *session.Session)
}

// Registry owns the live sessions of this gateway instance, indexed by
// connection id and by user id.
type Registry struct {
	conns map[uuid.UUID]*session.Session
	users map[string]map[uuid.UUID]*session.Session

	connMu sync.RWMutex
	userMu sync.RWMutex

	unsub  Unsubscriber
	logger *slog.Logger
}

func New(logger *slog.Logger, unsub Unsubscriber) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*session.Session),
		users:  make(map[string]map[uuid.UUID]*session.Session),
		unsub:  unsub,
		logger: logger.With(slog.String("component", "connection_registry")),
	}
}

// Register adds an authenticated session. A session is registered under the
// connection id and user id it carries.
func (r *Registry) Register(sess *session.Session) error {
	userID := sess.UserID()
	if userID == "" {
		return errors.New("cannot register a session without a user")
	}
	if st := sess.State(); st != session.Active {
		return fmt.Errorf("cannot register session in state %s", st)
	}

	connID := sess.ID()
	r.connMu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.connMu.Unlock()
		return errors.New("connection is already registered")
	}
	r.conns[connID] = sess
	r.connMu.Unlock()

	r.userMu.Lock()
	byConn, ok := r.users[userID]
	if !ok {
		byConn = make(map[uuid.UUID]*session.Session)
		r.users[userID] = byConn
	}
	byConn[connID] = sess
	r.userMu.Unlock()

	r.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("userID", userID))
	return nil
}

// Unregister removes the session, drops its subscriptions and closes it.
// Unknown and already-removed ids are no-ops.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.connMu.Lock()
	sess, ok := r.conns[connID]
	if !ok {
		// connection is already deregistered
		r.connMu.Unlock()
		return
	}
	delete(r.conns, connID)
	r.connMu.Unlock()

	userID := sess.UserID()
	r.userMu.Lock()
	if byConn, ok := r.users[userID]; ok {
		delete(byConn, connID)
		if len(byConn) == 0 {
			delete(r.users, userID)
		}
	}
	r.userMu.Unlock()

	// subscriptions go first so no topic delivers into a released queue.
	if r.unsub != nil {
		r.unsub.UnsubscribeAll(sess)
	}
	sess.Close(ErrUnregistered)
	r.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("userID", userID))
}

func (r *Registry) Get(connID uuid.UUID) (*session.Session, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	sess, ok := r.conns[connID]
	return sess, ok
}

// Lookup returns every live session of userID.
func (r *Registry) Lookup(userID string) []*session.Session {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	byConn := r.users[userID]
	out := make([]*session.Session, 0, len(byConn))
	for _, s := range byConn {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count(userID string) int {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.users[userID])
}

// Oldest returns the user's longest-lived session.
func (r *Registry) Oldest(userID string) (*session.Session, bool) {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	var oldest *session.Session
	for _, s := range r.users[userID] {
		if oldest == nil || s.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = s
		}
	}
	return oldest, oldest != nil
}

func (r *Registry) All() []*session.Session {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	out := make([]*session.Session, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.conns)
}
