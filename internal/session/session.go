package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAccepting is returned by Enqueue outside the Active state.
	ErrNotAccepting = errors.New("session is not accepting outbound frames")
	// ErrDrained is returned by Next once a draining session has flushed its queue.
	ErrDrained = errors.New("session drained")
)

type State int32

const (
	Connecting State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	QueueSize int
	Policy    OverflowPolicy
	Logger    *slog.Logger
}

const DefaultQueueSize = 256

// Session is the gateway-side state of one physical connection.
type Session struct {
	id        uuid.UUID
	createdAt time.Time

	mu       sync.Mutex
	state    State
	userID   string
	closeErr error
	onClose  []func(*Session, error)

	chMu     sync.RWMutex
	channels map[string]struct{}

	queue     *Queue
	draining  chan struct{}
	done      chan struct{}
	drainOnce sync.Once

	logger *slog.Logger
}

// New creates a session in the Connecting state.
func New(id uuid.UUID, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		createdAt: time.Now(),
		state:     Connecting,
		channels:  make(map[string]struct{}),
		queue:     NewQueue(opts.QueueSize, opts.Policy),
		draining:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.With(slog.String("connID", id.String())),
	}
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Queue() *Queue        { return s.queue }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate binds the authenticated user and moves Connecting -> Active.
func (s *Session) Activate(userID string) error {
	if userID == "" {
		return errors.New("cannot activate session without a user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return fmt.Errorf("cannot activate session in state %s", s.state)
	}
	s.userID = userID
	s.state = Active
	s.logger = s.logger.With(slog.String("userID", userID))
	return nil
}

// Drain stops accepting outbound frames while the writer flushes what is
// queued. It reports whether this call performed the transition.
func (s *Session) Drain(reason error) bool {
	s.mu.Lock()
	if s.state != Active && s.state != Connecting {
		s.mu.Unlock()
		return false
	}
	s.state = Draining
	s.closeErr = reason
	s.mu.Unlock()

	s.drainOnce.Do(func() { close(s.draining) })
	s.Logger().Info("Session draining", slog.Any("reason", reason), slog.Int("queued", s.queue.Len()))
	return true
}

// Close moves the session to Closed from any state. Resources are released
// and close hooks run exactly once; later calls are no-ops.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Closed
	if prev != Draining || s.closeErr == nil {
		s.closeErr = reason
	}
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	// hooks drop subscriptions before the queue is released
	for _, fn := range hooks {
		fn(s, reason)
	}

	s.queue.Close()
	s.drainOnce.Do(func() { close(s.draining) })
	close(s.done)

	s.chMu.Lock()
	clear(s.channels)
	s.chMu.Unlock()
	s.Logger().Info("Session closed", slog.String("from", prev.String()), slog.Any("reason", reason))
}

// OnClose registers fn to run after the session closes. If the session is
// already closed fn runs immediately.
func (s *Session) OnClose(fn func(*Session, error)) {
	s.mu.Lock()
	if s.state == Closed {
		err := s.closeErr
		s.mu.Unlock()
		fn(s, err)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Session) Draining() <-chan struct{} { return s.draining }
func (s *Session) Done() <-chan struct{}     { return s.done }

// Err returns why the session stopped: the drain reason if it drained first,
// otherwise the reason passed to Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Enqueue hands an encoded frame to the writer. It never blocks. Under the
// disconnect policy an overflow drains the session and returns
// ErrBackpressureOverflow.
func (s *Session) Enqueue(frame []byte) error {
	if st := s.State(); st != Active {
		return fmt.Errorf("%w (state %s)", ErrNotAccepting, st)
	}
	err := s.queue.Push(frame)
	if errors.Is(err, ErrBackpressureOverflow) {
		s.Drain(err)
	}
	return err
}

// Next returns the next frame for the writer. It returns ErrDrained once a
// draining session's queue is empty and ErrQueueClosed after Close.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := s.queue.TryPop(); ok {
			return frame, nil
		}
		switch s.State() {
		case Closed:
			return nil, ErrQueueClosed
		case Draining:
			return nil, ErrDrained
		}
		select {
		case <-s.queue.Ready():
		case <-s.draining:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// --- Channel subscriptions ---

// AddChannel records a subscription and reports whether it was new.
func (s *Session) AddChannel(channelID string) bool {
	if s.State() == Closed {
		return false
	}
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if _, ok := s.channels[channelID]; ok {
		return false
	}
	s.channels[channelID] = struct{}{}
	return true
}

func (s *Session) RemoveChannel(channelID string) bool {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return false
	}
	delete(s.channels, channelID)
	return true
}

func (s *Session) HasChannel(channelID string) bool {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	_, ok := s.channels[channelID]
	return ok
}

// Channels returns the subscribed channel ids in sorted order.
func (s *Session) Channels() []string {
	s.chMu.RLock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	s.chMu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Session) Logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}
