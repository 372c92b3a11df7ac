// Package router fans channel traffic out to local sessions and relays it to
// other gateway instances through the bus bridge.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/internal/wire"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/codec"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupTimeout = 5 * time.Second
	// pendingChanges bounds remote invalidations waiting for the revalidation
	// worker. Overflow collapses into one full sweep.
	pendingChanges = 64
)

// Authorizer is the permission checker the router consults.
type Authorizer interface {
	Check(ctx context.Context, userID, channelID string, cap permission.Capability, kind permission.PayloadKind) (permission.Decision, error)
	Invalidate(change state.Change) int
	Purge()
}

type Options struct {
	// InstanceID tags every envelope this instance publishes.
	InstanceID string
	Dialer     bus.Dialer
	Backoff    BackoffOptions
	// RevalidateInterval re-checks every subscription periodically so
	// revocations the router was never told about still take effect. Zero
	// disables the periodic sweep.
	RevalidateInterval time.Duration
}

type topic struct {
	id   string
	mu   sync.Mutex
	subs map[uuid.UUID]*session.Session
}

// PublishResult reports how a publish was delivered.
type PublishResult struct {
	ID       string
	Seq      uint64
	Local    int
	Degraded bool
}

type Router struct {
	instanceID string
	auth       Authorizer
	bridge     *Bridge
	logger     *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	seqMu sync.Mutex
	seq   map[string]uint64

	revalidateEvery time.Duration
	changes         chan state.Change
	sweeps          chan struct{}
}

func New(opts Options, auth Authorizer, logger *slog.Logger) *Router {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	r := &Router{
		instanceID: opts.InstanceID,
		auth:       auth,
		logger:     logger.With(slog.String("component", "router"), slog.String("instance", opts.InstanceID)),
		topics:     make(map[string]*topic),
		seq:        make(map[string]uint64),

		revalidateEvery: opts.RevalidateInterval,
		changes:         make(chan state.Change, pendingChanges),
		sweeps:          make(chan struct{}, 1),
	}
	r.bridge = newBridge(opts.Dialer, opts.Backoff, r.logger)
	r.bridge.wanted = r.busTopics
	r.bridge.want = r.wantsBusTopic
	r.bridge.handle = r.handleBusMessage
	r.bridge.connected = r.requestSweep
	return r
}

func (r *Router) InstanceID() string { return r.instanceID }

// Run keeps the bus bridge connected and applies permission changes to live
// subscriptions until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.bridge.Run(gctx)
	})
	g.Go(func() error {
		r.revalidateLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (r *Router) Status() Status {
	return r.bridge.Status()
}

// --- Subscriptions ---

// Subscribe adds sess to channelID after checking Read. Subscribing twice is
// a no-op.
func (r *Router) Subscribe(ctx context.Context, channelID string, sess *session.Session) error {
	dec, err := r.auth.Check(ctx, sess.UserID(), channelID, permission.Read, permission.PayloadMessage)
	if err != nil {
		return err
	}
	if err := dec.Err(); err != nil {
		return err
	}

	if !sess.AddChannel(channelID) && !sess.HasChannel(channelID) {
		return session.ErrNotAccepting
	}

	r.mu.Lock()
	t, ok := r.topics[channelID]
	if !ok {
		t = &topic{id: channelID, subs: make(map[uuid.UUID]*session.Session)}
		r.topics[channelID] = t
	}
	t.mu.Lock()
	// a Close that ran UnsubscribeAll since AddChannel must not be undone
	closed := sess.State() == session.Closed
	dropped := closed && len(t.subs) == 0
	if !closed {
		t.subs[sess.ID()] = sess
	} else if dropped {
		delete(r.topics, channelID)
	}
	t.mu.Unlock()
	r.mu.Unlock()

	if closed {
		sess.RemoveChannel(channelID)
		if dropped && ok {
			r.bridge.reconcile(ctx, bus.ChannelTopic(channelID))
		}
		return session.ErrNotAccepting
	}
	if !ok {
		r.logger.Debug("Topic created", slog.String("channelID", channelID))
		r.bridge.reconcile(ctx, bus.ChannelTopic(channelID))
	}
	return nil
}

// Unsubscribe removes sess from channelID and reports whether it was there.
func (r *Router) Unsubscribe(ctx context.Context, channelID string, sess *session.Session) bool {
	sess.RemoveChannel(channelID)
	return r.remove(ctx, channelID, sess.ID())
}

// UnsubscribeAll drops every subscription of sess. The registry calls it
// before a session is released.
func (r *Router) UnsubscribeAll(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, ch := range sess.Channels() {
		r.Unsubscribe(ctx, ch, sess)
	}
}

func (r *Router) remove(ctx context.Context, channelID string, connID uuid.UUID) bool {
	t := r.topic(channelID)
	if t == nil {
		return false
	}
	t.mu.Lock()
	_, present := t.subs[connID]
	delete(t.subs, connID)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		r.release(ctx, channelID)
	}
	return present
}

// release drops channelID's topic and its bus subscription if the topic has
// no subscribers left. Emptiness is re-checked under both locks since a
// subscriber may have joined in between.
func (r *Router) release(ctx context.Context, channelID string) {
	r.mu.Lock()
	t, ok := r.topics[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(r.topics, channelID)
	}
	r.mu.Unlock()

	if empty {
		r.logger.Debug("Topic released", slog.String("channelID", channelID))
		r.bridge.reconcile(ctx, bus.ChannelTopic(channelID))
	}
}

func (r *Router) topic(channelID string) *topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[channelID]
}

// Subscribers returns the number of local sessions subscribed to channelID.
func (r *Router) Subscribers(channelID string) int {
	t := r.topic(channelID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the channels with at least one local subscriber.
func (r *Router) Topics() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.topics))
	for id := range r.topics {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Router) busTopics() []string {
	channels := r.Topics()
	for i, ch := range channels {
		channels[i] = bus.ChannelTopic(ch)
	}
	return channels
}

func (r *Router) wantsBusTopic(name string) bool {
	if name == bus.InvalidationTopic {
		return true
	}
	channelID, ok := strings.CutPrefix(name, bus.ChannelTopic(""))
	return ok && r.topic(channelID) != nil
}

// --- Publishing ---

// Publish relays payload from sess to channelID after checking Write. Every
// local subscriber, sess included, receives exactly one copy before the
// envelope is handed to the bus. A bus failure does not fail the publish; it
// is reported through PublishResult.Degraded.
func (r *Router) Publish(ctx context.Context, channelID string, sess *session.Session, kind permission.PayloadKind, payload []byte) (PublishResult, error) {
	dec, err := r.auth.Check(ctx, sess.UserID(), channelID, permission.Write, kind)
	if err != nil {
		return PublishResult{}, err
	}
	if err := dec.Err(); err != nil {
		return PublishResult{}, err
	}

	env := &Envelope{
		V:          envelopeVersion,
		ID:         uuid.NewString(),
		Origin:     r.instanceID,
		OriginConn: sess.ID().String(),
		ChannelID:  channelID,
		SenderID:   sess.UserID(),
		Kind:       kind,
		Payload:    payload,
		SentAt:     time.Now().UnixMilli(),
	}
	local, err := r.deliver(env, true)
	if err != nil {
		return PublishResult{}, err
	}
	res := PublishResult{ID: env.ID, Seq: env.Seq, Local: local}

	data, err := env.Marshal()
	if err != nil {
		return res, err
	}
	if err := r.bridge.Publish(ctx, bus.ChannelTopic(channelID), data); err != nil {
		r.logger.Warn("Publish delivered locally only",
			slog.String("channelID", channelID),
			slog.String("envelope", env.ID),
			slog.Any("error", err),
		)
		res.Degraded = true
	}
	return res, nil
}

func (r *Router) nextSeq(channelID string) uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq[channelID]++
	return r.seq[channelID]
}

// deliver enqueues env to every local subscriber of its channel. For local
// publishes the sequence hint is assigned under the topic lock so subscribers
// observe hints in delivery order.
func (r *Router) deliver(env *Envelope, local bool) (int, error) {
	t := r.topic(env.ChannelID)
	if t == nil {
		if local {
			env.Seq = r.nextSeq(env.ChannelID)
		}
		return 0, nil
	}

	delivered, emptied, err := r.fanOut(t, env, local)
	if emptied {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		r.release(ctx, env.ChannelID)
	}
	return delivered, err
}

// fanOut enqueues env under the topic lock and prunes closed subscribers. It
// reports whether pruning left the topic empty.
func (r *Router) fanOut(t *topic, env *Envelope, local bool) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if local {
		env.Seq = r.nextSeq(env.ChannelID)
	}
	frame, err := env.frame()
	if err != nil {
		return 0, false, err
	}

	delivered := 0
	var stale []uuid.UUID
	for id, sess := range t.subs {
		// typing indicators are not echoed to the connection that sent them
		if env.Kind == permission.PayloadTyping && local && id.String() == env.OriginConn {
			continue
		}
		err := sess.Enqueue(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, session.ErrBackpressureOverflow):
			sess.Logger().Warn("Outbound queue overflow, draining session", slog.String("channelID", env.ChannelID))
		case sess.State() == session.Closed:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(t.subs, id)
	}
	return delivered, len(stale) > 0 && len(t.subs) == 0, nil
}

// --- Bus inbound ---

func (r *Router) handleBusMessage(msg bus.Message) {
	if msg.Topic == bus.InvalidationTopic {
		var inv invalidation
		if err := codec.Unmarshal(msg.Data, &inv); err != nil {
			r.logger.Warn("Dropping undecodable invalidation", slog.Any("error", err))
			return
		}
		if inv.Origin == r.instanceID {
			return
		}
		select {
		case r.changes <- inv.Change:
		default:
			r.logger.Warn("Revalidation backlog full, scheduling a full sweep", slog.String("kind", string(inv.Change.Kind)))
			r.requestSweep()
		}
		return
	}

	env, err := UnmarshalEnvelope(msg.Data)
	if err != nil {
		r.logger.Warn("Dropping undecodable envelope", slog.String("topic", msg.Topic), slog.Any("error", err))
		return
	}
	if env.Origin == r.instanceID {
		// local subscribers were served at publish time
		return
	}
	if msg.Topic != bus.ChannelTopic(env.ChannelID) {
		r.logger.Warn("Dropping envelope published on a foreign topic",
			slog.String("topic", msg.Topic), slog.String("channelID", env.ChannelID))
		return
	}
	if _, err := r.deliver(env, false); err != nil {
		r.logger.Warn("Dropping envelope", slog.String("envelope", env.ID), slog.Any("error", err))
	}
}

// --- Invalidation ---

// invalidation is the record published on the invalidation topic.
type invalidation struct {
	Origin string       `cbor:"origin"`
	Change state.Change `cbor:"change"`
}

// NotifyChange revalidates local subscriptions after a store mutation and
// forwards the change to the other instances.
func (r *Router) NotifyChange(ctx context.Context, change state.Change) {
	r.revalidate(ctx, change)

	data, err := codec.Marshal(invalidation{Origin: r.instanceID, Change: change})
	if err != nil {
		r.logger.Error("Failed to encode invalidation", slog.Any("error", err))
		return
	}
	if err := r.bridge.Publish(ctx, bus.InvalidationTopic, data); err != nil {
		r.logger.Warn("Invalidation not forwarded to other instances", slog.Any("error", err))
	}
}

type subscription struct {
	channelID string
	sess      *session.Session
}

// requestSweep schedules a re-check of every subscription with a cold
// permission cache. Requests made while one is pending are merged.
func (r *Router) requestSweep() {
	select {
	case r.sweeps <- struct{}{}:
	default:
	}
}

// revalidateLoop applies remote invalidations and sweeps off the bus consumer
// goroutine so channel traffic keeps flowing while the store is queried.
func (r *Router) revalidateLoop(ctx context.Context) {
	var tick <-chan time.Time
	if r.revalidateEvery > 0 {
		ticker := time.NewTicker(r.revalidateEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-r.changes:
			r.revalidate(ctx, change)
		case <-r.sweeps:
			// changes published while the bus was unreachable are lost
			r.auth.Purge()
			r.recheck(ctx, state.Change{})
		case <-tick:
			// entries older than the cache TTL have expired and are reloaded
			r.recheck(ctx, state.Change{})
		}
	}
}

// revalidate drops cached decisions touched by change and re-checks the
// subscriptions it may affect.
func (r *Router) revalidate(ctx context.Context, change state.Change) {
	r.auth.Invalidate(change)
	r.recheck(ctx, change)
}

// recheck re-checks Read for every subscription change may affect. An empty
// change matches all of them. Sessions that lost Read are unsubscribed and
// told why.
func (r *Router) recheck(ctx context.Context, change state.Change) {
	var candidates []subscription
	r.mu.RLock()
	for id, t := range r.topics {
		if change.ChannelID != "" && change.ChannelID != id {
			continue
		}
		t.mu.Lock()
		for _, sess := range t.subs {
			if change.UserID != "" && change.UserID != sess.UserID() {
				continue
			}
			candidates = append(candidates, subscription{channelID: id, sess: sess})
		}
		t.mu.Unlock()
	}
	r.mu.RUnlock()

	revoked := 0
	for _, sub := range candidates {
		dec, err := r.auth.Check(ctx, sub.sess.UserID(), sub.channelID, permission.Read, permission.PayloadMessage)
		if err != nil {
			r.logger.Error("Failed to revalidate subscription",
				slog.String("channelID", sub.channelID), slog.String("userID", sub.sess.UserID()), slog.Any("error", err))
			continue
		}
		if dec.Allowed {
			continue
		}
		if !r.Unsubscribe(ctx, sub.channelID, sub.sess) {
			continue
		}
		revoked++
		frame, err := wire.EncodeError(wire.CodePermissionRevoked, "read permission revoked", sub.channelID, "")
		if err == nil {
			_ = sub.sess.Enqueue(frame)
		}
	}
	if revoked > 0 {
		r.logger.Info("Revoked subscriptions after permission change",
			slog.String("kind", string(change.Kind)),
			slog.String("serverID", change.ServerID),
			slog.Int("revoked", revoked),
		)
	}
}
