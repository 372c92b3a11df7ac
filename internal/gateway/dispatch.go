package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/internal/wire"
	"golang.org/x/time/rate"
)

// reply tells the dispatcher how to acknowledge a handled frame.
type reply struct {
	ack      bool
	degraded bool
}

type handlerFunc func(ctx context.Context, d *dispatcher, in *wire.Inbound) (reply, error)

var handlers = make(map[wire.Type]handlerFunc)

func register(t wire.Type, fn handlerFunc) {
	if _, exists := handlers[t]; exists {
		panic("frame handler already registered: " + string(t))
	}
	handlers[t] = fn
}

func init() {
	register(wire.TypeSubscribe, handleSubscribe)
	register(wire.TypeUnsubscribe, handleUnsubscribe)
	register(wire.TypeMessage, handleMessage)
	register(wire.TypeTyping, handleTyping)
	register(wire.TypePing, handlePing)
}

// dispatcher handles the inbound frames of one session, in order.
type dispatcher struct {
	g         *Gateway
	sess      *session.Session
	malformed *rate.Limiter
	logger    *slog.Logger
}

func (g *Gateway) newDispatcher(sess *session.Session) *dispatcher {
	return &dispatcher{
		g:         g,
		sess:      sess,
		malformed: newMalformedLimiter(g.opts.Session.Malformed),
		logger:    sess.Logger(),
	}
}

// handle processes one client frame. Only a flood of malformed frames ends
// the connection; every other failure is answered with an error frame.
func (d *dispatcher) handle(ctx context.Context, msg []byte) error {
	in, err := wire.Decode(msg)
	if err != nil {
		if !d.malformed.Allow() {
			d.logger.Warn("Closing connection after repeated malformed frames", slog.Any("error", err))
			return fmt.Errorf("%w: %w", ErrMalformedFlood, err)
		}
		d.logger.Debug("Rejected malformed frame", slog.Any("error", err))
		d.sendError(err, in)
		return nil
	}

	fn, ok := handlers[in.Type]
	if !ok {
		d.sendError(fmt.Errorf("%w: %q", wire.ErrUnknownType, in.Type), in)
		return nil
	}
	r, err := fn(ctx, d, in)
	if err != nil {
		level := slog.LevelDebug
		if wire.CodeFor(err) == wire.CodeInternal {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "Frame handling failed",
			slog.String("type", string(in.Type)),
			slog.String("channelID", in.ChannelID),
			slog.Any("error", err),
		)
		d.sendError(err, in)
		return nil
	}
	if r.ack {
		frame, err := wire.EncodeAck(in.Ref, r.degraded)
		if err != nil {
			return err
		}
		d.send(frame)
	}
	return nil
}

func (d *dispatcher) sendError(err error, in *wire.Inbound) {
	frame, encErr := wire.EncodeError(wire.CodeFor(err), wire.Detail(err), in.ChannelID, in.Ref)
	if encErr != nil {
		d.logger.Error("Failed to encode error frame", slog.Any("error", encErr))
		return
	}
	d.send(frame)
}

// send queues a reply. Overflow is handled by the session itself.
func (d *dispatcher) send(frame []byte) {
	if err := d.sess.Enqueue(frame); err != nil {
		d.logger.Debug("Reply not queued", slog.Any("error", err))
	}
}

// --- Handlers ---

func handleSubscribe(ctx context.Context, d *dispatcher, in *wire.Inbound) (reply, error) {
	if err := d.g.router.Subscribe(ctx, in.ChannelID, d.sess); err != nil {
		return reply{}, err
	}
	return reply{ack: true}, nil
}

func handleUnsubscribe(ctx context.Context, d *dispatcher, in *wire.Inbound) (reply, error) {
	d.g.router.Unsubscribe(ctx, in.ChannelID, d.sess)
	return reply{ack: true}, nil
}

func handleMessage(ctx context.Context, d *dispatcher, in *wire.Inbound) (reply, error) {
	res, err := d.g.router.Publish(ctx, in.ChannelID, d.sess, permission.PayloadMessage, in.Payload)
	if err != nil {
		return reply{}, err
	}
	return reply{ack: true, degraded: res.Degraded}, nil
}

// handleTyping acknowledges only when the client asked for it with a ref.
func handleTyping(ctx context.Context, d *dispatcher, in *wire.Inbound) (reply, error) {
	res, err := d.g.router.Publish(ctx, in.ChannelID, d.sess, permission.PayloadTyping, nil)
	if err != nil {
		return reply{}, err
	}
	return reply{ack: in.Ref != "", degraded: res.Degraded}, nil
}

func handlePing(context.Context, *dispatcher, *wire.Inbound) (reply, error) {
	return reply{ack: true}, nil
}
