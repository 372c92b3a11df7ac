package gateway

import (
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-relay/internal/registry"
	"golang.org/x/time/rate"
)

type LimitMode string

const (
	// LimitReject refuses the new connection.
	LimitReject LimitMode = "reject"
	// LimitCycle closes the user's oldest connection to make room.
	LimitCycle LimitMode = "cycle"
)

func ParseLimitMode(s string) (LimitMode, error) {
	switch LimitMode(s) {
	case "", LimitReject:
		return LimitReject, nil
	case LimitCycle:
		return LimitCycle, nil
	default:
		return "", fmt.Errorf("invalid connection limit mode '%s'", s)
	}
}

type ConnectionLimitOptions struct {
	// MaxPerUser of zero disables the limit.
	MaxPerUser int
	Mode       LimitMode
}

type connectionLimiter struct {
	opts     ConnectionLimitOptions
	registry *registry.Registry
	logger   *slog.Logger
}

func newConnectionLimiter(opts ConnectionLimitOptions, reg *registry.Registry, logger *slog.Logger) *connectionLimiter {
	return &connectionLimiter{opts: opts, registry: reg, logger: logger}
}

// admit decides whether userID may open one more connection, cycling the
// oldest one out when configured to.
func (l *connectionLimiter) admit(userID string) error {
	if l.opts.MaxPerUser <= 0 {
		return nil
	}
	count := l.registry.Count(userID)
	if count < l.opts.MaxPerUser {
		return nil
	}

	l.logger.Warn("User connection limit reached", slog.String("userID", userID), slog.Int("count", count))
	if l.opts.Mode != LimitCycle {
		return ErrConnectionLimit
	}
	if oldest, found := l.registry.Oldest(userID); found {
		l.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID().String()))
		oldest.Close(ErrConnectionCycled)
	}
	return nil
}

type MalformedOptions struct {
	// Burst malformed frames are tolerated at once; the allowance refills at
	// PerSecond.
	Burst     int
	PerSecond float64
}

const (
	DefaultMalformedBurst     = 5
	DefaultMalformedPerSecond = 1.0
)

func newMalformedLimiter(opts MalformedOptions) *rate.Limiter {
	if opts.Burst <= 0 {
		opts.Burst = DefaultMalformedBurst
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = DefaultMalformedPerSecond
	}
	return rate.NewLimiter(rate.Limit(opts.PerSecond), opts.Burst)
}
