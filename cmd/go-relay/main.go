package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/gateway"
	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statestore"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile, logLevel, issueFor string
	var issueTTL time.Duration

	flagSet := pflag.NewFlagSet("go-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "config", "config name searched in the working directory, or a path to a config file")
	flagSet.StringVar(&logLevel, "log-level", "", "overrides log.level from the config")
	flagSet.StringVar(&issueFor, "issue-token", "", "print a signed token for this user id and exit (development only)")
	flagSet.DurationVar(&issueTTL, "token-ttl", time.Hour, "lifetime of tokens printed by --issue-token")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// a missing .env is normal outside local development
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo, logging.FormatText)
	cfg, err := config.Load(bootLogger, configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	authn, err := auth.NewJWT([]byte(cfg.Server.Auth.JWTSecret), auth.JWTOptions{
		Issuer:   cfg.Server.Auth.Issuer,
		Audience: cfg.Server.Auth.Audience,
		Leeway:   cfg.Server.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("failed to configure authentication: %w", err)
	}
	if issueFor != "" {
		token, err := authn.Issue(issueFor, issueTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	checker := permission.NewChecker(store, permission.CheckerOptions{
		CacheSize: cfg.Permissions.CacheSize,
		CacheTTL:  cfg.Permissions.CacheTTL,
	}, logger)

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	// stale cached decisions outlive the TTL by at most one sweep
	sweepEvery := cfg.Permissions.CacheTTL
	if sweepEvery <= 0 {
		sweepEvery = permission.DefaultCacheTTL
	}
	rt := router.New(router.Options{
		InstanceID:         cfg.Server.InstanceID,
		Dialer:             dialer,
		Backoff:            router.BackoffOptions{Initial: cfg.Bus.Backoff.Initial, Max: cfg.Bus.Backoff.Max},
		RevalidateInterval: sweepEvery,
	}, checker, logger)
	// local mutations invalidate the shared cache first, then subscriptions
	store.notifiers = append(store.notifiers, rt)

	policy, err := session.ParseOverflowPolicy(cfg.Session.OverflowPolicy)
	if err != nil {
		return err
	}
	limitMode, err := gateway.ParseLimitMode(cfg.Server.ConnectionLimit.Mode)
	if err != nil {
		return err
	}
	reg := registry.New(logger, rt)
	gw := gateway.New(gateway.Options{
		Session: gateway.SessionOptions{
			QueueSize: cfg.Session.QueueSize,
			Policy:    policy,
			Malformed: gateway.MalformedOptions{
				Burst:     cfg.Session.Malformed.Burst,
				PerSecond: cfg.Session.Malformed.PerSecond,
			},
		},
		ConnectionLimit: gateway.ConnectionLimitOptions{
			MaxPerUser: cfg.Server.ConnectionLimit.MaxPerUser,
			Mode:       limitMode,
		},
		Transport:  transportConfig(cfg.Transport),
		DrainGrace: cfg.Shutdown.Grace,
		Accept: websocket.AcceptOptions{
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
			OriginPatterns:     cfg.Server.OriginPatterns,
		},
	}, authn, reg, rt, logger)

	app := server.NewApp(server.Options{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Shutdown.Grace + server.DefaultShutdownTimeout,
	}, rt, gw, logger)
	logger.Info("Relay starting",
		slog.String("instanceID", rt.InstanceID()),
		slog.String("bus", dialer.Name()),
		slog.String("store", cfg.Store.Driver),
	)
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("application run failed: %w", err)
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format), nil
}

func newDialer(cfg *config.Config, logger *slog.Logger) (bus.Dialer, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryHub(), nil
	case "redis":
		return bus.NewRedis(&redis.Options{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		}, cfg.Bus.Redis.PingInterval, logger), nil
	case "nats":
		return bus.NewNATS(cfg.Bus.NATS.URL, "go-relay", logger), nil
	default:
		return nil, fmt.Errorf("invalid bus driver '%s'", cfg.Bus.Driver)
	}
}

func transportConfig(t config.TransportConfig) transport.ConnectionConfig {
	return transport.ConnectionConfig{
		ReadTimeout:    t.ReadTimeout,
		WriteTimeout:   t.WriteTimeout,
		PingInterval:   t.PingInterval,
		MaxMessageSize: t.MaxMessageSize,
	}
}

// relayStore is the state store plus whatever must be released on exit.
// Mutations made through an in-memory store fan out to notifiers.
type relayStore struct {
	state.Store
	notifiers state.Notifiers
	closers   []func()
}

func (s *relayStore) NotifyChange(ctx context.Context, change state.Change) {
	s.notifiers.NotifyChange(ctx, change)
}

func (s *relayStore) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relayStore, error) {
	rs := &relayStore{}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := statestore.OpenPostgres(ctx, cfg.Store.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		rs.closers = append(rs.closers, pg.Close)
		if cfg.Store.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				rs.close()
				return nil, err
			}
		}
		rs.Store = pg
	default:
		mem := statestore.NewInMemory(logger)
		if err := config.ApplyFixtures(ctx, cfg.Fixtures, cfg.Registry, mem); err != nil {
			return nil, fmt.Errorf("failed to apply fixtures: %w", err)
		}
		// fixtures are applied before anyone listens
		mem.SetNotifier(rs)
		rs.Store = mem
	}

	if cfg.Store.Cache.Enabled {
		addr := cfg.Store.Cache.Addr
		if addr == "" {
			addr = cfg.Bus.Redis.Addr
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Bus.Redis.Password, DB: cfg.Bus.Redis.DB})
		rs.closers = append(rs.closers, func() { _ = rdb.Close() })
		cache := statestore.NewRedisCache(rdb, rs.Store, cfg.Store.Cache.TTL, logger)
		rs.notifiers = append(rs.notifiers, cache)
		rs.Store = cache
	}
	return rs, nil
}
