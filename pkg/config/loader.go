package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "GORELAY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.leeway", "5s")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.maxMessageSize", 64<<10)

	v.SetDefault("session.queueSize", 256)
	v.SetDefault("session.overflowPolicy", "drop-oldest")
	v.SetDefault("session.malformed.burst", 5)
	v.SetDefault("session.malformed.perSecond", 1.0)

	v.SetDefault("permissions.cacheSize", 16384)
	v.SetDefault("permissions.cacheTTL", "30s")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.pingInterval", "5s")
	v.SetDefault("bus.nats.url", "nats://localhost:4222")
	v.SetDefault("bus.backoff.initial", "200ms")
	v.SetDefault("bus.backoff.max", "10s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.cache.ttl", "1m")

	v.SetDefault("shutdown.grace", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from a file and environment variables. fileName
// is either a bare config name searched in the working directory or a path.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if strings.ContainsAny(fileName, "/\\.") {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Registry = NewPermissionRegistry()
	for _, name := range cfg.Permissions.Custom {
		if _, err := cfg.Registry.Register(name); err != nil {
			return nil, err
		}
	}
	logger.Info("Permission registry loaded", slog.Int("total_permissions", len(cfg.Registry.All())))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components would otherwise misinterpret.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("invalid bus driver '%s'", c.Bus.Driver)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgresDsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid store driver '%s'", c.Store.Driver)
	}
	if c.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwtSecret cannot be empty")
	}
	if c.Session.QueueSize < 0 {
		return fmt.Errorf("session.queueSize must not be negative, got %d", c.Session.QueueSize)
	}
	return nil
}
