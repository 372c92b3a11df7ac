package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Session     SessionConfig
	Permissions PermissionsConfig
	Bus         BusConfig
	Store       StoreConfig
	Shutdown    ShutdownConfig
	Log         LogConfig
	Fixtures    Fixtures `mapstructure:"fixtures"`

	// Registry holds the built-in permissions plus the custom names above.
	Registry *PermissionRegistry `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	InstanceID      string                `mapstructure:"instanceId"`
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// OriginPatterns are host patterns allowed to open cross-origin websockets.
	OriginPatterns     []string `mapstructure:"originPatterns"`
	InsecureSkipVerify bool     `mapstructure:"insecureSkipVerify"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

type SessionConfig struct {
	QueueSize      int             `mapstructure:"queueSize"`
	OverflowPolicy string          `mapstructure:"overflowPolicy"` // "drop-oldest" or "disconnect"
	Malformed      MalformedConfig `mapstructure:"malformed"`
}

type MalformedConfig struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"perSecond"`
}

type PermissionsConfig struct {
	Custom    []string      `mapstructure:"custom"`
	CacheSize int           `mapstructure:"cacheSize"`
	CacheTTL  time.Duration `mapstructure:"cacheTTL"`
}

type BusConfig struct {
	Driver  string // "memory", "redis" or "nats"
	Redis   RedisConfig
	NATS    NATSConfig `mapstructure:"nats"`
	Backoff BackoffConfig
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int           `mapstructure:"db"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

type StoreConfig struct {
	Driver      string // "memory" or "postgres"
	PostgresDSN string `mapstructure:"postgresDsn"`
	// EnsureSchema creates the tables on startup. Meant for local setups.
	EnsureSchema bool `mapstructure:"ensureSchema"`
	Cache        StoreCacheConfig
}

// StoreCacheConfig puts a Redis read-through cache in front of the store. It
// reuses the bus Redis address unless Addr is set.
type StoreCacheConfig struct {
	Enabled bool
	Addr    string
	TTL     time.Duration `mapstructure:"ttl"`
}

type ShutdownConfig struct {
	Grace time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}
