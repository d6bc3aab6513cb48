package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Driver    DriverConfig
	Pool      PoolConfig
	Queue     QueueConfig
	Breaker   BreakerConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level slog.Level
}

type DriverConfig struct {
	GatewayURL string
}

type PoolConfig struct {
	MaxSessions       int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	HealthInterval    time.Duration
	AutoReconnect     bool
	SnapshotPath      string
	RestoreOnStart    bool
}

type QueueConfig struct {
	MaxAttempts int
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

type RateLimitConfig struct {
	Max     int
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	Window  time.Duration
	SendMax int
}

type CacheConfig struct {
	ChatsTTL time.Duration
}

// DatabaseConfig is optional; an empty URL keeps dead letters in memory.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type AMQPConfig struct {
	Enabled  bool
	URL      string
	Exchange string
}

// LoadAll reads the environment. Every problem found is reported in one
// joined error.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		collect(err)
		return v
	}
	millis := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}

	gatewayURL, err := requireEnv("DRIVER_GATEWAY_URL")
	collect(err)

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{Level: level},
		Driver: DriverConfig{
			GatewayURL: gatewayURL,
		},
		Pool: PoolConfig{
			MaxSessions:       intVar("POOL_MAX_SESSIONS", 10),
			ReconnectDelay:    millis("POOL_RECONNECT_DELAY_MS", 5000),
			ReconnectMaxDelay: millis("POOL_RECONNECT_MAX_DELAY_MS", 60000),
			HealthInterval:    seconds("POOL_HEALTH_INTERVAL_SECONDS", 60),
			AutoReconnect:     boolVar("POOL_AUTO_RECONNECT", true),
			SnapshotPath:      getEnv("POOL_SNAPSHOT_PATH", "data/sessions.json"),
			RestoreOnStart:    boolVar("POOL_RESTORE_ON_START", false),
		},
		Queue: QueueConfig{
			MaxAttempts: intVar("QUEUE_MAX_ATTEMPTS", 5),
		},
		Breaker: BreakerConfig{
			FailureThreshold: intVar("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: intVar("BREAKER_SUCCESS_THRESHOLD", 2),
			CallTimeout:      seconds("BREAKER_CALL_TIMEOUT_SECONDS", 60),
			ResetTimeout:     seconds("BREAKER_RESET_TIMEOUT_SECONDS", 30),
		},
		RateLimit: RateLimitConfig{
			Max:     intVar("RATE_LIMIT_MAX", 100),
			Window:  seconds("RATE_LIMIT_WINDOW_SECONDS", 60),
			SendMax: intVar("RATE_LIMIT_SEND_MAX", 50),
		},
		Cache: CacheConfig{
			ChatsTTL: seconds("CHATS_CACHE_TTL_SECONDS", 30),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		AMQP: loadAMQPConfig(),
	}

	proxies, err := parsePrefixes(getEnv("RATE_LIMIT_TRUSTED_PROXIES", ""))
	collect(err)
	cfg.RateLimit.TrustedProxies = proxies

	redisCfg, err := loadRedisConfig()
	collect(err)
	cfg.Redis = redisCfg

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid RATE_LIMIT_TRUSTED_PROXIES entry %q: %w", part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_TRUSTED_PROXIES entry %q: %w", part, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, err
}

func loadAMQPConfig() AMQPConfig {
	url := os.Getenv("AMQP_URL")
	return AMQPConfig{
		Enabled:  url != "",
		URL:      url,
		Exchange: getEnv("AMQP_EXCHANGE", "session.events"),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("POOL_MAX_SESSIONS", cfg.Pool.MaxSessions > 0)
	positive("POOL_RECONNECT_DELAY_MS", cfg.Pool.ReconnectDelay > 0)
	positive("POOL_RECONNECT_MAX_DELAY_MS", cfg.Pool.ReconnectMaxDelay > 0)
	positive("POOL_HEALTH_INTERVAL_SECONDS", cfg.Pool.HealthInterval > 0)
	positive("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts > 0)
	positive("BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold > 0)
	positive("BREAKER_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold > 0)
	positive("BREAKER_CALL_TIMEOUT_SECONDS", cfg.Breaker.CallTimeout > 0)
	positive("BREAKER_RESET_TIMEOUT_SECONDS", cfg.Breaker.ResetTimeout > 0)
	positive("RATE_LIMIT_MAX", cfg.RateLimit.Max > 0)
	positive("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimit.Window > 0)
	positive("RATE_LIMIT_SEND_MAX", cfg.RateLimit.SendMax > 0)
	positive("CHATS_CACHE_TTL_SECONDS", cfg.Cache.ChatsTTL > 0)

	if cfg.Pool.SnapshotPath == "" {
		errs = append(errs, errors.New("POOL_SNAPSHOT_PATH must not be empty"))
	}
	if cfg.Pool.ReconnectMaxDelay > 0 && cfg.Pool.ReconnectMaxDelay < cfg.Pool.ReconnectDelay {
		errs = append(errs, errors.New("POOL_RECONNECT_MAX_DELAY_MS must be >= POOL_RECONNECT_DELAY_MS"))
	}
	return errs
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %q", s)
	}
	return level, nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
