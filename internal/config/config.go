package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StateMemory = "memory"
	StateRedis  = "redis"

	TransportNone      = "none"
	TransportWebsocket = "websocket"
)

type Config struct {
	Host string
	Port int

	// CloseTimeout bounds how long Close waits for in-flight commands to
	// drain before abandoning them with an error.
	CloseTimeout  time.Duration
	BusAckTimeout time.Duration

	HeartbeatRate    time.Duration
	HeartbeatTimeout time.Duration

	LockTTL           time.Duration
	LockWaitTimeout   time.Duration
	LockRetryInterval time.Duration

	EnableAccessListsUpdates bool
	EnableDirectMessages     bool
	EnableRoomsManagement    bool
	EnableUserlistUpdates    bool

	// HistoryMaxGetMessages caps a single roomHistoryGet/roomRecentHistory
	// response. DefaultHistoryLimit caps retention for newly created rooms.
	// The two knobs are independent: retention may be far larger than what
	// one query returns.
	HistoryMaxGetMessages int
	DefaultHistoryLimit   int

	State     string
	Transport string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Debug   bool
	Version bool
}

// envOrInt returns the environment variable value parsed as int, or the flag
// default if the env var is unset or unparseable.
func envOrInt(envKey string, flagVal int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

// envOrBool returns the environment variable value parsed as bool, or the flag
// default if the env var is unset. Recognizes 1/yes/true as true and
// 0/no/false as false; unrecognized values fall back to the flag default.
func envOrBool(envKey string, flagVal bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

// envOrString returns the environment variable value, or the flag default if
// the env var is unset.
func envOrString(envKey string, flagVal string) string {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	return v
}

// envOrDurationMS returns a time.Duration in milliseconds from the environment
// variable, or converts the flag default (in milliseconds) if unset.
func envOrDurationMS(envKey string, flagVal int) time.Duration {
	return time.Duration(envOrInt(envKey, flagVal)) * time.Millisecond
}

func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("chatservd", flag.ContinueOnError)

	host := fs.String("host", "127.0.0.1", "Bind address for the websocket transport")
	port := fs.Int("port", 8000, "Bind port for the websocket transport")
	closeTimeout := fs.Int("close-timeout", 15000, "Command drain timeout on close (milliseconds)")
	busAckTimeout := fs.Int("bus-ack-timeout", 5000, "Cluster bus acknowledgment timeout (milliseconds)")
	heartbeatRate := fs.Int("heartbeat-rate", 10000, "Instance heartbeat refresh interval (milliseconds)")
	heartbeatTimeout := fs.Int("heartbeat-timeout", 30000, "Stale-instance detection threshold (milliseconds)")
	lockTTL := fs.Int("lock-ttl", 10000, "Resource lock TTL (milliseconds)")
	lockWaitTimeout := fs.Int("lock-wait-timeout", 5000, "Lock acquisition wait timeout (milliseconds)")
	lockRetryInterval := fs.Int("lock-retry-interval", 20, "Lock acquisition retry interval (milliseconds)")
	accessListsUpdates := fs.Bool("enable-access-lists-updates", false, "Notify room members of access list changes")
	directMessages := fs.Bool("enable-direct-messages", false, "Enable user-to-user direct messaging")
	roomsManagement := fs.Bool("enable-rooms-management", false, "Allow clients to create and delete rooms")
	userlistUpdates := fs.Bool("enable-userlist-updates", false, "Notify room members of joins and leaves")
	historyMaxGet := fs.Int("history-max-get-messages", 100, "Maximum messages returned per history query")
	defaultHistoryLimit := fs.Int("default-history-limit", 10000, "History retention limit for new rooms")
	state := fs.String("state", StateMemory, "State backend: memory or redis")
	transport := fs.String("transport", TransportWebsocket, "Transport: websocket or none")
	redisAddr := fs.String("redis-addr", "127.0.0.1:6379", "Redis address for the redis state backend")
	redisPassword := fs.String("redis-password", "", "Redis password (visible in process list; prefer CHATSERVICE_REDIS_PASSWORD)")
	redisDB := fs.Int("redis-db", 0, "Redis database number")
	debug := fs.Bool("debug", false, "Enable debug logging")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:                     envOrString("CHATSERVICE_HOST", *host),
		Port:                     envOrInt("CHATSERVICE_PORT", *port),
		CloseTimeout:             envOrDurationMS("CHATSERVICE_CLOSE_TIMEOUT_MS", *closeTimeout),
		BusAckTimeout:            envOrDurationMS("CHATSERVICE_BUS_ACK_TIMEOUT_MS", *busAckTimeout),
		HeartbeatRate:            envOrDurationMS("CHATSERVICE_HEARTBEAT_RATE_MS", *heartbeatRate),
		HeartbeatTimeout:         envOrDurationMS("CHATSERVICE_HEARTBEAT_TIMEOUT_MS", *heartbeatTimeout),
		LockTTL:                  envOrDurationMS("CHATSERVICE_LOCK_TTL_MS", *lockTTL),
		LockWaitTimeout:          envOrDurationMS("CHATSERVICE_LOCK_WAIT_TIMEOUT_MS", *lockWaitTimeout),
		LockRetryInterval:        envOrDurationMS("CHATSERVICE_LOCK_RETRY_INTERVAL_MS", *lockRetryInterval),
		EnableAccessListsUpdates: envOrBool("CHATSERVICE_ENABLE_ACCESS_LISTS_UPDATES", *accessListsUpdates),
		EnableDirectMessages:     envOrBool("CHATSERVICE_ENABLE_DIRECT_MESSAGES", *directMessages),
		EnableRoomsManagement:    envOrBool("CHATSERVICE_ENABLE_ROOMS_MANAGEMENT", *roomsManagement),
		EnableUserlistUpdates:    envOrBool("CHATSERVICE_ENABLE_USERLIST_UPDATES", *userlistUpdates),
		HistoryMaxGetMessages:    envOrInt("CHATSERVICE_HISTORY_MAX_GET_MESSAGES", *historyMaxGet),
		DefaultHistoryLimit:      envOrInt("CHATSERVICE_DEFAULT_HISTORY_LIMIT", *defaultHistoryLimit),
		State:                    envOrString("CHATSERVICE_STATE", *state),
		Transport:                envOrString("CHATSERVICE_TRANSPORT", *transport),
		RedisAddr:                envOrString("CHATSERVICE_REDIS_ADDR", *redisAddr),
		RedisPassword:            envOrString("CHATSERVICE_REDIS_PASSWORD", *redisPassword),
		RedisDB:                  envOrInt("CHATSERVICE_REDIS_DB", *redisDB),
		Debug:                    envOrBool("CHATSERVICE_DEBUG", *debug),
		Version:                  *version,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("--close-timeout must be >= 0 (got %s)", c.CloseTimeout)
	}
	if c.BusAckTimeout <= 0 {
		return fmt.Errorf("--bus-ack-timeout must be > 0")
	}
	if c.HeartbeatRate <= 0 {
		return fmt.Errorf("--heartbeat-rate must be > 0")
	}
	if c.HeartbeatTimeout <= c.HeartbeatRate {
		return fmt.Errorf("--heartbeat-timeout must be > --heartbeat-rate (got %s <= %s)",
			c.HeartbeatTimeout, c.HeartbeatRate)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("--lock-ttl must be > 0")
	}
	if c.LockWaitTimeout < 0 {
		return fmt.Errorf("--lock-wait-timeout must be >= 0 (got %s)", c.LockWaitTimeout)
	}
	if c.LockRetryInterval <= 0 {
		return fmt.Errorf("--lock-retry-interval must be > 0")
	}
	if c.HistoryMaxGetMessages < 0 {
		return fmt.Errorf("--history-max-get-messages must be >= 0 (got %d)", c.HistoryMaxGetMessages)
	}
	if c.DefaultHistoryLimit < 0 {
		return fmt.Errorf("--default-history-limit must be >= 0 (got %d)", c.DefaultHistoryLimit)
	}
	switch c.State {
	case StateMemory, StateRedis:
	default:
		return fmt.Errorf("--state must be %q or %q (got %q)", StateMemory, StateRedis, c.State)
	}
	switch c.Transport {
	case TransportNone, TransportWebsocket:
	default:
		return fmt.Errorf("--transport must be %q or %q (got %q)", TransportNone, TransportWebsocket, c.Transport)
	}
	return nil
}
