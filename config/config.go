// Package config loads the service's flat configuration struct from a YAML
// file, command-line flags, and environment variables, in that ascending
// order of priority — the same layering the teacher's ServerConfig uses,
// extended with an optional file layer underneath it.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every setting the core subsystems and cmd/server need.
type Config struct {
	HTTPAddr string

	SQLDialect  string
	SQLHost     string
	SQLPort     int
	SQLUser     string
	SQLPassword string
	SQLDatabase string

	KVHost     string
	KVPort     int
	KVPassword string
	KVDatabase int

	PoolMin        int
	PoolMax        int
	PoolIdleBuffer float64
	PoolMargin     float64
	PoolTimeout    time.Duration

	CacheRecordTTL       time.Duration
	CacheListTTL         time.Duration
	CacheLocalMaxEntries int
	CacheLocalKeyMax     int
	CacheGCKeepVersions  int

	RateLimitThrottle int
	RateLimitWindow   time.Duration

	WorkerHeartbeatInterval time.Duration
	WorkerAutoScaleInterval time.Duration
	WorkerGCInterval        time.Duration
	WorkerVerbose           bool

	TaskWorkers       int
	TaskQueueSize     int
	TaskSubmitTimeout time.Duration
	AMQPURL           string // empty disables the durable task transport
}

// DefaultConfig mirrors spec.md §6's defaults across pools, cache, and rate
// limiter, plus sensible ambient defaults for the HTTP/worker/task layers.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",

		SQLDialect:  "mysql",
		SQLHost:     "localhost",
		SQLPort:     3306,
		SQLUser:     "gridcore",
		SQLPassword: "gridcore",
		SQLDatabase: "gridcore",

		KVHost:     "localhost",
		KVPort:     6379,
		KVDatabase: 0,

		PoolMin:        2,
		PoolMax:        10,
		PoolIdleBuffer: 0.2,
		PoolMargin:     0.1,
		PoolTimeout:    5 * time.Second,

		CacheRecordTTL:       50 * time.Minute,
		CacheListTTL:         20 * time.Minute,
		CacheLocalMaxEntries: 8192,
		CacheLocalKeyMax:     56,
		CacheGCKeepVersions:  2,

		RateLimitThrottle: 100,
		RateLimitWindow:   60 * time.Second,

		WorkerHeartbeatInterval: 1 * time.Second,
		WorkerAutoScaleInterval: 5 * time.Second,
		WorkerGCInterval:        30 * time.Second,
		WorkerVerbose:           true,

		TaskWorkers:       4,
		TaskQueueSize:     256,
		TaskSubmitTimeout: 500 * time.Millisecond,
	}
}

// LoadFile unmarshals a YAML file into a copy of the default config. A
// missing file is not an error; callers typically call this before
// LoadFromFlags so flags/env still take priority.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromFlags layers command-line flags, then environment variables, on
// top of cfg (typically the result of LoadFile).
func LoadFromFlags(cfg *Config) *Config {
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")

	flag.StringVar(&cfg.SQLDialect, "sql-dialect", cfg.SQLDialect, "SQL dialect: mysql, postgres, sqlite3, sqlserver")
	flag.StringVar(&cfg.SQLHost, "sql-host", cfg.SQLHost, "SQL host")
	flag.IntVar(&cfg.SQLPort, "sql-port", cfg.SQLPort, "SQL port")
	flag.StringVar(&cfg.SQLUser, "sql-user", cfg.SQLUser, "SQL user")
	flag.StringVar(&cfg.SQLDatabase, "sql-database", cfg.SQLDatabase, "SQL database name")

	flag.StringVar(&cfg.KVHost, "kv-host", cfg.KVHost, "KV (Redis) host")
	flag.IntVar(&cfg.KVPort, "kv-port", cfg.KVPort, "KV (Redis) port")

	flag.IntVar(&cfg.PoolMin, "pool-min", cfg.PoolMin, "Minimum pool connections")
	flag.IntVar(&cfg.PoolMax, "pool-max", cfg.PoolMax, "Maximum pool connections")
	flag.Float64Var(&cfg.PoolIdleBuffer, "pool-idle-buffer", cfg.PoolIdleBuffer, "Target idle fraction of max")
	flag.Float64Var(&cfg.PoolMargin, "pool-margin", cfg.PoolMargin, "Auto-scale band margin")
	flag.DurationVar(&cfg.PoolTimeout, "pool-timeout", cfg.PoolTimeout, "Acquire timeout")

	flag.IntVar(&cfg.RateLimitThrottle, "rate-limit-throttle", cfg.RateLimitThrottle, "Requests per window per IP")
	flag.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", cfg.RateLimitWindow, "Rate limit window")

	flag.BoolVar(&cfg.WorkerVerbose, "worker-verbose", cfg.WorkerVerbose, "Print colorized worker status lines")

	flag.IntVar(&cfg.TaskWorkers, "task-workers", cfg.TaskWorkers, "Background task worker count")
	flag.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "RabbitMQ URL for durable task fan-out (empty disables it)")

	flag.Parse()

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.SQLDialect = getEnv("SQL_DIALECT", cfg.SQLDialect)
	cfg.SQLHost = getEnv("SQL_HOST", cfg.SQLHost)
	cfg.SQLPort = getEnvInt("SQL_PORT", cfg.SQLPort)
	cfg.SQLUser = getEnv("SQL_USER", cfg.SQLUser)
	cfg.SQLPassword = getEnv("SQL_PASSWORD", cfg.SQLPassword)
	cfg.SQLDatabase = getEnv("SQL_DATABASE", cfg.SQLDatabase)

	cfg.KVHost = getEnv("KV_HOST", cfg.KVHost)
	cfg.KVPort = getEnvInt("KV_PORT", cfg.KVPort)
	cfg.KVPassword = getEnv("KV_PASSWORD", cfg.KVPassword)

	cfg.PoolMin = getEnvInt("POOL_MIN", cfg.PoolMin)
	cfg.PoolMax = getEnvInt("POOL_MAX", cfg.PoolMax)
	cfg.PoolTimeout = getEnvDuration("POOL_TIMEOUT", cfg.PoolTimeout)

	cfg.RateLimitThrottle = getEnvInt("RATE_LIMIT_THROTTLE", cfg.RateLimitThrottle)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)

	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
