package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/memory"
	postgresstore "github.com/PipeOpsHQ/insight-runtime/state/postgres"
	redisstore "github.com/PipeOpsHQ/insight-runtime/state/redis"
	sqlitestore "github.com/PipeOpsHQ/insight-runtime/state/sqlite"
)

const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Backend string `yaml:"backend"`

	SQLitePath string `yaml:"sqlitePath"`

	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	RedisTTL      time.Duration `yaml:"redisTTL"`
	RedisPrefix   string        `yaml:"redisPrefix"`

	PostgresDSN      string `yaml:"postgresDSN"`
	PostgresMaxConns int32  `yaml:"postgresMaxConns"`
}

func DefaultConfig() Config {
	return Config{
		Backend:    BackendSQLite,
		SQLitePath: "./.insight/state.db",
		RedisAddr:  "127.0.0.1:6379",
		RedisTTL:   72 * time.Hour,
	}
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (state.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendSQLite:
		path := cfg.SQLitePath
		if strings.TrimSpace(path) == "" {
			path = DefaultConfig().SQLitePath
		}
		return sqlitestore.New(path)

	case BackendRedis:
		opts := []redisstore.Option{
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB),
			redisstore.WithTTL(cfg.RedisTTL),
			redisstore.WithPrefix(cfg.RedisPrefix),
		}
		return redisstore.New(cfg.RedisAddr, opts...)

	case BackendPostgres:
		return postgresstore.New(ctx, postgresstore.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.PostgresMaxConns,
		})

	case BackendMemory:
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q (use sqlite, redis, postgres, or memory)", backend)
	}
}
