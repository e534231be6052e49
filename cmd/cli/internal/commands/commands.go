package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wolfeidau/coursepulse/internal/client"
	"github.com/wolfeidau/coursepulse/internal/idle"
	"github.com/wolfeidau/coursepulse/internal/store"
	filestore "github.com/wolfeidau/coursepulse/internal/store/file"
	postgresstore "github.com/wolfeidau/coursepulse/internal/store/postgres"
	redisstore "github.com/wolfeidau/coursepulse/internal/store/redis"
)

type Globals struct {
	Debug   bool
	Version string
}

// StoreFlags selects and configures the shared session store backend.
type StoreFlags struct {
	Type     string             `help:"store type (file, redis or postgres)" default:"file" env:"COURSEPULSE_STORE_TYPE" enum:"file,redis,postgres"`
	File     FileStoreFlags     `embed:"" prefix:"file-"`
	Redis    RedisStoreFlags    `embed:"" prefix:"redis-"`
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type FileStoreFlags struct {
	Dir string `help:"profile directory (defaults to ~/.coursepulse/profile)" default:"" env:"COURSEPULSE_PROFILE_DIR"`
}

type RedisStoreFlags struct {
	Addr      string `help:"Redis address" default:"localhost:6379" env:"COURSEPULSE_REDIS_ADDR"`
	Password  string `help:"Redis password" default:"" env:"COURSEPULSE_REDIS_PASSWORD"`
	DB        int    `help:"Redis database number" default:"0"`
	Namespace string `help:"key namespace shared by the profile's tabs" default:"coursepulse" env:"COURSEPULSE_REDIS_NAMESPACE"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Store Configuration
	Profile string `help:"profile name shared by the tabs" default:"default" env:"COURSEPULSE_POSTGRES_PROFILE"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"4"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"COURSEPULSE_POSTGRES_AUTO_MIGRATE"`
}

func (f *StoreFlags) Validate() error {
	if f.Type == "postgres" && f.Postgres.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--store-postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// Open attaches to the selected profile. The returned func detaches and releases
// any connections.
func (f *StoreFlags) Open(ctx context.Context) (store.SharedSessionStore, func(), error) {
	switch f.Type {
	case "redis":
		rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{f.Redis.Addr},
			Password: f.Redis.Password,
			DB:       f.Redis.DB,
		})
		st, err := redisstore.New(ctx, rdb, f.Redis.Namespace)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to attach redis store: %w", err)
		}
		return st, func() {
			_ = st.Close()
			_ = rdb.Close()
		}, nil

	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      f.Postgres.ConnString,
			ApplicationName: "coursepulse-cli",
			MaxConns:        f.Postgres.MaxConns,
			MinConns:        f.Postgres.MinConns,
			MaxConnIdleTime: f.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		st, err := postgresstore.NewStore(ctx, pool, &postgresstore.StoreConfig{
			Profile:     f.Postgres.Profile,
			AutoMigrate: f.Postgres.AutoMigrate,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to attach postgres store: %w", err)
		}
		return st, func() {
			_ = st.Close()
			pool.Close()
		}, nil

	default:
		st, err := filestore.New(f.File.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to attach file store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// APIFlags configures the client for the course feedback API.
type APIFlags struct {
	Server   string        `help:"API server URL" default:"http://localhost:8080" env:"COURSEPULSE_SERVER_URL"`
	Timeout  time.Duration `help:"request timeout" default:"30s"`
	CacheDir string        `help:"HTTP cache directory (in-memory when empty)" default:"" env:"COURSEPULSE_CACHE_DIR"`
}

func (f *APIFlags) config() client.Config {
	return client.Config{
		ServerURL: f.Server,
		Timeout:   f.Timeout,
		CacheDir:  f.CacheDir,
	}
}

// IdleFlags overrides the idle timeout constants.
type IdleFlags struct {
	Threshold         time.Duration `help:"inactivity before the warning is shown" default:"14m"`
	Grace             time.Duration `help:"length of the warning countdown" default:"60s"`
	ActivityThrottle  time.Duration `help:"minimum spacing between accepted activity events" default:"5s"`
	CountdownTick     time.Duration `help:"countdown update interval" default:"1s"`
	ReconcileInterval time.Duration `help:"interval at which the shared activity timestamp is re-read" default:"2s"`
}

func (f *IdleFlags) Validate() error {
	return f.config().Validate()
}

func (f *IdleFlags) config() idle.Config {
	cfg := idle.DefaultConfig()
	cfg.Threshold = f.Threshold
	cfg.Grace = f.Grace
	cfg.ActivityThrottle = f.ActivityThrottle
	cfg.CountdownTick = f.CountdownTick
	cfg.ReconcileInterval = f.ReconcileInterval
	return cfg
}
