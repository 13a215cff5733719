package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// WritableSource is a Source that can also persist a set
type WritableSource interface {
	Source
	Store(ctx context.Context, set string, o Overrides) error
}

// OpenSource builds the weight set source named by ConfigBackend. The
// returned close func releases any client it opened. Backend "none" yields
// a nil Source, which resolves to defaults.
func OpenSource(cfg *Config) (Source, func() error, error) {
	noop := func() error { return nil }

	switch cfg.ConfigBackend {
	case "", "none":
		return nil, noop, nil

	case "file":
		return NewFileSource(cfg.ConfigFile), noop, nil

	case "redis":
		client, err := NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return NewRedisSource(client), client.Close, nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("connect etcd: %w", err)
		}
		return NewEtcdSource(client), client.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown config backend %q", cfg.ConfigBackend)
	}
}

// NewRedisClient accepts either a redis:// URL or a bare host:port
func NewRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}
