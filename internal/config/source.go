package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"
)

// Source loads the overrides of a named weight set. A missing set returns
// nil overrides and no error.
type Source interface {
	Load(ctx context.Context, set string) (*Overrides, error)
}

// FileSource reads weight sets from a YAML document of the form
//
//	sets:
//	  default:
//	    min_score: 25
//	    weights: {capacity: 30}
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type fileDocument struct {
	Sets map[string]Overrides `yaml:"sets"`
}

func (s *FileSource) Load(ctx context.Context, set string) (*Overrides, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	o, ok := doc.Sets[set]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// RedisSource reads a JSON document stored under settlegate:config:<set>
type RedisSource struct {
	client *redis.Client
	prefix string
}

func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client, prefix: "settlegate:config:"}
}

func (s *RedisSource) Load(ctx context.Context, set string) (*Overrides, error) {
	raw, err := s.client.Get(ctx, s.prefix+set).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeJSON(raw)
}

// Store writes the overrides of a set; used by settlectl
func (s *RedisSource) Store(ctx context.Context, set string, o Overrides) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+set, raw, 0).Err()
}

// EtcdSource reads a JSON document stored under /settlegate/config/<set>
type EtcdSource struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdSource(client *clientv3.Client) *EtcdSource {
	return &EtcdSource{client: client, prefix: "/settlegate/config/"}
}

func (s *EtcdSource) Load(ctx context.Context, set string) (*Overrides, error) {
	resp, err := s.client.Get(ctx, s.prefix+set)
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return decodeJSON(resp.Kvs[0].Value)
}

func (s *EtcdSource) Store(ctx context.Context, set string, o Overrides) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.prefix+set, string(raw))
	return err
}

func decodeJSON(raw []byte) (*Overrides, error) {
	var o Overrides
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	return &o, nil
}

// Resolver produces the Settings for each request. Any failure to reach the
// source yields the defaults.
type Resolver struct {
	source  Source
	set     string
	timeout time.Duration
	log     *logrus.Entry
}

func NewResolver(source Source, set string, timeout time.Duration, logger *logrus.Logger) *Resolver {
	if set == "" {
		set = "default"
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Resolver{
		source:  source,
		set:     set,
		timeout: timeout,
		log:     logger.WithField("component", "config"),
	}
}

func (r *Resolver) Resolve(ctx context.Context) Settings {
	base := Defaults()
	base.WeightSet = r.set
	if r.source == nil {
		return base
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	o, err := r.source.Load(ctx, r.set)
	if err != nil {
		r.log.WithError(err).WithField("weight_set", r.set).Warn("config source unavailable, using defaults")
		return base
	}
	if o == nil {
		return base
	}
	return base.Merge(*o)
}
