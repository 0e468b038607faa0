package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
)

// ErrNotFound is returned by Get for unknown keys
var ErrNotFound = errors.New("key not found")

type StorageBackendType int

const (
	StorageBackendMem StorageBackendType = iota
	StorageBackendRedis
)

func (t StorageBackendType) String() string {
	switch t {
	case StorageBackendMem:
		return "mem"
	case StorageBackendRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// ParseStorageBackendType maps a configuration value to a backend type
func ParseStorageBackendType(s string) (StorageBackendType, error) {
	switch strings.ToLower(s) {
	case "", "mem", "memory":
		return StorageBackendMem, nil
	case "redis":
		return StorageBackendRedis, nil
	default:
		return 0, fmt.Errorf("unsupported storage backend %q", s)
	}
}

// Redis client kinds accepted by NewStorageBackend
const (
	RedisClientSimple   = "simple"
	RedisClientSentinel = "sentinel"
)

// RedisMasterName is the sentinel master set of the viewer registry
var RedisMasterName = "mymaster"

// ReadOnlyStorage is the viewer registry as seen by the websocket proxy
type ReadOnlyStorage interface {
	BackendType() StorageBackendType
	Get(key string) (string, error)
}

// Storage maps viewer ids to the backend that owns them
type Storage interface {
	ReadOnlyStorage
	Set(key string, value string) error
	Del(key string) error
}

type memBackend struct {
	m     map[string]string
	mutex *sync.RWMutex
}

func (b *memBackend) Get(k string) (string, error) {
	b.mutex.RLock()
	v, ok := b.m[k]
	b.mutex.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *memBackend) Set(k string, v string) error {
	b.mutex.Lock()
	b.m[k] = v
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) Del(k string) error {
	b.mutex.Lock()
	delete(b.m, k)
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) BackendType() StorageBackendType {
	return StorageBackendMem
}

const (
	redisKeyPrefix = "camsync:viewer:"
	// DefaultRegistrationTTL outlives the orchestrator refresh period by far
	DefaultRegistrationTTL = 24 * time.Hour
)

type redisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStorage creates a Redis-backed registry on an existing client
func NewRedisStorage(client *redis.Client) Storage {
	return &redisBackend{client: client, ttl: DefaultRegistrationTTL}
}

func (b *redisBackend) Get(k string) (string, error) {
	v, err := b.client.Get(redisKeyPrefix + k).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", k, err)
	}
	return v, nil
}

func (b *redisBackend) Set(k string, v string) error {
	if err := b.client.Set(redisKeyPrefix+k, v, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}

func (b *redisBackend) Del(k string) error {
	if err := b.client.Del(redisKeyPrefix + k).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", k, err)
	}
	return nil
}

func (b *redisBackend) BackendType() StorageBackendType {
	return StorageBackendRedis
}

// NewRedisClient connects to a single Redis server or, with
// RedisClientSentinel, to the master behind the given sentinels
func NewRedisClient(kind string, addrs ...string) (*redis.Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no redis address")
	}
	switch kind {
	case RedisClientSimple:
		return redis.NewClient(&redis.Options{Addr: addrs[0]}), nil
	case RedisClientSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    RedisMasterName,
			SentinelAddrs: addrs,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported redis client %q", kind)
	}
}

// NewStorageBackend creates a registry. The redis backend takes the client
// kind followed by the addresses.
func NewStorageBackend(typ StorageBackendType, args ...string) (Storage, error) {
	switch typ {
	case StorageBackendMem:
		return &memBackend{
			m:     make(map[string]string),
			mutex: &sync.RWMutex{},
		}, nil
	case StorageBackendRedis:
		if len(args) < 2 {
			return nil, errors.New("redis backend needs a client kind and an address")
		}
		client, err := NewRedisClient(args[0], args[1:]...)
		if err != nil {
			return nil, err
		}
		return NewRedisStorage(client), nil
	default:
		return nil, errors.New("Unsupported backend type")
	}
}
