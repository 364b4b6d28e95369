package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when a document kept changing under every CAS attempt.
var ErrContention = errors.New("document contention")

const maxMutateAttempts = 16

// RedisDocStore implements DocStore on go-redis with WATCH/MULTI optimistic transactions.
type RedisDocStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDocStore namespaces every key under prefix.
func NewRedisDocStore(client redis.UniversalClient, prefix string) *RedisDocStore {
	return &RedisDocStore{client: client, prefix: prefix}
}

func (s *RedisDocStore) key(k string) string { return s.prefix + k }

func (s *RedisDocStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (s *RedisDocStore) Mutate(ctx context.Context, key string, fn MutateFunc) ([]byte, error) {
	k := s.key(key)
	var result []byte
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists, err = false, nil
		}
		if err != nil {
			return err
		}
		next, ttl, err := fn(cur, exists)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxMutateAttempts; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrContention
}

func (s *RedisDocStore) IndexAdd(ctx context.Context, index, member string) error {
	return s.client.SAdd(ctx, s.key(index), member).Err()
}

func (s *RedisDocStore) IndexRemove(ctx context.Context, index, member string) error {
	return s.client.SRem(ctx, s.key(index), member).Err()
}

func (s *RedisDocStore) IndexMembers(ctx context.Context, index string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(index)).Result()
}

// MemoryDocStore is a process-local DocStore. TTLs are ignored.
type MemoryDocStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	indexes map[string]map[string]struct{}
}

// NewMemoryDocStore returns an empty store.
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{docs: make(map[string][]byte), indexes: make(map[string]map[string]struct{})}
}

func (s *MemoryDocStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	return append([]byte(nil), d...), ok, nil
}

func (s *MemoryDocStore) Mutate(_ context.Context, key string, fn MutateFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[key]
	next, _, err := fn(append([]byte(nil), cur...), ok)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.docs, key)
		return nil, nil
	}
	s.docs[key] = append([]byte(nil), next...)
	return next, nil
}

func (s *MemoryDocStore) IndexAdd(_ context.Context, index, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexes[index] == nil {
		s.indexes[index] = make(map[string]struct{})
	}
	s.indexes[index][member] = struct{}{}
	return nil
}

func (s *MemoryDocStore) IndexRemove(_ context.Context, index, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes[index], member)
	return nil
}

func (s *MemoryDocStore) IndexMembers(_ context.Context, index string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.indexes[index]))
	for m := range s.indexes[index] {
		out = append(out, m)
	}
	return out, nil
}

// GetJSON loads and decodes a document. It returns nil when the key is absent.
func GetJSON[T any](ctx context.Context, s DocStore, key string) (*T, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// MutateJSON applies fn to the decoded document under compare-and-swap. fn
// receives nil for a missing document; returning nil deletes it.
func MutateJSON[T any](ctx context.Context, s DocStore, key string, ttl func(*T) time.Duration, fn func(*T) (*T, error)) (*T, error) {
	var out *T
	_, err := s.Mutate(ctx, key, func(cur []byte, exists bool) ([]byte, time.Duration, error) {
		var in *T
		if exists {
			in = new(T)
			if err := json.Unmarshal(cur, in); err != nil {
				return nil, 0, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		next, err := fn(in)
		if err != nil {
			return nil, 0, err
		}
		out = next
		if next == nil {
			return nil, 0, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s: %w", key, err)
		}
		var keep time.Duration
		if ttl != nil {
			keep = ttl(next)
		}
		return data, keep, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
