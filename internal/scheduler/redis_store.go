package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLease is how long a claimed job is hidden from other pollers.
const DefaultLease = 5 * time.Minute

// RedisStore keeps job ordering in a sorted set scored by fire time (unix
// milliseconds) and job bodies in a hash keyed by job ID. A claimed job is
// re-scored to its lease deadline rather than removed.
type RedisStore struct {
	client redis.UniversalClient
	queue  string
	bodies string
	lease  time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithLease sets how long a claimed job stays invisible before it is retried.
func WithLease(d time.Duration) RedisStoreOption { return func(s *RedisStore) { s.lease = d } }

// NewRedisStore namespaces both keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, queue: prefix + "jobs", bodies: prefix + "jobs:body", lease: DefaultLease}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) Put(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID(), err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.bodies, job.ID(), body)
		pipe.ZAdd(ctx, s.queue, redis.Z{Score: float64(job.FireAt.UnixMilli()), Member: job.ID()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID(), err)
	}
	return nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.queue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	return s.load(ctx, ids)
}

// claimScript leases a job by moving its score to the lease deadline, but only
// while the score still matches the fire time the caller saw. The stored body
// is swapped for one whose fire time is the deadline, so an expired lease is
// claimable again by the next poll.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
return 1
`)

// doneScript drops a leased job unless it was rescheduled while it ran.
var doneScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// Claim leases job until now plus the store's lease. The job stays queued
// until Done, so a worker that dies mid-run leaves it to be claimed again once
// the lease lapses. The leased body counts the run as an attempt.
func (s *RedisStore) Claim(ctx context.Context, job Job, now time.Time) (Job, bool, error) {
	until := now.Add(s.lease)
	leased := job
	leased.FireAt = until
	leased.Attempts++
	leased.LastErr = "lease expired"
	body, err := json.Marshal(leased)
	if err != nil {
		return job, false, fmt.Errorf("encode job %s: %w", job.ID(), err)
	}
	n, err := claimScript.Run(ctx, s.client, []string{s.queue, s.bodies},
		job.ID(), job.FireAt.UnixMilli(), until.UnixMilli(), body).Int()
	if err != nil {
		return job, false, fmt.Errorf("claim job %s: %w", job.ID(), err)
	}
	job.FireAt = until
	return job, n == 1, nil
}

func (s *RedisStore) Done(ctx context.Context, job Job) error {
	err := doneScript.Run(ctx, s.client, []string{s.queue, s.bodies}, job.ID(), job.FireAt.UnixMilli()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("done job %s: %w", job.ID(), err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, kind Kind, key string) error {
	id := Job{Kind: kind, Key: key}.ID()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.queue, id)
		pipe.HDel(ctx, s.bodies, id)
		return nil
	})
	return err
}

func (s *RedisStore) Pending(ctx context.Context) ([]Job, error) {
	ids, err := s.client.ZRange(ctx, s.queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.bodies, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]Job, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// body missing; the job was removed between the two reads
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(str), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
