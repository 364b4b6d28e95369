package projection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for a wallet with no projected balance.
var ErrNotFound = errors.New("projection not found")

// Delta is one wallet's signed change within a transaction.
type Delta struct {
	WalletID string
	Amount   int64
}

// Store persists projected balances. ApplyOnce must be atomic: either every
// delta lands and txID is marked seen, or nothing changes.
type Store interface {
	ApplyOnce(ctx context.Context, txID string, deltas []Delta, at time.Time) (bool, error)
	Balance(ctx context.Context, walletID string) (*WalletBalance, error)
	Drop(ctx context.Context, walletID string) error
}

// MemoryStore keeps projections in process.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]WalletBalance
	seen     map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]WalletBalance),
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) ApplyOnce(_ context.Context, txID string, deltas []Delta, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.seen[txID]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.seen[txID] = s.now().Add(seenTTL)
	for _, d := range deltas {
		b := s.balances[d.WalletID]
		b.WalletID = d.WalletID
		b.Balance += d.Amount
		b.Entries++
		b.LastTxID = txID
		b.UpdatedAt = at
		s.balances[d.WalletID] = b
	}
	return true, nil
}

func (s *MemoryStore) Balance(_ context.Context, walletID string) (*WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[walletID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", walletID, ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) Drop(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.balances, walletID)
	return nil
}

// applyScript marks the transaction seen and folds every delta into its
// balance hash in one step.
//
// KEYS[1] seen marker, KEYS[2..n] balance hashes
// ARGV[1] seen ttl seconds, ARGV[2] tx id, ARGV[3] updated_at, ARGV[4..] deltas
var applyScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) then
  return 0
end
for i = 2, #KEYS do
  redis.call('HINCRBY', KEYS[i], 'balance', ARGV[i + 2])
  redis.call('HINCRBY', KEYS[i], 'entries', 1)
  redis.call('HSET', KEYS[i], 'last_tx', ARGV[2])
  redis.call('HSET', KEYS[i], 'updated_at', ARGV[3])
end
return 1
`)

// RedisStore keeps each wallet's projection in a hash under prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) balanceKey(walletID string) string {
	return s.prefix + "projection:balance:" + walletID
}

func (s *RedisStore) seenKey(txID string) string {
	return s.prefix + "projection:seen:" + txID
}

func (s *RedisStore) ApplyOnce(ctx context.Context, txID string, deltas []Delta, at time.Time) (bool, error) {
	keys := make([]string, 0, len(deltas)+1)
	args := make([]any, 0, len(deltas)+3)
	keys = append(keys, s.seenKey(txID))
	args = append(args, int64(seenTTL/time.Second), txID, at.UTC().Format(time.RFC3339Nano))
	for _, d := range deltas {
		keys = append(keys, s.balanceKey(d.WalletID))
		args = append(args, d.Amount)
	}
	applied, err := applyScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("project %s: %w", txID, err)
	}
	return applied == 1, nil
}

func (s *RedisStore) Balance(ctx context.Context, walletID string) (*WalletBalance, error) {
	fields, err := s.client.HGetAll(ctx, s.balanceKey(walletID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", walletID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", walletID, ErrNotFound)
	}
	b := &WalletBalance{WalletID: walletID, LastTxID: fields["last_tx"]}
	if b.Balance, err = strconv.ParseInt(fields["balance"], 10, 64); err != nil {
		return nil, fmt.Errorf("balance of %s: %w", walletID, err)
	}
	entries, err := strconv.Atoi(fields["entries"])
	if err != nil {
		return nil, fmt.Errorf("entries of %s: %w", walletID, err)
	}
	b.Entries = entries
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at of %s: %w", walletID, err)
	}
	return b, nil
}

func (s *RedisStore) Drop(ctx context.Context, walletID string) error {
	return s.client.Del(ctx, s.balanceKey(walletID)).Err()
}
