package namesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// putScript writes the record only when its sequence beats the stored one.
// KEYS[1] = record hash, ARGV[1] = sequence, ARGV[2] = encoded revision.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'rec', ARGV[2])
return 1
`)

// RedisStore keeps records in Redis hashes under "<prefix><name>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "namesvc:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, name string) (*Revision, error) {
	data, err := s.client.HGet(ctx, s.prefix+name, "rec").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("namesvc: redis get %s: %w", name, err)
	}

	var rev Revision
	if err := json.Unmarshal(data, &rev); err != nil {
		return nil, fmt.Errorf("namesvc: decoding record %s: %w", name, err)
	}
	return &rev, nil
}

func (s *RedisStore) Put(ctx context.Context, rev *Revision) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("namesvc: encoding record %s: %w", rev.Name, err)
	}

	ok, err := putScript.Run(ctx, s.client, []string{s.prefix + rev.Name}, rev.Sequence, data).Int()
	if err != nil {
		return fmt.Errorf("namesvc: redis put %s: %w", rev.Name, err)
	}
	if ok == 0 {
		return ErrStaleSequence
	}
	return nil
}
