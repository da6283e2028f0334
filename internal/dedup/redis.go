package dedup

import (
	"context"
	"path/filepath"

	"treefuzz/internal/types"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps the shared seen-set in a redis set.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

func NewRedisRegistry(client *redis.Client, key string) *RedisRegistry {
	return &RedisRegistry{client: client, key: key}
}

func (r *RedisRegistry) Claim(ctx context.Context, sig types.Signature) (bool, error) {
	added, err := r.client.SAdd(ctx, r.key, string(sig)).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (r *RedisRegistry) Release(ctx context.Context, sig types.Signature) error {
	return r.client.SRem(ctx, r.key, string(sig)).Err()
}

// RegistryKey names the set shared by campaigns fuzzing the same target binary.
func RegistryKey(command []string) string {
	if len(command) == 0 {
		return "treefuzz:signatures"
	}
	return "treefuzz:signatures:" + filepath.Base(command[0])
}
