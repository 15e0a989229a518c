package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists fingerprints in Redis so multiple coordinator replicas
// share change-detection state. Each (job, iteration) is one hash keyed by
// URI; a per-job set tracks the hash keys for whole-job deletion.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces the keys; the
// empty string uses "crawlcore:fp".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "crawlcore:fp"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) iterKey(jobID string, iteration int) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, jobID, iteration)
}

func (s *RedisStore) jobKeysKey(jobID string) string {
	return fmt.Sprintf("%s:%s:keys", s.prefix, jobID)
}

// Put upserts a fingerprint.
func (s *RedisStore) Put(ctx context.Context, jobID string, fp Fingerprint) error {
	if fp.URI == "" {
		return fmt.Errorf("fingerprint uri is required")
	}
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("marshaling fingerprint: %w", err)
	}
	key := s.iterKey(jobID, fp.Iteration)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fp.URI, raw)
	pipe.SAdd(ctx, s.jobKeysKey(jobID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing fingerprint for %s: %w", fp.URI, err)
	}
	return nil
}

// Get returns the fingerprint for one URI in one iteration.
func (s *RedisStore) Get(ctx context.Context, jobID string, iteration int, uri string) (Fingerprint, error) {
	raw, err := s.client.HGet(ctx, s.iterKey(jobID, iteration), uri).Result()
	if errors.Is(err, redis.Nil) {
		return Fingerprint{}, fmt.Errorf("job %s iteration %d uri %s: %w", jobID, iteration, uri, ErrNotFound)
	}
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fetching fingerprint for %s: %w", uri, err)
	}
	var fp Fingerprint
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return Fingerprint{}, fmt.Errorf("unmarshaling fingerprint for %s: %w", uri, err)
	}
	return fp, nil
}

// ListIteration returns every fingerprint in one iteration.
func (s *RedisStore) ListIteration(ctx context.Context, jobID string, iteration int) ([]Fingerprint, error) {
	raw, err := s.client.HGetAll(ctx, s.iterKey(jobID, iteration)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing fingerprints: %w", err)
	}
	out := make([]Fingerprint, 0, len(raw))
	for uri, v := range raw {
		var fp Fingerprint
		if err := json.Unmarshal([]byte(v), &fp); err != nil {
			return nil, fmt.Errorf("unmarshaling fingerprint for %s: %w", uri, err)
		}
		out = append(out, fp)
	}
	return out, nil
}

// DeleteJob removes all fingerprints for a job.
func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	keysKey := s.jobKeysKey(jobID)
	keys, err := s.client.SMembers(ctx, keysKey).Result()
	if err != nil {
		return fmt.Errorf("listing fingerprint keys: %w", err)
	}
	keys = append(keys, keysKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting fingerprints: %w", err)
	}
	return nil
}
