package nonce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bg:nonce:"

// retentionSlack keeps consumed and expired records around past exp so replay
// attempts still resolve to "already consumed" instead of "unknown".
const retentionSlack = 24 * time.Hour

// consumeScript is the Redis-side compare-and-set. Scripts execute atomically
// on the server, so of N racing agents exactly one observes "ok".
var consumeScript = redis.NewScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if not used then return 'missing' end
if used == '1' then return 'consumed' end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 'consumed' end
redis.call('HSET', KEYS[1], 'used', '1', 'used_unix', ARGV[1])
return 'ok'
`)

var revokeScript = redis.NewScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if not used then return 'missing' end
if used == '1' then return 'consumed' end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 'consumed' end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 'ok'
`)

// RedisStore is the distributed nonce store for deployments where several
// issuer replicas share consumption state.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(nonce string) string {
	return redisKeyPrefix + nonce
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	key := s.key(rec.Nonce)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"req_id", rec.ReqID,
		"expires_unix", rec.ExpiresTS.Unix(),
		"used", boolField(rec.Used),
		"used_unix", rec.UsedTS.Unix(),
		"revoked", boolField(rec.Revoked),
	)
	pipe.ExpireAt(ctx, key, rec.ExpiresTS.Add(retentionSlack))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save nonce: %w", err)
	}
	return nil
}

func (s *RedisStore) Find(ctx context.Context, nonce string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(nonce)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("find nonce: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromFields(nonce, fields), nil
}

func (s *RedisStore) MarkUsed(ctx context.Context, nonce string, now time.Time) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(nonce)}, now.Unix()).Text()
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrConsumed
	}
}

func (s *RedisStore) Revoke(ctx context.Context, nonce string) error {
	res, err := revokeScript.Run(ctx, s.client, []string{s.key(nonce)}).Text()
	if err != nil {
		return fmt.Errorf("revoke nonce: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrConsumed
	}
}

// CleanupExpired walks live keys and deletes those past expiry. Redis TTLs
// already reclaim them eventually; the explicit pass exists so the operation
// reports a count like the other stores.
func (s *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		expires, err := s.client.HGet(ctx, key, "expires_unix").Int64()
		if err != nil {
			continue
		}
		if now.Unix() > expires {
			if s.client.Del(ctx, key).Val() > 0 {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec := recordFromFields("", fields)
		stats.Total++
		switch {
		case rec.Revoked:
			stats.Revoked++
		case rec.Used:
			stats.Used++
		case now.After(rec.ExpiresTS):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("nonce stats: %w", err)
	}
	return stats, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func recordFromFields(nonce string, fields map[string]string) Record {
	expires, _ := strconv.ParseInt(fields["expires_unix"], 10, 64)
	usedTS, _ := strconv.ParseInt(fields["used_unix"], 10, 64)
	return Record{
		Nonce:     nonce,
		ReqID:     fields["req_id"],
		ExpiresTS: time.Unix(expires, 0),
		Used:      fields["used"] == "1",
		UsedTS:    time.Unix(usedTS, 0),
		Revoked:   fields["revoked"] == "1",
	}
}
