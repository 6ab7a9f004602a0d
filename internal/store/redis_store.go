package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func frameKey(frameID string) string { return "frame:" + frameID }

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) MarkReady(ctx context.Context, frameID string, apiVersion int) error {
	return r.hset(ctx, frameID, "ready", "1", "api_version", strconv.Itoa(apiVersion))
}

func (r *RedisStore) SetState(ctx context.Context, frameID string, state json.RawMessage) error {
	return r.hset(ctx, frameID, "state", string(state))
}

func (r *RedisStore) SetHeight(ctx context.Context, frameID string, height int) error {
	return r.hset(ctx, frameID, "height", strconv.Itoa(height))
}

func (r *RedisStore) GetFrame(ctx context.Context, frameID string) (Frame, bool, error) {
	fields, err := r.client.HGetAll(ctx, frameKey(frameID)).Result()
	if err != nil {
		return Frame{}, false, err
	}
	if len(fields) == 0 {
		return Frame{}, false, nil
	}
	f := Frame{ID: frameID, Ready: fields["ready"] == "1"}
	if v, ok := fields["api_version"]; ok {
		f.APIVersion, _ = strconv.Atoi(v)
	}
	if v, ok := fields["height"]; ok {
		f.Height, _ = strconv.Atoi(v)
	}
	if v, ok := fields["state"]; ok && v != "" {
		f.State = json.RawMessage(v)
	}
	if v, ok := fields["updated_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return f, true, nil
}

func (r *RedisStore) hset(ctx context.Context, frameID string, kv ...string) error {
	key := frameKey(frameID)
	values := make([]any, 0, len(kv)+2)
	for _, s := range kv {
		values = append(values, s)
	}
	values = append(values, "updated_at", strconv.FormatInt(time.Now().UnixMilli(), 10))

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}
