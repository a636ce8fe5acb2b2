// Package store persists call side records: usage and transcripts in redis,
// whole call records in a Firestore archive.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/amanullahtanweer/billboard-callassist/internal/transcription"
	"github.com/amanullahtanweer/billboard-callassist/internal/usage"
)

// DefaultTTL bounds how long call records stay in redis.
const DefaultTTL = 7 * 24 * time.Hour

// Redis stores usage records as hashes and transcripts as lists.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: DefaultTTL}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis PING %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) usageKey(sessionID string) string { return r.prefix + "usage:" + sessionID }

func (r *Redis) transcriptKey(callID string) string { return r.prefix + "transcript:" + callID }

func usageFields(rec usage.Record) map[string]interface{} {
	return map[string]interface{}{
		"log_id":           rec.LogID,
		"started_at":       rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_seconds": strconv.FormatFloat(rec.DurationSeconds, 'f', 3, 64),
		"cost":             strconv.FormatFloat(rec.Cost, 'f', 6, 64),
		"cost_known":       strconv.FormatBool(rec.CostKnown),
	}
}

// SaveUsage writes the record under its session id.
func (r *Redis) SaveUsage(ctx context.Context, rec usage.Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("usage record has no session id")
	}
	key := r.usageKey(rec.SessionID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, usageFields(rec))
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return nil
}

// Usage reads a record back.
func (r *Redis) Usage(ctx context.Context, sessionID string) (usage.Record, error) {
	key := r.usageKey(sessionID)
	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return usage.Record{}, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	if len(vals) == 0 {
		return usage.Record{}, fmt.Errorf("redis HGETALL %s: %w", key, redis.Nil)
	}
	return parseUsage(sessionID, vals)
}

func parseUsage(sessionID string, vals map[string]string) (usage.Record, error) {
	rec := usage.Record{SessionID: sessionID, LogID: vals["log_id"]}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, vals["started_at"]); err != nil {
		return usage.Record{}, fmt.Errorf("started_at: %w", err)
	}
	if rec.DurationSeconds, err = strconv.ParseFloat(vals["duration_seconds"], 64); err != nil {
		return usage.Record{}, fmt.Errorf("duration_seconds: %w", err)
	}
	if rec.Cost, err = strconv.ParseFloat(vals["cost"], 64); err != nil {
		return usage.Record{}, fmt.Errorf("cost: %w", err)
	}
	rec.CostKnown = vals["cost_known"] == "true"
	return rec, nil
}

// SaveTranscript replaces the stored transcript of a call.
func (r *Redis) SaveTranscript(ctx context.Context, callID string, items []transcription.Item) error {
	key := r.transcriptKey(callID)
	values := make([]interface{}, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode transcript item %s: %w", it.ID, err)
		}
		values = append(values, data)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", key, err)
	}
	return nil
}

// Transcript reads a stored transcript in order.
func (r *Redis) Transcript(ctx context.Context, callID string) ([]transcription.Item, error) {
	key := r.transcriptKey(callID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", key, err)
	}
	items := make([]transcription.Item, 0, len(raw))
	for _, s := range raw {
		var it transcription.Item
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			return nil, fmt.Errorf("decode transcript item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}
