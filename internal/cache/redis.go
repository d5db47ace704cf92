package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// TraceEntry is one relayed event kept for debugging and support. The sync
// path never reads these back; they exist so ops can replay what a room saw.
type TraceEntry struct {
	DocumentID string    `json:"documentId"`
	SessionID  string    `json:"sessionId"`
	UserID     int64     `json:"userId"`
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
}

// keep the last N events per document
const traceDepth = 100

// RedisClient wraps the Redis client for relay tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func traceKey(documentID string) string {
	return "doc:" + documentID + ":trace"
}

// Record appends a trace entry and trims the list to the last traceDepth
func (r *RedisClient) Record(ctx context.Context, entry *TraceEntry) error {
	key := traceKey(entry.DocumentID)
	entry.Timestamp = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		log.Printf("[Redis] Failed to record trace: %v", err)
		return err
	}

	r.client.LTrim(ctx, key, -traceDepth, -1)
	r.client.Expire(ctx, key, 24*time.Hour)

	return nil
}

// Recent retrieves the last count trace entries for a document
func (r *RedisClient) Recent(ctx context.Context, documentID string, count int64) ([]TraceEntry, error) {
	key := traceKey(documentID)

	results, err := r.client.LRange(ctx, key, -count, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]TraceEntry, 0, len(results))
	for _, data := range results {
		var entry TraceEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Count returns the number of trace entries for a document
func (r *RedisClient) Count(ctx context.Context, documentID string) (int64, error) {
	return r.client.LLen(ctx, traceKey(documentID)).Result()
}

// DeleteTrace removes all trace entries for a document
func (r *RedisClient) DeleteTrace(ctx context.Context, documentID string) error {
	return r.client.Del(ctx, traceKey(documentID)).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
