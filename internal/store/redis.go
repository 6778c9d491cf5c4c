package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"can-logger/ingestion/internal/config"
	"can-logger/ingestion/internal/domain"
)

const (
	alertChannel    = "can:alerts"
	signalChannel   = "can:signals"
	stateKeyPattern = "can:state:%s"
	apiKeyPattern   = "can:auth:%s"
	stateTTL        = 30 * time.Second
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// PipelineStateUpdate stores the latest value of every signal in msgs and
// publishes each message for live dashboards. Later messages in msgs win.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, msgs []*domain.DecodedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, msg := range msgs {
		values := make(map[string]any, len(msg.Signals)+1)
		for _, s := range msg.Signals {
			values[s.Name] = strconv.FormatFloat(s.Value, 'g', -1, 64)
		}
		values[domain.TimestampColumn] = strconv.FormatFloat(msg.Timestamp, 'f', 3, 64)

		payload, err := json.Marshal(stateMessage(msg))
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		key := fmt.Sprintf(stateKeyPattern, msg.Name)
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, stateTTL)
		pipe.Publish(ctx, signalChannel, payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func stateMessage(msg *domain.DecodedMessage) map[string]any {
	signals := make(map[string]float64, len(msg.Signals))
	for _, s := range msg.Signals {
		signals[s.Name] = s.Value
	}
	return map[string]any{
		"name":      msg.Name,
		"id":        msg.ID,
		"signals":   signals,
		"timestamp": msg.Timestamp,
	}
}

// LatestState returns the last stored signal values of one message.
func (r *RedisStore) LatestState(ctx context.Context, message string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, fmt.Sprintf(stateKeyPattern, message)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get state failed: %w", err)
	}
	return vals, nil
}

// GetAPIKey returns the owner registered for apiKey, or "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf(apiKeyPattern, apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

func APIKeyName(apiKey string) string {
	return fmt.Sprintf(apiKeyPattern, apiKey)
}

func (r *RedisStore) PublishAlert(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, alertChannel, payload).Err()
}
