package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"Tapline/pkg/types"
)

// RedisSinkConfig describes the redis connection and keys
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string // pub/sub channel for outbound messages
	StateKey string // key holding the last lifecycle message
}

// RedisSink publishes outbound messages on a pub/sub channel and keeps the
// last lifecycle message under StateKey so late subscribers can read it.
type RedisSink struct {
	client   *redis.Client
	channel  string
	stateKey string
}

// NewRedisSink connects and pings the server
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return NewRedisSinkFromClient(client, cfg.Channel, cfg.StateKey), nil
}

// NewRedisSinkFromClient wraps an existing client
func NewRedisSinkFromClient(client *redis.Client, channel, stateKey string) *RedisSink {
	if channel == "" {
		channel = "tapline:events"
	}
	if stateKey == "" {
		stateKey = "tapline:state"
	}
	return &RedisSink{client: client, channel: channel, stateKey: stateKey}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, event types.StateEvent) error {
	payload, err := json.Marshal(event.Outbound())
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	if lifecycle(event.Kind) {
		if err := s.client.Set(ctx, s.stateKey, payload, 0).Err(); err != nil {
			return fmt.Errorf("failed to store state in redis: %w", err)
		}
	}
	return nil
}

// Close closes the client
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// lifecycle reports whether kind describes the service state rather than
// a single command outcome
func lifecycle(kind types.EventKind) bool {
	switch kind {
	case types.EventActionResult, types.EventUnhandled:
		return false
	}
	return true
}
