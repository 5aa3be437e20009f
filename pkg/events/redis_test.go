package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"Tapline/pkg/types"
)

func TestRedisSinkPublishesAndStoresState(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	sink, err := NewRedisSink(ctx, RedisSinkConfig{Address: mr.Addr(), Channel: "agent", StateKey: "agent:state"})
	if err != nil {
		t.Fatalf("NewRedisSink failed: %v", err)
	}
	defer sink.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(ctx, "agent")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sink.Publish(ctx, types.NewStateEvent(types.EventReady, "Model loaded")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := sink.Publish(ctx, types.NewStateEvent(types.EventActionResult, "clicked Wi-Fi")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ch := pubsub.Channel()
	var got []types.OutboundMessage
	for len(got) < 2 {
		select {
		case m := <-ch:
			var msg types.OutboundMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.Fatalf("Invalid payload %q: %v", m.Payload, err)
			}
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for messages, got %v", got)
		}
	}
	if got[0].State != "READY" || got[1].State != "ACTION_RESULT" {
		t.Errorf("Unexpected messages %+v", got)
	}

	// only lifecycle events update the state key
	stored, err := mr.Get("agent:state")
	if err != nil {
		t.Fatalf("State key missing: %v", err)
	}
	var state types.OutboundMessage
	json.Unmarshal([]byte(stored), &state)
	if state.State != "READY" {
		t.Errorf("Expected READY in state key, got %+v", state)
	}
}

func TestRedisSinkUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisSink(ctx, RedisSinkConfig{Address: "127.0.0.1:1"}); err == nil {
		t.Error("Expected connection error")
	}
	if _, err := NewRedisSink(ctx, RedisSinkConfig{}); err == nil {
		t.Error("Expected error for empty address")
	}
}
