package server

import (
	"context"
	"encoding/json"
	"sync"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// StreamManager fans outbound messages out to SSE subscribers. It is an
// events.Sink.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[chan string]struct{}
}

func NewStreamManager() *StreamManager {
	return &StreamManager{subscribers: make(map[chan string]struct{})}
}

// Subscribe returns a channel of JSON messages and its cancel func
func (sm *StreamManager) Subscribe() (<-chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 16)
	sm.subscribers[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if _, ok := sm.subscribers[ch]; ok {
				delete(sm.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of open streams
func (sm *StreamManager) Subscribers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers)
}

// Broadcast sends msg to every subscriber, dropping it for slow ones
func (sm *StreamManager) Broadcast(msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers {
		select {
		case ch <- msg:
		default:
			logger.LogWarn("server").Msg("SSE client buffer full, dropping message")
		}
	}
}

// CloseAll ends every stream
func (sm *StreamManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for ch := range sm.subscribers {
		close(ch)
		delete(sm.subscribers, ch)
	}
}

func (sm *StreamManager) Name() string { return "sse" }

// Publish broadcasts the event's outbound wire form
func (sm *StreamManager) Publish(_ context.Context, event types.StateEvent) error {
	data, err := json.Marshal(event.Outbound())
	if err != nil {
		return err
	}
	sm.Broadcast(string(data))
	return nil
}
