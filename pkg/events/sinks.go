package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// WriterSink writes each event as one outbound JSON line. It is the
// stdout half of the host bridge.
type WriterSink struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewWriterSink creates a sink writing to out
func NewWriterSink(out io.Writer) *WriterSink {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &WriterSink{out: out, enc: enc}
}

func (s *WriterSink) Name() string { return "writer" }

func (s *WriterSink) Publish(_ context.Context, event types.StateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event.Outbound()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// LogSink logs every event
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, event types.StateEvent) error {
	e := logger.LogInfo("state")
	if event.Kind == types.EventError {
		e = logger.LogWarn("state")
	}
	e.Str("kind", string(event.Kind)).
		Str("command_id", event.CommandID).
		Str("message", event.Message).
		Msg("State changed")
	return nil
}

// ChannelSink forwards events to a Go channel for in-process consumers.
// A full channel drops the event rather than stalling the reporter.
type ChannelSink struct {
	C chan types.StateEvent
}

// NewChannelSink creates a sink with a buffered channel of size n
func NewChannelSink(n int) *ChannelSink {
	return &ChannelSink{C: make(chan types.StateEvent, n)}
}

func (s *ChannelSink) Name() string { return "channel" }

func (s *ChannelSink) Publish(_ context.Context, event types.StateEvent) error {
	select {
	case s.C <- event:
		return nil
	default:
		return fmt.Errorf("channel full, dropped %s", event.Kind)
	}
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(ctx context.Context, event types.StateEvent) error

func (f SinkFunc) Name() string { return "func" }

func (f SinkFunc) Publish(ctx context.Context, event types.StateEvent) error {
	return f(ctx, event)
}
