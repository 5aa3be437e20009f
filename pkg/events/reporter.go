package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// Sink receives every published event. Publish runs on the reporter's
// dispatch goroutine, one event at a time, in publish order.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event types.StateEvent) error
}

// Reporter fans StateEvents out to sinks without blocking the publisher.
// When the queue is full the publisher waits up to sendTimeout, then the
// event is dropped and counted.
type Reporter struct {
	mu     sync.RWMutex // guards closed against eventChan sends
	closed bool
	onDrop func(types.StateEvent)

	sinkMu     sync.RWMutex
	sinks      []Sink
	onDispatch func(types.StateEvent)

	eventChan   chan types.StateEvent
	stopChan    chan struct{}
	wg          sync.WaitGroup
	sendTimeout time.Duration
	sinkTimeout time.Duration

	recent    *RingBuffer
	published atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// DefaultQueueSize is the buffered capacity of the reporter queue
const DefaultQueueSize = 1024

// NewReporter starts a reporter with the given sinks
func NewReporter(queueSize int, sinks ...Sink) *Reporter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Reporter{
		sinks:       sinks,
		eventChan:   make(chan types.StateEvent, queueSize),
		stopChan:    make(chan struct{}),
		sendTimeout: 500 * time.Millisecond,
		sinkTimeout: 5 * time.Second,
		recent:      NewRingBuffer(100),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// AddSink attaches another sink. Events already queued reach it too.
func (r *Reporter) AddSink(s Sink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sinks = append(r.sinks, s)
}

// OnDispatch registers fn to run after each event reaches every sink
func (r *Reporter) OnDispatch(fn func(types.StateEvent)) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.onDispatch = fn
}

// OnDrop registers fn to run for every event that never reaches the queue
func (r *Reporter) OnDrop(fn func(types.StateEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrop = fn
}

func (r *Reporter) drop(event types.StateEvent) {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop(event)
	}
}

// Publish enqueues event. It never blocks for longer than the send timeout
// and is a no-op after Close.
func (r *Reporter) Publish(event types.StateEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		logger.LogDebug("reporter").Str("kind", string(event.Kind)).Msg("Reporter closed, event dropped")
		r.drop(event)
		return
	}

	select {
	case r.eventChan <- event:
		r.published.Add(1)
		return
	default:
	}

	select {
	case r.eventChan <- event:
		r.published.Add(1)
	case <-time.After(r.sendTimeout):
		r.drop(event)
		logger.LogWarn("reporter").
			Str("kind", string(event.Kind)).
			Str("event_id", event.ID).
			Msg("Event queue full, event dropped")
	}
}

// Emit is Publish for a freshly stamped event
func (r *Reporter) Emit(kind types.EventKind, message, commandID string) types.StateEvent {
	event := types.NewStateEvent(kind, message)
	event.CommandID = commandID
	r.Publish(event)
	return event
}

// Recent returns up to n of the last dispatched events, oldest first
func (r *Reporter) Recent(n int) []types.StateEvent {
	return r.recent.GetRecent(n)
}

// Stats reports queue counters
func (r *Reporter) Stats() map[string]int64 {
	return map[string]int64{
		"published": r.published.Load(),
		"dropped":   r.dropped.Load(),
		"failures":  r.failures.Load(),
		"queued":    int64(len(r.eventChan)),
	}
}

// Close stops accepting events, delivers everything queued and waits for
// the dispatch goroutine.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reporter) dispatch() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.eventChan:
			r.deliver(event)
		case <-r.stopChan:
			for {
				select {
				case event := <-r.eventChan:
					r.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Reporter) deliver(event types.StateEvent) {
	r.sinkMu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	onDispatch := r.onDispatch
	r.sinkMu.RUnlock()

	r.recent.Push(event)

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
		err := s.Publish(ctx, event)
		cancel()
		if err != nil {
			r.failures.Add(1)
			logger.LogWarn("reporter").
				Str("sink", s.Name()).
				Str("kind", string(event.Kind)).
				Err(err).
				Msg("Sink publish failed")
		}
	}

	if onDispatch != nil {
		onDispatch(event)
	}
}

// ========================================
// Ring buffer
// ========================================

// RingBuffer keeps the last size events
type RingBuffer struct {
	data  []types.StateEvent
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		data: make([]types.StateEvent, size),
		size: size,
	}
}

func (b *RingBuffer) Push(event types.StateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = event
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

func (b *RingBuffer) GetRecent(n int) []types.StateEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]types.StateEvent, n)
	start := (b.head - n + b.size) % b.size
	for i := 0; i < n; i++ {
		result[i] = b.data[(start+i)%b.size]
	}
	return result
}

func (b *RingBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
