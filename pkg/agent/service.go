// Package agent runs the command loop: it interprets each command against
// the inference state, executes the resulting action and reports exactly
// one outbound event per command.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"Tapline/pkg/events"
	"Tapline/pkg/executor"
	"Tapline/pkg/inference"
	"Tapline/pkg/interpreter"
	"Tapline/pkg/logger"
	"Tapline/pkg/metrics"
	"Tapline/pkg/types"
)

var (
	ErrNotStarted       = errors.New("agent not started")
	ErrStopped          = errors.New("agent stopped")
	ErrMalformedMessage = errors.New("malformed message")
)

// Journal records processed commands
type Journal interface {
	RecordCommand(entry types.HistoryEntry) error
	Recent(n int) ([]types.HistoryEntry, error)
}

// Options tune the service
type Options struct {
	QueueSize      int
	RetryOnCommand bool // re-run Load when a command arrives while Failed
	Paths          inference.Paths
	Watch          bool // reload when model files change
}

// Deps are the collaborators of a Service. Journal and Metrics are optional.
type Deps struct {
	Runtime     *inference.Runtime
	Interpreter *interpreter.Interpreter
	Executor    *executor.Executor
	Reporter    *events.Reporter
	Journal     Journal
	Metrics     *metrics.Metrics
}

type job struct {
	ctx  context.Context
	cmd  types.Command
	done chan types.ActionResult
}

// Service owns the command queue
type Service struct {
	deps    Deps
	opts    Options
	watcher *inference.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
	queue   chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sending sync.WaitGroup // Enqueue calls between the stopped check and the send
	pending atomic.Int64   // queued or running commands

	// processMu keeps Process calls from outside the loop serialized with it
	processMu sync.Mutex
}

// DefaultQueueSize is used when Options.QueueSize is zero
const DefaultQueueSize = 64

// New wires a service. The runtime observer is registered here so no
// transition after New is missed.
func New(deps Deps, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	s := &Service{
		deps:   deps,
		opts:   opts,
		queue:  make(chan job, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
	deps.Runtime.OnTransition(s.onTransition)
	if deps.Metrics != nil {
		deps.Metrics.SetInferenceState(deps.Runtime.State().Status.String())
	}
	return s
}

// Start announces the service, starts the command loop and kicks off the
// first model load. A load failure is reported as an ERROR event, not
// returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("agent already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	s.deps.Reporter.Emit(types.EventConnected, "service connected", "")
	logger.LogInfo("agent").Int("queueSize", s.opts.QueueSize).Strs("rules", s.deps.Interpreter.Rules()).Msg("Agent started")

	s.wg.Add(1)
	go s.loop()

	if s.opts.Watch {
		s.watcher = inference.NewWatcher(s.deps.Runtime, s.opts.Paths)
		if err := s.watcher.Start(); err != nil {
			logger.LogWarn("agent").Err(err).Msg("Model watcher unavailable")
			s.watcher = nil
		}
	}

	s.LoadModel(ctx)
	return nil
}

// LoadModel starts a load of the configured paths. It returns
// inference.ErrLoadInProgress when one is already running.
func (s *Service) LoadModel(ctx context.Context) (<-chan struct{}, error) {
	done, err := s.deps.Runtime.Load(ctx, s.opts.Paths)
	if err != nil {
		logger.LogDebug("agent").Err(err).Msg("Load not started")
		return nil, err
	}
	if s.deps.Metrics != nil {
		go func() {
			<-done
			outcome := "failed"
			if s.deps.Runtime.State().Ready() {
				outcome = "ready"
			}
			s.deps.Metrics.LoadAttempts.WithLabelValues(outcome).Inc()
		}()
	}
	return done, nil
}

// onTransition maps runtime states to outbound events
func (s *Service) onTransition(state inference.State) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetInferenceState(state.Status.String())
	}

	switch state.Status {
	case inference.Loading:
		s.deps.Reporter.Emit(types.EventInitializing, "loading model", "")
	case inference.Ready:
		s.deps.Reporter.Emit(types.EventReady, "model ready", "")
	case inference.Failed:
		s.deps.Reporter.Emit(types.EventError, state.Reason, "")
	}
}

// Stop ends the loop after the command in progress. Queued commands that
// have not started are answered with an ErrStopped result. The model is
// unloaded and DISCONNECTED is emitted.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.sending.Wait()
	if s.watcher != nil {
		s.watcher.Stop()
	}

	// fail whatever is still queued
	for {
		select {
		case j := <-s.queue:
			action := types.Unhandled(ErrStopped.Error())
			s.deps.Reporter.Emit(types.EventUnhandled, action.Reason, j.cmd.ID)
			j.done <- types.ActionResult{Action: action, Detail: action.Reason}
			s.pending.Add(-1)
		default:
			s.deps.Runtime.Unload()
			if started {
				s.deps.Reporter.Emit(types.EventDisconnected, "service disconnected", "")
			}
			logger.LogInfo("agent").Msg("Agent stopped")
			return
		}
	}
}

// Enqueue queues cmd behind earlier commands. The returned channel
// receives the result once it has been reported.
func (s *Service) Enqueue(ctx context.Context, cmd types.Command) (<-chan types.ActionResult, error) {
	s.mu.Lock()
	started, stopped := s.started, s.stopped
	if started && !stopped {
		s.sending.Add(1)
	}
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if !started {
		return nil, ErrNotStarted
	}
	defer s.sending.Done()

	j := job{ctx: context.WithoutCancel(ctx), cmd: cmd, done: make(chan types.ActionResult, 1)}
	s.pending.Add(1)
	select {
	case s.queue <- j:
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueueDepth.Set(float64(len(s.queue)))
		}
		return j.done, nil
	case <-s.stopCh:
		s.pending.Add(-1)
		return nil, ErrStopped
	case <-ctx.Done():
		s.pending.Add(-1)
		return nil, ctx.Err()
	}
}

// Idle waits until every accepted command has been answered
func (s *Service) Idle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Submit queues cmd and waits for its result
func (s *Service) Submit(ctx context.Context, cmd types.Command) (types.ActionResult, error) {
	done, err := s.Enqueue(ctx, cmd)
	if err != nil {
		return types.ActionResult{}, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return types.ActionResult{}, ctx.Err()
	}
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j := <-s.queue:
			if s.deps.Metrics != nil {
				s.deps.Metrics.QueueDepth.Set(float64(len(s.queue)))
			}
			j.done <- s.Process(j.ctx, j.cmd)
			s.pending.Add(-1)
		}
	}
}

// Process handles one command synchronously: interpret, execute, report,
// journal. Exactly one ACTION_RESULT or UNHANDLED event carries its id.
func (s *Service) Process(ctx context.Context, cmd types.Command) types.ActionResult {
	s.processMu.Lock()
	defer s.processMu.Unlock()

	timer := logger.StartOperation("agent", "command").AddDetail("commandId", cmd.ID).AddDetail("text", cmd.RawText)
	start := time.Now()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Commands.WithLabelValues(sourceLabel(cmd.Source)).Inc()
	}

	state := s.deps.Runtime.State()
	if state.Status == inference.Failed && s.opts.RetryOnCommand {
		logger.LogInfo("agent").Str("reason", state.Reason).Msg("Retrying model load on command")
		s.LoadModel(ctx)
	}

	interpretStart := time.Now()
	action := s.deps.Interpreter.Interpret(ctx, cmd, state)
	if state.Ready() && s.deps.Metrics != nil {
		s.deps.Metrics.InferenceDuration.Observe(time.Since(interpretStart).Seconds())
	}

	result := s.deps.Executor.Execute(ctx, action)
	elapsed := time.Since(start)

	kind := types.EventActionResult
	if action.Kind == types.ActionUnhandled {
		kind = types.EventUnhandled
	}
	s.deps.Reporter.Emit(kind, result.Detail, cmd.ID)

	if s.deps.Journal != nil {
		entry := types.HistoryEntry{
			CommandID:  cmd.ID,
			RawText:    cmd.RawText,
			Source:     cmd.Source,
			ReceivedAt: cmd.ReceivedAt,
			Action:     action,
			Success:    result.Success,
			Detail:     result.Detail,
			DurationMs: elapsed.Milliseconds(),
		}
		if err := s.deps.Journal.RecordCommand(entry); err != nil {
			logger.LogWarn("agent").Err(err).Str("commandId", cmd.ID).Msg("Failed to journal command")
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveResult(string(action.Kind), result.Success, elapsed)
	}

	timer.AddDetail("action", action.String()).AddDetail("success", result.Success).End()
	return result
}

// HandleMessage decodes a host message. A COMMAND is queued and returned;
// other actions are logged and ignored with a nil command.
func (s *Service) HandleMessage(ctx context.Context, raw []byte, source string) (*types.Command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedMessage)
	}

	in := types.InboundMessage{
		Action:      msg.Get("action").String(),
		CommandText: msg.Get("commandText").String(),
	}
	if in.Action != types.MessageActionCommand {
		logger.LogWarn("agent").Str("action", in.Action).Msg("Ignoring message with unknown action")
		return nil, nil
	}

	cmd := types.NewCommand(in.CommandText, source)
	if _, err := s.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// State returns the inference runtime's description
func (s *Service) State() inference.Info {
	return s.deps.Runtime.Info()
}

// History returns the n most recent journaled commands, oldest first
func (s *Service) History(n int) ([]types.HistoryEntry, error) {
	if s.deps.Journal == nil {
		return nil, nil
	}
	return s.deps.Journal.Recent(n)
}

// RecentEvents returns up to n of the latest outbound events
func (s *Service) RecentEvents(n int) []types.StateEvent {
	return s.deps.Reporter.Recent(n)
}

// Stats summarizes the reporter counters and queue
func (s *Service) Stats() map[string]string {
	stats := map[string]string{
		"queueDepth": strconv.Itoa(len(s.queue)),
		"queueSize":  strconv.Itoa(cap(s.queue)),
		"state":      s.deps.Runtime.State().String(),
	}
	for k, v := range s.deps.Reporter.Stats() {
		stats["events."+k] = strconv.FormatInt(v, 10)
	}
	return stats
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
