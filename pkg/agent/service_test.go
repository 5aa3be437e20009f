package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Tapline/pkg/events"
	"Tapline/pkg/executor"
	"Tapline/pkg/inference"
	"Tapline/pkg/interpreter"
	"Tapline/pkg/metrics"
	"Tapline/pkg/types"
	"Tapline/pkg/uitree"
)

// byteTokenizerJSON is a byte-fallback vocabulary with the chat markers
func byteTokenizerJSON(t *testing.T) []byte {
	t.Helper()
	vocab := map[string]int64{"<unk>": 0}
	for b := 0; b < 256; b++ {
		vocab[fmt.Sprintf("<0x%02X>", b)] = int64(4 + b)
	}
	doc := map[string]interface{}{
		"added_tokens": []map[string]interface{}{
			{"id": 0, "content": "<unk>", "special": true},
			{"id": 1, "content": "<user>", "special": true},
			{"id": 2, "content": "<end>", "special": true},
			{"id": 3, "content": "<assistant>", "special": true},
		},
		"model": map[string]interface{}{
			"type":          "BPE",
			"unk_token":     "<unk>",
			"byte_fallback": true,
			"vocab":         vocab,
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Failed to marshal tokenizer: %v", err)
	}
	return data
}

func ggufModel() []byte {
	b := []byte("GGUF")
	b = binary.LittleEndian.AppendUint32(b, 3)
	return append(b, make([]byte, 16)...)
}

func writeModelFiles(t *testing.T, paths inference.Paths) {
	t.Helper()
	if err := os.WriteFile(paths.Tokenizer, byteTokenizerJSON(t), 0644); err != nil {
		t.Fatalf("Failed to write tokenizer: %v", err)
	}
	if err := os.WriteFile(paths.Model, ggufModel(), 0644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
}

// replyEngine answers every prompt with reply(prompt) followed by <end>
type replyEngine struct {
	reply func(prompt string) string
	runs  atomic.Int32
}

func (e *replyEngine) Name() string { return "reply" }

func (e *replyEngine) NewSession(ctx context.Context, model *inference.Model, tok *inference.Tokenizer) (inference.Session, error) {
	return &replySession{engine: e, tok: tok}, nil
}

type replySession struct {
	engine *replyEngine
	tok    *inference.Tokenizer
}

func (s *replySession) Run(ctx context.Context, input inference.Tensor) ([]int64, error) {
	s.engine.runs.Add(1)
	prompt := s.tok.Decode(input.Data)
	return s.tok.Encode(s.engine.reply(prompt) + "<end>"), nil
}

func (s *replySession) Close() error { return nil }

type fakeActuator struct {
	mu      sync.Mutex
	clicked []string
	backs   int
}

func (a *fakeActuator) Click(ctx context.Context, node *uitree.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clicked = append(a.clicked, node.Label)
	return nil
}

func (a *fakeActuator) Back(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backs++
	return nil
}

func (a *fakeActuator) clicks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.clicked...)
}

type memJournal struct {
	mu      sync.Mutex
	entries []types.HistoryEntry
}

func (j *memJournal) RecordCommand(entry types.HistoryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memJournal) Recent(n int) ([]types.HistoryEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	return append([]types.HistoryEntry(nil), j.entries[len(j.entries)-n:]...), nil
}

type harness struct {
	svc     *Service
	runtime *inference.Runtime
	engine  *replyEngine
	act     *fakeActuator
	sink    *events.ChannelSink
	journal *memJournal
	metrics *metrics.Metrics
	paths   inference.Paths
}

func screen() *uitree.Element {
	return uitree.El("", false,
		uitree.El("Settings", false),
		uitree.El("", true, uitree.El("Wi-Fi", false)),
		uitree.El("Bluetooth", true),
	)
}

// newHarness builds a service over a temp model dir. withFiles writes a
// loadable tokenizer and model there.
func newHarness(t *testing.T, withFiles bool, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		engine:  &replyEngine{reply: func(string) string { return "Bluetooth" }},
		act:     &fakeActuator{},
		sink:    events.NewChannelSink(256),
		journal: &memJournal{},
		metrics: metrics.New(),
		paths: inference.Paths{
			Tokenizer: filepath.Join(dir, "tokenizer.json"),
			Model:     filepath.Join(dir, "phi3.onnx"),
		},
	}
	if withFiles {
		writeModelFiles(t, h.paths)
	}

	h.runtime = inference.NewRuntime(h.engine)
	reporter := events.NewReporter(64, h.sink)
	opts.Paths = h.paths
	h.svc = New(Deps{
		Runtime:     h.runtime,
		Interpreter: interpreter.New(h.runtime),
		Executor:    executor.New(uitree.NewExtractor(uitree.NewTreeSource(screen())), h.act),
		Reporter:    reporter,
		Journal:     h.journal,
		Metrics:     h.metrics,
	}, opts)

	t.Cleanup(reporter.Close)
	t.Cleanup(h.svc.Stop)
	return h
}

// waitFor returns the next event of kind, failing on timeout
func (h *harness) waitFor(t *testing.T, kind types.EventKind) types.StateEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.sink.C:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", kind)
		}
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestStartReportsLifecycle(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.start(t)

	want := []types.EventKind{types.EventConnected, types.EventInitializing, types.EventReady}
	for _, kind := range want {
		select {
		case e := <-h.sink.C:
			if e.Kind != kind {
				t.Fatalf("Expected %s, got %s (%s)", kind, e.Kind, e.Message)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for %s", kind)
		}
	}
	if got := testutil.ToFloat64(h.metrics.InferenceState.WithLabelValues("ready")); got != 1 {
		t.Errorf("Expected ready gauge 1, got %v", got)
	}
}

func TestStartWithMissingFilesReportsError(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)

	e := h.waitFor(t, types.EventError)
	if !strings.Contains(e.Message, "tokenizer missing") {
		t.Errorf("Expected tokenizer reason, got %q", e.Message)
	}
	if !errors.Is(h.runtime.State().Err, inference.ErrTokenizerMissing) {
		t.Errorf("Expected ErrTokenizerMissing, got %v", h.runtime.State().Err)
	}
}

func TestProcessHeuristicClick(t *testing.T) {
	h := newHarness(t, false, Options{})
	cmd := types.NewCommand("click bluetooth", "test")

	result := h.svc.Process(context.Background(), cmd)
	if !result.Success || result.Detail != "clicked Bluetooth" {
		t.Fatalf("Unexpected result %+v", result)
	}

	e := h.waitFor(t, types.EventActionResult)
	if e.CommandID != cmd.ID || e.Message != "clicked Bluetooth" {
		t.Errorf("Unexpected event %+v", e)
	}

	history, _ := h.svc.History(10)
	if len(history) != 1 || history[0].CommandID != cmd.ID || history[0].Action.Kind != types.ActionClick {
		t.Errorf("Unexpected history %+v", history)
	}
	if got := testutil.ToFloat64(h.metrics.Commands.WithLabelValues("test")); got != 1 {
		t.Errorf("Expected 1 command counted, got %v", got)
	}
}

func TestProcessNotReadyIsUnhandled(t *testing.T) {
	h := newHarness(t, true, Options{})
	cmd := types.NewCommand("open bluetooth", "test")

	result := h.svc.Process(context.Background(), cmd)
	if result.Success || result.Action.Kind != types.ActionUnhandled || result.Detail != "model not ready" {
		t.Fatalf("Unexpected result %+v", result)
	}
	e := h.waitFor(t, types.EventUnhandled)
	if e.CommandID != cmd.ID || e.Message != "model not ready" {
		t.Errorf("Unexpected event %+v", e)
	}
	if h.engine.runs.Load() != 0 {
		t.Error("Model must not run before Ready")
	}
	if len(h.act.clicks()) != 0 {
		t.Error("Nothing should be clicked")
	}
}

func TestSubmitUsesModelWhenReady(t *testing.T) {
	h := newHarness(t, true, Options{})
	var prompt atomic.Value
	h.engine.reply = func(p string) string {
		prompt.Store(p)
		return "  Bluetooth "
	}
	h.start(t)
	h.waitFor(t, types.EventReady)

	result, err := h.svc.Submit(context.Background(), types.NewCommand("turn on bluetooth", "test"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !result.Success || result.Action != types.Click("Bluetooth") {
		t.Fatalf("Unexpected result %+v", result)
	}
	if prompt.Load() != "<user>turn on bluetooth<end><assistant>" {
		t.Errorf("Unexpected prompt %q", prompt.Load())
	}
	if clicks := h.act.clicks(); len(clicks) != 1 || clicks[0] != "Bluetooth" {
		t.Errorf("Unexpected clicks %v", clicks)
	}
}

func TestModelTargetNotOnScreen(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.engine.reply = func(string) string { return "Airplane mode" }
	h.start(t)
	h.waitFor(t, types.EventReady)

	result, err := h.svc.Submit(context.Background(), types.NewCommand("fly", "test"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Success || result.Detail != "target not found: Airplane mode" {
		t.Errorf("Unexpected result %+v", result)
	}
	e := h.waitFor(t, types.EventActionResult)
	if e.Message != "target not found: Airplane mode" {
		t.Errorf("Unexpected event message %q", e.Message)
	}
}

func TestCommandsRunInArrivalOrder(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)

	var cmds []types.Command
	var dones []<-chan types.ActionResult
	for _, text := range []string{"click Settings", "back", "click Wi-Fi", "nonsense"} {
		cmd := types.NewCommand(text, "test")
		done, err := h.svc.Enqueue(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		cmds = append(cmds, cmd)
		dones = append(dones, done)
	}
	for i, done := range dones {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("Command %d never finished", i)
		}
	}

	var ids []string
	deadline := time.After(3 * time.Second)
	for len(ids) < len(cmds) {
		select {
		case e := <-h.sink.C:
			if e.CommandID != "" {
				ids = append(ids, e.CommandID)
			}
		case <-deadline:
			t.Fatalf("Got only %d command events", len(ids))
		}
	}
	for i, cmd := range cmds {
		if ids[i] != cmd.ID {
			t.Errorf("Event %d: expected command %s, got %s", i, cmd.ID, ids[i])
		}
	}
	if clicks := h.act.clicks(); len(clicks) != 2 || clicks[0] != "Settings" || clicks[1] != "" {
		t.Errorf("Unexpected clicks %v", clicks)
	}
}

func TestHandleMessage(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)

	raw, _ := json.Marshal(types.InboundMessage{Action: types.MessageActionCommand, CommandText: "back"})
	cmd, err := h.svc.HandleMessage(context.Background(), raw, "stdin")
	if err != nil || cmd == nil {
		t.Fatalf("Expected a queued command, got %v %v", cmd, err)
	}
	if cmd.RawText != "back" {
		t.Errorf("Expected command text back, got %q", cmd.RawText)
	}
	e := h.waitFor(t, types.EventActionResult)
	if e.CommandID != cmd.ID || cmd.Source != "stdin" {
		t.Errorf("Unexpected event %+v for %+v", e, cmd)
	}

	cmd, err = h.svc.HandleMessage(context.Background(), []byte(`{"action":"PING"}`), "stdin")
	if err != nil || cmd != nil {
		t.Errorf("Unknown action should be ignored, got %v %v", cmd, err)
	}

	for _, raw := range []string{`{"action":`, `["COMMAND"]`} {
		if _, err := h.svc.HandleMessage(context.Background(), []byte(raw), "stdin"); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%s: expected ErrMalformedMessage, got %v", raw, err)
		}
	}
}

func TestRetryOnCommand(t *testing.T) {
	h := newHarness(t, false, Options{RetryOnCommand: true})
	h.start(t)
	h.waitFor(t, types.EventError)

	writeModelFiles(t, h.paths)
	result, err := h.svc.Submit(context.Background(), types.NewCommand("open bluetooth", "test"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Detail != "model not ready" {
		t.Errorf("The triggering command still sees Failed, got %+v", result)
	}
	h.waitFor(t, types.EventReady)
}

func TestNoRetryByDefault(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)
	h.waitFor(t, types.EventError)

	writeModelFiles(t, h.paths)
	h.svc.Submit(context.Background(), types.NewCommand("open bluetooth", "test"))
	time.Sleep(100 * time.Millisecond)
	if h.runtime.State().Status != inference.Failed {
		t.Errorf("Expected Failed to stick, got %s", h.runtime.State())
	}
}

func TestStopUnloadsAndDisconnects(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.start(t)
	h.waitFor(t, types.EventReady)

	h.svc.Stop()
	h.waitFor(t, types.EventDisconnected)
	if h.runtime.State().Status != inference.Uninitialized {
		t.Errorf("Expected Uninitialized after stop, got %s", h.runtime.State())
	}
	if _, err := h.svc.Enqueue(context.Background(), types.NewCommand("back", "test")); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	h.svc.Stop()
}

func TestEnqueueBeforeStart(t *testing.T) {
	h := newHarness(t, false, Options{})
	if _, err := h.svc.Enqueue(context.Background(), types.NewCommand("back", "test")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
}

func TestIdleWaitsForQueuedCommands(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)

	for _, text := range []string{"click Settings", "back", "click Wi-Fi"} {
		if _, err := h.svc.Enqueue(context.Background(), types.NewCommand(text, "test")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.svc.Idle(ctx); err != nil {
		t.Fatalf("Idle failed: %v", err)
	}
	if entries, _ := h.journal.Recent(10); len(entries) != 3 {
		t.Errorf("Expected 3 journaled commands after Idle, got %d", len(entries))
	}
}
